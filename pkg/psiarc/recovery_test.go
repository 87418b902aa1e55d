package psiarc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/psiarc/pkg/psiarc/compress"
	"github.com/entrhq/psiarc/pkg/psiarc/wire"
)

// corruptChunk mutates one byte of the stored chunk at the given
// archive offset. A negative byteOff indexes from the chunk's end, so
// -1 hits the last CRC byte and leaves the payload intact.
func corruptChunk(t *testing.T, path string, off int64, byteOff int) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	ch, err := wire.DecodeChunk(data, off)
	require.NoError(t, err)
	pos := off + int64(byteOff)
	if byteOff < 0 {
		pos = off + int64(ch.Size) + int64(byteOff)
	}
	data[pos] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

// zeroChunkPayload zeroes the chunk payload after the leading session
// ordinal, guaranteeing the compressed block no longer decodes.
func zeroChunkPayload(t *testing.T, path string, off int64) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	ch, err := wire.DecodeChunk(data, off)
	require.NoError(t, err)
	_, n, err := wire.Uvarint(ch.Payload)
	require.NoError(t, err)
	for i := n; i < len(ch.Payload); i++ {
		ch.Payload[i] = 0
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func recordArchive(t *testing.T, interval, channels, frames int, opts ...WriterOption) (string, [][]int16) {
	t.Helper()
	path := archivePath(t)
	opts = append([]WriterOption{WithKeyframeInterval(interval)}, opts...)
	w, err := Create(path, opts...)
	require.NoError(t, err)
	written := writeOscSession(t, w, "s", 0, BandMicro, channels, frames)
	require.NoError(t, w.Close())
	return path, written
}

func TestCorruptionFatalByDefault(t *testing.T) {
	path, _ := recordArchive(t, 10, 3, 25)
	ranges := frameChunkOffsets(t, path, "s")
	corruptChunk(t, path, ranges[4][0], -5) // payload byte of a delta frame

	r, err := Open(path)
	require.NoError(t, err, "structure is intact, only the payload is wrong")
	_, err = r.Session("s", SessionOptions{})
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, ranges[4][0], ierr.Offset)
	assert.NotEqual(t, ierr.Expected, ierr.Actual)
}

func TestSkipCorruptedFrames(t *testing.T) {
	const interval, frames = 10, 25
	path, written := recordArchive(t, interval, 3, frames)
	ranges := frameChunkOffsets(t, path, "s")
	corruptChunk(t, path, ranges[4][0], -5)

	r, err := Open(path)
	require.NoError(t, err)
	view, err := r.Session("s", SessionOptions{SkipCorruptedFrames: true})
	require.NoError(t, err)
	assert.Equal(t, frames-1, view.FrameCount())
	assert.Equal(t, 1, view.CorruptedFrameCount())
	assert.Zero(t, view.RecoveredFrameCount())

	got, err := view.AllFrames()
	require.NoError(t, err)
	require.Len(t, got, frames-1)
	for _, f := range got {
		assert.NotEqual(t, 4, f.Index)
		// Frames after the gap drift until the next keyframe reseeds
		// the decoder; from frame 10 on they are exact again.
		if f.Index < 4 || f.Index >= interval {
			assert.Equal(t, written[f.Index], f.Channels, "frame %d", f.Index)
		}
	}
}

func TestSkipCorruptedKeyframeDropsUnanchoredDeltas(t *testing.T) {
	const interval, frames = 10, 25
	path, written := recordArchive(t, interval, 3, frames)
	ranges := frameChunkOffsets(t, path, "s")
	corruptChunk(t, path, ranges[0][0], -5) // first keyframe

	r, err := Open(path)
	require.NoError(t, err)
	view, err := r.Session("s", SessionOptions{SkipCorruptedFrames: true})
	require.NoError(t, err)

	// Frames 1..9 are deltas with no anchor left; replay resumes at the
	// keyframe with index 10.
	assert.Equal(t, 1, view.CorruptedFrameCount())
	assert.Equal(t, interval-1, view.UnrecoverableFrameCount())
	assert.Equal(t, frames-interval, view.FrameCount())

	got, err := view.AllFrames()
	require.NoError(t, err)
	for _, f := range got {
		assert.GreaterOrEqual(t, f.Index, interval)
		assert.Equal(t, written[f.Index], f.Channels, "frame %d", f.Index)
	}
}

func TestRepairCRCErrors(t *testing.T) {
	const frames = 25
	path, written := recordArchive(t, 10, 3, frames)
	ranges := frameChunkOffsets(t, path, "s")
	// Flip a stored CRC byte only: the payload itself is untouched, so
	// repair accepts the frame and the decoded values stay exact.
	corruptChunk(t, path, ranges[7][0], -1)

	r, err := Open(path)
	require.NoError(t, err)
	view, err := r.Session("s", SessionOptions{RepairCRCErrors: true})
	require.NoError(t, err)
	assert.Equal(t, frames, view.FrameCount())
	assert.Equal(t, 1, view.RecoveredFrameCount())
	assert.Zero(t, view.CorruptedFrameCount())
	assert.Zero(t, view.UnrecoverableFrameCount())

	got, err := view.AllFrames()
	require.NoError(t, err)
	require.Len(t, got, frames)
	for i, f := range got {
		assert.Equal(t, written[i], f.Channels, "frame %d", i)
	}
}

func TestRepairUnrecoverableFrame(t *testing.T) {
	const frames = 25
	path, _ := recordArchive(t, 10, 3, frames, WithCodec(compress.Flate{}))
	ranges := frameChunkOffsets(t, path, "s")
	zeroChunkPayload(t, path, ranges[4][0])

	r, err := Open(path)
	require.NoError(t, err)
	view, err := r.Session("s", SessionOptions{RepairCRCErrors: true})
	require.NoError(t, err)
	assert.Equal(t, frames-1, view.FrameCount())
	assert.Equal(t, 1, view.UnrecoverableFrameCount())
	assert.Zero(t, view.RecoveredFrameCount())
	assert.Zero(t, view.CorruptedFrameCount())
}

func TestTruncationMidChunk(t *testing.T) {
	const frames = 25
	path, _ := recordArchive(t, 10, 3, frames)
	ranges := frameChunkOffsets(t, path, "s")
	last := ranges[frames-1]
	require.NoError(t, os.Truncate(path, (last[0]+last[1])/2))

	r, err := Open(path)
	require.NoError(t, err, "truncation is not fatal")
	assert.True(t, r.WasTruncationDetected())
	assert.False(t, r.Stats().CleanlyClosed)

	view, err := r.Session("s", SessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, frames-1, view.FrameCount())
}

func TestMissingEndChunk(t *testing.T) {
	const frames = 25
	path, written := recordArchive(t, 10, 3, frames)
	ranges := frameChunkOffsets(t, path, "s")
	// Cut exactly at the last frame boundary: session END and archive
	// END are gone but every chunk left is complete.
	require.NoError(t, os.Truncate(path, ranges[frames-1][1]))

	r, err := Open(path)
	require.NoError(t, err)
	assert.True(t, r.WasTruncationDetected())
	assert.False(t, r.Stats().CleanlyClosed)

	view, err := r.Session("s", SessionOptions{})
	require.NoError(t, err)
	got, err := view.AllFrames()
	require.NoError(t, err)
	require.Len(t, got, frames)
	for i, f := range got {
		assert.Equal(t, written[i], f.Channels, "frame %d", i)
	}
}

func TestHeaderReconstruction(t *testing.T) {
	const frames = 25
	path, written := recordArchive(t, 10, 3, frames)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for i := 0; i < headerSize; i++ {
		data[i] = 0
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Open(path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)

	// Recovery mode alone does not rewrite headers.
	_, err = Open(path, WithRecoveryMode())
	require.ErrorAs(t, err, &ferr)

	r, err := Open(path, WithRecoveryMode(), WithHeaderReconstruction())
	require.NoError(t, err)
	assert.True(t, r.WasHeaderReconstructed())
	assert.Zero(t, r.Header().Version)

	view, err := r.Session("s", SessionOptions{})
	require.NoError(t, err)
	got, err := view.AllFrames()
	require.NoError(t, err)
	require.Len(t, got, frames)
	for i, f := range got {
		assert.Equal(t, written[i], f.Channels, "frame %d", i)
	}
}

func TestRecoveryModeSkipsGarbage(t *testing.T) {
	const frames = 25
	path, written := recordArchive(t, 10, 3, frames)
	ranges := frameChunkOffsets(t, path, "s")

	// Splice structurally invalid bytes between two chunks.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	at := ranges[4][0]
	garbage := []byte{0x05, 0xDE, 0xAD, 0xBE}
	spliced := append(append(append([]byte(nil), data[:at]...), garbage...), data[at:]...)
	require.NoError(t, os.WriteFile(path, spliced, 0o600))

	_, err = Open(path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, at, ferr.Offset)

	r, err := Open(path, WithRecoveryMode())
	require.NoError(t, err)
	assert.Equal(t, 1, r.SkippedChunks())

	view, err := r.Session("s", SessionOptions{})
	require.NoError(t, err)
	got, err := view.AllFrames()
	require.NoError(t, err)
	require.Len(t, got, frames)
	for i, f := range got {
		assert.Equal(t, written[i], f.Channels, "frame %d", i)
	}
}
