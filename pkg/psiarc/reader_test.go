package psiarc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/psiarc/pkg/psiarc/compress"
)

func TestEndToEndThousandFrames(t *testing.T) {
	// 1000 frames across 3 sessions with keyframe interval 300 and
	// compression disabled, written, closed, reopened, and read back
	// bit-exact per channel.
	path := archivePath(t)
	w, err := Create(path, WithKeyframeInterval(300))
	require.NoError(t, err)

	counts := []int{400, 300, 300}
	written := make(map[string][][]int16)
	for i, n := range counts {
		id := fmt.Sprintf("session-%d", i)
		written[id] = writeOscSession(t, w, id, i, BandMicro, 3, n)
		require.NoError(t, w.FinalizeSession(id))
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"session-0", "session-1", "session-2"}, r.SessionIDs())
	assert.False(t, r.WasTruncationDetected())

	for i, n := range counts {
		id := fmt.Sprintf("session-%d", i)
		view, err := r.Session(id, SessionOptions{})
		require.NoError(t, err)
		assert.Equal(t, n, view.FrameCount())
		assert.Zero(t, view.CorruptedFrameCount())
		assert.Zero(t, view.RecoveredFrameCount())
		assert.Zero(t, view.UnrecoverableFrameCount())

		frames, err := view.AllFrames()
		require.NoError(t, err)
		require.Len(t, frames, n)
		for j, f := range frames {
			assert.Equal(t, id, f.SessionID)
			assert.Equal(t, BandMicro, f.Band)
			assert.Equal(t, j, f.Index)
			require.Equal(t, written[id][j], f.Channels, "%s frame %d", id, j)
		}
	}
}

func TestSeekMatchesLinearReplay(t *testing.T) {
	path := archivePath(t)
	w, err := Create(path, WithKeyframeInterval(25))
	require.NoError(t, err)
	writeOscSession(t, w, "s", 0, BandMicro, 4, 120)
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	view, err := r.Session("s", SessionOptions{})
	require.NoError(t, err)
	linear, err := view.AllFrames()
	require.NoError(t, err)
	require.Len(t, linear, 120)

	for n := 0; n < 120; n++ {
		got, err := view.FrameAt(BandMicro, n)
		require.NoError(t, err, "frame %d", n)
		assert.Equal(t, linear[n].Channels, got.Channels, "frame %d", n)
		assert.Equal(t, linear[n].Keyframe, got.Keyframe, "frame %d", n)
	}

	_, err = view.FrameAt(BandMicro, 120)
	assert.ErrorIs(t, err, ErrFrameUnavailable)
}

func TestFrameIteratorRestartable(t *testing.T) {
	path := archivePath(t)
	w, err := Create(path, WithKeyframeInterval(10))
	require.NoError(t, err)
	writeOscSession(t, w, "s", 0, BandMicro, 2, 30)
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	view, err := r.Session("s", SessionOptions{})
	require.NoError(t, err)

	it := view.Frames()
	var firstPass []Frame
	for it.Next() {
		firstPass = append(firstPass, it.Frame())
	}
	require.NoError(t, it.Err())
	require.Len(t, firstPass, 30)

	it.Reset()
	var secondPass []Frame
	for it.Next() {
		secondPass = append(secondPass, it.Frame())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, firstPass, secondPass)
}

func TestAudioBandRoundTrip(t *testing.T) {
	path := archivePath(t)
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.CreateSession("s", SessionMetadata{}))

	blocks := [][]byte{
		{0x00, 0x01, 0x02, 0x03},
		{0xFF, 0xFE},
		{0x10, 0x20, 0x30, 0x40, 0x50, 0x60},
	}
	for _, b := range blocks {
		require.NoError(t, w.AddFrame(Frame{SessionID: "s", Band: BandAudioPCM, PCM: b}))
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	view, err := r.Session("s", SessionOptions{})
	require.NoError(t, err)
	frames, err := view.AllFrames()
	require.NoError(t, err)
	require.Len(t, frames, len(blocks))
	for i, f := range frames {
		assert.Equal(t, BandAudioPCM, f.Band)
		assert.Equal(t, i, f.Index)
		assert.Equal(t, blocks[i], f.PCM)
		assert.False(t, f.Keyframe, "audio blocks are always independently decodable")
	}

	got, err := view.FrameAt(BandAudioPCM, 1)
	require.NoError(t, err)
	assert.Equal(t, blocks[1], got.PCM)
}

func TestInterleavedBandsAndSessions(t *testing.T) {
	path := archivePath(t)
	w, err := Create(path, WithKeyframeInterval(5))
	require.NoError(t, err)
	require.NoError(t, w.CreateSession("a", SessionMetadata{}))
	require.NoError(t, w.CreateSession("b", SessionMetadata{}))

	// Two sessions appending concurrently, with different channel
	// counts per band.
	for i := 0; i < 12; i++ {
		require.NoError(t, w.AddFrame(oscFrame("a", 0, BandMicro, i, 2)))
		require.NoError(t, w.AddFrame(oscFrame("a", 0, BandMeso, i, 5)))
		require.NoError(t, w.AddFrame(oscFrame("b", 1, BandMicro, i, 3)))
	}
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)

	viewA, err := r.Session("a", SessionOptions{})
	require.NoError(t, err)
	framesA, err := viewA.AllFrames()
	require.NoError(t, err)
	require.Len(t, framesA, 24)

	perBand := make(map[Band]int)
	for _, f := range framesA {
		assert.Equal(t, "a", f.SessionID)
		assert.Equal(t, perBand[f.Band], f.Index)
		want := oscFrame("a", 0, f.Band, f.Index, len(f.Channels))
		assert.Equal(t, want.Channels, f.Channels)
		perBand[f.Band]++
	}
	assert.Equal(t, map[Band]int{BandMicro: 12, BandMeso: 12}, perBand)

	viewB, err := r.Session("b", SessionOptions{})
	require.NoError(t, err)
	framesB, err := viewB.AllFrames()
	require.NoError(t, err)
	require.Len(t, framesB, 12)
	for _, f := range framesB {
		assert.Len(t, f.Channels, 3)
	}
}

func TestCompressedArchiveRoundTrip(t *testing.T) {
	for _, codec := range []compress.Codec{compress.S2{}, compress.Flate{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			path := archivePath(t)
			w, err := Create(path, WithCodec(codec), WithKeyframeInterval(7))
			require.NoError(t, err)
			written := writeOscSession(t, w, "s", 0, BandMacro, 6, 40)
			require.NoError(t, w.Close())

			r, err := Open(path)
			require.NoError(t, err)
			view, err := r.Session("s", SessionOptions{})
			require.NoError(t, err)
			assert.Equal(t, codec.Name(), view.Metadata().Codec)

			frames, err := view.AllFrames()
			require.NoError(t, err)
			require.Len(t, frames, 40)
			for i, f := range frames {
				require.Equal(t, written[i], f.Channels, "frame %d", i)
			}
		})
	}
}

func TestSessionUnknownID(t *testing.T) {
	path := archivePath(t)
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	_, err = r.Session("ghost", SessionOptions{})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestIndependentViews(t *testing.T) {
	path := archivePath(t)
	w, err := Create(path, WithKeyframeInterval(10))
	require.NoError(t, err)
	writeOscSession(t, w, "s", 0, BandMicro, 2, 20)
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	v1, err := r.Session("s", SessionOptions{})
	require.NoError(t, err)
	v2, err := r.Session("s", SessionOptions{})
	require.NoError(t, err)

	// Interleaved iteration over separate views must not share codec
	// state.
	it1, it2 := v1.Frames(), v2.Frames()
	for it1.Next() {
		require.True(t, it2.Next())
		assert.Equal(t, it1.Frame(), it2.Frame())
	}
	require.NoError(t, it1.Err())
	require.NoError(t, it2.Err())
	assert.False(t, it2.Next())
}

func TestStats(t *testing.T) {
	path := archivePath(t)
	w, err := Create(path, WithCreatedAt(99))
	require.NoError(t, err)
	require.NoError(t, w.CreateSession("s", SessionMetadata{}))
	require.NoError(t, w.AddFrame(oscFrame("s", 0, BandMicro, 0, 1)))
	require.NoError(t, w.AddFrame(Frame{SessionID: "s", Band: BandAudioPCM, PCM: []byte{1, 2}}))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	stats := r.Stats()
	assert.Equal(t, FormatVersion, stats.Version)
	assert.Equal(t, uint64(99), stats.CreatedAtMS)
	assert.True(t, stats.CleanlyClosed)
	assert.False(t, stats.TruncationDetected)
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, map[string]int{"micro": 1, "audio_pcm": 1}, stats.Sessions[0].FrameChunks)
}
