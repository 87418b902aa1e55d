package psiarc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/entrhq/psiarc/pkg/psiarc/wire"
)

// phaseVal generates deterministic channel values that sweep the whole
// int16 range so boundary wraparounds happen naturally.
func phaseVal(session, frame, ch int) int16 {
	x := uint32(session*2654435761) + uint32(frame)*40503 + uint32(ch)*9176
	return int16(uint16(x))
}

func oscFrame(session string, ordinal int, band Band, frame, channels int) Frame {
	vals := make([]int16, channels)
	for ch := range vals {
		vals[ch] = phaseVal(ordinal, frame, ch)
	}
	return Frame{SessionID: session, Band: band, Channels: vals}
}

func archivePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "trajectory.psiarc")
}

// writeOscSession records n frames of one oscillator band and returns
// the absolute values written.
func writeOscSession(t *testing.T, w *Writer, id string, ordinal int, band Band, channels, n int) [][]int16 {
	t.Helper()
	require.NoError(t, w.CreateSession(id, SessionMetadata{}))
	values := make([][]int16, n)
	for i := 0; i < n; i++ {
		f := oscFrame(id, ordinal, band, i, channels)
		values[i] = f.Channels
		require.NoError(t, w.AddFrame(f))
	}
	return values
}

// frameChunkOffsets returns the archive byte ranges of a session's
// frame chunks, for corruption tests.
func frameChunkOffsets(t *testing.T, path, session string) [][2]int64 {
	t.Helper()
	r, err := Open(path)
	require.NoError(t, err)
	sess := r.byID[session]
	require.NotNil(t, sess)
	ranges := make([][2]int64, len(sess.chunks))
	for i, ref := range sess.chunks {
		ch, err := wire.DecodeChunk(r.data, ref.off)
		require.NoError(t, err)
		ranges[i] = [2]int64{ref.off, ref.off + int64(ch.Size)}
	}
	return ranges
}
