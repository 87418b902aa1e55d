package psiarc

import "github.com/entrhq/psiarc/pkg/psiarc/wire"

// Recovery never fabricates frame data: it only reconstructs
// structural framing. Header reconstruction synthesizes a minimal
// header so the chunk stream stays readable; resynchronization skips
// bytes until a verifiable chunk boundary; CRC-failed payloads are
// only ever skipped or repaired under the session read policy, never
// guessed.

// scanChunkBoundary scans forward from off for the first position that
// parses as a complete chunk whose stored CRC verifies. Requiring the
// checksum to match makes accidental boundaries in corrupted bytes
// vanishingly unlikely, at the cost of hashing candidate payloads.
func scanChunkBoundary(data []byte, off int64) (int64, bool) {
	for ; off < int64(len(data)); off++ {
		ch, err := wire.DecodeChunk(data, off)
		if err != nil || !ch.IntegrityOK() {
			continue
		}
		if ch.Tag.IsFrame() {
			// Frame payloads open with a session-ordinal varint.
			if _, _, err := wire.Uvarint(ch.Payload); err != nil {
				continue
			}
		}
		return off, true
	}
	return 0, false
}
