package psiarc

import (
	"encoding/binary"

	"github.com/entrhq/psiarc/pkg/psiarc/wire"
)

// Archive header layout, 20 bytes:
//
//	[magic "PSIARC":6][version:u16 LE][created-at unix ms:u64 LE][crc32:u32 LE]
//
// The checksum covers the preceding 16 bytes. A header that fails
// verification makes the archive unreadable unless it is opened with
// header reconstruction enabled.

const headerSize = 6 + 2 + 8 + 4

var magic = [6]byte{'P', 'S', 'I', 'A', 'R', 'C'}

// Header is the decoded archive header.
type Header struct {
	Version   uint16
	CreatedAt uint64 // Unix milliseconds; zero when reconstructed

	// Reconstructed is true when the on-disk header failed
	// verification and a minimal header was synthesized in recovery.
	Reconstructed bool
}

func appendHeader(dst []byte, h Header) []byte {
	dst = append(dst, magic[:]...)
	dst = binary.LittleEndian.AppendUint16(dst, h.Version)
	dst = binary.LittleEndian.AppendUint64(dst, h.CreatedAt)
	return binary.LittleEndian.AppendUint32(dst, wire.Checksum(dst[len(dst)-16:]))
}

// decodeHeader parses and verifies the archive header at the start of
// buf, returning the offset of the first chunk.
func decodeHeader(buf []byte) (Header, int64, error) {
	if len(buf) < headerSize {
		return Header{}, 0, formatErr(0, "archive shorter than header", nil)
	}
	if [6]byte(buf[:6]) != magic {
		return Header{}, 0, formatErr(0, "bad magic", nil)
	}
	if !wire.Verify(buf[:16], binary.LittleEndian.Uint32(buf[16:20])) {
		return Header{}, 0, formatErr(0, "header checksum mismatch", nil)
	}
	return Header{
		Version:   binary.LittleEndian.Uint16(buf[6:8]),
		CreatedAt: binary.LittleEndian.Uint64(buf[8:16]),
	}, headerSize, nil
}
