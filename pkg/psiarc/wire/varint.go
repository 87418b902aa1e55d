package wire

import (
	"errors"
	"fmt"
)

// MaxVarintLen is the maximum encoded size of a uint32 varint:
// ceil(32/7) bytes. A varint without a terminating byte within this
// many bytes is malformed.
const MaxVarintLen = 5

var (
	ErrVarintOverflow = errors.New("wire: varint exceeds 5 bytes")
	ErrShortBuffer    = errors.New("wire: unexpected end of data")
)

// AppendUvarint appends v to dst in LEB128 form: 7 data bits per byte,
// least-significant group first, high bit set on all but the final byte.
func AppendUvarint(dst []byte, v uint32) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// UvarintLen reports the encoded size of v without encoding it.
func UvarintLen(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// Uvarint decodes a LEB128 uint32 from the start of buf and reports the
// number of bytes consumed. It fails with ErrShortBuffer if buf ends
// before a terminating byte, and with ErrVarintOverflow if no
// terminating byte appears within MaxVarintLen bytes.
func Uvarint(buf []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b < 0x80 {
			// The final group of a 5-byte varint may only carry the
			// top 4 bits of a uint32.
			if i == MaxVarintLen-1 && b > 0x0F {
				return 0, 0, fmt.Errorf("%w: value overflows uint32", ErrVarintOverflow)
			}
			return v | uint32(b)<<(7*i), i + 1, nil
		}
		if i == MaxVarintLen-1 {
			return 0, 0, ErrVarintOverflow
		}
		v |= uint32(b&0x7F) << (7 * i)
	}
	return 0, 0, ErrShortBuffer
}
