package wire

import "hash/crc32"

// Chunk integrity uses the standard reflected CRC32 (polynomial
// 0xEDB88320, initial value 0xFFFFFFFF, output inverted), i.e. the IEEE
// checksum. Reference vector: Checksum([]byte("123456789")) == 0xCBF43926.

// Checksum computes the CRC32 of p.
func Checksum(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

// Verify reports whether p checksums to expected.
func Verify(p []byte, expected uint32) bool {
	return crc32.ChecksumIEEE(p) == expected
}
