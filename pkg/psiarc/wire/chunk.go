// Package wire defines the PSIARC on-disk chunk layout: a single-byte
// tag, a LEB128 length, the payload, and a little-endian CRC32 over the
// payload bytes as stored.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the kind of a chunk. Band tags for the oscillator
// tiers may carry KeyframeMarker in their high bit; the audio and end
// tags occupy the high-bit space on purpose, so the marker never
// applies to them.
type Tag uint8

const (
	TagMicro        Tag = 0x01
	TagMeso         Tag = 0x02
	TagMacro        Tag = 0x03
	TagSessionStart Tag = 0x04
	TagAudioPCM     Tag = 0xFE
	TagEnd          Tag = 0xFF

	// KeyframeMarker is OR'd into an oscillator band tag when the chunk
	// stores absolute channel values rather than deltas.
	KeyframeMarker Tag = 0x80
)

// crcLen is the size of the trailing checksum field.
const crcLen = 4

// Valid reports whether t is a tag this format version understands,
// including keyframe-marked oscillator tags.
func (t Tag) Valid() bool {
	switch t {
	case TagMicro, TagMeso, TagMacro, TagSessionStart, TagAudioPCM, TagEnd:
		return true
	case TagMicro | KeyframeMarker, TagMeso | KeyframeMarker, TagMacro | KeyframeMarker:
		return true
	}
	return false
}

// IsFrame reports whether t carries frame data (oscillator or audio).
func (t Tag) IsFrame() bool {
	return t.IsOscillator() || t == TagAudioPCM
}

// IsOscillator reports whether t is a micro/meso/macro band tag, with
// or without the keyframe marker.
func (t Tag) IsOscillator() bool {
	switch t &^ KeyframeMarker {
	case TagMicro, TagMeso, TagMacro:
		return true
	}
	return false
}

// Keyframe reports whether t carries the keyframe marker. Only
// meaningful for oscillator tags; audio blocks are always
// independently decodable.
func (t Tag) Keyframe() bool {
	return t.IsOscillator() && t&KeyframeMarker != 0
}

// Base strips the keyframe marker from an oscillator tag. Non-band
// tags are returned unchanged.
func (t Tag) Base() Tag {
	if t.IsOscillator() {
		return t &^ KeyframeMarker
	}
	return t
}

// Chunk is one decoded wire chunk. Payload aliases the source buffer;
// callers must not mutate it.
type Chunk struct {
	Tag     Tag
	Payload []byte
	CRC     uint32 // checksum as stored on disk

	// Offset is the chunk's start position within the source buffer,
	// and Size its total encoded length including tag, length prefix
	// and checksum.
	Offset int64
	Size   int
}

// IntegrityOK reports whether the stored checksum matches the payload.
func (c Chunk) IntegrityOK() bool {
	return Verify(c.Payload, c.CRC)
}

// AppendChunk appends a complete encoded chunk to dst and returns the
// extended slice. The checksum covers exactly the payload bytes passed
// in, i.e. the bytes as they will be stored.
func AppendChunk(dst []byte, tag Tag, payload []byte) []byte {
	dst = append(dst, byte(tag))
	dst = AppendUvarint(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint32(dst, Checksum(payload))
}

// DecodeChunk parses the chunk starting at off in buf. It validates
// structure only; integrity is the caller's policy, checked via
// Chunk.IntegrityOK. Structural failures return ErrShortBuffer (chunk
// extends past the end of buf), a varint error, or an unknown-tag
// error.
func DecodeChunk(buf []byte, off int64) (Chunk, error) {
	if off >= int64(len(buf)) {
		return Chunk{}, ErrShortBuffer
	}
	tag := Tag(buf[off])
	if !tag.Valid() {
		return Chunk{}, fmt.Errorf("wire: unknown chunk tag 0x%02X at offset %d", byte(tag), off)
	}
	length, n, err := Uvarint(buf[off+1:])
	if err != nil {
		return Chunk{}, err
	}
	payloadOff := off + 1 + int64(n)
	end := payloadOff + int64(length) + crcLen
	if end > int64(len(buf)) {
		return Chunk{}, ErrShortBuffer
	}
	payload := buf[payloadOff : payloadOff+int64(length)]
	crc := binary.LittleEndian.Uint32(buf[payloadOff+int64(length) : end])
	return Chunk{
		Tag:     tag,
		Payload: payload,
		CRC:     crc,
		Offset:  off,
		Size:    int(end - off),
	}, nil
}
