// Package compress defines the pluggable chunk-payload compression
// strategy. The chunk framing contract is unaffected by the choice of
// codec: the chunk CRC always covers the stored (compressed) bytes.
package compress

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
)

var ErrUnknownCodec = errors.New("compress: unknown codec")

// Codec compresses and decompresses frame payload blocks. The codec
// name is recorded in the session metadata so readers can resolve the
// matching decompressor.
type Codec interface {
	// Name is the stable identifier stored in session metadata.
	Name() string

	// Compress returns the stored form of src.
	Compress(src []byte) ([]byte, error)

	// Decompress reverses Compress.
	Decompress(src []byte) ([]byte, error)
}

// ByName resolves a built-in codec: "none", "s2" or "flate".
func ByName(name string) (Codec, error) {
	switch name {
	case "", None{}.Name():
		return None{}, nil
	case S2{}.Name():
		return S2{}, nil
	case Flate{}.Name():
		return Flate{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// None stores payloads verbatim.
type None struct{}

func (None) Name() string { return "none" }

func (None) Compress(src []byte) ([]byte, error) { return src, nil }

func (None) Decompress(src []byte) ([]byte, error) { return src, nil }

// S2 uses the snappy-compatible s2 block format. It is the default for
// new archives: fast enough for 60 fps append paths and effective on
// small-magnitude delta vectors.
type S2 struct{}

func (S2) Name() string { return "s2" }

func (S2) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (S2) Decompress(src []byte) ([]byte, error) {
	dst, err := s2.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("compress: s2 decode: %w", err)
	}
	return dst, nil
}

// Flate uses DEFLATE at the default level.
type Flate struct{}

func (Flate) Name() string { return "flate" }

func (Flate) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("compress: flate writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("compress: flate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: flate close: %w", err)
	}
	return buf.Bytes(), nil
}

func (Flate) Decompress(src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	dst, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compress: flate decode: %w", err)
	}
	return dst, nil
}
