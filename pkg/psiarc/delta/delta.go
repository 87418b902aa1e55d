// Package delta implements the wraparound-correct int16 delta codec
// used for slowly-varying phase-valued oscillator channels.
//
// Each Codec owns the "previous value" vector for exactly one
// (session, band) pair. State is never shared between codecs, archives
// or sessions; keyframes reseed it on both the encode and decode side.
package delta

import (
	"errors"
	"fmt"
)

var ErrChannelMismatch = errors.New("delta: frame channel count does not match codec")

// Codec holds per-channel predictor state for one (session, band) pair.
type Codec struct {
	prev []int16
}

// NewCodec creates a codec for frames of the given channel count.
func NewCodec(channels int) (*Codec, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("delta: invalid channel count %d", channels)
	}
	return &Codec{prev: make([]int16, channels)}, nil
}

// Channels returns the number of channels the codec was created for.
func (c *Codec) Channels() int {
	return len(c.prev)
}

// wrap16 maps a raw int16 difference into the representable int16
// range. Phase values that cross the -32768/32767 boundary produce a
// raw difference near ±65535; folding by 65536 turns that into the
// small-magnitude step the signal actually took.
func wrap16(diff int32) int16 {
	if diff > 32767 {
		diff -= 65536
	} else if diff < -32768 {
		diff += 65536
	}
	return int16(diff)
}

// EncodeFrame returns the wrap-corrected deltas of curr against the
// previous frame and advances the predictor to curr.
func (c *Codec) EncodeFrame(curr []int16) ([]int16, error) {
	if len(curr) != len(c.prev) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrChannelMismatch, len(curr), len(c.prev))
	}
	deltas := make([]int16, len(curr))
	for i, v := range curr {
		deltas[i] = wrap16(int32(v) - int32(c.prev[i]))
		c.prev[i] = v
	}
	return deltas, nil
}

// DecodeFrame reconstructs absolute values from deltas and advances
// the predictor to the reconstructed frame.
func (c *Codec) DecodeFrame(deltas []int16) ([]int16, error) {
	if len(deltas) != len(c.prev) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrChannelMismatch, len(deltas), len(c.prev))
	}
	curr := make([]int16, len(deltas))
	for i, d := range deltas {
		curr[i] = wrap16(int32(c.prev[i]) + int32(d))
		c.prev[i] = curr[i]
	}
	return curr, nil
}

// SeedKeyframe resets the predictor from a keyframe's absolute values.
// Keyframes bypass delta coding entirely; this is the anchor both
// seeking and recovery depend on.
func (c *Codec) SeedKeyframe(abs []int16) error {
	if len(abs) != len(c.prev) {
		return fmt.Errorf("%w: got %d, want %d", ErrChannelMismatch, len(abs), len(c.prev))
	}
	copy(c.prev, abs)
	return nil
}
