package psiarc

import (
	"fmt"

	"github.com/entrhq/psiarc/pkg/psiarc/delta"
)

// replayState holds the per-band delta codecs for one decode pass.
// Each FrameIterator and each FrameAt call owns its own state, so
// views and iterators never share mutable buffers.
type replayState struct {
	channels map[Band]int
	codecs   map[Band]*delta.Codec
}

func newReplayState(channels map[Band]int) *replayState {
	return &replayState{
		channels: channels,
		codecs:   make(map[Band]*delta.Codec),
	}
}

// apply feeds one oscillator entry through the band's codec and
// returns the frame's absolute channel values. Keyframes reseed the
// codec; deltas require a codec already anchored by a keyframe.
func (s *replayState) apply(e viewEntry) ([]int16, error) {
	codec := s.codecs[e.band]
	if e.keyframe {
		if codec == nil {
			c, err := delta.NewCodec(len(e.vals))
			if err != nil {
				return nil, fmt.Errorf("psiarc: band %v: %w", e.band, err)
			}
			codec = c
			s.codecs[e.band] = codec
		}
		if err := codec.SeedKeyframe(e.vals); err != nil {
			return nil, fmt.Errorf("psiarc: band %v keyframe %d: %w", e.band, e.index, err)
		}
		// Return a copy: callers keep frames beyond the next apply.
		abs := make([]int16, len(e.vals))
		copy(abs, e.vals)
		return abs, nil
	}
	if codec == nil {
		return nil, fmt.Errorf("%w (band %v frame %d)", errNoAnchor, e.band, e.index)
	}
	vals, err := codec.DecodeFrame(e.vals)
	if err != nil {
		return nil, fmt.Errorf("psiarc: band %v frame %d: %w", e.band, e.index, err)
	}
	return vals, nil
}
