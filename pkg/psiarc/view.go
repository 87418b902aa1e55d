package psiarc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/entrhq/psiarc/pkg/psiarc/wire"
)

// SessionOptions selects the integrity policy for one session read.
// With neither flag set, any CRC failure is fatal for the whole read.
type SessionOptions struct {
	// SkipCorruptedFrames omits CRC-failed frames from the output
	// sequence and keeps reading, accounting for them in
	// CorruptedFrameCount.
	SkipCorruptedFrames bool

	// RepairCRCErrors attempts best-effort recovery of CRC-failed
	// frames: if the payload still decompresses to a structurally
	// plausible frame for its band, it is accepted and counted in
	// RecoveredFrameCount, otherwise in UnrecoverableFrameCount.
	RepairCRCErrors bool
}

// SessionView is one session's decoded frame sequence plus the
// per-frame integrity accounting produced under the chosen policy.
// Views are independent: each owns its delta-codec state, so multiple
// views over the same Reader may be consumed concurrently.
type SessionView struct {
	meta     SessionMetadata
	entries  []viewEntry
	byBand   map[Band][]int // entry positions per band, frame-index order
	channels map[Band]int

	corrupted     int
	recovered     int
	unrecoverable int
	keyframesUsed int
}

// viewEntry is one accepted frame chunk, decompressed and decoded to
// raw values but not yet delta-replayed.
type viewEntry struct {
	band     Band
	keyframe bool
	index    int
	vals     []int16 // oscillator bands: absolute (keyframe) or delta values
	pcm      []byte  // audio band
}

// Session verifies, decompresses and indexes one session's chunks
// under the given policy and returns its view. Frame reconstruction
// itself stays lazy behind Frames.
func (r *Reader) Session(id string, opts SessionOptions) (*SessionView, error) {
	sess, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}

	v := &SessionView{
		meta:     sess.meta,
		byBand:   make(map[Band][]int),
		channels: make(map[Band]int),
	}
	for name, ch := range sess.meta.Channels {
		if band, err := ParseBand(name); err == nil {
			v.channels[band] = ch
		}
	}

	anchored := make(map[Band]bool)
	for pos := range sess.chunks {
		ref := sess.chunks[pos]
		ch, err := wire.DecodeChunk(r.data, ref.off)
		if err != nil {
			// Indexed at open; cannot fail structurally now.
			return nil, formatErr(ref.off, "indexed chunk no longer parses", err)
		}

		_, n, err := wire.Uvarint(ch.Payload)
		var data []byte
		if err == nil {
			data, err = sess.codec.Decompress(ch.Payload[n:])
		}
		plausible := err == nil && v.plausibleFrame(ref.band, data)

		if !ch.IntegrityOK() {
			switch {
			case opts.RepairCRCErrors && plausible:
				v.recovered++
				r.log.Infof("session %q: repaired %v frame %d at offset %d", id, ref.band, ref.index, ref.off)
			case opts.RepairCRCErrors:
				v.unrecoverable++
				r.log.Warnf("session %q: %v frame %d at offset %d unrecoverable", id, ref.band, ref.index, ref.off)
				continue
			case opts.SkipCorruptedFrames:
				v.corrupted++
				r.log.Warnf("session %q: %v frame %d at offset %d skipped (crc mismatch)", id, ref.band, ref.index, ref.off)
				continue
			default:
				return nil, &IntegrityError{
					Offset:   ref.off,
					Tag:      ch.Tag,
					Expected: ch.CRC,
					Actual:   wire.Checksum(ch.Payload),
				}
			}
		} else if !plausible {
			// CRC-valid but undecodable: compressor bug or writer bug,
			// surfaced as a format error rather than an integrity one.
			if opts.SkipCorruptedFrames {
				v.corrupted++
				r.log.Warnf("session %q: %v frame %d at offset %d undecodable, skipped", id, ref.band, ref.index, ref.off)
				continue
			}
			return nil, formatErr(ref.off, fmt.Sprintf("%v frame payload undecodable", ref.band), err)
		}

		entry := viewEntry{band: ref.band, keyframe: ref.keyframe, index: ref.index}
		if ref.band == BandAudioPCM {
			entry.pcm = data
		} else {
			if _, known := v.channels[ref.band]; !known {
				v.channels[ref.band] = len(data) / 2
			}
			if !ref.keyframe && !anchored[ref.band] {
				// A delta with no preceding keyframe anchor cannot be
				// reconstructed; only a skipped keyframe causes this.
				v.unrecoverable++
				continue
			}
			entry.vals = decodeInt16LE(data)
			if ref.keyframe {
				anchored[ref.band] = true
				v.keyframesUsed++
			}
		}
		v.byBand[ref.band] = append(v.byBand[ref.band], len(v.entries))
		v.entries = append(v.entries, entry)
	}
	return v, nil
}

// plausibleFrame reports whether decompressed frame data has the right
// shape for the band: the established channel count for oscillator
// bands (any positive even size when no count is established yet), or
// any non-empty block for audio.
func (v *SessionView) plausibleFrame(band Band, data []byte) bool {
	if band == BandAudioPCM {
		return len(data) > 0
	}
	if len(data) == 0 || len(data)%2 != 0 {
		return false
	}
	if ch, known := v.channels[band]; known {
		return len(data)/2 == ch
	}
	return true
}

func decodeInt16LE(data []byte) []int16 {
	vals := make([]int16, len(data)/2)
	for i := range vals {
		vals[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return vals
}

// Metadata returns the session's stored metadata.
func (v *SessionView) Metadata() SessionMetadata { return v.meta }

// FrameCount is the number of frames the view will emit.
func (v *SessionView) FrameCount() int { return len(v.entries) }

// CorruptedFrameCount is the number of frames omitted under
// SkipCorruptedFrames without a repair attempt succeeding.
func (v *SessionView) CorruptedFrameCount() int { return v.corrupted }

// RecoveredFrameCount is the number of CRC-failed frames accepted by
// best-effort repair.
func (v *SessionView) RecoveredFrameCount() int { return v.recovered }

// UnrecoverableFrameCount is the number of frames lost despite (or
// because of) repair attempts.
func (v *SessionView) UnrecoverableFrameCount() int { return v.unrecoverable }

// KeyframesUsed is the number of keyframes anchoring this view's
// decode state.
func (v *SessionView) KeyframesUsed() int { return v.keyframesUsed }

// Frames returns a lazy, restartable iterator over the session's
// frames in archive append order.
func (v *SessionView) Frames() *FrameIterator {
	return &FrameIterator{view: v, state: newReplayState(v.channels)}
}

// AllFrames drains a fresh iterator.
func (v *SessionView) AllFrames() ([]Frame, error) {
	frames := make([]Frame, 0, len(v.entries))
	it := v.Frames()
	for it.Next() {
		frames = append(frames, it.Frame())
	}
	return frames, it.Err()
}

// FrameAt reconstructs the frame with write index n in the given band
// by keyframe-anchored replay: it seeds fresh codec state from the
// nearest preceding keyframe and replays at most one keyframe
// interval of deltas, regardless of n.
func (v *SessionView) FrameAt(band Band, n int) (Frame, error) {
	positions := v.byBand[band]
	// Locate the target and the anchoring keyframe at or before it.
	target, anchor := -1, -1
	for i, pos := range positions {
		e := v.entries[pos]
		if e.index > n {
			break
		}
		if e.keyframe || band == BandAudioPCM {
			anchor = i
		}
		if e.index == n {
			target = i
		}
	}
	if target < 0 {
		return Frame{}, fmt.Errorf("%w: band %v frame %d", ErrFrameUnavailable, band, n)
	}
	if band == BandAudioPCM {
		e := v.entries[positions[target]]
		return v.frameFor(e, e.pcm, nil), nil
	}
	if anchor < 0 {
		return Frame{}, fmt.Errorf("%w: band %v frame %d has no keyframe anchor", ErrFrameUnavailable, band, n)
	}
	state := newReplayState(v.channels)
	var out Frame
	for i := anchor; i <= target; i++ {
		e := v.entries[positions[i]]
		vals, err := state.apply(e)
		if err != nil {
			return Frame{}, err
		}
		if i == target {
			out = v.frameFor(e, nil, vals)
		}
	}
	return out, nil
}

func (v *SessionView) frameFor(e viewEntry, pcm []byte, vals []int16) Frame {
	return Frame{
		SessionID: v.meta.ID,
		Band:      e.band,
		Index:     e.index,
		Channels:  vals,
		PCM:       pcm,
		Keyframe:  e.keyframe,
	}
}

// FrameIterator walks a SessionView lazily in session order. Usage
// follows the scanner idiom:
//
//	it := view.Frames()
//	for it.Next() {
//	    frame := it.Frame()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
type FrameIterator struct {
	view  *SessionView
	state *replayState
	pos   int
	cur   Frame
	err   error
}

// Next advances to the next frame. It returns false at the end of the
// session or on a decode error (see Err).
func (it *FrameIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.view.entries) {
		return false
	}
	e := it.view.entries[it.pos]
	it.pos++
	if e.band == BandAudioPCM {
		it.cur = it.view.frameFor(e, e.pcm, nil)
		return true
	}
	vals, err := it.state.apply(e)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = it.view.frameFor(e, nil, vals)
	return true
}

// Frame returns the frame produced by the last successful Next.
func (it *FrameIterator) Frame() Frame { return it.cur }

// Err returns the first decode error encountered, if any.
func (it *FrameIterator) Err() error { return it.err }

// Reset rewinds the iterator, discarding all replay state.
func (it *FrameIterator) Reset() {
	it.pos = 0
	it.cur = Frame{}
	it.err = nil
	it.state = newReplayState(it.view.channels)
}

var errNoAnchor = errors.New("psiarc: delta frame before any keyframe")
