// Package psiarc implements the PSIARC binary trajectory-archive
// format: an append-only stream of CRC-framed chunks recording
// oscillator-state frames and synchronized audio, with keyframe-anchored
// seeking and best-effort recovery from truncated or corrupted files.
//
// An archive is a header followed by an ordered chunk stream and a
// terminal END chunk. Oscillator frames are stored as wraparound-correct
// int16 deltas between periodic absolute-value keyframes; audio frames
// are raw PCM blocks. One Writer owns an archive while recording; any
// number of Readers may open it afterwards (or tail it live).
//
// Each Writer or Reader instance exclusively owns its file handle and
// all per-session codec state. Nothing in this package is a process
// global.
package psiarc

import (
	"fmt"

	"github.com/entrhq/psiarc/pkg/psiarc/wire"
)

// FormatVersion is the on-disk format version written into new
// archive headers.
const FormatVersion uint16 = 1

// DefaultKeyframeInterval is the frame count between absolute-value
// keyframes: 5 seconds at 60 fps.
const DefaultKeyframeInterval = 300

// Band identifies a logical channel group multiplexed within one
// archive: the three oscillator tiers plus raw audio.
type Band uint8

const (
	BandMicro    Band = Band(wire.TagMicro)
	BandMeso     Band = Band(wire.TagMeso)
	BandMacro    Band = Band(wire.TagMacro)
	BandAudioPCM Band = Band(wire.TagAudioPCM)
)

// OscillatorBands lists the delta-coded bands in tag order.
var OscillatorBands = []Band{BandMicro, BandMeso, BandMacro}

// Valid reports whether b is a known band.
func (b Band) Valid() bool {
	switch b {
	case BandMicro, BandMeso, BandMacro, BandAudioPCM:
		return true
	}
	return false
}

// IsOscillator reports whether b carries delta-coded int16 channels.
func (b Band) IsOscillator() bool {
	return b == BandMicro || b == BandMeso || b == BandMacro
}

func (b Band) String() string {
	switch b {
	case BandMicro:
		return "micro"
	case BandMeso:
		return "meso"
	case BandMacro:
		return "macro"
	case BandAudioPCM:
		return "audio_pcm"
	}
	return fmt.Sprintf("band(0x%02X)", uint8(b))
}

// ParseBand is the inverse of Band.String for metadata keys.
func ParseBand(s string) (Band, error) {
	switch s {
	case "micro":
		return BandMicro, nil
	case "meso":
		return BandMeso, nil
	case "macro":
		return BandMacro, nil
	case "audio_pcm":
		return BandAudioPCM, nil
	}
	return 0, fmt.Errorf("psiarc: unknown band %q", s)
}

func (b Band) tag(keyframe bool) wire.Tag {
	t := wire.Tag(b)
	if keyframe && b.IsOscillator() {
		t |= wire.KeyframeMarker
	}
	return t
}

// Frame is one time-step of one band within one session: a channel
// vector for oscillator bands, or a PCM block for the audio band.
type Frame struct {
	SessionID string
	Band      Band

	// Index is the frame's position within its (session, band) pair,
	// counted from zero in write order.
	Index int

	// Channels holds absolute channel values for oscillator bands.
	Channels []int16

	// PCM holds the raw audio block for BandAudioPCM.
	PCM []byte

	// Keyframe reports whether this frame was stored as absolute
	// values. The first frame of any (session, band) always is.
	Keyframe bool
}

// SessionMetadata describes a session; it is stored as the JSON
// payload of the session-start chunk (uncompressed, since it names the
// codec the session's frame payloads are compressed with).
type SessionMetadata struct {
	ID string `json:"id"`

	// CreatedAtMS is Unix milliseconds; zero means unknown.
	CreatedAtMS uint64 `json:"created_at_ms"`

	// KeyframeInterval is the frame count between keyframes for every
	// oscillator band in the session.
	KeyframeInterval int `json:"keyframe_interval"`

	// Codec names the compression strategy applied to this session's
	// frame payloads.
	Codec string `json:"codec"`

	// Channels optionally pins per-band channel counts (keys per
	// Band.String). When absent, counts are established by the first
	// frame written for each band.
	Channels map[string]int `json:"channels,omitempty"`
}
