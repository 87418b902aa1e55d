package psiarc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/entrhq/psiarc/pkg/logging"
	"github.com/entrhq/psiarc/pkg/psiarc/compress"
	"github.com/entrhq/psiarc/pkg/psiarc/delta"
	"github.com/entrhq/psiarc/pkg/psiarc/wire"
)

// TailOption configures a Tail.
type TailOption func(*tailOptions)

type tailOptions struct {
	pollInterval time.Duration
	skipCorrupt  bool
	logger       *logging.Logger
	resolveCodec func(string) (compress.Codec, error)
}

// WithPollInterval sets the fallback poll cadence used when file
// notifications are delayed or unavailable. Default 200ms.
func WithPollInterval(d time.Duration) TailOption {
	return func(o *tailOptions) { o.pollInterval = d }
}

// WithTailSkipCorrupted makes the tail skip CRC-failed chunks instead
// of failing the stream.
func WithTailSkipCorrupted() TailOption {
	return func(o *tailOptions) { o.skipCorrupt = true }
}

// WithTailLogger routes tail diagnostics to the given logger.
func WithTailLogger(l *logging.Logger) TailOption {
	return func(o *tailOptions) { o.logger = l }
}

// Tail follows an archive that is still being appended to, emitting
// frames as their chunks become complete. A short or structurally
// incomplete final chunk is treated as not yet written, never as
// corruption, so live recordings don't produce false corruption
// reports. The stream ends with io.EOF once the archive END chunk
// appears.
type Tail struct {
	f       *os.File
	path    string
	watcher *fsnotify.Watcher

	buf []byte
	off int64

	headerDone bool
	header     Header
	sessions   []*tailSession
	pending    []Frame
	ended      bool
	err        error

	opts tailOptions
	log  *logging.Logger
}

type tailSession struct {
	meta   SessionMetadata
	codec  compress.Codec
	states map[Band]*delta.Codec
	counts map[Band]int
}

// NewTail opens path for live following. The file must already exist;
// the header may still be incomplete and is awaited on the first Next.
func NewTail(path string, opts ...TailOption) (*Tail, error) {
	o := tailOptions{
		pollInterval: 200 * time.Millisecond,
		resolveCodec: compress.ByName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("psiarc: tail %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("psiarc: tail watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return nil, fmt.Errorf("psiarc: watch %s: %w", path, err)
	}
	return &Tail{
		f:       f,
		path:    path,
		watcher: watcher,
		opts:    o,
		log:     o.logger,
	}, nil
}

// Next blocks until the next frame is available, the archive ends
// (io.EOF), or ctx is done.
func (t *Tail) Next(ctx context.Context) (Frame, error) {
	ticker := time.NewTicker(t.opts.pollInterval)
	defer ticker.Stop()
	for {
		if len(t.pending) > 0 {
			f := t.pending[0]
			t.pending = t.pending[1:]
			return f, nil
		}
		if t.err != nil {
			return Frame{}, t.err
		}
		if t.ended {
			return Frame{}, io.EOF
		}
		grew, err := t.fill()
		if err != nil {
			return Frame{}, err
		}
		if grew {
			// A parse error sticks, but frames decoded before it are
			// still delivered first.
			t.err = t.parse()
			continue
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case ev := <-t.watcher.Events:
			if ev.Op&fsnotify.Write == 0 {
				continue
			}
		case err := <-t.watcher.Errors:
			t.log.Warnf("tail watcher error, falling back to polling: %v", err)
		case <-ticker.C:
		}
	}
}

// fill appends any newly written bytes and reports whether the file
// grew.
func (t *Tail) fill() (bool, error) {
	more, err := io.ReadAll(t.f)
	if err != nil {
		return false, fmt.Errorf("psiarc: tail read %s: %w", t.path, err)
	}
	if len(more) == 0 {
		return false, nil
	}
	t.buf = append(t.buf, more...)
	return true, nil
}

// parse consumes complete chunks from the buffer, decoding frames into
// the pending queue. Incomplete trailing bytes stay buffered for the
// next round.
func (t *Tail) parse() error {
	if !t.headerDone {
		if len(t.buf) < headerSize {
			return nil
		}
		header, start, err := decodeHeader(t.buf)
		if err != nil {
			return err
		}
		t.header = header
		t.off = start
		t.headerDone = true
	}
	for t.off < int64(len(t.buf)) {
		ch, err := wire.DecodeChunk(t.buf, t.off)
		if errors.Is(err, wire.ErrShortBuffer) {
			return nil // not yet written
		}
		if err != nil {
			return formatErr(t.off, "malformed chunk while tailing", err)
		}
		if err := t.consume(ch); err != nil {
			return err
		}
		t.off += int64(ch.Size)
		if t.ended {
			return nil
		}
	}
	return nil
}

func (t *Tail) consume(ch wire.Chunk) error {
	if !ch.IntegrityOK() {
		if t.opts.skipCorrupt {
			t.log.Warnf("corrupt chunk at offset %d skipped while tailing", ch.Offset)
			return nil
		}
		return &IntegrityError{Offset: ch.Offset, Tag: ch.Tag, Expected: ch.CRC, Actual: wire.Checksum(ch.Payload)}
	}
	switch {
	case ch.Tag == wire.TagSessionStart:
		var meta SessionMetadata
		if err := json.Unmarshal(ch.Payload, &meta); err != nil {
			return formatErr(ch.Offset, "undecodable session metadata", err)
		}
		codec, err := t.opts.resolveCodec(meta.Codec)
		if err != nil {
			return formatErr(ch.Offset, fmt.Sprintf("session %q", meta.ID), err)
		}
		t.sessions = append(t.sessions, &tailSession{
			meta:   meta,
			codec:  codec,
			states: make(map[Band]*delta.Codec),
			counts: make(map[Band]int),
		})
	case ch.Tag == wire.TagEnd:
		if len(ch.Payload) == 0 {
			t.ended = true
		}
	case ch.Tag.IsFrame():
		return t.consumeFrame(ch)
	}
	return nil
}

func (t *Tail) consumeFrame(ch wire.Chunk) error {
	ord, n, err := wire.Uvarint(ch.Payload)
	if err != nil || int(ord) >= len(t.sessions) {
		return formatErr(ch.Offset, "frame chunk references unknown session", err)
	}
	sess := t.sessions[ord]
	data, err := sess.codec.Decompress(ch.Payload[n:])
	if err != nil {
		return formatErr(ch.Offset, "frame payload undecodable", err)
	}
	band := Band(ch.Tag.Base())
	index := sess.counts[band]
	sess.counts[band]++

	frame := Frame{
		SessionID: sess.meta.ID,
		Band:      band,
		Index:     index,
		Keyframe:  ch.Tag.Keyframe(),
	}
	if band == BandAudioPCM {
		frame.PCM = data
		t.pending = append(t.pending, frame)
		return nil
	}

	vals := decodeInt16LE(data)
	codec := sess.states[band]
	if frame.Keyframe {
		if codec == nil {
			codec, err = delta.NewCodec(len(vals))
			if err != nil {
				return formatErr(ch.Offset, "keyframe", err)
			}
			sess.states[band] = codec
		}
		if err := codec.SeedKeyframe(vals); err != nil {
			return formatErr(ch.Offset, "keyframe", err)
		}
		frame.Channels = vals
	} else {
		if codec == nil {
			return formatErr(ch.Offset, "delta frame before any keyframe", errNoAnchor)
		}
		frame.Channels, err = codec.DecodeFrame(vals)
		if err != nil {
			return formatErr(ch.Offset, "delta frame", err)
		}
	}
	t.pending = append(t.pending, frame)
	return nil
}

// Ended reports whether the archive END chunk has been observed.
func (t *Tail) Ended() bool { return t.ended }

// Close releases the watcher and file handle.
func (t *Tail) Close() error {
	werr := t.watcher.Close()
	ferr := t.f.Close()
	if werr != nil {
		return werr
	}
	return ferr
}
