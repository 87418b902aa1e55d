package psiarc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/entrhq/psiarc/pkg/logging"
	"github.com/entrhq/psiarc/pkg/psiarc/compress"
	"github.com/entrhq/psiarc/pkg/psiarc/delta"
	"github.com/entrhq/psiarc/pkg/psiarc/wire"
)

// WriterOption configures a Writer at creation time.
type WriterOption func(*writerOptions)

type writerOptions struct {
	codec            compress.Codec
	keyframeInterval int
	createdAt        uint64
	logger           *logging.Logger
}

// WithCodec sets the compression strategy applied to frame payloads.
// The default is no compression.
func WithCodec(c compress.Codec) WriterOption {
	return func(o *writerOptions) { o.codec = c }
}

// WithKeyframeInterval sets the frame count between keyframes for
// sessions that don't specify their own.
func WithKeyframeInterval(n int) WriterOption {
	return func(o *writerOptions) { o.keyframeInterval = n }
}

// WithCreatedAt overrides the header creation timestamp (Unix ms).
func WithCreatedAt(ms uint64) WriterOption {
	return func(o *writerOptions) { o.createdAt = ms }
}

// WithWriterLogger routes writer diagnostics to the given logger.
func WithWriterLogger(l *logging.Logger) WriterOption {
	return func(o *writerOptions) { o.logger = l }
}

// Writer records sessions of frames into a new archive. It owns the
// underlying file handle exclusively and is not internally
// thread-safe: the stream has one write cursor, so concurrent callers
// must serialize their own calls.
//
// Lifecycle: Create writes the header; CreateSession/AddFrame/
// FinalizeSession record data; Close emits the archive END chunk and
// flushes to durable storage. Any I/O failure poisons the instance.
type Writer struct {
	f    *os.File
	path string

	codec            compress.Codec
	keyframeInterval int

	sessions map[string]*writerSession
	ordinals int

	buf []byte // chunk assembly scratch

	failed    error
	finalized bool

	log *logging.Logger
}

type writerSession struct {
	meta    SessionMetadata
	ordinal int
	open    bool
	bands   map[Band]*writerBand
}

type writerBand struct {
	codec    *delta.Codec // nil for the audio band
	channels int
	next     int // next frame index
}

// Create initializes a new archive at path and writes its header. Any
// failure here is fatal: the returned error means no usable archive
// exists and the call must not be retried on the same Writer.
func Create(path string, opts ...WriterOption) (*Writer, error) {
	o := writerOptions{
		codec:            compress.None{},
		keyframeInterval: DefaultKeyframeInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.keyframeInterval < 1 {
		return nil, fmt.Errorf("psiarc: keyframe interval must be positive, got %d", o.keyframeInterval)
	}
	if o.createdAt == 0 {
		o.createdAt = uint64(time.Now().UnixMilli())
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("psiarc: create archive %s: %w", path, err)
	}
	w := &Writer{
		f:                f,
		path:             path,
		codec:            o.codec,
		keyframeInterval: o.keyframeInterval,
		sessions:         make(map[string]*writerSession),
		log:              o.logger,
	}
	hdr := appendHeader(nil, Header{Version: FormatVersion, CreatedAt: o.createdAt})
	if err := w.write(hdr); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	w.log.Infof("created archive %s (version %d, codec %s)", path, FormatVersion, o.codec.Name())
	return w, nil
}

// write appends buf to the file as a single call so that, from a
// reader's point of view, a chunk is either absent or complete except
// under crash truncation. Any failure poisons the writer.
func (w *Writer) write(buf []byte) error {
	w.buf = buf[:0] // keep the grown scratch buffer for the next chunk
	n, err := w.f.Write(buf)
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(buf))
	}
	if err != nil {
		w.failed = fmt.Errorf("psiarc: write %s: %w", w.path, err)
		w.f.Close()
		w.log.Errorf("archive poisoned: %v", w.failed)
		return w.failed
	}
	return nil
}

func (w *Writer) usable() error {
	if w.failed != nil {
		return fmt.Errorf("%w: %v", ErrWriterFailed, w.failed)
	}
	if w.finalized {
		return ErrWriterFinalized
	}
	return nil
}

// CreateSession opens a new session. The id must not have been opened
// or finalized before within this archive instance.
func (w *Writer) CreateSession(id string, meta SessionMetadata) error {
	if err := w.usable(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("psiarc: empty session id")
	}
	if _, exists := w.sessions[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateSession, id)
	}

	meta.ID = id
	if meta.CreatedAtMS == 0 {
		meta.CreatedAtMS = uint64(time.Now().UnixMilli())
	}
	if meta.KeyframeInterval <= 0 {
		meta.KeyframeInterval = w.keyframeInterval
	}
	meta.Codec = w.codec.Name()

	sess := &writerSession{
		meta:    meta,
		ordinal: w.ordinals,
		open:    true,
		bands:   make(map[Band]*writerBand),
	}
	for name, ch := range meta.Channels {
		band, err := ParseBand(name)
		if err != nil {
			return err
		}
		if err := sess.initBand(band, ch); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("psiarc: encode session metadata: %w", err)
	}
	if err := w.write(wire.AppendChunk(w.buf[:0], wire.TagSessionStart, payload)); err != nil {
		return err
	}
	w.ordinals++
	w.sessions[id] = sess
	w.log.Infof("session %q opened (ordinal %d, keyframe interval %d)", id, sess.ordinal, meta.KeyframeInterval)
	return nil
}

func (s *writerSession) initBand(band Band, channels int) error {
	if !band.Valid() {
		return fmt.Errorf("psiarc: invalid band 0x%02X", uint8(band))
	}
	wb := &writerBand{channels: channels}
	if band.IsOscillator() {
		c, err := delta.NewCodec(channels)
		if err != nil {
			return err
		}
		wb.codec = c
	}
	s.bands[band] = wb
	return nil
}

// AddFrame routes a frame to its session and band, decides whether it
// is a keyframe, delta-encodes oscillator channels, compresses,
// checksums, and appends the chunk.
func (w *Writer) AddFrame(frame Frame) error {
	if err := w.usable(); err != nil {
		return err
	}
	sess, ok := w.sessions[frame.SessionID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, frame.SessionID)
	}
	if !sess.open {
		return fmt.Errorf("%w: %q", ErrSessionClosed, frame.SessionID)
	}
	if !frame.Band.Valid() {
		return fmt.Errorf("psiarc: invalid band 0x%02X", uint8(frame.Band))
	}

	wb, ok := sess.bands[frame.Band]
	if !ok {
		// Channel count is established by the first frame.
		channels := len(frame.Channels)
		if frame.Band == BandAudioPCM {
			channels = 0
		}
		if err := sess.initBand(frame.Band, channels); err != nil {
			return err
		}
		wb = sess.bands[frame.Band]
	}

	var data []byte
	keyframe := false
	if frame.Band == BandAudioPCM {
		if len(frame.PCM) == 0 {
			return fmt.Errorf("psiarc: empty PCM block for session %q", frame.SessionID)
		}
		data = frame.PCM
	} else {
		if len(frame.Channels) != wb.channels {
			return fmt.Errorf("psiarc: session %q band %v expects %d channels, got %d",
				frame.SessionID, frame.Band, wb.channels, len(frame.Channels))
		}
		keyframe = wb.next%sess.meta.KeyframeInterval == 0
		values := frame.Channels
		if keyframe {
			// Keyframes store absolute values and reseed the codec.
			if err := wb.codec.SeedKeyframe(frame.Channels); err != nil {
				return err
			}
		} else {
			deltas, err := wb.codec.EncodeFrame(frame.Channels)
			if err != nil {
				return err
			}
			values = deltas
		}
		data = make([]byte, 0, len(values)*2)
		for _, v := range values {
			data = binary.LittleEndian.AppendUint16(data, uint16(v))
		}
	}

	stored, err := w.codec.Compress(data)
	if err != nil {
		return fmt.Errorf("psiarc: compress frame: %w", err)
	}
	// The session ordinal prefix stays outside compression so readers
	// can route chunks to sessions during the index scan without
	// decompressing. The CRC covers the payload exactly as stored.
	payload := wire.AppendUvarint(make([]byte, 0, wire.UvarintLen(uint32(sess.ordinal))+len(stored)), uint32(sess.ordinal))
	payload = append(payload, stored...)

	if err := w.write(wire.AppendChunk(w.buf[:0], frame.Band.tag(keyframe), payload)); err != nil {
		return err
	}
	wb.next++
	return nil
}

// FinalizeSession emits the session-end chunk. Subsequent AddFrame
// calls for the id fail with ErrSessionClosed.
func (w *Writer) FinalizeSession(id string) error {
	if err := w.usable(); err != nil {
		return err
	}
	sess, ok := w.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	if !sess.open {
		return fmt.Errorf("%w: %q", ErrSessionClosed, id)
	}
	end := wire.AppendUvarint(nil, uint32(sess.ordinal))
	if err := w.write(wire.AppendChunk(w.buf[:0], wire.TagEnd, end)); err != nil {
		return err
	}
	sess.open = false
	w.log.Infof("session %q finalized", id)
	return nil
}

// Close finalizes any sessions still open, emits the archive END
// chunk, and flushes to durable storage. After a write failure Close
// only releases resources. Safe to call more than once.
func (w *Writer) Close() error {
	if w.failed != nil {
		return nil // file already closed by the failing write
	}
	if w.finalized {
		return nil
	}
	for id, sess := range w.sessions {
		if sess.open {
			if err := w.FinalizeSession(id); err != nil {
				return err
			}
		}
	}
	if err := w.write(wire.AppendChunk(w.buf[:0], wire.TagEnd, nil)); err != nil {
		return err
	}
	w.finalized = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("psiarc: sync %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("psiarc: close %s: %w", w.path, err)
	}
	w.log.Infof("archive %s closed", w.path)
	return nil
}
