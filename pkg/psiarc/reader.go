package psiarc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/entrhq/psiarc/pkg/logging"
	"github.com/entrhq/psiarc/pkg/psiarc/compress"
	"github.com/entrhq/psiarc/pkg/psiarc/wire"
)

// OpenOption configures a Reader at open time.
type OpenOption func(*openOptions)

type openOptions struct {
	recoveryMode     bool
	reconstructHeader bool
	logger           *logging.Logger
	resolveCodec     func(string) (compress.Codec, error)
}

// WithRecoveryMode enables best-effort structural repair: malformed
// chunks are skipped by resynchronizing on the next verifiable chunk
// boundary instead of failing the open.
func WithRecoveryMode() OpenOption {
	return func(o *openOptions) { o.recoveryMode = true }
}

// WithHeaderReconstruction allows Open to synthesize a minimal header
// (version and timestamp unknown) when the on-disk header is corrupt
// or truncated. Only effective together with WithRecoveryMode.
func WithHeaderReconstruction() OpenOption {
	return func(o *openOptions) { o.reconstructHeader = true }
}

// WithReaderLogger routes reader diagnostics to the given logger.
func WithReaderLogger(l *logging.Logger) OpenOption {
	return func(o *openOptions) { o.logger = l }
}

// WithCodecResolver overrides how session codec names are resolved,
// for callers that register their own compression strategies. The
// default resolver knows the built-in codecs.
func WithCodecResolver(resolve func(name string) (compress.Codec, error)) OpenOption {
	return func(o *openOptions) { o.resolveCodec = resolve }
}

// Reader provides random access to a recorded archive. It scans the
// chunk stream once at open to build a per-(session, band) index;
// frame decoding afterwards is bounded by one keyframe interval of
// delta replay from the nearest preceding keyframe.
//
// A Reader is safe for concurrent use once opened: the index and data
// are immutable, and every SessionView owns its own codec state.
type Reader struct {
	path   string
	data   []byte
	header Header

	sessions []*readerSession // by ordinal; nil for undecodable session-start chunks
	byID     map[string]*readerSession

	truncationDetected bool
	endSeen            bool
	skippedChunks      int

	log *logging.Logger
}

type readerSession struct {
	meta    SessionMetadata
	ordinal int
	ended   bool
	codec   compress.Codec
	chunks  []frameRef
	bands   map[Band][]int // positions into chunks, in frame-index order
}

// frameRef locates one frame chunk within the archive.
type frameRef struct {
	off      int64
	band     Band
	keyframe bool
	index    int // frame index within the (session, band) pair
}

// Open reads and indexes the archive at path.
func Open(path string, opts ...OpenOption) (*Reader, error) {
	o := openOptions{resolveCodec: compress.ByName}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("psiarc: open archive %s: %w", path, err)
	}

	r := &Reader{
		path: path,
		data: data,
		byID: make(map[string]*readerSession),
		log:  o.logger,
	}

	header, start, err := decodeHeader(data)
	if err != nil {
		if !o.recoveryMode || !o.reconstructHeader {
			return nil, err
		}
		off, ok := scanChunkBoundary(data, 0)
		if !ok {
			return nil, formatErr(0, "header unreadable and no chunk boundary found", err)
		}
		header = Header{Reconstructed: true}
		start = off
		r.log.Warnf("header reconstructed for %s: first chunk at offset %d", path, off)
	}
	r.header = header

	if err := r.scan(start, o); err != nil {
		return nil, err
	}
	return r, nil
}

// scan walks the chunk stream from start, building the session and
// frame indexes. Integrity (CRC) is deliberately not checked here;
// the per-session read policy applies it later. Structural failures
// are fatal unless recovery mode resynchronizes past them.
func (r *Reader) scan(start int64, o openOptions) error {
	off := start
	for off < int64(len(r.data)) {
		ch, err := wire.DecodeChunk(r.data, off)
		if err != nil {
			if errors.Is(err, wire.ErrShortBuffer) {
				// Trailing incomplete chunk: discarded, never emitted.
				r.truncationDetected = true
				r.log.Warnf("truncated chunk at offset %d discarded", off)
				return nil
			}
			if !o.recoveryMode {
				return formatErr(off, "malformed chunk", err)
			}
			next, ok := scanChunkBoundary(r.data, off+1)
			if !ok {
				r.truncationDetected = true
				r.log.Warnf("no chunk boundary after malformed data at offset %d, tail discarded", off)
				return nil
			}
			r.skippedChunks++
			r.log.Warnf("malformed chunk at offset %d skipped, resynchronized at %d", off, next)
			off = next
			continue
		}

		switch {
		case ch.Tag == wire.TagSessionStart:
			if err := r.indexSessionStart(ch, o); err != nil {
				return err
			}
		case ch.Tag == wire.TagEnd:
			if len(ch.Payload) == 0 {
				r.endSeen = true
				if off+int64(ch.Size) < int64(len(r.data)) {
					r.log.Warnf("%d bytes after archive END ignored", int64(len(r.data))-off-int64(ch.Size))
				}
				return nil
			}
			r.indexSessionEnd(ch)
		case ch.Tag.IsFrame():
			if err := r.indexFrame(ch, o); err != nil {
				return err
			}
		}
		off += int64(ch.Size)
	}
	// Stream ended without the archive END chunk: not cleanly closed.
	r.truncationDetected = true
	return nil
}

func (r *Reader) indexSessionStart(ch wire.Chunk, o openOptions) error {
	var meta SessionMetadata
	if err := json.Unmarshal(ch.Payload, &meta); err != nil {
		if !o.recoveryMode {
			return formatErr(ch.Offset, "undecodable session metadata", err)
		}
		// Ordinal numbering must still advance; the session's frames
		// become unreachable.
		r.sessions = append(r.sessions, nil)
		r.skippedChunks++
		r.log.Warnf("session-start at offset %d unreadable, session %d dropped", ch.Offset, len(r.sessions)-1)
		return nil
	}
	codec, err := o.resolveCodec(meta.Codec)
	if err != nil {
		if !o.recoveryMode {
			return formatErr(ch.Offset, fmt.Sprintf("session %q", meta.ID), err)
		}
		r.sessions = append(r.sessions, nil)
		r.skippedChunks++
		r.log.Warnf("session %q uses unresolvable codec %q, dropped", meta.ID, meta.Codec)
		return nil
	}
	sess := &readerSession{
		meta:    meta,
		ordinal: len(r.sessions),
		codec:   codec,
		bands:   make(map[Band][]int),
	}
	r.sessions = append(r.sessions, sess)
	if _, dup := r.byID[meta.ID]; dup {
		r.log.Warnf("duplicate session id %q at ordinal %d, keeping first", meta.ID, sess.ordinal)
		return nil
	}
	r.byID[meta.ID] = sess
	return nil
}

func (r *Reader) indexSessionEnd(ch wire.Chunk) {
	ord, _, err := wire.Uvarint(ch.Payload)
	if err != nil || int(ord) >= len(r.sessions) {
		r.log.Warnf("session-end at offset %d references unknown session, ignored", ch.Offset)
		return
	}
	if sess := r.sessions[ord]; sess != nil {
		sess.ended = true
	}
}

func (r *Reader) indexFrame(ch wire.Chunk, o openOptions) error {
	ord, _, err := wire.Uvarint(ch.Payload)
	if err != nil || int(ord) >= len(r.sessions) {
		if !o.recoveryMode {
			return formatErr(ch.Offset, "frame chunk references unknown session", err)
		}
		r.skippedChunks++
		r.log.Warnf("frame chunk at offset %d references unknown session, skipped", ch.Offset)
		return nil
	}
	sess := r.sessions[ord]
	if sess == nil {
		r.skippedChunks++
		return nil
	}
	band := Band(ch.Tag.Base())
	ref := frameRef{
		off:      ch.Offset,
		band:     band,
		keyframe: ch.Tag.Keyframe(),
		index:    len(sess.bands[band]),
	}
	sess.bands[band] = append(sess.bands[band], len(sess.chunks))
	sess.chunks = append(sess.chunks, ref)
	return nil
}

// SessionIDs returns the ids of all discoverable sessions in the
// order their session-start chunks appear in the archive.
func (r *Reader) SessionIDs() []string {
	ids := make([]string, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess != nil && r.byID[sess.meta.ID] == sess {
			ids = append(ids, sess.meta.ID)
		}
	}
	return ids
}

// Header returns the decoded (or reconstructed) archive header.
func (r *Reader) Header() Header { return r.header }

// WasHeaderReconstructed reports whether the on-disk header failed
// verification and was synthesized during recovery.
func (r *Reader) WasHeaderReconstructed() bool { return r.header.Reconstructed }

// WasTruncationDetected reports whether the stream ended without an
// archive END chunk or with a trailing partial chunk.
func (r *Reader) WasTruncationDetected() bool { return r.truncationDetected }

// SkippedChunks reports how many structurally malformed chunks were
// skipped while indexing in recovery mode.
func (r *Reader) SkippedChunks() int { return r.skippedChunks }

// Stats summarizes the archive's structure for inspection tooling.
type Stats struct {
	Version             uint16
	CreatedAtMS         uint64
	HeaderReconstructed bool
	TruncationDetected  bool
	CleanlyClosed       bool
	SkippedChunks       int
	Sessions            []SessionInfo
}

// SessionInfo is one session's row in Stats.
type SessionInfo struct {
	ID          string
	Ordinal     int
	Ended       bool
	Codec       string
	FrameChunks map[string]int // band name -> chunk count
}

// Stats returns a structural summary of the archive.
func (r *Reader) Stats() Stats {
	s := Stats{
		Version:             r.header.Version,
		CreatedAtMS:         r.header.CreatedAt,
		HeaderReconstructed: r.header.Reconstructed,
		TruncationDetected:  r.truncationDetected,
		CleanlyClosed:       r.endSeen,
		SkippedChunks:       r.skippedChunks,
	}
	for _, sess := range r.sessions {
		if sess == nil || r.byID[sess.meta.ID] != sess {
			continue
		}
		info := SessionInfo{
			ID:          sess.meta.ID,
			Ordinal:     sess.ordinal,
			Ended:       sess.ended,
			Codec:       sess.meta.Codec,
			FrameChunks: make(map[string]int),
		}
		for band, refs := range sess.bands {
			info.FrameChunks[band.String()] = len(refs)
		}
		s.Sessions = append(s.Sessions, info)
	}
	return s
}
