package psiarc

import (
	"errors"
	"fmt"

	"github.com/entrhq/psiarc/pkg/psiarc/wire"
)

// Writer lifecycle errors. A write-side I/O failure poisons the whole
// archive instance: every later call fails with ErrWriterFailed
// wrapping the original error.
var (
	ErrWriterFailed    = errors.New("psiarc: archive writer failed, instance must not be reused")
	ErrWriterFinalized = errors.New("psiarc: archive already finalized")

	ErrDuplicateSession = errors.New("psiarc: session id already used in this archive")
	ErrSessionClosed    = errors.New("psiarc: session already finalized")
	ErrUnknownSession   = errors.New("psiarc: unknown session id")

	// ErrFrameUnavailable is returned by seeks that land on a frame
	// the read policy omitted (corrupted and not repaired).
	ErrFrameUnavailable = errors.New("psiarc: frame omitted by corruption policy")
)

// FormatError reports structurally malformed data: bad magic, an
// undecodable varint, an unknown chunk tag, or a payload that does not
// decompress or decode. Fatal to the chunk; recoverable for the rest
// of the archive when recovery flags are set, except at the header.
type FormatError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("psiarc: format error at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("psiarc: format error at offset %d: %s", e.Offset, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// IntegrityError reports a chunk whose stored CRC32 does not match its
// payload. Policy-governed: skipped, repaired, or fatal depending on
// the session read options.
type IntegrityError struct {
	Offset   int64
	Tag      wire.Tag
	Expected uint32
	Actual   uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("psiarc: crc mismatch in %v chunk at offset %d: stored 0x%08X, computed 0x%08X",
		e.Tag, e.Offset, e.Expected, e.Actual)
}

// TruncationError reports a stream that ends mid-chunk. Non-fatal: the
// trailing partial chunk is discarded and WasTruncationDetected
// reports true.
type TruncationError struct {
	Offset int64
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("psiarc: archive truncated mid-chunk at offset %d", e.Offset)
}

func formatErr(off int64, reason string, err error) error {
	return &FormatError{Offset: off, Reason: reason, Err: err}
}
