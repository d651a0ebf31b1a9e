package walreader

import (
	"fmt"

	"github.com/pgbackup/pgbackup/internal/lsn"
)

// ErrInvalidStartpoint is returned when asked to start reading at LSN
// offset 0 within a segment (not a valid record start).
var ErrInvalidStartpoint = fmt.Errorf("walreader: invalid start LSN (offset 0)")

// SegmentAbsentError reports that the archive is missing the segment file
// the reader needed to open next; callers treat this as a validation
// failure (WalSegmentAbsent in §4.B/§4.J).
type SegmentAbsentError struct {
	Timeline uint32
	SegNo    uint64
	Path     string
}

func (e *SegmentAbsentError) Error() string {
	return fmt.Sprintf("walreader: WAL segment %q is absent", e.Path)
}

// SegmentUnreadableError wraps an I/O error encountered while reading an
// otherwise-present segment file.
type SegmentUnreadableError struct {
	Path string
	Err  error
}

func (e *SegmentUnreadableError) Error() string {
	return fmt.Sprintf("walreader: WAL segment %q unreadable: %v", e.Path, e.Err)
}

func (e *SegmentUnreadableError) Unwrap() error { return e.Err }

// RecordCorruptError reports a record that failed CRC or structural
// validation; the reader never skips forward past this, per §4.B.
type RecordCorruptError struct {
	LSN  lsn.LSN
	Path string
	Err  error
}

func (e *RecordCorruptError) Error() string {
	return fmt.Sprintf("walreader: record at %s in %q is corrupt: %v", e.LSN, e.Path, e.Err)
}

func (e *RecordCorruptError) Unwrap() error { return e.Err }
