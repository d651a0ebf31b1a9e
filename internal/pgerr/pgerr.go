// Package pgerr models the error taxonomy used across the backup manager:
// a small set of kinds (not Go types) so callers can pick "the single most
// severe error" the way the driver is required to when a worker pool joins.
package pgerr

import (
	"errors"
	"fmt"

	"github.com/pgbackup/pgbackup/internal/lsn"
)

// Kind is one of the error categories from the error-handling design.
type Kind int

const (
	// KindIO covers open/read/write/seek failures with an errno attached.
	KindIO Kind = iota
	// KindFormat covers invalid page headers, checksum mismatches, corrupt
	// WAL records, and manifest parse errors.
	KindFormat
	// KindMissing covers a file, WAL segment, or backup id not found.
	KindMissing
	// KindInvariant covers a missing parent, a chain that does not
	// converge, or a timeline absent from history.
	KindInvariant
	// KindRemote covers agent protocol desync, version mismatch, and
	// unexpected EOF on the RPC pipe.
	KindRemote
	// KindPolicy covers user-visible input errors rejected before any
	// mutation.
	KindPolicy
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindFormat:
		return "Format"
	case KindMissing:
		return "Missing"
	case KindInvariant:
		return "Invariant"
	case KindRemote:
		return "Remote"
	case KindPolicy:
		return "Policy"
	default:
		return "Unknown"
	}
}

// severity orders kinds for "select the single most severe error". Remote
// and Invariant errors abort the whole command; Missing is the least severe
// since vanished source files are routinely non-fatal.
var severity = map[Kind]int{
	KindMissing:   0,
	KindPolicy:    1,
	KindIO:        2,
	KindFormat:    3,
	KindRemote:    4,
	KindInvariant: 5,
}

// Error is the concrete error type carrying the context the driver and
// catalog attach: operation name, path, LSN, and backup id.
type Error struct {
	Kind     Kind
	Op       string
	Path     string
	LSN      lsn.LSN
	BackupID string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.Path != "" {
		msg += fmt.Sprintf(" path=%s", e.Path)
	}
	if e.LSN != 0 {
		msg += fmt.Sprintf(" lsn=%s", e.LSN)
	}
	if e.BackupID != "" {
		msg += fmt.Sprintf(" backup=%s", e.BackupID)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithPath attaches a path and returns e for chaining at the call site.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithLSN attaches an LSN and returns e for chaining.
func (e *Error) WithLSN(l lsn.LSN) *Error {
	e.LSN = l
	return e
}

// WithBackup attaches a backup id and returns e for chaining.
func (e *Error) WithBackup(id string) *Error {
	e.BackupID = id
	return e
}

// MostSevere scans errs (nils are skipped) and returns the one whose Kind
// (when it is, or wraps, a *pgerr.Error) has the highest severity. Errors
// that do not carry a Kind are treated as KindIO. Returns nil if every
// element is nil.
func MostSevere(errs []error) error {
	var worst error
	worstRank := -1
	for _, err := range errs {
		if err == nil {
			continue
		}
		rank := severity[KindIO]
		var pe *Error
		if errors.As(err, &pe) {
			rank = severity[pe.Kind]
		}
		if rank > worstRank {
			worstRank = rank
			worst = err
		}
	}
	return worst
}

// Sentinel errors in the teacher/ambient-stack style: a package-scope
// errors.New that callers compare with errors.Is, wrapped with %w when they
// cross a package boundary.
var (
	// ErrNotFound marks a lookup (backup id, file, WAL segment) that found
	// nothing; not automatically fatal.
	ErrNotFound = errors.New("pgerr: not found")
	// ErrOrphanChain marks a non-FULL backup whose parent link cannot be
	// resolved to a FULL ancestor.
	ErrOrphanChain = errors.New("pgerr: chain does not converge on a FULL ancestor")
	// ErrLockBusy marks a backup.pid or catalog lock held by another
	// live process.
	ErrLockBusy = errors.New("pgerr: lock held by another process")
	// ErrVersionSkew marks an agent whose protocol version string does not
	// match the driver's compatibility declaration.
	ErrVersionSkew = errors.New("pgerr: agent version skew")
)
