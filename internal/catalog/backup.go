// Package catalog implements the on-disk backup catalog (spec component
// 4.F): directory layout, backup.control / backup_content.control
// persistence, advisory locking, status transitions, and timeline history.
package catalog

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pgbackup/pgbackup/internal/lsn"
)

// Mode is one of the four backup modes (§3, GLOSSARY).
type Mode string

const (
	ModeFull   Mode = "FULL"
	ModePage   Mode = "PAGE"
	ModePtrack Mode = "PTRACK"
	ModeDelta  Mode = "DELTA"
)

// Status is one of the lifecycle states a Backup passes through.
type Status string

const (
	StatusInvalid  Status = "INVALID"
	StatusOK       Status = "OK"
	StatusError    Status = "ERROR"
	StatusRunning  Status = "RUNNING"
	StatusMerging  Status = "MERGING"
	StatusMerged   Status = "MERGED"
	StatusDeleting Status = "DELETING"
	StatusDeleted  Status = "DELETED"
	StatusDone     Status = "DONE"
	StatusOrphan   Status = "ORPHAN"
	StatusCorrupt  Status = "CORRUPT"
)

// ID renders a start-time instant as the catalog's base-36 backup id.
func ID(startTime int64) string {
	return strconv.FormatInt(startTime, 36)
}

// StartTime parses a base-36 backup id back to its start-time instant.
func StartTime(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 36, 64)
	if err != nil {
		return 0, fmt.Errorf("catalog: malformed backup id %q: %w", id, err)
	}
	return v, nil
}

// Backup is one catalog entry (§3).
type Backup struct {
	ID     string
	Mode   Mode
	Status Status

	TimelineID uint32
	StartLSN   lsn.LSN
	StopLSN    lsn.LSN

	StartTime    time.Time
	EndTime      time.Time
	RecoveryTime time.Time
	RecoveryXid  uint32

	ParentBackupID string // "" iff FULL

	ChecksumVersion bool
	BlockSize       int
	WalBlockSize    int
	StreamMode      bool

	DataBytes int64
	WalBytes  int64

	CompressAlg   string
	CompressLevel int

	ExpireTime *time.Time
	Note       string

	ContentCRC uint32
}

// IsFull reports whether b is a FULL (root) backup.
func (b *Backup) IsFull() bool { return b.Mode == ModeFull || b.ParentBackupID == "" }

// Pinned reports whether b's expire-time is still in the future.
func (b *Backup) Pinned(now time.Time) bool {
	return b.ExpireTime != nil && b.ExpireTime.After(now)
}
