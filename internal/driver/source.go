package driver

import (
	"context"
	"time"

	"github.com/pgbackup/pgbackup/internal/lsn"
)

// SourceConn is the contract this driver needs from the live source
// database connection. Establishing and authenticating that connection is
// an external collaborator (spec Non-goal); every concrete implementation
// lives outside this module, this interface only pins the shape the
// orchestration steps in §4.K depend on.
type SourceConn interface {
	SystemIdentifier(ctx context.Context) (uint64, error)
	StartBackup(ctx context.Context, exclusive bool) (StartInfo, error)
	StopBackup(ctx context.Context) (StopInfo, error)
}

// StartInfo is what "pg_start_backup equivalent" (§4.K step 3) returns.
type StartInfo struct {
	StartLSN        lsn.LSN
	Timeline        uint32
	ChecksumVersion bool
}

// StopInfo is what "pg_stop_backup" (§4.K step 8) returns.
type StopInfo struct {
	StopLSN       lsn.LSN
	BackupLabel   []byte
	TablespaceMap []byte
	RecoveryXid   uint32
	RecoveryTime  time.Time
}
