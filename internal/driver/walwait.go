package driver

import (
	"context"
	"os"
	"time"

	"github.com/pgbackup/pgbackup/internal/lsn"
	"github.com/pgbackup/pgbackup/internal/pgerr"
)

// DefaultArchiveTimeout is §5's "archive_timeout (default 300s)".
const DefaultArchiveTimeout = 300 * time.Second

// WaitForSegment polls walDir until the segment containing stop on
// timeline tli appears, or ctx/timeout expires (§4.K step 9). pollEvery
// controls the polling cadence; callers pass a small interval (tests use
// milliseconds, production a few seconds).
func WaitForSegment(ctx context.Context, walDir string, tli uint32, segSize uint64, stop lsn.LSN, timeout time.Duration, pollEvery time.Duration) error {
	segNo := stop.Segment(segSize)
	name := lsn.SegmentName(tli, segNo, segSize)
	path := walDir + string(os.PathSeparator) + name

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return pgerr.New(pgerr.KindInvariant, "driver.WaitForSegment: archive_timeout exceeded", nil).WithPath(path).WithLSN(stop)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
