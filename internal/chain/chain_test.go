package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/catalog"
)

func mkBackup(id string, mode catalog.Mode, parent string, startTime int64, status catalog.Status) *catalog.Backup {
	return &catalog.Backup{
		ID:             id,
		Mode:           mode,
		ParentBackupID: parent,
		StartTime:      time.Unix(startTime, 0),
		RecoveryTime:   time.Unix(startTime, 0),
		Status:         status,
	}
}

func TestFindFullAncestorWalksChain(t *testing.T) {
	full := mkBackup("F", catalog.ModeFull, "", 100, catalog.StatusOK)
	d1 := mkBackup("D1", catalog.ModeDelta, "F", 200, catalog.StatusOK)
	d2 := mkBackup("D2", catalog.ModeDelta, "D1", 300, catalog.StatusOK)
	idx := Index([]*catalog.Backup{full, d1, d2})

	got, err := FindFullAncestor(idx, d2)
	require.NoError(t, err)
	assert.Equal(t, "F", got.ID)
}

func TestFindFullAncestorBrokenChain(t *testing.T) {
	d1 := mkBackup("D1", catalog.ModeDelta, "MISSING", 200, catalog.StatusOK)
	idx := Index([]*catalog.Backup{d1})

	_, err := FindFullAncestor(idx, d1)
	assert.Error(t, err)
}

func TestEvaluateRedundancyKeepsNewestFull(t *testing.T) {
	f1 := mkBackup("F1", catalog.ModeFull, "", 100, catalog.StatusOK)
	f2 := mkBackup("F2", catalog.ModeFull, "", 200, catalog.StatusOK)
	eval := Evaluate([]*catalog.Backup{f1, f2}, RetentionPolicy{Redundancy: 1}, time.Unix(1_000_000_000, 0))

	assert.True(t, eval.Keep["F2"])
	assert.False(t, eval.Keep["F1"])
}

func TestEvaluateWindowKeepsRecentBackup(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	f1 := mkBackup("F1", catalog.ModeFull, "", now.Unix()-10, catalog.StatusOK)
	eval := Evaluate([]*catalog.Backup{f1}, RetentionPolicy{Redundancy: 0, WindowDays: 1}, now)
	assert.True(t, eval.Keep["F1"])
}

func TestEvaluatePinOverridesRetention(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	future := now.Add(24 * time.Hour)
	f1 := mkBackup("F1", catalog.ModeFull, "", 1, catalog.StatusOK)
	f1.ExpireTime = &future
	eval := Evaluate([]*catalog.Backup{f1}, RetentionPolicy{Redundancy: 0, WindowDays: 0}, now)
	assert.True(t, eval.Keep["F1"])
}

func TestPurgeAnchorUsesMinStartLSN(t *testing.T) {
	f1 := mkBackup("F1", catalog.ModeFull, "", 100, catalog.StatusOK)
	f1.StartLSN = 1000
	f1.TimelineID = 1
	d1 := mkBackup("D1", catalog.ModeDelta, "F1", 200, catalog.StatusOK)
	d1.StartLSN = 2000
	d1.TimelineID = 1

	anchor, ok := PurgeAnchor([]*catalog.Backup{f1, d1}, 1, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), anchor)
}
