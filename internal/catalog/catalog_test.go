package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/lsn"
	"github.com/pgbackup/pgbackup/internal/manifest"
)

func TestControlRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cat := New(dir, "main")

	start, _ := lsn.Parse("0/1000000")
	stop, _ := lsn.Parse("0/2000000")
	b := &Backup{
		ID:              ID(1700000000),
		Mode:            ModeFull,
		Status:          StatusRunning,
		TimelineID:      1,
		StartLSN:        start,
		StopLSN:         stop,
		StartTime:       time.Unix(1700000000, 0).UTC(),
		ChecksumVersion: true,
		BlockSize:       8192,
		WalBlockSize:    8192,
		CompressAlg:     "zstd",
		CompressLevel:   2,
		Note:            "it's a test",
	}
	require.NoError(t, cat.WriteControl(b))

	got, err := cat.ReadControl(b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Mode, got.Mode)
	assert.Equal(t, b.StartLSN, got.StartLSN)
	assert.Equal(t, b.StopLSN, got.StopLSN)
	assert.Equal(t, b.Note, got.Note)
	assert.True(t, got.ChecksumVersion)
}

func TestManifestRoundTripUpdatesCRC(t *testing.T) {
	dir := t.TempDir()
	cat := New(dir, "main")
	b := &Backup{ID: ID(1700000001), Mode: ModeFull, StartTime: time.Unix(1700000001, 0)}
	require.NoError(t, cat.WriteControl(b))

	m := manifest.Manifest{Files: []manifest.File{
		{Path: "base/1/2", Size: 8192, WriteSize: 8192},
	}}
	require.NoError(t, cat.WriteManifest(b, m))
	require.NoError(t, cat.WriteControl(b))

	reloaded, err := cat.ReadControl(b.ID)
	require.NoError(t, err)

	got, err := cat.ReadManifest(reloaded)
	require.NoError(t, err)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "base/1/2", got.Files[0].Path)
}

func TestListBackupsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	cat := New(dir, "main")
	older := &Backup{ID: ID(1000), Mode: ModeFull, StartTime: time.Unix(1000, 0)}
	newer := &Backup{ID: ID(2000), Mode: ModeFull, StartTime: time.Unix(2000, 0)}
	require.NoError(t, cat.WriteControl(older))
	require.NoError(t, cat.WriteControl(newer))

	list, err := cat.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
}

func TestLockBackupPreventsSecondExclusive(t *testing.T) {
	dir := t.TempDir()
	cat := New(dir, "main")
	b := &Backup{ID: ID(3000), Mode: ModeFull, StartTime: time.Unix(3000, 0)}
	require.NoError(t, cat.WriteControl(b))

	release, err := cat.LockBackup(b.ID, true)
	require.NoError(t, err)
	defer release()

	_, err = cat.LockBackup(b.ID, true)
	assert.Error(t, err)
}
