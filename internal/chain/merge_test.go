package chain

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/datafile"
	"github.com/pgbackup/pgbackup/internal/lsn"
	"github.com/pgbackup/pgbackup/internal/manifest"
	"github.com/pgbackup/pgbackup/internal/pgpage"
)

// buildPage constructs a structurally valid 8 KiB page with the given LSN,
// following the same layout internal/pgpage/page_test.go's buildValidPage
// uses (those offsets are unexported, so this package builds its own).
func buildPage(lsnVal uint64, blockNo uint32) []byte {
	const (
		offLSN            = 0
		offChecksum       = 8
		offLower          = 12
		offUpper          = 14
		offSpecial        = 16
		offPageSizeVer    = 18
	)
	page := make([]byte, pgpage.Size)
	binary.LittleEndian.PutUint64(page[offLSN:], lsnVal)
	binary.LittleEndian.PutUint16(page[offLower:], 20)
	binary.LittleEndian.PutUint16(page[offUpper:], uint16(pgpage.Size-64))
	binary.LittleEndian.PutUint16(page[offSpecial:], uint16(pgpage.Size))
	binary.LittleEndian.PutUint16(page[offPageSizeVer:], uint16(pgpage.Size)|uint16(pgpage.LayoutVersion))
	cs := pgpage.Checksum(page, blockNo)
	binary.LittleEndian.PutUint16(page[offChecksum:], cs)
	return page
}

// TestMergeRoundTrip exercises §4.G's merge procedure end to end: a FULL
// backup plus one DELTA are merged, and the surviving backup (at the
// DELTA's id, per "the FULL's id becomes the target's") must have a
// readable manifest and a datafile whose restored bytes equal the DELTA's.
func TestMergeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.New(dir, "main")

	fullID := catalog.ID(1000)
	deltaID := catalog.ID(2000)

	relPath := filepath.Join("base", "16384", "12345")
	plainPath := "global/pg_control"

	// FULL: two blocks, both present.
	fullSrc := filepath.Join(t.TempDir(), "rel_full")
	require.NoError(t, os.WriteFile(fullSrc, append(buildPage(100, 0), buildPage(100, 1)...), 0o644))

	require.NoError(t, os.MkdirAll(cat.DatabaseDir(fullID), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(cat.DatabaseDir(fullID), filepath.Dir(relPath)), 0o755))
	fullRes, err := datafile.BackupFile(datafile.BackupParams{
		SourcePath: fullSrc,
		DestPath:   filepath.Join(cat.DatabaseDir(fullID), relPath),
		Compressor: pgpage.NoopCompressor{},
		FirstPass:  true,
	})
	require.NoError(t, err)

	fullPlainData := []byte("full control bytes")
	require.NoError(t, os.MkdirAll(filepath.Join(cat.DatabaseDir(fullID), "global"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cat.DatabaseDir(fullID), plainPath), fullPlainData, 0o644))

	full := &catalog.Backup{
		ID:        fullID,
		Mode:      catalog.ModeFull,
		Status:    catalog.StatusOK,
		StartLSN:  lsn.LSN(100),
		StopLSN:   lsn.LSN(200),
		StartTime: time.Unix(1000, 0),
	}
	fullManifest := manifest.Manifest{Files: []manifest.File{
		{Path: relPath, Size: int64(2 * pgpage.Size), IsDatafile: true, WriteSize: fullRes.WriteSize, CRC32C: fullRes.CRC32C},
		{Path: plainPath, Size: int64(len(fullPlainData)), WriteSize: int64(len(fullPlainData)), CRC32C: manifest.CRC32C(fullPlainData)},
	}}
	require.NoError(t, cat.WriteManifest(full, fullManifest))
	require.NoError(t, cat.WriteControl(full))

	// DELTA: block 0 changed (LSN past full's start), block 1 unchanged.
	deltaSrc := filepath.Join(t.TempDir(), "rel_delta")
	require.NoError(t, os.WriteFile(deltaSrc, append(buildPage(250, 0), buildPage(100, 1)...), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(cat.DatabaseDir(deltaID), filepath.Dir(relPath)), 0o755))
	deltaRes, err := datafile.BackupFile(datafile.BackupParams{
		SourcePath:   deltaSrc,
		DestPath:     filepath.Join(cat.DatabaseDir(deltaID), relPath),
		PrevStartLSN: uint64(full.StartLSN),
		Compressor:   pgpage.NoopCompressor{},
		FirstPass:    false,
	})
	require.NoError(t, err)

	deltaPlainData := []byte("delta control bytes, recopied")
	require.NoError(t, os.MkdirAll(filepath.Join(cat.DatabaseDir(deltaID), "global"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cat.DatabaseDir(deltaID), plainPath), deltaPlainData, 0o644))

	delta := &catalog.Backup{
		ID:             deltaID,
		Mode:           catalog.ModeDelta,
		Status:         catalog.StatusOK,
		ParentBackupID: fullID,
		StartLSN:       lsn.LSN(200),
		StopLSN:        lsn.LSN(300),
		StartTime:      time.Unix(2000, 0),
		RecoveryTime:   time.Unix(2000, 0),
	}
	deltaManifest := manifest.Manifest{Files: []manifest.File{
		{Path: relPath, Size: int64(2 * pgpage.Size), IsDatafile: true, WriteSize: deltaRes.WriteSize, CRC32C: deltaRes.CRC32C},
		{Path: plainPath, Size: int64(len(deltaPlainData)), WriteSize: int64(len(deltaPlainData)), CRC32C: manifest.CRC32C(deltaPlainData)},
	}}
	require.NoError(t, cat.WriteManifest(delta, deltaManifest))
	require.NoError(t, cat.WriteControl(delta))

	merged, err := Merge(cat, []*catalog.Backup{full, delta}, pgpage.NoopCompressor{})
	require.NoError(t, err)

	assert.Equal(t, deltaID, merged.ID)
	assert.Equal(t, catalog.StatusOK, merged.Status)
	assert.Equal(t, delta.StopLSN, merged.StopLSN)

	// The surviving backup lives at deltaID; fullID's directory is gone.
	_, err = os.Stat(cat.BackupDir(fullID))
	assert.True(t, os.IsNotExist(err))

	reread, err := cat.ReadControl(deltaID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusOK, reread.Status)

	mf, err := cat.ReadManifest(reread)
	require.NoError(t, err)
	require.Len(t, mf.Files, 2)

	// The plain file is the DELTA's fresh copy.
	plainBytes, err := os.ReadFile(filepath.Join(cat.DatabaseDir(deltaID), plainPath))
	require.NoError(t, err)
	assert.Equal(t, deltaPlainData, plainBytes)

	// Restoring the merged datafile must reproduce the DELTA's view: block
	// 0 at LSN 250, block 1 still at LSN 100 (property 4 / E4).
	restored := filepath.Join(t.TempDir(), "restored_rel")
	err = datafile.RestoreFile([]datafile.ChainMember{
		{Path: filepath.Join(cat.DatabaseDir(deltaID), relPath)},
	}, restored, int64(2*pgpage.Size), pgpage.NoopCompressor{})
	require.NoError(t, err)

	restoredBytes, err := os.ReadFile(restored)
	require.NoError(t, err)
	require.Len(t, restoredBytes, 2*pgpage.Size)
	assert.Equal(t, uint64(250), binary.LittleEndian.Uint64(restoredBytes[0:8]))
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(restoredBytes[pgpage.Size:pgpage.Size+8]))
}
