package datafile

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/pgpage"
)

func writePage(t *testing.T, lsnVal uint64, blockNo uint32) []byte {
	t.Helper()
	page := make([]byte, pgpage.Size)
	binary.LittleEndian.PutUint64(page[0:8], lsnVal)
	binary.LittleEndian.PutUint16(page[12:14], 20)
	binary.LittleEndian.PutUint16(page[14:16], pgpage.Size-64)
	binary.LittleEndian.PutUint16(page[16:18], pgpage.Size)
	binary.LittleEndian.PutUint16(page[18:20], uint16(pgpage.Size)|uint16(pgpage.LayoutVersion))
	cs := pgpage.Checksum(page, blockNo)
	binary.LittleEndian.PutUint16(page[8:10], cs)
	return page
}

func writeSourceFile(t *testing.T, dir, name string, blocks [][]byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, b := range blocks {
		_, err := f.Write(b)
		require.NoError(t, err)
	}
	return path
}

func TestBackupFileFullEmitsEveryBlock(t *testing.T) {
	dir := t.TempDir()
	blocks := [][]byte{writePage(t, 10, 0), writePage(t, 20, 1), writePage(t, 30, 2)}
	src := writeSourceFile(t, dir, "16384", blocks)
	dst := filepath.Join(dir, "out")

	res, err := BackupFile(BackupParams{
		SourcePath: src,
		DestPath:   dst,
		Compressor: pgpage.NoopCompressor{},
		FirstPass:  true,
	})
	require.NoError(t, err)
	assert.Len(t, res.HeaderMap, 3)
	assert.Greater(t, res.WriteSize, int64(0))
}

func TestBackupFileDeltaSkipsUnchanged(t *testing.T) {
	dir := t.TempDir()
	blocks := [][]byte{writePage(t, 5, 0), writePage(t, 5, 1)}
	src := writeSourceFile(t, dir, "16384", blocks)
	dst := filepath.Join(dir, "out")

	res, err := BackupFile(BackupParams{
		SourcePath:   src,
		DestPath:     dst,
		Compressor:   pgpage.NoopCompressor{},
		PrevStartLSN: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.WriteSize)
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
}

func TestBackupFileVanishedIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	res, err := BackupFile(BackupParams{
		SourcePath: filepath.Join(dir, "missing"),
		DestPath:   filepath.Join(dir, "out"),
		Compressor: pgpage.NoopCompressor{},
		FirstPass:  false,
	})
	require.NoError(t, err)
	assert.True(t, res.Vanished)
	assert.Equal(t, int64(-2), res.WriteSize)
}

func TestRestoreFileOverlaysChain(t *testing.T) {
	dir := t.TempDir()
	fullBlocks := [][]byte{writePage(t, 1, 0), writePage(t, 1, 1)}
	fullSrc := writeSourceFile(t, dir, "full-src", fullBlocks)
	fullDst := filepath.Join(dir, "full-copy")
	_, err := BackupFile(BackupParams{SourcePath: fullSrc, DestPath: fullDst, Compressor: pgpage.NoopCompressor{}, FirstPass: true})
	require.NoError(t, err)

	deltaBlocks := [][]byte{writePage(t, 1, 0), writePage(t, 99, 1)}
	deltaSrc := writeSourceFile(t, dir, "delta-src", deltaBlocks)
	deltaDst := filepath.Join(dir, "delta-copy")
	_, err = BackupFile(BackupParams{SourcePath: deltaSrc, DestPath: deltaDst, Compressor: pgpage.NoopCompressor{}, PrevStartLSN: 50})
	require.NoError(t, err)

	out := filepath.Join(dir, "restored")
	err = RestoreFile([]ChainMember{{Path: fullDst}, {Path: deltaDst}}, out, int64(2*pgpage.Size), pgpage.NoopCompressor{})
	require.NoError(t, err)

	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, deltaBlocks[1], restored[pgpage.Size:2*pgpage.Size])
}
