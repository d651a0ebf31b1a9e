package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "pg_probackup.conf"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadParsesKnownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_probackup.conf")
	body := "pgdata = \"/var/lib/postgresql/data\"\n" +
		"threads = 4\n" +
		"compress-algorithm = zstd\n" +
		"compress-level = 3\n" +
		"archive-timeout = 60\n" +
		"wal-seg-size = 16777216\n" +
		"retention-redundancy = 2\n" +
		"retention-window = 7\n" +
		"merge-expired = true\n" +
		"# a comment line, ignored\n" +
		"future-key-we-dont-know = whatever\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/postgresql/data", cfg.PGDataDir)
	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, "zstd", cfg.CompressAlg)
	assert.Equal(t, 3, cfg.CompressLevel)
	assert.Equal(t, 60*time.Second, cfg.ArchiveTimeout)
	assert.Equal(t, uint64(16<<20), cfg.SegmentSize)
	assert.Equal(t, 2, cfg.Retention.Redundancy)
	assert.Equal(t, 7, cfg.Retention.WindowDays)
	assert.True(t, cfg.Retention.MergeExpired)
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_probackup.conf")
	require.NoError(t, os.WriteFile(path, []byte("not-a-key-value-line\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestRenderRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pg_probackup.conf")
	cfg := Default()
	cfg.PGDataDir = "/data"
	cfg.Threads = 8
	cfg.Retention.Redundancy = 3
	require.NoError(t, os.WriteFile(path, []byte(cfg.Render()), 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.PGDataDir, got.PGDataDir)
	assert.Equal(t, cfg.Threads, got.Threads)
	assert.Equal(t, cfg.Retention.Redundancy, got.Retention.Redundancy)
}

func TestCatalogRootFromEnv(t *testing.T) {
	t.Setenv("BACKUP_PATH", "/catalog/from/env")
	got, err := CatalogRootFromEnv("")
	require.NoError(t, err)
	assert.Equal(t, "/catalog/from/env", got)

	got, err = CatalogRootFromEnv("/explicit")
	require.NoError(t, err)
	assert.Equal(t, "/explicit", got)
}

func TestCatalogRootFromEnvMissing(t *testing.T) {
	t.Setenv("BACKUP_PATH", "")
	_, err := CatalogRootFromEnv("")
	assert.Error(t, err)
}

func TestValidateRejectsBadThreads(t *testing.T) {
	cfg := Default()
	cfg.Threads = 0
	assert.Error(t, cfg.Validate())
}
