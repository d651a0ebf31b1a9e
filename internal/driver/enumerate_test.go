package driver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/manifest"
)

func TestEnumerateExcludesTransientDirsAndFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "base", "1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "base", "1", "16384"), []byte("page"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pg_wal"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pg_wal", "000000010000000000000001"), []byte("wal"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "postmaster.pid"), []byte("1234"), 0o644))

	entries, err := Enumerate(root)
	require.NoError(t, err)

	var sawDatafile, sawExcludedDirEmpty, sawExcludedFile, sawWalContent bool
	for _, e := range entries {
		switch e.RelPath {
		case filepath.Join("base", "1", "16384"):
			sawDatafile = true
		case "pg_wal":
			sawExcludedDirEmpty = e.EmptyDirOnly
		case "postmaster.pid":
			sawExcludedFile = true
		case filepath.Join("pg_wal", "000000010000000000000001"):
			sawWalContent = true
		}
	}
	assert.True(t, sawDatafile)
	assert.True(t, sawExcludedDirEmpty)
	assert.False(t, sawExcludedFile)
	assert.False(t, sawWalContent)
}

func TestParseRelationPathBaseWithSegment(t *testing.T) {
	ref, ok := ParseRelationPath(filepath.Join("base", "16385", "16390.3"))
	require.True(t, ok)
	assert.Equal(t, RelFileRef{DBOid: 16385, RelOid: 16390, SegNo: 3, Fork: manifest.ForkMainFile}, ref)
}

func TestParseRelationPathGlobalNoSegment(t *testing.T) {
	ref, ok := ParseRelationPath(filepath.Join("global", "1262"))
	require.True(t, ok)
	assert.Equal(t, RelFileRef{DBOid: 0, RelOid: 1262, SegNo: 0, Fork: manifest.ForkMainFile}, ref)
}

func TestParseRelationPathRejectsUnrecognized(t *testing.T) {
	_, ok := ParseRelationPath(filepath.Join("pg_tblspc", "16400", "PG_16", "16385", "16390"))
	assert.False(t, ok)
}

func TestRelationPathRoundTrip(t *testing.T) {
	for _, ref := range []RelFileRef{
		{DBOid: 16385, RelOid: 16390, SegNo: 2},
		{DBOid: 0, RelOid: 1262},
	} {
		path := RelationPath(ref)
		parsed, ok := ParseRelationPath(path)
		require.True(t, ok)
		assert.Equal(t, ref.DBOid, parsed.DBOid)
		assert.Equal(t, ref.RelOid, parsed.RelOid)
		assert.Equal(t, ref.SegNo, parsed.SegNo)
	}
}
