package walextract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/lsn"
	"github.com/pgbackup/pgbackup/internal/walreader"
)

func writeTimestampBody(micros int64) []byte {
	body := make([]byte, 8)
	for i := 0; i < 8; i++ {
		body[i] = byte(micros)
		micros >>= 8
	}
	return body
}

func TestExtractMainForkBlocksOnly(t *testing.T) {
	dir := t.TempDir()
	w, err := walreader.NewWriter(dir, 1, lsn.LSN(walreader.LongHeaderSize), lsn.MinSegmentSize, 1)
	require.NoError(t, err)
	refs := []walreader.BlockRef{
		{Node: walreader.RelFileNode{Tablespace: 1, DB: 2, RelNode: 3}, Fork: walreader.ForkMain, BlockNo: 5},
		{Node: walreader.RelFileNode{Tablespace: 1, DB: 2, RelNode: 3}, Fork: walreader.ForkFSM, BlockNo: 5},
	}
	_, _, err = w.WriteRecord(1, 0, walreader.RmHeap, walreader.InfoHeapModify, refs, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := walreader.NewReader(dir, 1, lsn.LSN(walreader.LongHeaderSize), lsn.MinSegmentSize, walreader.Bound{})
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.Next()
	require.NoError(t, err)

	got, err := Extract(rec)
	require.NoError(t, err)
	require.Len(t, got.Blocks, 1)
	assert.Equal(t, walreader.ForkMain, got.Blocks[0].Fork)
}

func TestExtractCommitTimestamp(t *testing.T) {
	dir := t.TempDir()
	w, err := walreader.NewWriter(dir, 1, lsn.LSN(walreader.LongHeaderSize), lsn.MinSegmentSize, 1)
	require.NoError(t, err)
	_, _, err = w.WriteRecord(42, 0, walreader.RmTransaction, walreader.InfoXactCommit, nil, writeTimestampBody(1_000_000))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := walreader.NewReader(dir, 1, lsn.LSN(walreader.LongHeaderSize), lsn.MinSegmentSize, walreader.Bound{})
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.Next()
	require.NoError(t, err)

	got, err := Extract(rec)
	require.NoError(t, err)
	assert.True(t, got.HasTime)
	assert.Equal(t, uint32(42), got.Xid)
}

func TestExtractUnknownRmgrIsFatal(t *testing.T) {
	dir := t.TempDir()
	w, err := walreader.NewWriter(dir, 1, lsn.LSN(walreader.LongHeaderSize), lsn.MinSegmentSize, 1)
	require.NoError(t, err)
	refs := []walreader.BlockRef{{Node: walreader.RelFileNode{Tablespace: 1, DB: 1, RelNode: 1}, BlockNo: 1}}
	_, _, err = w.WriteRecord(1, 0, walreader.RmgrID(200), 0, refs, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := walreader.NewReader(dir, 1, lsn.LSN(walreader.LongHeaderSize), lsn.MinSegmentSize, walreader.Bound{})
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.Next()
	require.NoError(t, err)

	_, err = Extract(rec)
	var unk *UnknownRmgrError
	require.ErrorAs(t, err, &unk)
}

func TestExtractIgnoresDatabaseAndStorageRmgrs(t *testing.T) {
	dir := t.TempDir()
	w, err := walreader.NewWriter(dir, 1, lsn.LSN(walreader.LongHeaderSize), lsn.MinSegmentSize, 1)
	require.NoError(t, err)
	_, _, err = w.WriteRecord(1, 0, walreader.RmDatabase, walreader.InfoDBaseCreate, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := walreader.NewReader(dir, 1, lsn.LSN(walreader.LongHeaderSize), lsn.MinSegmentSize, walreader.Bound{})
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.Next()
	require.NoError(t, err)

	got, err := Extract(rec)
	require.NoError(t, err)
	assert.Empty(t, got.Blocks)
}
