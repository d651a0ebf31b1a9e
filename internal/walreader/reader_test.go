package walreader

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/lsn"
)

const testSegSize = lsn.MinSegmentSize

func TestReaderReassemblesRecordsAcrossPages(t *testing.T) {
	dir := t.TempDir()
	start := lsn.LSN(LongHeaderSize)
	w, err := NewWriter(dir, 1, start, testSegSize, 0xfeed)
	require.NoError(t, err)

	ref := BlockRef{Node: RelFileNode{Tablespace: 1663, DB: 16384, RelNode: 20000}, Fork: ForkMain, BlockNo: 42}
	bigPayload := make([]byte, PageSize*3) // forces the record across several pages
	for i := range bigPayload {
		bigPayload[i] = byte(i)
	}
	s1, e1, err := w.WriteRecord(100, 0, RmHeap, InfoHeapModify, []BlockRef{ref}, bigPayload)
	require.NoError(t, err)

	s2, _, err := w.WriteRecord(101, lsn.LSN(s1), RmTransaction, InfoXactCommit, nil, []byte("commit-body"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(dir, 1, start, testSegSize, Bound{})
	require.NoError(t, err)
	defer r.Close()

	rec1, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, start, rec1.StartLSN)
	assert.Equal(t, e1, rec1.EndLSN)
	assert.Len(t, rec1.Refs, 1)
	assert.Equal(t, ref, rec1.Refs[0])
	assert.Equal(t, bigPayload, rec1.Body)

	rec2, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, s2, rec2.StartLSN)
	assert.Equal(t, RmTransaction, rec2.RmID)
	assert.Equal(t, []byte("commit-body"), rec2.Body)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderDetectsCorruptCRC(t *testing.T) {
	dir := t.TempDir()
	start := lsn.LSN(LongHeaderSize)
	w, err := NewWriter(dir, 1, start, testSegSize, 1)
	require.NoError(t, err)
	_, _, err = w.WriteRecord(1, 0, RmHeap, InfoHeapModify, nil, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// flip a body byte to break the CRC.
	segPath := r0SegmentPath(t, dir)
	flipByte(t, segPath, int64(LongHeaderSize+xLogRecordSize+2))

	r, err := NewReader(dir, 1, start, testSegSize, Bound{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	var corrupt *RecordCorruptError
	require.ErrorAs(t, err, &corrupt)
}

func TestReaderSegmentAbsent(t *testing.T) {
	dir := t.TempDir()
	_, err := NewReader(dir, 1, lsn.LSN(LongHeaderSize), testSegSize, Bound{})
	var absent *SegmentAbsentError
	require.ErrorAs(t, err, &absent)
}

func TestReaderInvalidStartpoint(t *testing.T) {
	dir := t.TempDir()
	_, err := NewReader(dir, 1, lsn.LSN(0), testSegSize, Bound{})
	assert.ErrorIs(t, err, ErrInvalidStartpoint)
}

func r0SegmentPath(t *testing.T, dir string) string {
	t.Helper()
	return dir + "/" + lsn.SegmentName(1, 0, testSegSize)
}

func flipByte(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	var b [1]byte
	_, err = f.ReadAt(b[:], off)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], off)
	require.NoError(t, err)
}
