package walvalidate

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

func TestCheckClosureReachesStop(t *testing.T) {
	dir := t.TempDir()
	start := lsn.LSN(walreader.LongHeaderSize)
	w, err := walreader.NewWriter(dir, 1, start, lsn.MinSegmentSize, 1)
	require.NoError(t, err)
	_, stop, err := w.WriteRecord(1, 0, walreader.RmHeap, walreader.InfoHeapModify, nil, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	res := CheckClosure(dir, 1, lsn.MinSegmentSize, start, stop)
	assert.True(t, res.Reached)
	assert.NoError(t, res.FailedAt)
}

func TestCheckClosureFailsOnMissingSegment(t *testing.T) {
	dir := t.TempDir()
	start := lsn.LSN(walreader.LongHeaderSize)
	res := CheckClosure(dir, 1, lsn.MinSegmentSize, start, start+1000)
	assert.False(t, res.Reached)
	assert.Error(t, res.FailedAt)
}

func TestCheckReachabilityByXid(t *testing.T) {
	dir := t.TempDir()
	start := lsn.LSN(walreader.LongHeaderSize)
	w, err := walreader.NewWriter(dir, 1, start, lsn.MinSegmentSize, 1)
	require.NoError(t, err)
	s1, stop, err := w.WriteRecord(1, 0, walreader.RmHeap, walreader.InfoHeapModify, nil, []byte("a"))
	require.NoError(t, err)
	_, _, err = w.WriteRecord(77, lsn.LSN(s1), walreader.RmTransaction, walreader.InfoXactCommit, nil, writeTimestampBody(5_000_000))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	res, err := CheckReachability(dir, 1, lsn.MinSegmentSize, stop, Target{Xid: 77, HasXid: true})
	require.NoError(t, err)
	assert.True(t, res.Satisfied)
	assert.Equal(t, uint32(77), res.At.Xid)
}

func TestCheckReachabilityFailsWhenArchiveEndsFirst(t *testing.T) {
	dir := t.TempDir()
	start := lsn.LSN(walreader.LongHeaderSize)
	w, err := walreader.NewWriter(dir, 1, start, lsn.MinSegmentSize, 1)
	require.NoError(t, err)
	_, stop, err := w.WriteRecord(1, 0, walreader.RmHeap, walreader.InfoHeapModify, nil, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	res, err := CheckReachability(dir, 1, lsn.MinSegmentSize, stop, Target{Xid: 9999, HasXid: true})
	assert.Error(t, err)
	assert.False(t, res.Satisfied)
}
