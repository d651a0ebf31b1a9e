package walreader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/pgbackup/pgbackup/internal/lsn"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Bound restricts how far a Reader is willing to read.
type Bound struct {
	// StopLSN, when non-zero, halts the reader once the next record's
	// StartLSN would be >= StopLSN.
	StopLSN lsn.LSN
	// FirstRecordOnly halts the reader after the first record it returns.
	FirstRecordOnly bool
}

// Reader is a lazy, restartable sequence of Records read from a directory
// of fixed-size WAL segment files on one timeline.
type Reader struct {
	dir     string
	tli     uint32
	segSize uint64
	bound   Bound

	segNo  uint64
	segOff uint64
	file   *os.File

	returned int
}

// NewReader opens the segment containing start and positions the reader to
// begin reading the record that starts there. LSN offset 0 is never a
// valid record start (ErrInvalidStartpoint).
func NewReader(dir string, tli uint32, start lsn.LSN, segSize uint64, bound Bound) (*Reader, error) {
	if start.Offset(segSize) == 0 {
		return nil, ErrInvalidStartpoint
	}
	r := &Reader{
		dir:     dir,
		tli:     tli,
		segSize: segSize,
		bound:   bound,
		segNo:   start.Segment(segSize),
		segOff:  start.Offset(segSize),
	}
	if err := r.openSegment(r.segNo); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) segmentPath(segNo uint64) string {
	return filepath.Join(r.dir, lsn.SegmentName(r.tli, segNo, r.segSize))
}

func (r *Reader) openSegment(segNo uint64) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	path := r.segmentPath(segNo)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &SegmentAbsentError{Timeline: r.tli, SegNo: segNo, Path: path}
		}
		return &SegmentUnreadableError{Path: path, Err: err}
	}
	r.file = f
	r.segNo = segNo
	return nil
}

// curLSN returns the LSN the reader's logical cursor currently sits at.
func (r *Reader) curLSN() lsn.LSN {
	return lsn.FromSegment(r.segNo, r.segSize) + lsn.LSN(r.segOff)
}

// readLogical returns the next n bytes of the logical WAL byte stream,
// transparently skipping page headers at PageSize boundaries and opening
// the next segment file when the current one is exhausted.
func (r *Reader) readLogical(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if r.segOff%PageSize == 0 {
			hdrLen := ShortHeaderSize
			if r.segOff == 0 {
				hdrLen = LongHeaderSize
			}
			hdr := make([]byte, hdrLen)
			if _, err := r.file.ReadAt(hdr, int64(r.segOff)); err != nil {
				return nil, &SegmentUnreadableError{Path: r.segmentPath(r.segNo), Err: err}
			}
			magic := binary.LittleEndian.Uint16(hdr[0:2])
			if magic != pageMagic {
				return nil, &RecordCorruptError{LSN: r.curLSN(), Path: r.segmentPath(r.segNo), Err: fmt.Errorf("bad page magic %#x", magic)}
			}
			r.segOff += uint64(hdrLen)
			continue
		}
		untilPage := PageSize - (r.segOff % PageSize)
		untilSeg := r.segSize - r.segOff
		want := uint64(n - len(out))
		if want > untilPage {
			want = untilPage
		}
		if want > untilSeg {
			want = untilSeg
		}
		if want == 0 {
			// end of segment exactly on a page boundary; advance.
			if err := r.openSegment(r.segNo + 1); err != nil {
				return nil, err
			}
			r.segOff = 0
			continue
		}
		buf := make([]byte, want)
		if _, err := r.file.ReadAt(buf, int64(r.segOff)); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &SegmentUnreadableError{Path: r.segmentPath(r.segNo), Err: err}
		}
		out = append(out, buf...)
		r.segOff += want
		if r.segOff >= r.segSize {
			if err := r.openSegment(r.segNo + 1); err != nil {
				return nil, err
			}
			r.segOff = 0
		}
	}
	return out, nil
}

// Next reads and reassembles the next logical record, crossing page and
// segment boundaries transparently. Returns io.EOF when the configured
// bound has been reached.
func (r *Reader) Next() (*Record, error) {
	if r.bound.FirstRecordOnly && r.returned > 0 {
		return nil, io.EOF
	}
	if r.bound.StopLSN != 0 && r.curLSN() >= r.bound.StopLSN {
		return nil, io.EOF
	}

	startLSN := r.curLSN()
	hdr, err := r.readLogical(xLogRecordSize)
	if err != nil {
		return nil, err
	}
	totalLen := binary.LittleEndian.Uint32(hdr[0:4])
	if totalLen == 0 {
		return nil, io.EOF
	}
	if totalLen < xLogRecordSize {
		return nil, &RecordCorruptError{LSN: startLSN, Path: r.segmentPath(r.segNo), Err: fmt.Errorf("total_len %d smaller than record header", totalLen)}
	}
	xid := binary.LittleEndian.Uint32(hdr[4:8])
	prevLSN := lsn.LSN(binary.LittleEndian.Uint64(hdr[8:16]))
	info := hdr[16]
	rmid := RmgrID(hdr[17])
	storedCRC := binary.LittleEndian.Uint32(hdr[20:24])

	bodyLen := int(totalLen) - xLogRecordSize
	body, err := r.readLogical(bodyLen)
	if err != nil {
		return nil, err
	}

	computed := crc32.Update(0, crc32cTable, hdr[:20])
	computed = crc32.Update(computed, crc32cTable, body)
	if computed != storedCRC {
		return nil, &RecordCorruptError{LSN: startLSN, Path: r.segmentPath(r.segNo), Err: fmt.Errorf("crc mismatch: got %#x want %#x", computed, storedCRC)}
	}

	refs, payload, err := decodeBlockRefs(body)
	if err != nil {
		return nil, &RecordCorruptError{LSN: startLSN, Path: r.segmentPath(r.segNo), Err: err}
	}

	r.returned++
	return &Record{
		StartLSN: startLSN,
		EndLSN:   r.curLSN(),
		PrevLSN:  prevLSN,
		Xid:      xid,
		RmID:     rmid,
		Info:     info,
		CRC:      storedCRC,
		Body:     payload,
		Refs:     refs,
	}, nil
}

// Close releases the currently open segment file.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func decodeBlockRefs(body []byte) ([]BlockRef, []byte, error) {
	if len(body) == 0 {
		return nil, nil, nil
	}
	numRefs := int(body[0])
	pos := 1
	refs := make([]BlockRef, 0, numRefs)
	for i := 0; i < numRefs; i++ {
		if pos+blockRefSize > len(body) {
			return nil, nil, fmt.Errorf("truncated block reference %d", i)
		}
		forkFlags := body[pos]
		ts := binary.LittleEndian.Uint32(body[pos+1:])
		db := binary.LittleEndian.Uint32(body[pos+5:])
		rel := binary.LittleEndian.Uint32(body[pos+9:])
		blk := binary.LittleEndian.Uint32(body[pos+13:])
		refs = append(refs, BlockRef{
			Node:    RelFileNode{Tablespace: ts, DB: db, RelNode: rel},
			Fork:    ForkNumber(forkFlags & 0x0F),
			BlockNo: blk,
		})
		pos += blockRefSize
	}
	return refs, body[pos:], nil
}
