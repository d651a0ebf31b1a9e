package walreader

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/pgbackup/pgbackup/internal/lsn"
)

// Writer builds synthetic WAL segment files, properly paged and properly
// named, in the layout Reader consumes. In this module only the tests use
// it; the backup driver writes no WAL.
type Writer struct {
	dir     string
	tli     uint32
	segSize uint64
	systemID uint64

	segNo  uint64
	segOff uint64
	file   *os.File
}

// NewWriter creates (or truncates) segments under dir starting at start.
func NewWriter(dir string, tli uint32, start lsn.LSN, segSize uint64, systemID uint64) (*Writer, error) {
	w := &Writer{dir: dir, tli: tli, segSize: segSize, systemID: systemID, segNo: start.Segment(segSize), segOff: start.Offset(segSize)}
	if err := w.openSegment(w.segNo); err != nil {
		return nil, err
	}
	if w.segOff == 0 {
		if err := w.writePageHeader(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Writer) openSegment(segNo uint64) error {
	if w.file != nil {
		w.file.Close()
	}
	path := filepath.Join(w.dir, lsn.SegmentName(w.tli, segNo, w.segSize))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("walreader: creating segment %q: %w", path, err)
	}
	if err := f.Truncate(int64(w.segSize)); err != nil {
		return fmt.Errorf("walreader: sizing segment %q: %w", path, err)
	}
	w.file = f
	w.segNo = segNo
	return nil
}

func (w *Writer) writePageHeader() error {
	long := w.segOff == 0
	hdrLen := ShortHeaderSize
	info := uint16(0)
	if long {
		hdrLen = LongHeaderSize
		info |= LongHeader
	}
	hdr := make([]byte, hdrLen)
	binary.LittleEndian.PutUint16(hdr[0:2], pageMagic)
	binary.LittleEndian.PutUint16(hdr[2:4], info)
	binary.LittleEndian.PutUint32(hdr[4:8], w.tli)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(lsn.FromSegment(w.segNo, w.segSize)+lsn.LSN(w.segOff)))
	binary.LittleEndian.PutUint32(hdr[16:20], 0) // rem_len, unused outside a contrecord page
	if long {
		binary.LittleEndian.PutUint64(hdr[20:28], w.systemID)
		binary.LittleEndian.PutUint32(hdr[28:32], uint32(w.segSize))
		binary.LittleEndian.PutUint32(hdr[32:36], PageSize)
	}
	if _, err := w.file.WriteAt(hdr, int64(w.segOff)); err != nil {
		return fmt.Errorf("walreader: writing page header: %w", err)
	}
	w.segOff += uint64(hdrLen)
	return nil
}

// writeLogical writes buf to the logical WAL stream, inserting page
// headers and rolling segments exactly as the Reader expects to consume
// them.
func (w *Writer) writeLogical(buf []byte) error {
	for len(buf) > 0 {
		if w.segOff%PageSize == 0 {
			if err := w.writePageHeader(); err != nil {
				return err
			}
			continue
		}
		untilPage := PageSize - (w.segOff % PageSize)
		untilSeg := w.segSize - w.segOff
		n := uint64(len(buf))
		if n > untilPage {
			n = untilPage
		}
		if n > untilSeg {
			n = untilSeg
		}
		if n == 0 {
			if err := w.openSegment(w.segNo + 1); err != nil {
				return err
			}
			w.segOff = 0
			continue
		}
		if _, err := w.file.WriteAt(buf[:n], int64(w.segOff)); err != nil {
			return fmt.Errorf("walreader: writing WAL bytes: %w", err)
		}
		w.segOff += n
		buf = buf[n:]
		if w.segOff >= w.segSize {
			if err := w.openSegment(w.segNo + 1); err != nil {
				return err
			}
			w.segOff = 0
		}
	}
	return nil
}

// WriteRecord appends one record to the stream and returns its (start, end)
// LSN pair.
func (w *Writer) WriteRecord(xid uint32, prevLSN lsn.LSN, rmid RmgrID, info uint8, refs []BlockRef, payload []byte) (start, end lsn.LSN, err error) {
	start = lsn.FromSegment(w.segNo, w.segSize) + lsn.LSN(w.segOff)

	body := make([]byte, 0, 1+len(refs)*blockRefSize+len(payload))
	body = append(body, byte(len(refs)))
	for _, ref := range refs {
		var entry [blockRefSize]byte
		entry[0] = byte(ref.Fork)
		binary.LittleEndian.PutUint32(entry[1:5], ref.Node.Tablespace)
		binary.LittleEndian.PutUint32(entry[5:9], ref.Node.DB)
		binary.LittleEndian.PutUint32(entry[9:13], ref.Node.RelNode)
		binary.LittleEndian.PutUint32(entry[13:17], ref.BlockNo)
		body = append(body, entry[:]...)
	}
	body = append(body, payload...)

	if len(refs) > 0 {
		info |= modifiesRelationFlag
	}

	totalLen := uint32(xLogRecordSize + len(body))
	var hdr [xLogRecordSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], totalLen)
	binary.LittleEndian.PutUint32(hdr[4:8], xid)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(prevLSN))
	hdr[16] = info
	hdr[17] = byte(rmid)

	crc := crc32.Update(0, crc32cTable, hdr[:20])
	crc = crc32.Update(crc, crc32cTable, body)
	binary.LittleEndian.PutUint32(hdr[20:24], crc)

	if err := w.writeLogical(hdr[:]); err != nil {
		return 0, 0, err
	}
	if err := w.writeLogical(body); err != nil {
		return 0, 0, err
	}
	end = lsn.FromSegment(w.segNo, w.segSize) + lsn.LSN(w.segOff)
	return start, end, nil
}

// Close flushes and releases the current segment file.
func (w *Writer) Close() error {
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
