package pgpage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// PageIsTruncated is the historical sentinel for a reserved negative
// comp_sz value in a backup-page record.
const PageIsTruncated int32 = -2

// recordHeaderSize is block_no(u32) + comp_sz(i32).
const recordHeaderSize = 4 + 4

// Record is one backup-page record: a block number plus its (possibly
// compressed) payload, as stored in a backup's copy of a data file.
type Record struct {
	BlockNo uint32
	CompSz  int32
	Payload []byte
}

// WriteRecord appends one backup-page record to w in the wire layout
// "block_no:u32 comp_sz:i32 payload:comp_sz bytes", all little-endian.
func WriteRecord(w io.Writer, rec Record) (int, error) {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], rec.BlockNo)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(rec.CompSz))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("pgpage: writing record header: %w", err)
	}
	n, err := w.Write(rec.Payload)
	if err != nil {
		return recordHeaderSize + n, fmt.Errorf("pgpage: writing record payload: %w", err)
	}
	return recordHeaderSize + n, nil
}

// ReadRecord reads one backup-page record from r. Returns io.EOF when r is
// exhausted exactly at a record boundary.
func ReadRecord(r io.Reader) (Record, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, fmt.Errorf("pgpage: truncated record header: %w", err)
		}
		return Record{}, err
	}
	rec := Record{
		BlockNo: binary.LittleEndian.Uint32(hdr[0:4]),
		CompSz:  int32(binary.LittleEndian.Uint32(hdr[4:8])),
	}
	if rec.CompSz < 0 {
		return rec, nil
	}
	rec.Payload = make([]byte, rec.CompSz)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return Record{}, fmt.Errorf("pgpage: truncated record payload for block %d: %w", rec.BlockNo, err)
	}
	return rec, nil
}

// Decompressed returns the record's page bytes, decompressing when CompSz
// differs from Size (an uncompressed page is stored verbatim).
func (r Record) Decompressed(c Compressor) ([]byte, error) {
	if r.CompSz == int32(Size) {
		return r.Payload, nil
	}
	out, err := c.Decompress(nil, r.Payload)
	if err != nil {
		return nil, fmt.Errorf("pgpage: decompressing block %d: %w", r.BlockNo, err)
	}
	if len(out) != Size {
		return nil, fmt.Errorf("pgpage: block %d decompressed to %d bytes, want %d", r.BlockNo, len(out), Size)
	}
	return out, nil
}

// HeaderMapEntry is one entry of the page_header_map format: a block's
// LSN, number, record position and checksum. BackupFile returns these
// entries; nothing in this build writes them to a file or reads them
// during restore.
type HeaderMapEntry struct {
	LSN      uint64
	Block    uint32
	Pos      int64
	Checksum uint16
}

const headerMapEntrySize = 8 + 4 + 8 + 2

// WriteHeaderMap serializes entries in the order given; BackupFile
// produces them in ascending Pos order.
func WriteHeaderMap(w io.Writer, entries []HeaderMapEntry) error {
	bw := bufio.NewWriter(w)
	var buf [headerMapEntrySize]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
		binary.LittleEndian.PutUint32(buf[8:12], e.Block)
		binary.LittleEndian.PutUint64(buf[12:20], uint64(e.Pos))
		binary.LittleEndian.PutUint16(buf[20:22], e.Checksum)
		if _, err := bw.Write(buf[:]); err != nil {
			return fmt.Errorf("pgpage: writing header-map entry: %w", err)
		}
	}
	return bw.Flush()
}

// ReadHeaderMap parses a page_header_map file in full.
func ReadHeaderMap(r io.Reader) ([]HeaderMapEntry, error) {
	br := bufio.NewReader(r)
	var entries []HeaderMapEntry
	var buf [headerMapEntrySize]byte
	for {
		_, err := io.ReadFull(br, buf[:])
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pgpage: reading header-map: %w", err)
		}
		entries = append(entries, HeaderMapEntry{
			LSN:      binary.LittleEndian.Uint64(buf[0:8]),
			Block:    binary.LittleEndian.Uint32(buf[8:12]),
			Pos:      int64(binary.LittleEndian.Uint64(buf[12:20])),
			Checksum: binary.LittleEndian.Uint16(buf[20:22]),
		})
	}
}

// Compressor is the abstract "compress(buf) -> buf" oracle the spec treats
// opaquely; internal/pgpage/compress.go supplies a zstd-backed
// implementation and a no-op one.
type Compressor interface {
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte) ([]byte, error)
}
