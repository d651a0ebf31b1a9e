// Package datafile implements per-relation-segment-file backup and restore
// (spec component 4.E): iterating blocks (full scan or via a page-map),
// classifying each by LSN against the parent backup, emitting changed
// blocks with the backup-page record header, and the inverse chain-overlay
// restore.
package datafile

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/pgbackup/pgbackup/internal/manifest"
	"github.com/pgbackup/pgbackup/internal/pagemap"
	"github.com/pgbackup/pgbackup/internal/pgerr"
	"github.com/pgbackup/pgbackup/internal/pgpage"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// fileReader adapts *os.File to pgpage.PageReader.
type fileReader struct{ f *os.File }

func (r fileReader) ReadPageAt(buf []byte, off int64) error {
	_, err := r.f.ReadAt(buf, off)
	return err
}

// BackupParams are the inputs to BackupFile.
type BackupParams struct {
	SourcePath   string
	DestPath     string
	SegNo        uint32
	PrevStartLSN uint64 // 0 (Invalid) for a FULL backup
	Compressor   pgpage.Compressor
	PageMap      *pagemap.Map // nil or IsFull()==true means "whole file"
	MaxLSN       uint64       // forwarded to pgpage.Parse as the "not from the future" bound; 0 disables the check
	FirstPass    bool         // true on a FULL/first-encountered backup of this relation; a missing source file is fatal, not "vanished"
}

// BackupResult summarizes one file's backup.
type BackupResult struct {
	BytesRead    int64
	BytesWritten int64
	CRC32C       uint32
	HeaderMap    []pgpage.HeaderMapEntry
	WriteSize    int64 // the manifest write_size value, including the -1/-2 sentinels
	Vanished     bool
}

// BackupFile backs up one relation segment file per §4.E.
func BackupFile(p BackupParams) (BackupResult, error) {
	src, err := os.Open(p.SourcePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !p.FirstPass {
			return BackupResult{Vanished: true, WriteSize: manifest.WriteSizeVanished}, nil
		}
		return BackupResult{}, pgerr.New(pgerr.KindIO, "datafile.BackupFile: open source", err).WithPath(p.SourcePath)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return BackupResult{}, pgerr.New(pgerr.KindIO, "datafile.BackupFile: stat source", err).WithPath(p.SourcePath)
	}
	size := info.Size()
	if size%pgpage.Size != 0 {
		return BackupResult{}, pgerr.New(pgerr.KindFormat, "datafile.BackupFile: size not a multiple of page size", fmt.Errorf("%d bytes", size)).WithPath(p.SourcePath)
	}
	totalBlocks := uint32(size / pgpage.Size)

	dst, err := os.Create(p.DestPath)
	if err != nil {
		return BackupResult{}, pgerr.New(pgerr.KindIO, "datafile.BackupFile: create destination", err).WithPath(p.DestPath)
	}
	defer dst.Close()

	crc := crc32.New(crc32cTable)
	out := io.MultiWriter(dst, crc)

	var res BackupResult
	anyWritten := false
	var pos int64
	rd := fileReader{src}

	emit := func(blockNo uint32, page []byte, compressed []byte, compSz int32) error {
		n, err := pgpage.WriteRecord(out, pgpage.Record{BlockNo: blockNo, CompSz: compSz, Payload: compressed})
		if err != nil {
			return err
		}
		res.HeaderMap = append(res.HeaderMap, pgpage.HeaderMapEntry{
			LSN:      headerLSN(page),
			Block:    blockNo,
			Pos:      pos,
			Checksum: pgpage.Checksum(page, blockNo),
		})
		pos += int64(n)
		res.BytesWritten += int64(n)
		anyWritten = true
		return nil
	}

	process := func(blockNo uint32) error {
		buf, class, err := pgpage.ReadWithRetry(rd, blockNo, int64(blockNo)*pgpage.Size, p.MaxLSN, pgpage.DefaultRetryConfig)
		if err != nil {
			return pgerr.New(pgerr.KindFormat, "datafile.BackupFile: PAGE_CORRUPTION", err).WithPath(p.SourcePath)
		}
		res.BytesRead += pgpage.Size

		if class == pgpage.Zero {
			return emit(blockNo, buf, buf, pgpage.Size)
		}

		h, _ := pgpage.ParseHeader(buf)
		if p.PrevStartLSN != 0 && h.LSN != 0 && h.LSN < p.PrevStartLSN {
			// unchanged since the parent backup; skip per §4.E step 4c.
			return nil
		}

		comp, err := p.Compressor.Compress(nil, buf)
		if err != nil {
			return pgerr.New(pgerr.KindIO, "datafile.BackupFile: compress", err).WithPath(p.SourcePath)
		}
		compSz := int32(len(comp))
		if compSz >= pgpage.Size {
			return emit(blockNo, buf, buf, pgpage.Size)
		}
		return emit(blockNo, buf, comp, compSz)
	}

	if p.PageMap == nil || p.PageMap.IsFull() {
		for b := uint32(0); b < totalBlocks; b++ {
			if err := process(b); err != nil {
				return BackupResult{}, err
			}
		}
	} else {
		for b, ok := p.PageMap.First(0); ok; b, ok = p.PageMap.First(b + 1) {
			if b >= totalBlocks {
				break
			}
			if err := process(b); err != nil {
				return BackupResult{}, err
			}
		}
	}

	res.CRC32C = crc.Sum32()

	if !anyWritten {
		dst.Close()
		os.Remove(p.DestPath)
		res.WriteSize = manifest.WriteSizeUnchanged
		return res, nil
	}
	res.WriteSize = res.BytesWritten
	return res, nil
}

func headerLSN(page []byte) uint64 {
	h, err := pgpage.ParseHeader(page)
	if err != nil {
		return 0
	}
	return h.LSN
}

// ChainMember is one backup's copy of a relation segment file, ordered
// FULL-first, for RestoreFile.
type ChainMember struct {
	Path      string // empty if this backup doesn't store the file (write_size == -1 or the file didn't exist there)
	Unchanged bool   // true when this member's manifest entry has write_size == -1 (use the previous member's bytes verbatim)
}

// RestoreFile reconstructs destPath by overlaying each chain member's
// records in order (FULL -> ... -> target), later backups overwriting
// earlier ones, then truncating to targetSize.
func RestoreFile(chain []ChainMember, destPath string, targetSize int64, compressor pgpage.Compressor) error {
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return pgerr.New(pgerr.KindIO, "datafile.RestoreFile: open destination", err).WithPath(destPath)
	}
	defer dst.Close()

	anyMember := false
	for _, m := range chain {
		if m.Unchanged || m.Path == "" {
			continue
		}
		anyMember = true
		if err := overlayOne(dst, m.Path, compressor); err != nil {
			return err
		}
	}
	if !anyMember {
		dst.Close()
		return os.Remove(destPath)
	}
	if err := dst.Truncate(targetSize); err != nil {
		return pgerr.New(pgerr.KindIO, "datafile.RestoreFile: truncate", err).WithPath(destPath)
	}
	return nil
}

// MergeFile overlays chain exactly as RestoreFile does, but re-encodes the
// result back into this package's backup-page-record format at destPath
// rather than a raw page image -- what the chain/retention engine's merge
// needs, since a FULL backup's database/ directory stores every file in
// record format, not as a raw cluster file.
func MergeFile(chain []ChainMember, destPath string, targetSize int64, compressor pgpage.Compressor) error {
	tmp := destPath + ".merge-raw"
	if err := RestoreFile(chain, tmp, targetSize, compressor); err != nil {
		return err
	}
	defer os.Remove(tmp)

	if _, err := os.Stat(tmp); errors.Is(err, os.ErrNotExist) {
		// every member dropped the file; nothing to merge.
		os.Remove(destPath)
		return nil
	}

	res, err := BackupFile(BackupParams{
		SourcePath: tmp,
		DestPath:   destPath,
		Compressor: compressor,
		FirstPass:  true,
	})
	if err != nil {
		return err
	}
	if res.WriteSize == manifest.WriteSizeUnchanged {
		// a zero-length file still needs to exist for the merged FULL.
		f, ferr := os.Create(destPath)
		if ferr != nil {
			return pgerr.New(pgerr.KindIO, "datafile.MergeFile: create empty", ferr).WithPath(destPath)
		}
		f.Close()
	}
	return nil
}

func overlayOne(dst *os.File, path string, compressor pgpage.Compressor) error {
	f, err := os.Open(path)
	if err != nil {
		return pgerr.New(pgerr.KindIO, "datafile.RestoreFile: open chain member", err).WithPath(path)
	}
	defer f.Close()

	for {
		rec, err := pgpage.ReadRecord(f)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return pgerr.New(pgerr.KindFormat, "datafile.RestoreFile: read record", err).WithPath(path)
		}
		page, err := rec.Decompressed(compressor)
		if err != nil {
			return pgerr.New(pgerr.KindFormat, "datafile.RestoreFile: decompress", err).WithPath(path)
		}
		if _, err := dst.WriteAt(page, int64(rec.BlockNo)*pgpage.Size); err != nil {
			return pgerr.New(pgerr.KindIO, "datafile.RestoreFile: write block", err).WithPath(path)
		}
	}
}
