package driver

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pgbackup/pgbackup/internal/agent"
	"github.com/pgbackup/pgbackup/internal/manifest"
	"github.com/pgbackup/pgbackup/internal/pagemap"
	"github.com/pgbackup/pgbackup/internal/pgerr"
	"github.com/pgbackup/pgbackup/internal/pgpage"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// EnumerateRemote mirrors Enumerate but walks root over the agent's LIST_DIR
// cop (§4.I) instead of the local filesystem, so §4.K's "local or via agent"
// source can be a remote data directory. The same §6 exclusion rules apply;
// LIST_DIR returns the whole tree flattened, so exclusion is done here by
// path prefix rather than by pruning filepath.WalkDir.
func EnumerateRemote(client *agent.Client, root string) ([]Entry, error) {
	dirEntries, err := client.ListDir(root)
	if err != nil {
		return nil, pgerr.New(pgerr.KindRemote, "driver.EnumerateRemote: list dir", err).WithPath(root)
	}

	out := make([]Entry, 0, len(dirEntries))
	skipPrefix := ""
	for _, d := range dirEntries {
		rel := filepath.ToSlash(d.RelPath)
		if skipPrefix != "" && strings.HasPrefix(rel, skipPrefix) {
			continue
		}
		skipPrefix = ""
		name := filepath.Base(rel)

		if d.IsDir {
			if excludedDirs[name] {
				out = append(out, Entry{RelPath: rel, IsDir: true, EmptyDirOnly: true})
				skipPrefix = rel + "/"
				continue
			}
			out = append(out, Entry{RelPath: rel, IsDir: true})
			continue
		}
		if excludedFiles[name] {
			continue
		}
		if d.IsLink {
			// §4.I's cop table has no "read symlink target" op (LIST_DIR
			// reports IsLink but not the target); a remote data directory
			// with symlinked tablespaces can't be reconstructed through
			// this transport.
			return nil, pgerr.New(pgerr.KindRemote, "driver.EnumerateRemote",
				fmt.Errorf("%s: symlinks are not supported over the agent transport", rel)).WithPath(rel)
		}
		out = append(out, Entry{
			RelPath: rel,
			AbsPath: filepath.Join(root, rel),
			Size:    d.Size,
			Mode:    d.Mode,
		})
	}
	return out, nil
}

// copyWholeRemote is copyWhole's agent-backed counterpart: the whole file is
// pulled over SEND_FILE rather than read from local disk.
func copyWholeRemote(client *agent.Client, e Entry, databaseDir string, out *manifest.File) error {
	dest := filepath.Join(databaseDir, e.RelPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return pgerr.New(pgerr.KindIO, "driver.copyWholeRemote: mkdir", err).WithPath(dest)
	}
	data, err := client.SendFile(e.AbsPath)
	if err != nil {
		return pgerr.New(pgerr.KindRemote, "driver.copyWholeRemote: send file", err).WithPath(e.AbsPath)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return pgerr.New(pgerr.KindIO, "driver.copyWholeRemote: write", err).WithPath(dest)
	}
	out.WriteSize = int64(len(data))
	out.CRC32C = manifest.CRC32C(data)
	return nil
}

// backupOneDatafileRemote is backupOneDatafile's agent-backed counterpart.
// It mirrors datafile.BackupFile's block loop (§4.E step 4), but sources
// raw pages from the agent's SEND_PAGES stream -- which already classifies
// each block (zero, corrupt, or a page with a header) server-side -- instead
// of reading the source file locally.
func backupOneDatafileRemote(client *agent.Client, e Entry, databaseDir string, prevStartLSN uint64, opts BackupOptions, pm *pagemap.Map, out *manifest.File) error {
	dest := filepath.Join(databaseDir, e.RelPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return pgerr.New(pgerr.KindIO, "driver.backupOneDatafileRemote: mkdir", err).WithPath(dest)
	}
	dst, err := os.Create(dest)
	if err != nil {
		return pgerr.New(pgerr.KindIO, "driver.backupOneDatafileRemote: create", err).WithPath(dest)
	}
	defer dst.Close()

	crc := crc32.New(crc32cTable)
	w := io.MultiWriter(dst, crc)

	var bytesWritten int64
	anyWritten := false

	out.ReadSize = 0
	emit := func(blockNo uint32, compSz int32, payload []byte) error {
		n, werr := pgpage.WriteRecord(w, pgpage.Record{BlockNo: blockNo, CompSz: compSz, Payload: payload})
		if werr != nil {
			return pgerr.New(pgerr.KindIO, "driver.backupOneDatafileRemote: write record", werr).WithPath(dest)
		}
		bytesWritten += int64(n)
		anyWritten = true
		return nil
	}

	streamErr := client.SendPages(e.AbsPath, 0, func(pf agent.PageFrame) error {
		blockNo := pf.BlockNo
		out.ReadSize += pgpage.Size
		if pm != nil && !pm.IsFull() {
			if b, ok := pm.First(blockNo); !ok || b != blockNo {
				return nil // not a dirty block per the page map; parent's copy is authoritative
			}
		}
		if pf.Kind == agent.PageStreamCorruption {
			return pgerr.New(pgerr.KindFormat, "driver.backupOneDatafileRemote: PAGE_CORRUPTION",
				fmt.Errorf("block %d: %s", blockNo, pf.ErrorText)).WithPath(e.AbsPath)
		}
		page := pf.Page
		if pgpage.IsZero(page) {
			return emit(blockNo, pgpage.Size, page)
		}

		h, _ := pgpage.ParseHeader(page)
		if prevStartLSN != 0 && h.LSN != 0 && h.LSN < prevStartLSN {
			return nil // unchanged since the parent backup; skip per §4.E step 4c
		}

		comp, cerr := opts.Compressor.Compress(nil, page)
		if cerr != nil {
			return pgerr.New(pgerr.KindIO, "driver.backupOneDatafileRemote: compress", cerr).WithPath(e.AbsPath)
		}
		if int32(len(comp)) >= pgpage.Size {
			return emit(blockNo, pgpage.Size, page)
		}
		return emit(blockNo, int32(len(comp)), comp)
	})
	if streamErr != nil {
		return streamErr
	}

	out.CRC32C = crc.Sum32()
	if !anyWritten {
		dst.Close()
		os.Remove(dest)
		out.WriteSize = manifest.WriteSizeUnchanged
		return nil
	}
	out.WriteSize = bytesWritten
	return nil
}
