// Package driver implements the backup and restore orchestration (spec
// component 4.K): connecting to the source (an external collaborator
// behind the SourceConn interface), enumerating the data directory,
// fanning file work out across a workerpool, waiting on WAL archival, and
// persisting the result through the catalog.
package driver

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pgbackup/pgbackup/internal/manifest"
)

// excludedDirs are directories whose content is omitted from backup but
// whose empty form is preserved (§6).
var excludedDirs = map[string]bool{
	"pg_xlog": true, "pg_wal": true, "pg_stat_tmp": true, "pgsql_tmp": true,
	"pg_replslot": true, "pg_dynshmem": true, "pg_notify": true,
	"pg_serial": true, "pg_snapshots": true, "pg_subtrans": true,
}

// excludedFiles are never copied (§6).
var excludedFiles = map[string]bool{
	"postmaster.pid": true, "postmaster.opts": true,
	"postgresql.auto.conf.tmp": true, "current_logfiles.tmp": true,
	"recovery.conf": true, "standby.signal": true, "recovery.signal": true,
	"probackup_recovery.conf": true,
}

// Entry is one enumerated filesystem object, relative to the data
// directory root.
type Entry struct {
	RelPath      string
	AbsPath      string
	IsDir        bool
	EmptyDirOnly bool // true for an excluded directory: create it, copy nothing inside
	Size         int64
	Mode         fs.FileMode
	Symlink      string
}

// Enumerate walks root, excluding well-known transient paths per §6.
// Excluded directories are still reported (with EmptyDirOnly set) so the
// restore side recreates them empty.
func Enumerate(root string) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		name := d.Name()

		if d.IsDir() {
			if excludedDirs[name] {
				out = append(out, Entry{RelPath: rel, IsDir: true, EmptyDirOnly: true})
				return filepath.SkipDir
			}
			out = append(out, Entry{RelPath: rel, IsDir: true})
			return nil
		}
		if excludedFiles[name] {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		e := Entry{RelPath: rel, AbsPath: path, Size: info.Size(), Mode: info.Mode()}
		if info.Mode()&fs.ModeSymlink != 0 {
			target, lerr := os.Readlink(path)
			if lerr == nil {
				e.Symlink = target
			}
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RelFileRef identifies a relation segment file by its on-disk location.
type RelFileRef struct {
	Tablespace uint32 // not set by ParseRelationPath: 0 for both base/ and global/ paths
	DBOid      uint32
	RelOid     uint32
	SegNo      uint32
	Fork       manifest.ForkKind
}

// ParseRelationPath recognizes base/<db>/<rel>[.<seg>] and
// global/<rel>[.<seg>] layouts, the two this build's backup driver is
// able to page-map (files under custom tablespaces are not recognized
// and are copied whole).
func ParseRelationPath(relPath string) (RelFileRef, bool) {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) == 3 && parts[0] == "base" {
		dbOid, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return RelFileRef{}, false
		}
		relOid, segNo, ok := parseRelFileName(parts[2])
		if !ok {
			return RelFileRef{}, false
		}
		return RelFileRef{DBOid: uint32(dbOid), RelOid: relOid, SegNo: segNo, Fork: manifest.ForkMainFile}, true
	}
	if len(parts) == 2 && parts[0] == "global" {
		relOid, segNo, ok := parseRelFileName(parts[1])
		if !ok {
			return RelFileRef{}, false
		}
		return RelFileRef{DBOid: 0, RelOid: relOid, SegNo: segNo, Fork: manifest.ForkMainFile}, true
	}
	return RelFileRef{}, false
}

func parseRelFileName(name string) (relOid uint32, segNo uint32, ok bool) {
	base := name
	seg := uint64(0)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		base = name[:i]
		v, err := strconv.ParseUint(name[i+1:], 10, 32)
		if err != nil {
			return 0, 0, false
		}
		seg = v
	}
	v, err := strconv.ParseUint(base, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(v), uint32(seg), true
}

// RelationPath is the inverse of ParseRelationPath, used by page-map
// construction to turn a WAL block reference back into the relative path
// BackupFile expects.
func RelationPath(ref RelFileRef) string {
	name := strconv.FormatUint(uint64(ref.RelOid), 10)
	if ref.SegNo > 0 {
		name += "." + strconv.FormatUint(uint64(ref.SegNo), 10)
	}
	if ref.DBOid == 0 {
		return filepath.Join("global", name)
	}
	return filepath.Join("base", strconv.FormatUint(uint64(ref.DBOid), 10), name)
}
