package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/pgbackup/pgbackup/internal/manifest"
	"github.com/pgbackup/pgbackup/internal/pgerr"
)

// Catalog roots the on-disk layout described in §6:
//
//	<Root>/backups/<Instance>/pg_probackup.conf
//	<Root>/backups/<Instance>/<id>/{backup.control,backup.pid,backup_content.control,database/,page_header_map}
//	<Root>/wal/<Instance>/...
type Catalog struct {
	Root     string
	Instance string
}

func New(root, instance string) *Catalog {
	return &Catalog{Root: root, Instance: instance}
}

func (c *Catalog) InstanceDir() string {
	return filepath.Join(c.Root, "backups", c.Instance)
}

func (c *Catalog) ConfPath() string {
	return filepath.Join(c.InstanceDir(), "pg_probackup.conf")
}

func (c *Catalog) BackupDir(id string) string {
	return filepath.Join(c.InstanceDir(), id)
}

func (c *Catalog) ControlPath(id string) string {
	return filepath.Join(c.BackupDir(id), "backup.control")
}

func (c *Catalog) PidPath(id string) string {
	return filepath.Join(c.BackupDir(id), "backup.pid")
}

func (c *Catalog) ContentControlPath(id string) string {
	return filepath.Join(c.BackupDir(id), "backup_content.control")
}

func (c *Catalog) DatabaseDir(id string) string {
	return filepath.Join(c.BackupDir(id), "database")
}

func (c *Catalog) HeaderMapPath(id string) string {
	return filepath.Join(c.BackupDir(id), "page_header_map")
}

func (c *Catalog) WalDir() string {
	return filepath.Join(c.Root, "wal", c.Instance)
}

// CatalogLockPath is the catalog-wide lock taken at the start of any
// mutating command (§5's "across backups by a catalog-wide lock").
func (c *Catalog) CatalogLockPath() string {
	return filepath.Join(c.InstanceDir(), ".catalog.lock")
}

// staleLockAge is the §4.F rule: a lock older than 30s with no live pid may
// be broken.
const staleLockAge = 30 * time.Second

// LockBackup acquires backup.pid for id, breaking a stale lock per §4.F.
// The lock is always taken exclusive: the exclusive argument is not
// consulted, so a request with exclusive=false conflicts with any other
// holder just as an exclusive one does. Returns a release function.
func (c *Catalog) LockBackup(id string, exclusive bool) (func() error, error) {
	return lockPidFile(c.PidPath(id))
}

// LockCatalog acquires the catalog-wide lock.
func (c *Catalog) LockCatalog() (func() error, error) {
	if err := os.MkdirAll(c.InstanceDir(), 0o755); err != nil {
		return nil, pgerr.New(pgerr.KindIO, "catalog.LockCatalog: mkdir", err).WithPath(c.InstanceDir())
	}
	return lockPidFile(c.CatalogLockPath())
}

func lockPidFile(path string) (func() error, error) {
	if err := breakStaleLock(path); err != nil {
		return nil, err
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, pgerr.New(pgerr.KindIO, "catalog: locking", err).WithPath(path)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", pgerr.ErrLockBusy, path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		fl.Unlock()
		return nil, pgerr.New(pgerr.KindIO, "catalog: writing lock pid", err).WithPath(path)
	}
	return func() error {
		err := fl.Unlock()
		os.Remove(path)
		return err
	}, nil
}

// breakStaleLock implements §4.F: a lock file older than 30s whose recorded
// pid is no longer live may be removed before acquisition is attempted.
func breakStaleLock(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // nothing to break
	}
	if time.Since(info.ModTime()) < staleLockAge {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}
	if processAlive(pid) {
		return nil
	}
	return os.Remove(path)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// os.FindProcess always succeeds on Unix; Signal(0) is the standard
	// liveness probe.
	return proc.Signal(syscallSig0()) == nil
}

// WriteControl atomically persists b's backup.control via write-to-temp-
// then-rename, fsyncing both the file and its parent directory (§4.F).
func (c *Catalog) WriteControl(b *Backup) error {
	dir := c.BackupDir(b.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pgerr.New(pgerr.KindIO, "catalog.WriteControl: mkdir", err).WithPath(dir).WithBackup(b.ID)
	}
	return atomicWrite(c.ControlPath(b.ID), []byte(encodeControl(b)))
}

// ReadControl loads one backup's control record.
func (c *Catalog) ReadControl(id string) (*Backup, error) {
	f, err := os.Open(c.ControlPath(id))
	if err != nil {
		return nil, pgerr.New(pgerr.KindMissing, "catalog.ReadControl", err).WithPath(c.ControlPath(id)).WithBackup(id)
	}
	defer f.Close()
	b, err := decodeControl(f)
	if err != nil {
		return nil, pgerr.New(pgerr.KindFormat, "catalog.ReadControl: parse", err).WithPath(c.ControlPath(id)).WithBackup(id)
	}
	return b, nil
}

// WriteManifest persists the manifest and updates b.ContentCRC to match,
// per §4.F/property 6. Callers must WriteControl afterward to persist the
// updated CRC.
func (c *Catalog) WriteManifest(b *Backup, m manifest.Manifest) error {
	var buf strings.Builder
	crc, err := manifest.Encode(&buf, m)
	if err != nil {
		return fmt.Errorf("catalog: encoding manifest: %w", err)
	}
	if err := atomicWrite(c.ContentControlPath(b.ID), []byte(buf.String())); err != nil {
		return err
	}
	b.ContentCRC = crc
	return nil
}

// ReadManifest loads a backup's manifest and verifies content_crc matches
// (property 6); a mismatch is a Format error.
func (c *Catalog) ReadManifest(b *Backup) (manifest.Manifest, error) {
	f, err := os.Open(c.ContentControlPath(b.ID))
	if err != nil {
		return manifest.Manifest{}, pgerr.New(pgerr.KindMissing, "catalog.ReadManifest", err).WithPath(c.ContentControlPath(b.ID)).WithBackup(b.ID)
	}
	defer f.Close()
	m, crc, err := manifest.Decode(f)
	if err != nil {
		return manifest.Manifest{}, pgerr.New(pgerr.KindFormat, "catalog.ReadManifest: parse", err).WithPath(c.ContentControlPath(b.ID)).WithBackup(b.ID)
	}
	if crc != b.ContentCRC {
		return manifest.Manifest{}, pgerr.New(pgerr.KindFormat, "catalog.ReadManifest: content_crc mismatch", fmt.Errorf("got %#x want %#x", crc, b.ContentCRC)).WithBackup(b.ID)
	}
	return m, nil
}

// ListBackups loads every backup directory under the instance, newest
// first by start-time, tolerating a directory whose control file is
// missing/unparseable by marking it CORRUPT rather than aborting the scan.
func (c *Catalog) ListBackups() ([]*Backup, error) {
	entries, err := os.ReadDir(c.InstanceDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pgerr.New(pgerr.KindIO, "catalog.ListBackups: readdir", err).WithPath(c.InstanceDir())
	}
	var out []*Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := c.ReadControl(e.Name())
		if err != nil {
			out = append(out, &Backup{ID: e.Name(), Status: StatusCorrupt})
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pgerr.New(pgerr.KindIO, "catalog: writing temp file", err).WithPath(tmp)
	}
	tf, err := os.Open(tmp)
	if err == nil {
		tf.Sync()
		tf.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		return pgerr.New(pgerr.KindIO, "catalog: renaming into place", err).WithPath(path)
	}
	if df, err := os.Open(dir); err == nil {
		df.Sync()
		df.Close()
	}
	return nil
}
