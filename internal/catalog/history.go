package catalog

import (
	"os"
	"path/filepath"

	"github.com/pgbackup/pgbackup/internal/lsn"
	"github.com/pgbackup/pgbackup/internal/pgerr"
)

// ReadHistory loads "<tli>.history" from the WAL archive. A timeline with
// no history file (timeline 1, or any timeline that has never forked) is
// not an error: it simply has an empty History.
func (c *Catalog) ReadHistory(tli uint32) (lsn.History, error) {
	path := filepath.Join(c.WalDir(), lsn.HistoryFileName(tli))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pgerr.New(pgerr.KindIO, "catalog.ReadHistory", err).WithPath(path)
	}
	defer f.Close()
	h, err := lsn.ParseHistory(f)
	if err != nil {
		return nil, pgerr.New(pgerr.KindFormat, "catalog.ReadHistory: parse", err).WithPath(path)
	}
	return h, nil
}

// WriteHistory persists a new "<tli>.history" file, used when this build
// itself performs a timeline switch (point-in-time restore onto a new
// timeline).
func (c *Catalog) WriteHistory(tli uint32, h lsn.History) error {
	path := filepath.Join(c.WalDir(), lsn.HistoryFileName(tli))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pgerr.New(pgerr.KindIO, "catalog.WriteHistory: mkdir", err).WithPath(filepath.Dir(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return pgerr.New(pgerr.KindIO, "catalog.WriteHistory: create", err).WithPath(path)
	}
	defer f.Close()
	if err := h.Write(f); err != nil {
		return pgerr.New(pgerr.KindIO, "catalog.WriteHistory: write", err).WithPath(path)
	}
	return nil
}
