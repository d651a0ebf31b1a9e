package agent

import (
	"os"
	"sync"

	"github.com/pgbackup/pgbackup/internal/pgerr"
)

// HandleTable maps the wire-level handle ids in [0, FIOFdMax) used by
// Frame.Handle to open *os.File values on the agent side. Kept separate
// from the OS file descriptor numbers so a compromised or buggy remote
// peer can never address a real fd it wasn't handed.
type HandleTable struct {
	mu    sync.Mutex
	files [FIOFdMax]*os.File
}

// Alloc reserves the first free slot and stores f there.
func (t *HandleTable) Alloc(f *os.File) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.files {
		if t.files[i] == nil {
			t.files[i] = f
			return uint32(i), nil
		}
	}
	return 0, pgerr.New(pgerr.KindPolicy, "agent.HandleTable.Alloc", pgerr.ErrNotFound)
}

// Get returns the file at handle h.
func (t *HandleTable) Get(h uint32) (*os.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h) >= len(t.files) {
		return nil, false
	}
	f := t.files[h]
	return f, f != nil
}

// Release closes and frees handle h, tolerating a double release.
func (t *HandleTable) Release(h uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h) >= len(t.files) || t.files[h] == nil {
		return nil
	}
	f := t.files[h]
	t.files[h] = nil
	return f.Close()
}

// CloseAll releases every open handle, used on session teardown.
func (t *HandleTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, f := range t.files {
		if f != nil {
			f.Close()
			t.files[i] = nil
		}
	}
}
