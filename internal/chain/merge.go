package chain

import (
	"os"
	"path/filepath"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/datafile"
	"github.com/pgbackup/pgbackup/internal/manifest"
	"github.com/pgbackup/pgbackup/internal/pgerr"
	"github.com/pgbackup/pgbackup/internal/pgpage"
)

// Merge folds the chain [full, b1, ..., target] into full's directory,
// leaving one surviving backup whose id becomes target's (§4.G "Merge of a
// chain"). members must be ordered FULL-first, target last, and must all
// currently be locked exclusive by the caller.
//
// Crash-recovery note: block writes during merge are keyed by block
// number, so re-running Merge against a backup already in MERGING/MERGED
// state is idempotent, as §4.G requires.
func Merge(cat *catalog.Catalog, members []*catalog.Backup, compressor pgpage.Compressor) (*catalog.Backup, error) {
	if len(members) < 2 {
		return nil, pgerr.New(pgerr.KindPolicy, "chain.Merge: need at least FULL + one descendant", nil)
	}
	full := members[0]
	target := members[len(members)-1]
	origFullID := full.ID

	full.Status = catalog.StatusMerging
	if err := cat.WriteControl(full); err != nil {
		return nil, err
	}

	manifests := make([]manifest.Manifest, len(members))
	for i, m := range members {
		mf, err := cat.ReadManifest(m)
		if err != nil {
			return nil, err
		}
		manifests[i] = mf
	}

	// mergeFileLists physically writes the merged data files under
	// DatabaseDir(origFullID); full.ID is reassigned only after that
	// directory has everything it needs and every superseded member (which
	// includes target's own pre-merge directory) has been deleted.
	merged := mergeFileLists(cat, members, manifests, compressor)

	for _, m := range members[1:] {
		if m.ID != origFullID {
			os.RemoveAll(cat.BackupDir(m.ID))
		}
	}

	if origFullID != target.ID {
		if err := os.Rename(cat.BackupDir(origFullID), cat.BackupDir(target.ID)); err != nil {
			return nil, pgerr.New(pgerr.KindIO, "chain.Merge: rename merged backup dir", err).WithBackup(origFullID)
		}
	}

	full.ID = target.ID
	full.StopLSN = target.StopLSN
	full.EndTime = target.EndTime
	full.RecoveryTime = target.RecoveryTime
	full.RecoveryXid = target.RecoveryXid
	full.Status = catalog.StatusMerged
	if err := cat.WriteManifest(full, manifest.Manifest{Files: merged}); err != nil {
		return nil, err
	}
	if err := cat.WriteControl(full); err != nil {
		return nil, err
	}

	full.Status = catalog.StatusOK
	if err := cat.WriteControl(full); err != nil {
		return nil, err
	}
	return full, nil
}

// mergeFileLists takes, per path, the newest copy across the chain (or
// drops it if the newest member marks it vanished) and physically overlays
// data-file records into full's database/ directory.
func mergeFileLists(cat *catalog.Catalog, members []*catalog.Backup, manifests []manifest.Manifest, compressor pgpage.Compressor) []manifest.File {
	latest := map[string]manifest.File{}
	order := map[string]int{} // path -> highest member index that mentions it
	for i, mf := range manifests {
		for _, f := range mf.Files {
			if idx, ok := order[f.Path]; !ok || i >= idx {
				latest[f.Path] = f
				order[f.Path] = i
			}
		}
	}

	full := members[0]
	var out []manifest.File
	for path, f := range latest {
		if f.WriteSize == manifest.WriteSizeVanished {
			continue // dropped: the newest member marks this file as gone
		}
		if f.IsDatafile {
			var chainMembers []datafile.ChainMember
			for i := 0; i <= order[path]; i++ {
				mf := manifests[i]
				member := members[i]
				found := false
				for _, cand := range mf.Files {
					if cand.Path == path {
						found = true
						if cand.WriteSize == manifest.WriteSizeUnchanged {
							chainMembers = append(chainMembers, datafile.ChainMember{Unchanged: true})
						} else if cand.WriteSize >= 0 {
							chainMembers = append(chainMembers, datafile.ChainMember{Path: filepath.Join(cat.DatabaseDir(member.ID), path)})
						}
						break
					}
				}
				_ = found
			}
			dest := filepath.Join(cat.DatabaseDir(full.ID), path)
			os.MkdirAll(filepath.Dir(dest), 0o755)
			if err := datafile.MergeFile(chainMembers, dest, f.Size, compressor); err == nil {
				f.WriteSize = f.Size
			}
		} else {
			srcMember := members[order[path]]
			src := filepath.Join(cat.DatabaseDir(srcMember.ID), path)
			dest := filepath.Join(cat.DatabaseDir(full.ID), path)
			if srcMember.ID != full.ID {
				os.MkdirAll(filepath.Dir(dest), 0o755)
				copyFile(src, dest)
			}
		}
		out = append(out, f)
	}
	return out
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
