package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/chain"
	"github.com/pgbackup/pgbackup/internal/lsn"
	"github.com/pgbackup/pgbackup/internal/pgpage"
)

func newDeleteCmd(ctx *cliContext) *cobra.Command {
	var (
		backupID      string
		deleteExpired bool
		mergeExpired  bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one backup, or purge backups per the retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("delete: --instance is required")
			}
			cat := ctx.catalog()

			if backupID != "" {
				return deleteOneBackup(cat, backupID)
			}
			if !deleteExpired && !mergeExpired {
				return fmt.Errorf("delete: specify -i, --delete-expired, or --merge-expired")
			}

			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			policy := cfg.Retention
			policy.MergeExpired = policy.MergeExpired || mergeExpired

			return purgeExpired(cat, chain.RetentionPolicy{
				Redundancy:   policy.Redundancy,
				WindowDays:   policy.WindowDays,
				MergeExpired: policy.MergeExpired,
			}, policy.WalDepth)
		},
	}
	cmd.Flags().StringVarP(&backupID, "backup-id", "i", "", "backup id to delete")
	cmd.Flags().BoolVar(&deleteExpired, "delete-expired", false, "purge backups the retention policy no longer keeps")
	cmd.Flags().BoolVar(&mergeExpired, "merge-expired", false, "merge a kept backup's chain into its FULL ancestor before the ancestor is purged")
	return cmd
}

func deleteOneBackup(cat *catalog.Catalog, id string) error {
	release, err := cat.LockBackup(id, true)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	defer release()
	if err := os.RemoveAll(cat.BackupDir(id)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	fmt.Printf("Backup %s deleted\n", id)
	return nil
}

func purgeExpired(cat *catalog.Catalog, policy chain.RetentionPolicy, walDepth int) error {
	backups, err := cat.ListBackups()
	if err != nil {
		return err
	}
	eval := chain.Evaluate(backups, policy, time.Now())

	if policy.MergeExpired {
		idx := chain.Index(backups)
		for childID, fullID := range eval.MergeTargets {
			child, ok := idx[childID]
			if !ok {
				continue
			}
			members, err := chain.Chain(idx, child)
			if err != nil {
				continue
			}
			var releases []func() error
			ok = true
			for _, m := range members {
				r, err := cat.LockBackup(m.ID, true)
				if err != nil {
					ok = false
					break
				}
				releases = append(releases, r)
			}
			if ok {
				chain.Merge(cat, members, compressorForBackup(members[len(members)-1]))
			}
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
			_ = fullID
		}
	}

	for _, b := range eval.Purge {
		release, err := cat.LockBackup(b.ID, true)
		if err != nil {
			continue
		}
		os.RemoveAll(cat.BackupDir(b.ID))
		release()
		fmt.Printf("Backup %s purged\n", b.ID)
	}

	remaining, err := cat.ListBackups()
	if err != nil {
		return err
	}
	timelines := map[uint32]bool{}
	for _, b := range remaining {
		timelines[b.TimelineID] = true
	}
	for tli := range timelines {
		anchor, ok := chain.PurgeAnchor(remaining, tli, walDepth)
		if !ok {
			continue
		}
		purgeWALBefore(cat.WalDir(), tli, lsn.LSN(anchor))
	}
	return nil
}

// compressorForBackup recovers the compressor a backup's own control record names,
// since merge must decompress and re-emit the same records it already
// stored.
func compressorForBackup(b *catalog.Backup) pgpage.Compressor {
	return compressorFor(b.CompressAlg, b.CompressLevel)
}

// purgeWALBefore deletes archived WAL segments on timeline tli whose
// segment number falls before anchor's, per §4.G's WAL-purge paragraph.
func purgeWALBefore(walDir string, tli uint32, anchor lsn.LSN) {
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return
	}
	anchorSeg := anchor.Segment(lsn.DefaultSegmentSize)
	for _, e := range entries {
		name := e.Name()
		if len(name) != 24 {
			continue
		}
		fileTLI, segNo, err := lsn.ParseSegmentName(name, lsn.DefaultSegmentSize)
		if err != nil || fileTLI != tli {
			continue
		}
		if segNo < anchorSeg {
			os.Remove(filepath.Join(walDir, name))
		}
	}
}
