package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/chain"
)

func newMergeCmd(ctx *cliContext) *cobra.Command {
	var backupID string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge an incremental chain down into its FULL ancestor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("merge: --instance is required")
			}
			if backupID == "" {
				return fmt.Errorf("merge: -i/--backup-id is required")
			}
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			cat := ctx.catalog()

			target, err := cat.ReadControl(backupID)
			if err != nil {
				return fmt.Errorf("merge: %w", err)
			}
			backups, err := cat.ListBackups()
			if err != nil {
				return err
			}
			members, err := chain.Chain(chain.Index(backups), target)
			if err != nil {
				return fmt.Errorf("merge: %w", err)
			}

			var releases []func() error
			defer func() {
				for i := len(releases) - 1; i >= 0; i-- {
					releases[i]()
				}
			}()
			for _, m := range members {
				release, err := cat.LockBackup(m.ID, true)
				if err != nil {
					return fmt.Errorf("merge: locking %s: %w", m.ID, err)
				}
				releases = append(releases, release)
			}

			merged, err := chain.Merge(cat, members, compressorFor(cfg.CompressAlg, cfg.CompressLevel))
			if err != nil {
				return fmt.Errorf("merge: %w", err)
			}
			fmt.Printf("Merged chain into backup %s (status=%s)\n", merged.ID, merged.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&backupID, "backup-id", "i", "", "backup id naming the top of the chain to merge")
	return cmd
}
