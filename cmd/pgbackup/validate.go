package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/lsn"
	"github.com/pgbackup/pgbackup/internal/walvalidate"
)

func newValidateCmd(ctx *cliContext) *cobra.Command {
	var (
		backupID   string
		targetLSN  string
		targetXid  uint32
		targetTime int64
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Verify a backup's archived WAL suffices to recover it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("validate: --instance is required")
			}
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if backupID == "" {
				resolved, err := latestOKBackupID(ctx)
				if err != nil {
					return fmt.Errorf("validate: %w", err)
				}
				backupID = resolved
			}
			cat := ctx.catalog()
			b, err := cat.ReadControl(backupID)
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}

			closure := walvalidate.CheckClosure(cat.WalDir(), b.TimelineID, cfg.SegmentSize, b.StartLSN, b.StopLSN)
			if !closure.Reached {
				b.Status = catalog.StatusCorrupt
				cat.WriteControl(b)
				return fmt.Errorf("validate: %v", closure.FailedAt)
			}

			var target walvalidate.Target
			if targetLSN != "" {
				l, err := lsn.Parse(targetLSN)
				if err != nil {
					return fmt.Errorf("validate: --recovery-target-lsn: %w", err)
				}
				target.LSN, target.HasLSN = l, true
			}
			if targetXid != 0 {
				target.Xid, target.HasXid = targetXid, true
			}
			if targetTime != 0 {
				target.Time, target.HasTime = targetTime, true
			}
			if target.HasLSN || target.HasXid || target.HasTime {
				if _, err := walvalidate.CheckReachability(cat.WalDir(), b.TimelineID, cfg.SegmentSize, b.StopLSN, target); err != nil {
					return fmt.Errorf("validate: %w", err)
				}
			}

			fmt.Printf("Backup %s is valid\n", b.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&backupID, "backup-id", "i", "", "backup id to validate (defaults to the latest OK backup)")
	cmd.Flags().StringVar(&targetLSN, "recovery-target-lsn", "", "also confirm this LSN is reachable")
	cmd.Flags().Uint32Var(&targetXid, "recovery-target-xid", 0, "also confirm this transaction id is reachable")
	cmd.Flags().Int64Var(&targetTime, "recovery-target-time", 0, "also confirm this unix-time timestamp is reachable")
	return cmd
}
