package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/driver"
	"github.com/pgbackup/pgbackup/internal/lsn"
	"github.com/pgbackup/pgbackup/internal/walvalidate"
)

func newRestoreCmd(ctx *cliContext) *cobra.Command {
	var (
		backupID     string
		destDir      string
		threads      int
		targetLSN    string
		targetXid    uint32
		targetTime   int64
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup (optionally to a point-in-time recovery target)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("restore: --instance is required")
			}
			if destDir == "" {
				return fmt.Errorf("restore: -D/--destination is required")
			}
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if threads <= 0 {
				threads = cfg.Threads
			}
			if backupID == "" {
				resolved, err := latestOKBackupID(ctx)
				if err != nil {
					return fmt.Errorf("restore: %w", err)
				}
				backupID = resolved
			}

			var target walvalidate.Target
			if targetLSN != "" {
				l, err := lsn.Parse(targetLSN)
				if err != nil {
					return fmt.Errorf("restore: --recovery-target-lsn: %w", err)
				}
				target.LSN, target.HasLSN = l, true
			}
			if targetXid != 0 {
				target.Xid, target.HasXid = targetXid, true
			}
			if targetTime != 0 {
				target.Time, target.HasTime = targetTime, true
			}

			opts := driver.RestoreOptions{
				BackupID:   backupID,
				DestDir:    destDir,
				Threads:    threads,
				Compressor: compressorFor(cfg.CompressAlg, cfg.CompressLevel),
				Target:     target,
			}
			if err := driver.RunRestore(context.Background(), ctx.catalog(), opts); err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			fmt.Printf("Restore of backup %s to %s completed\n", backupID, destDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&backupID, "backup-id", "i", "", "backup id to restore (defaults to the latest OK backup)")
	cmd.Flags().StringVarP(&destDir, "destination", "D", "", "destination data directory")
	cmd.Flags().IntVar(&threads, "threads", 0, "worker pool size")
	cmd.Flags().StringVar(&targetLSN, "recovery-target-lsn", "", "recover to this LSN")
	cmd.Flags().Uint32Var(&targetXid, "recovery-target-xid", 0, "recover to this transaction id")
	cmd.Flags().Int64Var(&targetTime, "recovery-target-time", 0, "recover to this unix-time timestamp")
	return cmd
}
