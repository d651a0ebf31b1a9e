package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/driver"
	"github.com/pgbackup/pgbackup/internal/pgpage"
	"github.com/pgbackup/pgbackup/internal/telemetry"
)

func compressorFor(alg string, level int) pgpage.Compressor {
	if alg == "" || alg == "none" {
		return pgpage.NoopCompressor{}
	}
	return pgpage.NewZstdCompressor(level)
}

func newBackupCmd(ctx *cliContext) *cobra.Command {
	var (
		mode             string
		threads          int
		startCmd         string
		stopCmd          string
		sysIDCmd         string
		expectedSystemID uint64
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take a FULL, PAGE, PTRACK, or DELTA backup of the instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("backup: --instance is required")
			}
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if threads <= 0 {
				threads = cfg.Threads
			}

			meter := telemetry.Meter("pgbackup/driver")
			counters, err := telemetry.NewCounters(meter)
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}

			remoteAgent, err := dialRemoteAgent(cfg)
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			if remoteAgent != nil {
				defer remoteAgent.Disconnect()
			}

			opts := driver.BackupOptions{
				DataDir:          cfg.PGDataDir,
				Mode:             catalog.Mode(mode),
				Threads:          threads,
				Compressor:       compressorFor(cfg.CompressAlg, cfg.CompressLevel),
				CompressAlg:      cfg.CompressAlg,
				CompressLevel:    cfg.CompressLevel,
				ArchiveTimeout:   cfg.ArchiveTimeout,
				ExpectedSystemID: expectedSystemID,
				Conn:             execSourceConn{startCmd: startCmd, stopCmd: stopCmd, sysIDCmd: sysIDCmd},
				Counters:         counters,
				Agent:            remoteAgent,
			}

			b, err := driver.RunBackup(context.Background(), ctx.catalog(), opts)
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			fmt.Printf("Backup %s completed, mode=%s, status=%s\n", b.ID, b.Mode, b.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "backup-mode", "b", "FULL", "FULL|PAGE|PTRACK|DELTA")
	cmd.Flags().IntVar(&threads, "threads", 0, "worker pool size (defaults to pg_probackup.conf's threads)")
	cmd.Flags().StringVar(&startCmd, "start-backup-command", "", "shell command invoking the source's start-backup equivalent")
	cmd.Flags().StringVar(&stopCmd, "stop-backup-command", "", "shell command invoking the source's stop-backup equivalent")
	cmd.Flags().StringVar(&sysIDCmd, "system-identifier-command", "", "shell command reporting the source's system identifier")
	cmd.Flags().Uint64Var(&expectedSystemID, "expected-system-id", 0, "abort if the source's system identifier doesn't match (0 disables the check)")
	return cmd
}
