package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newSetConfigCmd(ctx *cliContext) *cobra.Command {
	var (
		pgdata        string
		threads       int
		compressAlg   string
		compressLevel int
		redundancy    int
		windowDays    int
		walDepth      int
		mergeExpired  bool
	)
	cmd := &cobra.Command{
		Use:   "set-config",
		Short: "Update an instance's pg_probackup.conf",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("set-config: --instance is required")
			}
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("pgdata") {
				cfg.PGDataDir = pgdata
			}
			if cmd.Flags().Changed("threads") {
				cfg.Threads = threads
			}
			if cmd.Flags().Changed("compress-algorithm") {
				cfg.CompressAlg = compressAlg
			}
			if cmd.Flags().Changed("compress-level") {
				cfg.CompressLevel = compressLevel
			}
			if cmd.Flags().Changed("retention-redundancy") {
				cfg.Retention.Redundancy = redundancy
			}
			if cmd.Flags().Changed("retention-window") {
				cfg.Retention.WindowDays = windowDays
			}
			if cmd.Flags().Changed("wal-depth") {
				cfg.Retention.WalDepth = walDepth
			}
			if cmd.Flags().Changed("merge-expired") {
				cfg.Retention.MergeExpired = mergeExpired
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("set-config: %w", err)
			}
			if err := os.WriteFile(ctx.catalog().ConfPath(), []byte(cfg.Render()), 0o644); err != nil {
				return fmt.Errorf("set-config: %w", err)
			}
			fmt.Println("Configuration updated")
			return nil
		},
	}
	cmd.Flags().StringVar(&pgdata, "pgdata", "", "path to the source cluster's data directory")
	cmd.Flags().IntVar(&threads, "threads", 0, "worker pool size")
	cmd.Flags().StringVar(&compressAlg, "compress-algorithm", "", "none|zstd")
	cmd.Flags().IntVar(&compressLevel, "compress-level", 0, "1 (fastest) .. 4 (best compression)")
	cmd.Flags().IntVar(&redundancy, "retention-redundancy", 0, "keep the newest R valid FULL backups")
	cmd.Flags().IntVar(&windowDays, "retention-window", 0, "keep every backup within this many days")
	cmd.Flags().IntVar(&walDepth, "wal-depth", 0, "WAL purge anchor depth")
	cmd.Flags().BoolVar(&mergeExpired, "merge-expired", false, "merge chains whose FULL ancestor is about to be purged")
	return cmd
}

func newShowConfigCmd(ctx *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "Print an instance's current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("show-config: --instance is required")
			}
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			fmt.Print(cfg.Render())
			return nil
		},
	}
	return cmd
}

func newSetBackupCmd(ctx *cliContext) *cobra.Command {
	var (
		backupID   string
		ttl        time.Duration
		expireTime string
		note       string
	)
	cmd := &cobra.Command{
		Use:   "set-backup",
		Short: "Pin a backup against retention, or attach a note",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if backupID == "" {
				return fmt.Errorf("set-backup: -i/--backup-id is required")
			}
			cat := ctx.catalog()
			b, err := cat.ReadControl(backupID)
			if err != nil {
				return fmt.Errorf("set-backup: %w", err)
			}
			if cmd.Flags().Changed("ttl") {
				t := time.Now().Add(ttl)
				b.ExpireTime = &t
			}
			if cmd.Flags().Changed("expire-time") {
				t, err := time.Parse(time.RFC3339, expireTime)
				if err != nil {
					return fmt.Errorf("set-backup: --expire-time: %w", err)
				}
				b.ExpireTime = &t
			}
			if cmd.Flags().Changed("note") {
				b.Note = note
			}
			if err := cat.WriteControl(b); err != nil {
				return fmt.Errorf("set-backup: %w", err)
			}
			fmt.Printf("Backup %s updated\n", b.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&backupID, "backup-id", "i", "", "backup id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "pin the backup for this long from now")
	cmd.Flags().StringVar(&expireTime, "expire-time", "", "pin the backup until this RFC3339 timestamp")
	cmd.Flags().StringVar(&note, "note", "", "attach a free-text note")
	return cmd
}
