package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/config"
)

func newInitCmd(ctx *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new catalog at the given backup path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			for _, dir := range []string{
				filepath.Join(ctx.catalogRoot, "backups"),
				filepath.Join(ctx.catalogRoot, "wal"),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("init: %w", err)
				}
			}
			fmt.Printf("Catalog initialized at %s\n", ctx.catalogRoot)
			return nil
		},
	}
	return cmd
}

func newAddInstanceCmd(ctx *cliContext) *cobra.Command {
	var pgdata string
	cmd := &cobra.Command{
		Use:   "add-instance",
		Short: "Register a new instance in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("add-instance: --instance is required")
			}
			cat := ctx.catalog()
			if err := os.MkdirAll(cat.InstanceDir(), 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(cat.WalDir(), 0o755); err != nil {
				return err
			}
			cfg := config.Default()
			cfg.PGDataDir = pgdata
			cfg.Instance = ctx.instance
			if err := os.WriteFile(cat.ConfPath(), []byte(cfg.Render()), 0o644); err != nil {
				return fmt.Errorf("add-instance: writing %s: %w", cat.ConfPath(), err)
			}
			fmt.Printf("Instance %q added, pgdata=%s\n", ctx.instance, pgdata)
			return nil
		},
	}
	cmd.Flags().StringVar(&pgdata, "pgdata", "", "path to the source cluster's data directory")
	return cmd
}

func newDelInstanceCmd(ctx *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "del-instance",
		Short: "Remove an instance and all of its backups from the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("del-instance: --instance is required")
			}
			cat := ctx.catalog()
			if err := os.RemoveAll(cat.InstanceDir()); err != nil {
				return fmt.Errorf("del-instance: %w", err)
			}
			if err := os.RemoveAll(cat.WalDir()); err != nil {
				return fmt.Errorf("del-instance: %w", err)
			}
			fmt.Printf("Instance %q removed\n", ctx.instance)
			return nil
		},
	}
	return cmd
}
