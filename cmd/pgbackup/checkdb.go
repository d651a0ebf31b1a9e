package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/catalog"
)

func newCheckDBCmd(ctx *cliContext) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "checkdb",
		Short: "Verify every data block's page header/checksum without a running backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				if err := ctx.resolveRoot(); err != nil {
					return err
				}
				cfg, err := ctx.loadConfig()
				if err != nil {
					return err
				}
				dataDir = cfg.PGDataDir
			}
			if dataDir == "" {
				return fmt.Errorf("checkdb: --pgdata is required (or set it via set-config)")
			}

			result, err := catalog.CheckDB(dataDir)
			if err != nil {
				return fmt.Errorf("checkdb: %w", err)
			}
			var totalValid, totalZero, totalInvalid int
			for _, f := range result.Files {
				totalValid += f.Valid
				totalZero += f.Zero
				totalInvalid += f.Invalid
				if f.Invalid > 0 || f.LastError != nil {
					fmt.Printf("%s: valid=%d zero=%d invalid=%d err=%v\n", f.Path, f.Valid, f.Zero, f.Invalid, f.LastError)
				}
			}
			fmt.Printf("checked %d files: valid=%d zero=%d invalid=%d\n", len(result.Files), totalValid, totalZero, totalInvalid)
			if totalInvalid > 0 {
				return fmt.Errorf("checkdb: found %d corrupt blocks", totalInvalid)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "pgdata", "", "path to the data directory to check (defaults to the instance's configured pgdata)")
	return cmd
}
