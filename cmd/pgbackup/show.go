package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/catalog"
)

func newShowCmd(ctx *cliContext) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List backups in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			backups, err := ctx.catalog().ListBackups()
			if err != nil {
				return fmt.Errorf("show: %w", err)
			}
			switch format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(backups)
			case "plain", "":
				return printBackupsTable(backups)
			default:
				return fmt.Errorf("show: unknown --format %q", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "plain", "json|plain")
	return cmd
}

func printBackupsTable(backups []*catalog.Backup) error {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tSTATUS\tTLI\tSTART-LSN\tSTOP-LSN\tPARENT")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			b.ID, b.Mode, b.Status, b.TimelineID, b.StartLSN, b.StopLSN, b.ParentBackupID)
	}
	return w.Flush()
}
