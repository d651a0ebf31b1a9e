package main

import (
	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/catalog"
	"github.com/pgbackup/pgbackup/internal/config"
)

// cliContext bundles the globals every subcommand resolves: -B/BACKUP_PATH,
// the instance name, and the catalog/config built from them. Per design
// note #9 ("reshape globals as an explicit context value"), this replaces
// the reference implementation's process-global catalog path and instance
// config.
type cliContext struct {
	catalogRoot string
	instance    string
}

func (c *cliContext) catalog() *catalog.Catalog {
	return catalog.New(c.catalogRoot, c.instance)
}

func (c *cliContext) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.catalog().ConfPath())
	if err != nil {
		return config.Config{}, err
	}
	cfg.Instance = c.instance
	cfg.CatalogRoot = c.catalogRoot
	return cfg, nil
}

// newRootCmd builds the full subcommand tree from a table keyed by
// sub-command name (design note #9), each entry a thin adapter from
// (parsed flags, cliContext) to an exit code / error.
func newRootCmd() *cobra.Command {
	cliCtx := &cliContext{}

	root := &cobra.Command{
		Use:           "pgbackup",
		Short:         "Backup and recovery manager for a PostgreSQL-compatible cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cliCtx.catalogRoot, "backup-path", "B", "", "catalog root (defaults to $BACKUP_PATH)")
	root.PersistentFlags().StringVar(&cliCtx.instance, "instance", "", "instance name")

	for _, build := range subcommandBuilders {
		root.AddCommand(build(cliCtx))
	}
	return root
}

// subcommandBuilders is the dispatch table §6 and design note #9 call for:
// one entry per CLI subcommand, each constructing its own *cobra.Command
// bound to the shared cliContext.
var subcommandBuilders = []func(*cliContext) *cobra.Command{
	newInitCmd,
	newAddInstanceCmd,
	newDelInstanceCmd,
	newBackupCmd,
	newRestoreCmd,
	newValidateCmd,
	newMergeCmd,
	newDeleteCmd,
	newShowCmd,
	newSetConfigCmd,
	newShowConfigCmd,
	newSetBackupCmd,
	newArchivePushCmd,
	newArchiveGetCmd,
	newCheckDBCmd,
	newCatchupCmd,
}

// resolveRoot applies -B/BACKUP_PATH resolution before any subcommand that
// touches the catalog runs.
func (c *cliContext) resolveRoot() error {
	root, err := config.CatalogRootFromEnv(c.catalogRoot)
	if err != nil {
		return err
	}
	c.catalogRoot = root
	return nil
}
