package main

import (
	"fmt"

	"github.com/pgbackup/pgbackup/internal/catalog"
)

// latestOKBackupID finds the newest OK backup in the instance, used when a
// command's -i flag is omitted.
func latestOKBackupID(ctx *cliContext) (string, error) {
	backups, err := ctx.catalog().ListBackups()
	if err != nil {
		return "", err
	}
	for _, b := range backups {
		if b.Status == catalog.StatusOK {
			return b.ID, nil
		}
	}
	return "", fmt.Errorf("no OK backup found for instance %q", ctx.instance)
}
