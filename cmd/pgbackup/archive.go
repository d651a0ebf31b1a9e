package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pgbackup/pgbackup/internal/lsn"
)

// newArchivePushCmd implements the archive_command hook: the source
// database invokes this once per completed WAL segment. The segment is
// copied into the catalog's wal/<instance>/ directory, validated as a
// properly-sized segment file first so a torn or truncated archive_command
// invocation never lands a corrupt file where §4.J's reader would later
// choke on it.
func newArchivePushCmd(ctx *cliContext) *cobra.Command {
	var (
		walFilePath string
		walFileName string
		segSize     uint64
	)
	cmd := &cobra.Command{
		Use:   "archive-push",
		Short: "Copy one completed WAL segment into the catalog's archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("archive-push: --instance is required")
			}
			if walFilePath == "" || walFileName == "" {
				return fmt.Errorf("archive-push: --wal-file-path and --wal-file-name are required")
			}
			if segSize == 0 {
				segSize = lsn.DefaultSegmentSize
			}

			info, err := os.Stat(walFilePath)
			if err != nil {
				return fmt.Errorf("archive-push: %w", err)
			}
			if info.Size() != int64(segSize) && len(walFileName) == 24 {
				return fmt.Errorf("archive-push: %s is %d bytes, expected a full %d-byte segment", walFileName, info.Size(), segSize)
			}

			walDir := ctx.catalog().WalDir()
			if err := os.MkdirAll(walDir, 0o755); err != nil {
				return fmt.Errorf("archive-push: %w", err)
			}
			dest := filepath.Join(walDir, walFileName)
			tmp := dest + ".part"
			if err := copyFileAtomic(walFilePath, tmp, dest); err != nil {
				return fmt.Errorf("archive-push: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&walFilePath, "wal-file-path", "", "path to the completed WAL segment (postgres's %p)")
	cmd.Flags().StringVar(&walFileName, "wal-file-name", "", "the segment's file name (postgres's %f)")
	cmd.Flags().Uint64Var(&segSize, "wal-seg-size", 0, "expected segment size in bytes (defaults to 16MiB)")
	return cmd
}

// newArchiveGetCmd implements the restore_command hook: recovery asks for
// one named segment back out of the archive.
func newArchiveGetCmd(ctx *cliContext) *cobra.Command {
	var (
		walFilePath string
		walFileName string
	)
	cmd := &cobra.Command{
		Use:   "archive-get",
		Short: "Fetch one WAL segment from the catalog's archive for recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.resolveRoot(); err != nil {
				return err
			}
			if ctx.instance == "" {
				return fmt.Errorf("archive-get: --instance is required")
			}
			if walFilePath == "" || walFileName == "" {
				return fmt.Errorf("archive-get: --wal-file-path and --wal-file-name are required")
			}
			src := filepath.Join(ctx.catalog().WalDir(), walFileName)
			if err := copyFileAtomic(src, walFilePath+".part", walFilePath); err != nil {
				return fmt.Errorf("archive-get: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&walFilePath, "wal-file-path", "", "destination path requested by restore_command (postgres's %p)")
	cmd.Flags().StringVar(&walFileName, "wal-file-name", "", "the segment's file name (postgres's %f)")
	return cmd
}

func copyFileAtomic(src, tmp, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
