package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pgbackup/pgbackup/internal/driver"
	"github.com/pgbackup/pgbackup/internal/lsn"
)

// execSourceConn realizes driver.SourceConn as a thin shell-command adapter:
// §1 puts "the connection to the source database for starting/stopping
// backup" explicitly out of scope as an external collaborator, so rather
// than embedding a live Postgres client here, each call shells out to an
// operator-supplied command (pg_probackup itself talks libpq; this build's
// boundary is the external process instead). Commands write simple
// key=value lines to stdout; see parseKV.
type execSourceConn struct {
	startCmd string
	stopCmd  string
	sysIDCmd string
}

func (c execSourceConn) SystemIdentifier(ctx context.Context) (uint64, error) {
	if c.sysIDCmd == "" {
		return 0, nil // 0 disables the check, per BackupOptions.ExpectedSystemID
	}
	kv, err := runKV(ctx, c.sysIDCmd)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(kv["system_identifier"], 10, 64)
}

func (c execSourceConn) StartBackup(ctx context.Context, exclusive bool) (driver.StartInfo, error) {
	if c.startCmd == "" {
		return driver.StartInfo{}, fmt.Errorf("sourceconn: no start-backup-command configured")
	}
	kv, err := runKV(ctx, c.startCmd)
	if err != nil {
		return driver.StartInfo{}, err
	}
	start, err := lsn.Parse(kv["start_lsn"])
	if err != nil {
		return driver.StartInfo{}, fmt.Errorf("sourceconn: start_lsn: %w", err)
	}
	tli, err := strconv.ParseUint(kv["timeline"], 10, 32)
	if err != nil {
		return driver.StartInfo{}, fmt.Errorf("sourceconn: timeline: %w", err)
	}
	return driver.StartInfo{
		StartLSN:        start,
		Timeline:        uint32(tli),
		ChecksumVersion: kv["checksum_version"] == "1" || kv["checksum_version"] == "true",
	}, nil
}

func (c execSourceConn) StopBackup(ctx context.Context) (driver.StopInfo, error) {
	if c.stopCmd == "" {
		return driver.StopInfo{}, fmt.Errorf("sourceconn: no stop-backup-command configured")
	}
	kv, err := runKV(ctx, c.stopCmd)
	if err != nil {
		return driver.StopInfo{}, err
	}
	stop, err := lsn.Parse(kv["stop_lsn"])
	if err != nil {
		return driver.StopInfo{}, fmt.Errorf("sourceconn: stop_lsn: %w", err)
	}
	var xid uint64
	if v, ok := kv["recovery_xid"]; ok {
		xid, _ = strconv.ParseUint(v, 10, 32)
	}
	recoveryTime := time.Now().UTC()
	if v, ok := kv["recovery_time"]; ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			recoveryTime = time.Unix(secs, 0).UTC()
		}
	}
	var label, tsMap []byte
	if p := kv["backup_label_path"]; p != "" {
		label, _ = os.ReadFile(p)
	}
	if p := kv["tablespace_map_path"]; p != "" {
		tsMap, _ = os.ReadFile(p)
	}
	return driver.StopInfo{
		StopLSN:       stop,
		BackupLabel:   label,
		TablespaceMap: tsMap,
		RecoveryXid:   uint32(xid),
		RecoveryTime:  recoveryTime,
	}, nil
}

// runKV runs cmdline through the shell and parses its stdout as
// "key=value" lines, the same shape §6's pg_probackup.conf uses.
func runKV(ctx context.Context, cmdline string) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("sourceconn: running %q: %w", cmdline, err)
	}
	kv := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	return kv, sc.Err()
}
