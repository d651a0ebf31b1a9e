package catalog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pgbackup/pgbackup/internal/lsn"
)

// encodeControl renders b as the INI-ish "key = value" lines backup.control
// stores, one field per line, matching §6's "bit-exact for interoperability"
// directory layout requirement at the field-name level (our own hand-rolled
// format, since no pack INI library supports the quoted-value,
// comment-tolerant, forward-compatible shape this needs -- see DESIGN.md).
func encodeControl(b *Backup) string {
	var sb strings.Builder
	write := func(k, v string) { fmt.Fprintf(&sb, "%s = %s\n", k, v) }
	write("id", b.ID)
	write("mode", string(b.Mode))
	write("status", string(b.Status))
	write("timeline", strconv.FormatUint(uint64(b.TimelineID), 10))
	write("start-lsn", b.StartLSN.String())
	write("stop-lsn", b.StopLSN.String())
	write("start-time", strconv.FormatInt(b.StartTime.Unix(), 10))
	if !b.EndTime.IsZero() {
		write("end-time", strconv.FormatInt(b.EndTime.Unix(), 10))
	}
	if !b.RecoveryTime.IsZero() {
		write("recovery-time", strconv.FormatInt(b.RecoveryTime.Unix(), 10))
	}
	write("recovery-xid", strconv.FormatUint(uint64(b.RecoveryXid), 10))
	write("parent-backup-id", b.ParentBackupID)
	write("checksum-version", strconv.FormatBool(b.ChecksumVersion))
	write("block-size", strconv.Itoa(b.BlockSize))
	write("wal-block-size", strconv.Itoa(b.WalBlockSize))
	write("stream", strconv.FormatBool(b.StreamMode))
	write("data-bytes", strconv.FormatInt(b.DataBytes, 10))
	write("wal-bytes", strconv.FormatInt(b.WalBytes, 10))
	write("compress-alg", b.CompressAlg)
	write("compress-level", strconv.Itoa(b.CompressLevel))
	if b.ExpireTime != nil {
		write("expire-time", strconv.FormatInt(b.ExpireTime.Unix(), 10))
	}
	if b.Note != "" {
		write("note", quoteValue(b.Note))
	}
	write("content-crc", strconv.FormatUint(uint64(b.ContentCRC), 10))
	return sb.String()
}

func quoteValue(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func unquoteValue(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

// decodeControl parses backup.control's "key = value" lines back into a
// Backup. Unrecognized keys are ignored for forward compatibility, the same
// rule §4.F applies to the manifest.
func decodeControl(r io.Reader) (*Backup, error) {
	b := &Backup{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		var err error
		switch key {
		case "id":
			b.ID = val
		case "mode":
			b.Mode = Mode(val)
		case "status":
			b.Status = Status(val)
		case "timeline":
			var v uint64
			v, err = strconv.ParseUint(val, 10, 32)
			b.TimelineID = uint32(v)
		case "start-lsn":
			b.StartLSN, err = lsn.Parse(val)
		case "stop-lsn":
			b.StopLSN, err = lsn.Parse(val)
		case "start-time":
			var v int64
			v, err = strconv.ParseInt(val, 10, 64)
			b.StartTime = time.Unix(v, 0).UTC()
		case "end-time":
			var v int64
			v, err = strconv.ParseInt(val, 10, 64)
			b.EndTime = time.Unix(v, 0).UTC()
		case "recovery-time":
			var v int64
			v, err = strconv.ParseInt(val, 10, 64)
			b.RecoveryTime = time.Unix(v, 0).UTC()
		case "recovery-xid":
			var v uint64
			v, err = strconv.ParseUint(val, 10, 32)
			b.RecoveryXid = uint32(v)
		case "parent-backup-id":
			b.ParentBackupID = val
		case "checksum-version":
			b.ChecksumVersion, err = strconv.ParseBool(val)
		case "block-size":
			b.BlockSize, err = strconv.Atoi(val)
		case "wal-block-size":
			b.WalBlockSize, err = strconv.Atoi(val)
		case "stream":
			b.StreamMode, err = strconv.ParseBool(val)
		case "data-bytes":
			b.DataBytes, err = strconv.ParseInt(val, 10, 64)
		case "wal-bytes":
			b.WalBytes, err = strconv.ParseInt(val, 10, 64)
		case "compress-alg":
			b.CompressAlg = val
		case "compress-level":
			b.CompressLevel, err = strconv.Atoi(val)
		case "expire-time":
			var v int64
			v, err = strconv.ParseInt(val, 10, 64)
			t := time.Unix(v, 0).UTC()
			b.ExpireTime = &t
		case "note":
			b.Note = unquoteValue(val)
		case "content-crc":
			var v uint64
			v, err = strconv.ParseUint(val, 10, 32)
			b.ContentCRC = uint32(v)
		default:
			// forward compatibility
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: field %q: %w", key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("catalog: scanning backup.control: %w", err)
	}
	return b, nil
}
