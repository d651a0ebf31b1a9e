// Package agent implements the remote agent RPC (spec component 4.I): a
// framed request/response protocol over a bidirectional pipe, with a
// per-side file-descriptor handle table and a single typed message
// definition shared by both the driver and the agent process, per design
// note #9 ("both framing and cop table defined once, checked at compile
// time").
package agent

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Cop is one RPC operation code.
type Cop uint32

const (
	CopOpen Cop = iota + 1
	CopClose
	CopRead
	CopPread
	CopWrite
	CopWriteAsync
	CopWriteCompressedAsync
	CopSeek
	CopTruncate
	CopStat
	CopAccess
	CopRename
	CopUnlink
	CopSymlink
	CopMkdir
	CopChmod
	CopSync
	CopOpendir
	CopReaddir
	CopClosedir
	CopListDir
	CopSendFile
	CopSendPages
	CopGetCRC32
	CopGetChecksumMap
	CopGetLSNMap
	CopCheckPostmaster
	CopDelete
	CopLoad
	CopGetAsyncError
	CopAgentVersion
	CopDisconnect
)

func (c Cop) String() string {
	names := map[Cop]string{
		CopOpen: "OPEN", CopClose: "CLOSE", CopRead: "READ", CopPread: "PREAD",
		CopWrite: "WRITE", CopWriteAsync: "WRITE_ASYNC", CopWriteCompressedAsync: "WRITE_COMPRESSED_ASYNC",
		CopSeek: "SEEK", CopTruncate: "TRUNCATE", CopStat: "STAT", CopAccess: "ACCESS",
		CopRename: "RENAME", CopUnlink: "UNLINK", CopSymlink: "SYMLINK", CopMkdir: "MKDIR",
		CopChmod: "CHMOD", CopSync: "SYNC", CopOpendir: "OPENDIR", CopReaddir: "READDIR",
		CopClosedir: "CLOSEDIR", CopListDir: "LIST_DIR", CopSendFile: "SEND_FILE",
		CopSendPages: "SEND_PAGES", CopGetCRC32: "GET_CRC32", CopGetChecksumMap: "GET_CHECKSUM_MAP",
		CopGetLSNMap: "GET_LSN_MAP", CopCheckPostmaster: "CHECK_POSTMASTER", CopDelete: "DELETE",
		CopLoad: "LOAD", CopGetAsyncError: "GET_ASYNC_ERROR", CopAgentVersion: "AGENT_VERSION",
		CopDisconnect: "DISCONNECT",
	}
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Cop(%d)", c)
}

// FIOFdMax bounds the handle table: an integer index h in [0, FIOFdMax).
const FIOFdMax = 64

// frameHeaderSize is cop(4) + handle(4) + size(4) + arg(8), all
// little-endian regardless of host byte order.
const frameHeaderSize = 4 + 4 + 4 + 8

// Frame is one request or response message. On an error response, Arg has
// ErrFlag set and Payload carries the error text; no errno is sent. On
// success, Payload carries the requested bytes and Arg may carry a scalar
// result (a CRC, a boolean).
type Frame struct {
	Cop     Cop
	Handle  uint32
	Size    uint32
	Arg     uint64
	Payload []byte
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(f.Cop))
	binary.LittleEndian.PutUint32(hdr[4:8], f.Handle)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint64(hdr[12:20], f.Arg)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("agent: writing frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("agent: writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{
		Cop:    Cop(binary.LittleEndian.Uint32(hdr[0:4])),
		Handle: binary.LittleEndian.Uint32(hdr[4:8]),
		Size:   binary.LittleEndian.Uint32(hdr[8:12]),
		Arg:    binary.LittleEndian.Uint64(hdr[12:20]),
	}
	if f.Size > 0 {
		f.Payload = make([]byte, f.Size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("agent: reading frame payload: %w", err)
		}
	}
	return f, nil
}

// Page-stream frame kinds used by SEND_PAGES: Frame.Arg of each CopSendPages
// response frame carries the kind, and Frame.Payload the page bytes or the
// error text.
const (
	PageStreamPage uint64 = iota
	PageStreamEOF
	PageStreamError
	PageStreamCorruption
)

// ErrFlag marks an error response: set in Frame.Arg's top bit so it never
// collides with a legitimate Arg value (CRC32 sums, booleans, sizes all fit
// comfortably under bit 63).
const ErrFlag uint64 = 1 << 63

// ProtocolVersion is the compatibility string the driver and agent compare
// at AGENT_VERSION time; a mismatch is fatal before any backup work
// (§4.I).
const ProtocolVersion = "pgbackup-agent-1"
