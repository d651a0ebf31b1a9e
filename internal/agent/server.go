package agent

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pgbackup/pgbackup/internal/pgpage"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// errUnimplemented cops: these exist in the table for protocol completeness
// (§4.I lists every cop a real pg_probackup agent exposes) but have no
// driver-side caller in this build — ptrack maps (GET_CHECKSUM_MAP,
// GET_LSN_MAP) are out of scope per the ptrack Open Question, and
// ACCESS/CHMOD/OPENDIR/READDIR/CLOSEDIR/SEEK/PREAD/LOAD/WRITE_COMPRESSED_ASYNC
// are superseded by LIST_DIR/READ/WRITE/SEND_PAGES in this driver's access
// pattern. Calling one returns a clear error rather than panicking.
var unimplementedCops = map[Cop]bool{
	CopAccess: true, CopChmod: true, CopOpendir: true, CopReaddir: true,
	CopClosedir: true, CopSeek: true, CopPread: true, CopLoad: true,
	CopWriteCompressedAsync: true, CopGetChecksumMap: true, CopGetLSNMap: true,
}

// Server is the agent-side RPC endpoint: it owns a HandleTable and answers
// frames read off a Transport until CopDisconnect or the transport closes.
type Server struct {
	handles HandleTable

	mu       sync.Mutex
	asyncErr error
}

// Serve runs the agent's request loop until disconnect or a transport
// error. It never returns an error on a clean CopDisconnect.
func (s *Server) Serve(tr Transport) error {
	defer s.handles.CloseAll()
	for {
		req, err := ReadFrame(tr)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("agent: server read: %w", err)
		}
		if req.Cop == CopDisconnect {
			WriteFrame(tr, Frame{Cop: CopDisconnect})
			return nil
		}
		resp := s.dispatch(tr, req)
		if resp != nil {
			if err := WriteFrame(tr, *resp); err != nil {
				return fmt.Errorf("agent: server write: %w", err)
			}
		}
	}
}

func errFrame(cop Cop, handle uint32, err error) Frame {
	return Frame{Cop: cop, Handle: handle, Arg: ErrFlag, Payload: []byte(err.Error())}
}

func okFrame(cop Cop, handle uint32, payload []byte) Frame {
	return Frame{Cop: cop, Handle: handle, Payload: payload}
}

func (s *Server) dispatch(tr Transport, req Frame) *Frame {
	if unimplementedCops[req.Cop] {
		f := errFrame(req.Cop, req.Handle, fmt.Errorf("agent: %s not implemented", req.Cop))
		return &f
	}

	switch req.Cop {
	case CopAgentVersion:
		payload := append([]byte(ProtocolVersion), 0)
		payload = append(payload, req.Payload...) // echo the driver's session id for log correlation
		f := okFrame(req.Cop, req.Handle, payload)
		return &f

	case CopOpen:
		f := s.handleOpen(req)
		return &f

	case CopClose:
		if err := s.handles.Release(req.Handle); err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := okFrame(req.Cop, req.Handle, nil)
		return &f

	case CopRead:
		f := s.handleRead(req)
		return &f

	case CopWrite, CopWriteAsync:
		f := s.handleWrite(req)
		return &f

	case CopTruncate:
		file, ok := s.handles.Get(req.Handle)
		if !ok {
			f := errFrame(req.Cop, req.Handle, fmt.Errorf("agent: bad handle %d", req.Handle))
			return &f
		}
		if err := file.Truncate(int64(req.Arg)); err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := okFrame(req.Cop, req.Handle, nil)
		return &f

	case CopSync:
		file, ok := s.handles.Get(req.Handle)
		if !ok {
			f := errFrame(req.Cop, req.Handle, fmt.Errorf("agent: bad handle %d", req.Handle))
			return &f
		}
		if err := file.Sync(); err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := okFrame(req.Cop, req.Handle, nil)
		return &f

	case CopStat:
		f := s.handleStat(req)
		return &f

	case CopRename:
		parts := bytes.SplitN(req.Payload, []byte{0}, 2)
		if len(parts) != 2 {
			f := errFrame(req.Cop, req.Handle, fmt.Errorf("agent: malformed RENAME payload"))
			return &f
		}
		if err := os.Rename(string(parts[0]), string(parts[1])); err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := okFrame(req.Cop, req.Handle, nil)
		return &f

	case CopUnlink, CopDelete:
		var err error
		if req.Cop == CopDelete {
			err = os.RemoveAll(string(req.Payload))
		} else {
			err = os.Remove(string(req.Payload))
		}
		if err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := okFrame(req.Cop, req.Handle, nil)
		return &f

	case CopSymlink:
		parts := bytes.SplitN(req.Payload, []byte{0}, 2)
		if len(parts) != 2 {
			f := errFrame(req.Cop, req.Handle, fmt.Errorf("agent: malformed SYMLINK payload"))
			return &f
		}
		if err := os.Symlink(string(parts[0]), string(parts[1])); err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := okFrame(req.Cop, req.Handle, nil)
		return &f

	case CopMkdir:
		if err := os.MkdirAll(string(req.Payload), fs.FileMode(req.Arg)); err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := okFrame(req.Cop, req.Handle, nil)
		return &f

	case CopListDir:
		f := s.handleListDir(req)
		return &f

	case CopSendFile:
		data, err := os.ReadFile(string(req.Payload))
		if err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := okFrame(req.Cop, req.Handle, data)
		return &f

	case CopSendPages:
		s.handleSendPages(tr, req)
		return nil // frames already streamed directly

	case CopGetCRC32:
		data, err := os.ReadFile(string(req.Payload))
		if err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := Frame{Cop: req.Cop, Handle: req.Handle, Arg: uint64(crc32.Checksum(data, crc32cTable))}
		return &f

	case CopCheckPostmaster:
		alive := checkPostmaster(string(req.Payload))
		arg := uint64(0)
		if alive {
			arg = 1
		}
		f := Frame{Cop: req.Cop, Handle: req.Handle, Arg: arg}
		return &f

	case CopGetAsyncError:
		s.mu.Lock()
		err := s.asyncErr
		s.asyncErr = nil
		s.mu.Unlock()
		if err != nil {
			f := errFrame(req.Cop, req.Handle, err)
			return &f
		}
		f := okFrame(req.Cop, req.Handle, nil)
		return &f

	default:
		f := errFrame(req.Cop, req.Handle, fmt.Errorf("agent: unknown cop %s", req.Cop))
		return &f
	}
}

const (
	openFlagRead = iota
	openFlagWrite
	openFlagAppend
)

func (s *Server) handleOpen(req Frame) Frame {
	if len(req.Payload) < 1 {
		return errFrame(req.Cop, req.Handle, fmt.Errorf("agent: malformed OPEN payload"))
	}
	flag := req.Payload[0]
	path := string(req.Payload[1:])

	var osFlag int
	switch flag {
	case openFlagRead:
		osFlag = os.O_RDONLY
	case openFlagWrite:
		osFlag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case openFlagAppend:
		osFlag = os.O_RDWR | os.O_CREATE | os.O_APPEND
	default:
		return errFrame(req.Cop, req.Handle, fmt.Errorf("agent: unknown OPEN flag %d", flag))
	}

	file, err := os.OpenFile(path, osFlag, 0o644)
	if err != nil {
		return errFrame(req.Cop, req.Handle, err)
	}
	h, err := s.handles.Alloc(file)
	if err != nil {
		file.Close()
		return errFrame(req.Cop, req.Handle, err)
	}
	return Frame{Cop: req.Cop, Handle: h}
}

func (s *Server) handleRead(req Frame) Frame {
	file, ok := s.handles.Get(req.Handle)
	if !ok {
		return errFrame(req.Cop, req.Handle, fmt.Errorf("agent: bad handle %d", req.Handle))
	}
	buf := make([]byte, req.Arg)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return errFrame(req.Cop, req.Handle, err)
	}
	return okFrame(req.Cop, req.Handle, buf[:n])
}

func (s *Server) handleWrite(req Frame) Frame {
	file, ok := s.handles.Get(req.Handle)
	if !ok {
		err := fmt.Errorf("agent: bad handle %d", req.Handle)
		if req.Cop == CopWriteAsync {
			s.latchAsyncError(err)
		}
		return errFrame(req.Cop, req.Handle, err)
	}
	if _, err := file.Write(req.Payload); err != nil {
		if req.Cop == CopWriteAsync {
			s.latchAsyncError(err)
			return okFrame(req.Cop, req.Handle, nil) // async: error surfaces via GET_ASYNC_ERROR
		}
		return errFrame(req.Cop, req.Handle, err)
	}
	return okFrame(req.Cop, req.Handle, nil)
}

func (s *Server) latchAsyncError(err error) {
	s.mu.Lock()
	if s.asyncErr == nil {
		s.asyncErr = err
	}
	s.mu.Unlock()
}

func (s *Server) handleStat(req Frame) Frame {
	info, err := os.Stat(string(req.Payload))
	if err != nil {
		return errFrame(req.Cop, req.Handle, err)
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, info.Size())
	binary.Write(&buf, binary.LittleEndian, uint32(info.Mode()))
	binary.Write(&buf, binary.LittleEndian, info.ModTime().Unix())
	isDir := byte(0)
	if info.IsDir() {
		isDir = 1
	}
	buf.WriteByte(isDir)
	return okFrame(req.Cop, req.Handle, buf.Bytes())
}

// DirEntry is one LIST_DIR result row.
type DirEntry struct {
	RelPath string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
	IsLink  bool
}

func (s *Server) handleListDir(req Frame) Frame {
	root := string(req.Payload)
	var entries []DirEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, DirEntry{
			RelPath: rel,
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
			IsDir:   d.IsDir(),
			IsLink:  info.Mode()&fs.ModeSymlink != 0,
		})
		return nil
	})
	if err != nil {
		return errFrame(req.Cop, req.Handle, err)
	}
	return okFrame(req.Cop, req.Handle, encodeDirEntries(entries))
}

func encodeDirEntries(entries []DirEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		isDir, isLink := byte(0), byte(0)
		if e.IsDir {
			isDir = 1
		}
		if e.IsLink {
			isLink = 1
		}
		fmt.Fprintf(&buf, "%s\t%d\t%d\t%d\t%d\t%d\n", e.RelPath, e.Size, uint32(e.Mode), e.ModTime.Unix(), isDir, isLink)
	}
	return buf.Bytes()
}

// handleSendPages streams every block of the file at req.Payload (a path)
// to the driver as a sequence of frames, classifying each page via
// pgpage.Parse so the driver never has to reopen the file itself (§4.I's
// "page streaming avoids a second round trip per block").
func (s *Server) handleSendPages(tr Transport, req Frame) {
	maxLSN := req.Arg
	f, err := os.Open(string(req.Payload))
	if err != nil {
		WriteFrame(tr, Frame{Cop: req.Cop, Arg: PageStreamError, Payload: []byte(err.Error())})
		return
	}
	defer f.Close()

	buf := make([]byte, pgpage.Size)
	var blockNo uint32
	for {
		_, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			WriteFrame(tr, Frame{Cop: req.Cop, Arg: PageStreamError, Payload: []byte(err.Error())})
			return
		}
		class, _, perr := pgpage.Parse(buf, blockNo, maxLSN)
		if perr != nil || class == pgpage.ChecksumMismatch || class == pgpage.HeaderInvalid {
			msg := "corrupt page"
			if perr != nil {
				msg = perr.Error()
			}
			WriteFrame(tr, Frame{Cop: req.Cop, Handle: blockNo, Arg: PageStreamCorruption, Payload: []byte(msg)})
		} else {
			payload := make([]byte, len(buf))
			copy(payload, buf)
			WriteFrame(tr, Frame{Cop: req.Cop, Handle: blockNo, Arg: PageStreamPage, Payload: payload})
		}
		blockNo++
		if err == io.ErrUnexpectedEOF {
			break
		}
	}
	WriteFrame(tr, Frame{Cop: req.Cop, Arg: PageStreamEOF})
}

func checkPostmaster(dataDir string) bool {
	data, err := os.ReadFile(filepath.Join(dataDir, "postmaster.pid"))
	if err != nil {
		return false
	}
	lines := bytes.SplitN(data, []byte("\n"), 2)
	if len(lines) == 0 {
		return false
	}
	var pid int
	fmt.Sscanf(string(lines[0]), "%d", &pid)
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscallSig0()) == nil
}
