package agent

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pgbackup/pgbackup/internal/pgerr"
)

// Client is the driver-side RPC stub: every method sends one request frame
// and (SendPages excepted) reads exactly one response frame back.
type Client struct {
	tr        Transport
	mu        sync.Mutex // one in-flight request at a time per client, matching the teacher's single-threaded remote channel
	sessionID string
}

// NewClient wraps tr as a Client. Call Client.Disconnect when done.
func NewClient(tr Transport) *Client { return &Client{tr: tr} }

// SessionID tags every client instance so log lines on both sides of a
// remote agent session can be correlated without a shared clock.
func (c *Client) SessionID() string {
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	return c.sessionID
}

func (c *Client) roundTrip(req Frame) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := WriteFrame(c.tr, req); err != nil {
		return Frame{}, err
	}
	resp, err := ReadFrame(c.tr)
	if err != nil {
		return Frame{}, err
	}
	if resp.Arg&ErrFlag != 0 {
		return resp, pgerr.New(pgerr.KindRemote, resp.Cop.String(), fmt.Errorf("%s", string(resp.Payload)))
	}
	return resp, nil
}

// Version performs the AGENT_VERSION handshake, tagging the request with
// this client's session id so both sides' logs can be correlated, and
// reports a protocol mismatch.
func (c *Client) Version() (string, error) {
	resp, err := c.roundTrip(Frame{Cop: CopAgentVersion, Payload: []byte(c.SessionID())})
	if err != nil {
		return "", err
	}
	parts := bytes.SplitN(resp.Payload, []byte{0}, 2)
	got := string(parts[0])
	if got != ProtocolVersion {
		return got, pgerr.New(pgerr.KindRemote, "agent.Version", pgerr.ErrVersionSkew)
	}
	return got, nil
}

// Open opens path on the agent side for reading (write=false) or
// truncate-and-write (write=true), returning a wire handle.
func (c *Client) Open(path string, write bool) (uint32, error) {
	flag := byte(openFlagRead)
	if write {
		flag = openFlagWrite
	}
	payload := append([]byte{flag}, []byte(path)...)
	resp, err := c.roundTrip(Frame{Cop: CopOpen, Payload: payload})
	if err != nil {
		return 0, err
	}
	return resp.Handle, nil
}

func (c *Client) Close(handle uint32) error {
	_, err := c.roundTrip(Frame{Cop: CopClose, Handle: handle})
	return err
}

func (c *Client) Read(handle uint32, n int) ([]byte, error) {
	resp, err := c.roundTrip(Frame{Cop: CopRead, Handle: handle, Arg: uint64(n)})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *Client) Write(handle uint32, data []byte) error {
	_, err := c.roundTrip(Frame{Cop: CopWrite, Handle: handle, Payload: data})
	return err
}

// WriteAsync fires a write without waiting for the agent to confirm disk
// durability; call AsyncError later to collect a latched failure (§4.I).
func (c *Client) WriteAsync(handle uint32, data []byte) error {
	_, err := c.roundTrip(Frame{Cop: CopWriteAsync, Handle: handle, Payload: data})
	return err
}

func (c *Client) AsyncError() error {
	_, err := c.roundTrip(Frame{Cop: CopGetAsyncError})
	return err
}

func (c *Client) Truncate(handle uint32, size int64) error {
	_, err := c.roundTrip(Frame{Cop: CopTruncate, Handle: handle, Arg: uint64(size)})
	return err
}

func (c *Client) Sync(handle uint32) error {
	_, err := c.roundTrip(Frame{Cop: CopSync, Handle: handle})
	return err
}

// Stat is the decoded form of a STAT response payload.
type Stat struct {
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
}

func (c *Client) Stat(path string) (Stat, error) {
	resp, err := c.roundTrip(Frame{Cop: CopStat, Payload: []byte(path)})
	if err != nil {
		return Stat{}, err
	}
	r := bytes.NewReader(resp.Payload)
	var size int64
	var mode uint32
	var mtime int64
	binary.Read(r, binary.LittleEndian, &size)
	binary.Read(r, binary.LittleEndian, &mode)
	binary.Read(r, binary.LittleEndian, &mtime)
	isDir, _ := r.ReadByte()
	return Stat{Size: size, Mode: fs.FileMode(mode), ModTime: time.Unix(mtime, 0), IsDir: isDir == 1}, nil
}

func (c *Client) Rename(oldPath, newPath string) error {
	payload := append(append([]byte(oldPath), 0), []byte(newPath)...)
	_, err := c.roundTrip(Frame{Cop: CopRename, Payload: payload})
	return err
}

func (c *Client) Unlink(path string) error {
	_, err := c.roundTrip(Frame{Cop: CopUnlink, Payload: []byte(path)})
	return err
}

func (c *Client) Delete(path string) error {
	_, err := c.roundTrip(Frame{Cop: CopDelete, Payload: []byte(path)})
	return err
}

func (c *Client) Symlink(target, linkPath string) error {
	payload := append(append([]byte(target), 0), []byte(linkPath)...)
	_, err := c.roundTrip(Frame{Cop: CopSymlink, Payload: payload})
	return err
}

func (c *Client) Mkdir(path string, mode fs.FileMode) error {
	_, err := c.roundTrip(Frame{Cop: CopMkdir, Payload: []byte(path), Arg: uint64(mode)})
	return err
}

func (c *Client) ListDir(path string) ([]DirEntry, error) {
	resp, err := c.roundTrip(Frame{Cop: CopListDir, Payload: []byte(path)})
	if err != nil {
		return nil, err
	}
	return decodeDirEntries(resp.Payload), nil
}

func decodeDirEntries(payload []byte) []DirEntry {
	var out []DirEntry
	for _, line := range bytes.Split(bytes.TrimRight(payload, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var relPath string
		var size int64
		var mode uint32
		var mtime int64
		var isDir, isLink int
		fmt.Sscanf(string(line), "%s %d %d %d %d %d", &relPath, &size, &mode, &mtime, &isDir, &isLink)
		out = append(out, DirEntry{
			RelPath: relPath, Size: size, Mode: fs.FileMode(mode),
			ModTime: time.Unix(mtime, 0), IsDir: isDir == 1, IsLink: isLink == 1,
		})
	}
	return out
}

func (c *Client) SendFile(path string) ([]byte, error) {
	resp, err := c.roundTrip(Frame{Cop: CopSendFile, Payload: []byte(path)})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (c *Client) CRC32(path string) (uint32, error) {
	resp, err := c.roundTrip(Frame{Cop: CopGetCRC32, Payload: []byte(path)})
	if err != nil {
		return 0, err
	}
	return uint32(resp.Arg), nil
}

func (c *Client) CheckPostmaster(dataDir string) (bool, error) {
	resp, err := c.roundTrip(Frame{Cop: CopCheckPostmaster, Payload: []byte(dataDir)})
	if err != nil {
		return false, err
	}
	return resp.Arg == 1, nil
}

// PageFrame is one decoded SEND_PAGES stream element.
type PageFrame struct {
	BlockNo   uint32
	Kind      uint64
	Page      []byte
	ErrorText string
}

// SendPages requests the whole file at path streamed back page by page,
// invoking onPage for each frame until PageStreamEOF or an error frame.
func (c *Client) SendPages(path string, maxLSN uint64, onPage func(PageFrame) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := WriteFrame(c.tr, Frame{Cop: CopSendPages, Arg: maxLSN, Payload: []byte(path)}); err != nil {
		return err
	}
	for {
		resp, err := ReadFrame(c.tr)
		if err != nil {
			return err
		}
		switch resp.Arg {
		case PageStreamEOF:
			return nil
		case PageStreamError:
			return pgerr.New(pgerr.KindRemote, "agent.SendPages", fmt.Errorf("%s", string(resp.Payload)))
		default:
			pf := PageFrame{BlockNo: resp.Handle, Kind: resp.Arg, Page: resp.Payload}
			if resp.Arg == PageStreamCorruption {
				pf.ErrorText = string(resp.Payload)
			}
			if err := onPage(pf); err != nil {
				return err
			}
		}
	}
}

// Disconnect sends CopDisconnect and closes the transport.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	WriteFrame(c.tr, Frame{Cop: CopDisconnect})
	c.mu.Unlock()
	return c.tr.Close()
}
