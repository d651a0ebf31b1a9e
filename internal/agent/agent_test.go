package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Client, func()) {
	t.Helper()
	driverSide, agentSide := LocalPair()
	srv := &Server{}
	done := make(chan struct{})
	go func() {
		srv.Serve(agentSide)
		close(done)
	}()
	client := NewClient(driverSide)
	return client, func() {
		client.Disconnect()
		<-done
	}
}

func TestClientServerVersionHandshake(t *testing.T) {
	client, stop := startServer(t)
	defer stop()

	v, err := client.Version()
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, v)
}

func TestClientServerFileRoundTrip(t *testing.T) {
	client, stop := startServer(t)
	defer stop()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	h, err := client.Open(path, true)
	require.NoError(t, err)
	require.NoError(t, client.Write(h, []byte("hello world")))
	require.NoError(t, client.Sync(h))
	require.NoError(t, client.Close(h))

	h2, err := client.Open(path, false)
	require.NoError(t, err)
	data, err := client.Read(h2, 32)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	require.NoError(t, client.Close(h2))

	st, err := client.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), st.Size)

	sum, err := client.CRC32(path)
	require.NoError(t, err)
	assert.NotZero(t, sum)
}

func TestClientServerMkdirListDirRename(t *testing.T) {
	client, stop := startServer(t)
	defer stop()

	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, client.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "f1"), []byte("x"), 0o644))

	entries, err := client.ListDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	renamed := filepath.Join(dir, "sub2")
	require.NoError(t, client.Rename(sub, renamed))
	_, err = os.Stat(renamed)
	assert.NoError(t, err)
}

func TestClientServerUnimplementedCopReturnsError(t *testing.T) {
	client, stop := startServer(t)
	defer stop()

	_, err := client.roundTrip(Frame{Cop: CopAccess, Payload: []byte("/tmp")})
	assert.Error(t, err)
}

func TestClientServerOpenMissingFileErrors(t *testing.T) {
	client, stop := startServer(t)
	defer stop()

	_, err := client.Open("/nonexistent/path/does/not/exist", false)
	assert.Error(t, err)
}
