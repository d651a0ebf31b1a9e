package pgpage

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildValidPage(lsnVal uint64, blockNo uint32) []byte {
	page := make([]byte, Size)
	binary.LittleEndian.PutUint64(page[offLSN:], lsnVal)
	binary.LittleEndian.PutUint16(page[offFlags:], 0)
	binary.LittleEndian.PutUint16(page[offLower:], headerSize)
	binary.LittleEndian.PutUint16(page[offUpper:], Size-64)
	binary.LittleEndian.PutUint16(page[offSpecial:], Size)
	binary.LittleEndian.PutUint16(page[offPageSizeVersion:], uint16(Size)|uint16(LayoutVersion))
	cs := Checksum(page, blockNo)
	binary.LittleEndian.PutUint16(page[offChecksum:], cs)
	return page
}

func TestParseClassifiesZeroPage(t *testing.T) {
	page := make([]byte, Size)
	class, _, err := Parse(page, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, Zero, class)
}

func TestParseClassifiesValidPage(t *testing.T) {
	page := buildValidPage(0x1000, 3)
	class, h, err := Parse(page, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, Valid, class)
	assert.Equal(t, uint64(0x1000), h.LSN)
}

func TestParseClassifiesChecksumMismatch(t *testing.T) {
	page := buildValidPage(0x1000, 3)
	page[offChecksum] ^= 0xFF
	class, _, err := Parse(page, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, ChecksumMismatch, class)
}

func TestParseClassifiesHeaderInvalid(t *testing.T) {
	page := buildValidPage(0x1000, 3)
	binary.LittleEndian.PutUint16(page[offLower:], Size+1)
	class, _, err := Parse(page, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, HeaderInvalid, class)
}

func TestParseClassifiesLsnFromFuture(t *testing.T) {
	page := buildValidPage(0x5000, 3)
	class, _, err := Parse(page, 3, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, LsnFromFuture, class)
}

func TestChecksumDeterministic(t *testing.T) {
	page := buildValidPage(0x42, 9)
	c1 := Checksum(page, 9)
	c2 := Checksum(page, 9)
	assert.Equal(t, c1, c2)
}

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rec := Record{BlockNo: 42, CompSz: int32(Size), Payload: bytes.Repeat([]byte{0xAB}, Size)}
	_, err := WriteRecord(&buf, rec)
	require.NoError(t, err)

	got, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec.BlockNo, got.BlockNo)
	assert.Equal(t, rec.CompSz, got.CompSz)
	assert.Equal(t, rec.Payload, got.Payload)
}

func TestHeaderMapRoundTrip(t *testing.T) {
	entries := []HeaderMapEntry{
		{LSN: 1, Block: 0, Pos: 0, Checksum: 11},
		{LSN: 2, Block: 1, Pos: 8198, Checksum: 22},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteHeaderMap(&buf, entries))

	got, err := ReadHeaderMap(&buf)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestNoopCompressorRoundTrip(t *testing.T) {
	var c NoopCompressor
	src := bytes.Repeat([]byte{0x1}, Size)
	compressed, err := c.Compress(nil, src)
	require.NoError(t, err)
	out, err := c.Decompress(nil, compressed)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}
