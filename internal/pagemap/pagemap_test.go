package pagemap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroValueIsFullSentinel(t *testing.T) {
	var m Map
	assert.True(t, m.IsFull())
	assert.Nil(t, m.Blocks())
}

func TestInsertGrowsByDoubling(t *testing.T) {
	m := New()
	m.Insert(200) // offset 25, forces growth beyond the initial 16 bytes
	assert.False(t, m.IsFull())
	assert.Equal(t, 32, len(m.bitmap))
}

func TestBlocksAscending(t *testing.T) {
	m := New()
	for _, b := range []uint32{5, 1, 1000, 64} {
		m.Insert(b)
	}
	assert.Equal(t, []uint32{1, 5, 64, 1000}, m.Blocks())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New()
	m.Insert(3)
	m.Insert(17)

	var buf bytes.Buffer
	require.NoError(t, m.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 17}, got.Blocks())
}

func TestEncodeDecodeFullSentinel(t *testing.T) {
	var m Map
	var buf bytes.Buffer
	require.NoError(t, m.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, got.IsFull())
}
