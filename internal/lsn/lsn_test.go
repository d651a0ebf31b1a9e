package lsn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringAndParseRoundTrip(t *testing.T) {
	cases := []LSN{0, 1, 0xFF, 0x100000000, 0xDEADBEEF12345678}
	for _, l := range cases {
		s := l.String()
		parsed, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "123", "ZZ/00", "0/0/0"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

func TestValidSegmentSize(t *testing.T) {
	assert.True(t, ValidSegmentSize(DefaultSegmentSize))
	assert.True(t, ValidSegmentSize(MinSegmentSize))
	assert.True(t, ValidSegmentSize(MaxSegmentSize))
	assert.False(t, ValidSegmentSize(MinSegmentSize-1))
	assert.False(t, ValidSegmentSize(MaxSegmentSize+1))
	assert.False(t, ValidSegmentSize(3<<20)) // not a power of two
}

func TestSegmentOffsetFromSegment(t *testing.T) {
	segSize := uint64(DefaultSegmentSize)
	l := FromSegment(5, segSize) + 100
	assert.Equal(t, uint64(5), l.Segment(segSize))
	assert.Equal(t, uint64(100), l.Offset(segSize))
}

func TestSegmentNameRoundTrip(t *testing.T) {
	segSize := uint64(DefaultSegmentSize)
	name := SegmentName(7, 300, segSize)
	assert.Len(t, name, 24)
	tli, segNo, err := ParseSegmentName(name, segSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), tli)
	assert.Equal(t, uint64(300), segNo)
}

func TestSegmentNameCrossesXlogIDBoundary(t *testing.T) {
	segSize := uint64(DefaultSegmentSize)
	segsPerXlog := (uint64(1) << 32) / segSize
	name := SegmentName(1, segsPerXlog+2, segSize)
	tli, segNo, err := ParseSegmentName(name, segSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tli)
	assert.Equal(t, segsPerXlog+2, segNo)
}

func TestParseSegmentNameRejectsWrongLength(t *testing.T) {
	_, _, err := ParseSegmentName("short", DefaultSegmentSize)
	assert.Error(t, err)
}

func TestHistoryFileName(t *testing.T) {
	assert.Equal(t, "00000003.history", HistoryFileName(3))
}

func TestParseHistoryRoundTrip(t *testing.T) {
	src := "1\t0/16B3748\tswitched over\n2\t0/2000000\n# comment\n\n"
	h, err := ParseHistory(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, uint32(1), h[0].ParentTLI)
	assert.Equal(t, "switched over", h[0].Reason)
	assert.Equal(t, uint32(2), h[1].ParentTLI)
	assert.Equal(t, "", h[1].Reason)

	var b strings.Builder
	require.NoError(t, h.Write(&b))
	reparsed, err := ParseHistory(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, h, reparsed)
}

func TestParseHistoryRejectsMalformedLine(t *testing.T) {
	_, err := ParseHistory(strings.NewReader("onlyonefield\n"))
	assert.Error(t, err)
}

func TestIsAncestor(t *testing.T) {
	child := History{
		{ParentTLI: 1, SwitchLSN: FromSegment(10, DefaultSegmentSize)},
		{ParentTLI: 2, SwitchLSN: FromSegment(20, DefaultSegmentSize)},
	}
	assert.True(t, IsAncestor(child, 1, FromSegment(5, DefaultSegmentSize)))
	assert.False(t, IsAncestor(child, 1, FromSegment(15, DefaultSegmentSize)))
	assert.False(t, IsAncestor(child, 3, 0))
}
