package pgerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMostSeverePicksHighestRankedKind(t *testing.T) {
	missing := New(KindMissing, "op1", errors.New("vanished"))
	invariant := New(KindInvariant, "op2", errors.New("chain broken"))
	format := New(KindFormat, "op3", errors.New("bad checksum"))

	got := MostSevere([]error{missing, format, invariant, nil})
	assert.Same(t, invariant, got)
}

func TestMostSevereTreatsUntaggedErrorsAsIO(t *testing.T) {
	plain := errors.New("boom")
	missing := New(KindMissing, "op", errors.New("vanished"))

	got := MostSevere([]error{missing, plain})
	assert.Same(t, plain, got)
}

func TestMostSevereAllNilReturnsNil(t *testing.T) {
	assert.Nil(t, MostSevere([]error{nil, nil}))
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	inner := errors.New("disk full")
	e := New(KindIO, "writing file", inner).WithPath("/data/base/1").WithBackup("ABCD1234")
	assert.ErrorIs(t, e, inner)
	msg := e.Error()
	assert.Contains(t, msg, "IO")
	assert.Contains(t, msg, "/data/base/1")
	assert.Contains(t, msg, "ABCD1234")
}

func TestMostSevereFindsWrappedPgerr(t *testing.T) {
	pe := New(KindRemote, "rpc", errors.New("eof"))
	wrapped := fmt.Errorf("round trip failed: %w", pe)
	missing := New(KindMissing, "op", errors.New("vanished"))

	got := MostSevere([]error{missing, wrapped})
	assert.Same(t, wrapped, got)
}
