package workerpool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunProcessesEveryEntryExactlyOnce(t *testing.T) {
	var counter atomic.Int64
	tasks := make([]func(Token) error, 50)
	for i := range tasks {
		tasks[i] = func(Token) error {
			counter.Add(1)
			return nil
		}
	}
	list := NewList(tasks)
	results := Run(context.Background(), 4, list)

	var total int
	for _, r := range results {
		total += r.Processed
	}
	assert.Equal(t, int64(50), counter.Load())
	assert.Equal(t, 50, total)
}

func TestRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int64
	tasks := make([]func(Token) error, 20)
	for i := range tasks {
		tasks[i] = func(Token) error {
			started.Add(1)
			cancel()
			return nil
		}
	}
	list := NewList(tasks)
	results := Run(ctx, 1, list)

	var total int
	for _, r := range results {
		total += r.Processed
	}
	assert.Less(t, total, 20)
}

func TestEntryClaimIsExclusive(t *testing.T) {
	e := &Entry{}
	assert.True(t, e.TryClaim())
	assert.False(t, e.TryClaim())
}
