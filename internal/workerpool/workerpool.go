// Package workerpool implements the parallel file-copy pipeline (spec
// component 4.H): a fixed-size pool of workers that claim files from a
// shared, append-only list via a per-entry CAS flag, with cooperative
// cancellation through a token tested at iteration boundaries rather than
// the reference implementation's shared bool.
package workerpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Token is the cancellation token carried by value into each task, per
// design note #9 ("replace the shared interrupted bool with a token
// carried by value"). A Token wraps a context so existing context-aware
// code composes with it directly.
type Token struct {
	ctx context.Context
}

// NewToken wraps ctx as a Token.
func NewToken(ctx context.Context) Token { return Token{ctx: ctx} }

// Cancelled reports whether the token has been cancelled. runWorker tests
// it before claiming each entry; the driver's backup and restore tasks do
// not consult it, so a cancellation takes effect between files, not
// between blocks or records.
func (t Token) Cancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Entry is one unit of work: a claimable file-backed task. claimed is a
// lock-free CAS flag so workers never need a mutex to pull work, matching
// §4.H/§5's "atomic test-and-set, no mutex" design.
type Entry struct {
	claimed atomic.Bool
	Task    func(Token) error
}

// TryClaim attempts to claim this entry; only one worker ever succeeds.
func (e *Entry) TryClaim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

// List is the shared, append-only-during-enumeration file list, read-only-
// shared once worker fan-out starts.
type List struct {
	Entries []*Entry
}

// NewList builds a List of claimable entries wrapping each task.
func NewList(tasks []func(Token) error) *List {
	entries := make([]*Entry, len(tasks))
	for i, t := range tasks {
		entries[i] = &Entry{Task: t}
	}
	return &List{Entries: entries}
}

// Result is one worker's outcome after the list is exhausted or
// cancellation is observed.
type Result struct {
	Processed int
	Err       error
}

// Run starts n workers against list, each looping: claim the next
// unclaimed entry, run its task, repeat until the list is exhausted or the
// token is cancelled. Workers never migrate a claimed entry to another
// worker. Returns once every worker has returned (the driver's "join").
func Run(ctx context.Context, n int, list *List) []Result {
	if n < 1 {
		n = 1
	}
	token := NewToken(ctx)
	results := make([]Result, n)

	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		w := w
		g.Go(func() error {
			r := runWorker(token, list)
			results[w] = r
			return nil
		})
	}
	g.Wait() // errgroup collects panics/goroutine bookkeeping; task errors are per-Result, not propagated as the group error
	return results
}

func runWorker(token Token, list *List) Result {
	var res Result
	for _, e := range list.Entries {
		if token.Cancelled() {
			return res
		}
		if !e.TryClaim() {
			continue
		}
		if err := e.Task(token); err != nil {
			res.Err = err
			return res
		}
		res.Processed++
	}
	return res
}
