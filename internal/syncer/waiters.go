package syncer

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/syncdb/internal/ir"
)

// result is the outcome of one log entry, set once.
type result struct {
	done chan struct{}
	err  error
}

// waiters maps log ids to callers awaiting the server's verdict.
//
// Registration holds mu across the WAL append so that the actor can never
// resolve an entry before its waiter exists.
type waiters struct {
	mu    sync.Mutex
	byLog map[int64]*result
	final error
}

func newWaiters() *waiters {
	return &waiters{byLog: make(map[int64]*result)}
}

// registerLocked adds a result for each entry. Caller holds mu.
func (w *waiters) registerLocked(entries []ir.LogEntry) []*result {
	out := make([]*result, len(entries))
	for i, e := range entries {
		r := &result{done: make(chan struct{})}
		if w.final != nil {
			r.err = w.final
			close(r.done)
		} else {
			w.byLog[e.LogID] = r
		}
		out[i] = r
	}
	return out
}

func (w *waiters) resolve(logID int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.byLog[logID]
	if !ok {
		return
	}
	delete(w.byLog, logID)
	r.err = err
	close(r.done)
}

// failAll resolves every waiter with err. With final set, later
// registrations resolve immediately too.
func (w *waiters) failAll(err error, final bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, r := range w.byLog {
		r.err = err
		close(r.done)
		delete(w.byLog, id)
	}
	if final {
		w.final = err
	}
}

func (w *waiters) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byLog)
}

// Pending is a durable local write awaiting the server.
type Pending struct {
	// Entries are the appended log entries, ids included.
	Entries []ir.LogEntry

	results []*result
}

// Wait blocks until every entry is acknowledged or failed, or ctx ends.
// Failures are joined; use IsWriteRejected, IsTimeout, or errors.Is with
// ErrStopped to inspect them. The writes stay durable either way.
func (p *Pending) Wait(ctx context.Context) error {
	var errs []error
	for _, r := range p.results {
		select {
		case <-r.done:
			if r.err != nil {
				errs = append(errs, r.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}
