package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/syncdb/internal/channel"
	"github.com/roach88/syncdb/internal/compiler"
	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/merge"
	"github.com/roach88/syncdb/internal/store"
	"github.com/roach88/syncdb/internal/transport"
	"github.com/roach88/syncdb/internal/wal"
)

// DefaultTopic is the channel joined when none is configured.
const DefaultTopic = "sync:todos"

// DefaultBatchSize bounds the entries pushed in one write.
const DefaultBatchSize = 100

// Coordinator keeps the local replica in sync with the server.
//
// A single actor goroutine owns the connection state machine, the sync
// cursor, buffered commits and the in-flight write batch. Network calls
// run on short-lived goroutines that post their results back to the
// actor's queue, tagged with the connection epoch so results from a
// torn-down connection are dropped.
//
// Reads and local writes do not go through the actor: they are single
// storage transactions and work while offline.
type Coordinator struct {
	store     *store.Store
	log       *wal.Log
	transport transport.Transport

	topic      string
	joinParams any
	timeouts   channel.Timeouts
	backoff    Backoff
	batchSize  int
	registry   *compiler.Registry
	machine    *channel.Machine
	logger     *slog.Logger

	queue   *eventQueue
	waiters *waiters

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the actor goroutine.
	epoch         uint64
	session       *channel.Session
	attempt       int
	cursor        ir.Cursor
	buffered      []channel.Commit
	resyncPending bool
	inflight      []ir.LogEntry
	touched       map[store.RowKey]bool
	settle        []chan error
	terminal      error
	retry         retryTimer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTopic sets the channel topic.
func WithTopic(topic string) Option {
	return func(c *Coordinator) { c.topic = topic }
}

// WithJoinParams sets the join payload.
func WithJoinParams(params any) Option {
	return func(c *Coordinator) { c.joinParams = params }
}

// WithTimeouts sets per-request timeouts.
func WithTimeouts(t channel.Timeouts) Option {
	return func(c *Coordinator) { c.timeouts = t }
}

// WithBackoff sets the reconnect schedule.
func WithBackoff(b Backoff) Option {
	return func(c *Coordinator) { c.backoff = b }
}

// WithBatchSize bounds the entries pushed per write.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithRegistry validates inbound rows. Rows that fail are skipped.
func WithRegistry(r *compiler.Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// WithStateObserver is notified on every connection state change.
func WithStateObserver(o channel.Observer) Option {
	return func(c *Coordinator) { c.machine.Observe(o) }
}

// WithLogger sets the coordinator's logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a stopped coordinator.
func New(s *store.Store, log *wal.Log, t transport.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		log:       log,
		transport: t,
		topic:     DefaultTopic,
		timeouts:  channel.DefaultTimeouts,
		backoff:   DefaultBackoff,
		batchSize: DefaultBatchSize,
		machine:   channel.NewMachine(),
		logger:    slog.Default(),
		queue:     newEventQueue(),
		waiters:   newWaiters(),
		done:      make(chan struct{}),
	}
	c.machine.Observe(func(from, to channel.State) {
		c.logger.Info("sync state", "topic", c.topic, "from", from.String(), "to", to.String())
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start connects and returns once the first snapshot is applied and the
// pending log has been pushed, or the join is rejected, or ctx ends. When
// ctx ends first the coordinator keeps reconnecting in the background
// until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("syncer: already started")
	}
	cursor, err := c.store.Cursor(ctx)
	if err != nil {
		c.mu.Unlock()
		return &Error{Code: ErrCodeStorage, Message: "load cursor", Err: err}
	}
	c.cursor = cursor
	runCtx, cancel := context.WithCancel(context.Background())
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
	return c.awaitSettled(ctx, false)
}

// Stop tears the connection down and fails outstanding waiters with
// ErrStopped. Pending writes stay in the log.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	c.stopped = true
	c.mu.Unlock()
	if !started {
		c.waiters.failAll(ErrStopped, true)
		return
	}
	cancel()
	<-c.done
}

// Sync forces a resync and waits until the replica is live again with the
// pending log pushed. Concurrent requests are coalesced.
func (c *Coordinator) Sync(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return errors.New("syncer: not started")
	}
	return c.awaitSettled(ctx, true)
}

func (c *Coordinator) awaitSettled(ctx context.Context, force bool) error {
	reply := make(chan error, 1)
	if !c.queue.Enqueue(settleEvent{reply: reply, force: force}) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// State returns the connection state.
func (c *Coordinator) State() channel.State {
	return c.machine.State()
}

// Read returns the materialized view of table: snapshot rows with the
// pending log applied on top.
func (c *Coordinator) Read(ctx context.Context, table string) ([]ir.Record, error) {
	if !c.store.HasTable(table) {
		return nil, fmt.Errorf("read %s: %w", table, store.ErrUnknownTable)
	}
	return merge.Materialize(ctx, c.store, table)
}

// Submit durably appends ops to the log and returns once they are
// committed locally, so a following Read sees them. The returned Pending
// resolves when the server acknowledges or rejects them.
func (c *Coordinator) Submit(ctx context.Context, ops []ir.Op) (*Pending, error) {
	c.waiters.mu.Lock()
	entries, err := c.log.Append(ctx, ops)
	if err != nil {
		c.waiters.mu.Unlock()
		var invalid *wal.InvalidOpError
		if errors.As(err, &invalid) {
			return nil, err
		}
		return nil, &Error{Code: ErrCodeStorage, Message: "append log", Err: err}
	}
	results := c.waiters.registerLocked(entries)
	c.waiters.mu.Unlock()

	c.queue.Enqueue(flushEvent{})
	return &Pending{Entries: entries, results: results}, nil
}

// Write submits ops and waits for the server's verdict.
func (c *Coordinator) Write(ctx context.Context, ops []ir.Op) error {
	p, err := c.Submit(ctx, ops)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

// Discard drops a parked entry.
func (c *Coordinator) Discard(ctx context.Context, logID int64) error {
	return c.log.Discard(ctx, logID)
}

// Resubmit amends a parked entry and queues it again at the tail of the
// log. A nil data resubmits it unchanged.
func (c *Coordinator) Resubmit(ctx context.Context, logID int64, data *ir.Record) (*Pending, error) {
	c.waiters.mu.Lock()
	entry, err := c.log.Resubmit(ctx, logID, data)
	if err != nil {
		c.waiters.mu.Unlock()
		return nil, err
	}
	results := c.waiters.registerLocked([]ir.LogEntry{entry})
	c.waiters.mu.Unlock()

	c.queue.Enqueue(flushEvent{})
	return &Pending{Entries: []ir.LogEntry{entry}, results: results}, nil
}

// Status is a point-in-time summary of the replica.
type Status struct {
	State   channel.State `json:"-"`
	Topic   string        `json:"topic"`
	Cursor  ir.Cursor     `json:"cursor"`
	Pending int           `json:"pending"`
	Parked  int           `json:"parked"`
}

// Status reads the cursor and log counts from storage.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	cursor, err := c.store.Cursor(ctx)
	if err != nil {
		return Status{}, err
	}
	pending, err := c.log.Drain(ctx)
	if err != nil {
		return Status{}, err
	}
	parked, err := c.log.Parked(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:   c.machine.State(),
		Topic:   c.topic,
		Cursor:  cursor,
		Pending: len(pending),
		Parked:  len(parked),
	}, nil
}
