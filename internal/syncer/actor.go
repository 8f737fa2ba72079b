package syncer

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/roach88/syncdb/internal/channel"
	"github.com/roach88/syncdb/internal/compiler"
	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/store"
	"github.com/roach88/syncdb/internal/transport"
)

// event is anything the actor loop handles.
type event interface{}

type connectedEvent struct {
	epoch uint64
	conn  transport.Conn
	err   error
}

type joinedEvent struct {
	epoch uint64
	err   error
}

type snapshotEvent struct {
	epoch uint64
	resp  *channel.SyncResponse
	err   error
}

type writeResultEvent struct {
	epoch uint64
	err   error
}

type messageEvent struct {
	epoch uint64
	msg   transport.Message
}

type connLostEvent struct {
	epoch uint64
	err   error
}

type retryEvent struct {
	epoch uint64
}

type flushEvent struct{}

type settleEvent struct {
	reply chan error
	force bool
}

type retryTimer struct {
	timer *time.Timer
}

func (r *retryTimer) stop() bool {
	if r.timer == nil {
		return false
	}
	stopped := r.timer.Stop()
	r.timer = nil
	return stopped
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	defer c.shutdown()

	c.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queue.Wait():
		}
		for ctx.Err() == nil {
			ev, ok := c.queue.TryDequeue()
			if !ok {
				break
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case connectedEvent:
		c.onConnected(ctx, e)
	case joinedEvent:
		c.onJoined(ctx, e)
	case snapshotEvent:
		c.onSnapshot(ctx, e)
	case writeResultEvent:
		c.onWriteResult(ctx, e)
	case messageEvent:
		c.onMessage(ctx, e)
	case connLostEvent:
		if e.epoch == c.epoch {
			c.logger.Warn("connection lost", "topic", c.topic, "err", e.err)
			c.reconnect()
		}
	case retryEvent:
		if e.epoch == c.epoch && c.machine.State() == channel.Disconnected && c.terminal == nil {
			c.connect(ctx)
		}
	case flushEvent:
		c.flush(ctx)
	case settleEvent:
		c.onSettle(ctx, e)
	default:
		c.logger.Error("unknown sync event", "type", ev)
	}
}

func (c *Coordinator) transition(to channel.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Error("sync state", "err", err)
	}
}

func (c *Coordinator) connect(ctx context.Context) {
	c.retry.stop()
	c.epoch++
	epoch := c.epoch
	c.transition(channel.Connecting)

	go func() {
		dctx, cancel := context.WithTimeout(ctx, connectTimeout(c.timeouts))
		defer cancel()
		conn, err := c.transport.Connect(dctx)
		if !c.queue.Enqueue(connectedEvent{epoch: epoch, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func connectTimeout(t channel.Timeouts) time.Duration {
	if t.Join > 0 {
		return t.Join
	}
	return channel.DefaultTimeouts.Join
}

func (c *Coordinator) onConnected(ctx context.Context, e connectedEvent) {
	if e.epoch != c.epoch {
		if e.conn != nil {
			_ = e.conn.Close()
		}
		return
	}
	if e.err != nil {
		c.logger.Warn("connect failed", "topic", c.topic, "err", e.err)
		c.reconnect()
		return
	}

	session := channel.NewSession(e.conn, c.topic, c.timeouts)
	c.session = session
	epoch := c.epoch
	go func() {
		for msg := range e.conn.Messages() {
			c.queue.Enqueue(messageEvent{epoch: epoch, msg: msg})
		}
		c.queue.Enqueue(connLostEvent{epoch: epoch, err: e.conn.Err()})
	}()

	c.transition(channel.AwaitingJoinAck)
	params := c.joinParams
	go func() {
		err := session.Join(ctx, params)
		c.queue.Enqueue(joinedEvent{epoch: epoch, err: err})
	}()
}

func (c *Coordinator) onJoined(ctx context.Context, e joinedEvent) {
	if e.epoch != c.epoch {
		return
	}
	var rejected *channel.JoinRejectedError
	switch {
	case errors.As(e.err, &rejected):
		c.logger.Error("join rejected", "topic", c.topic, "reason", rejected.Reason)
		c.fatal(&Error{Code: ErrCodeJoinRejected, Message: "join " + c.topic + " rejected", Err: e.err})
		return
	case e.err != nil:
		c.logger.Warn("join failed", "topic", c.topic, "err", e.err)
		c.reconnect()
		return
	}
	c.logger.Info("joined", "topic", c.topic)
	c.transition(channel.Syncing)
	c.requestSnapshot(ctx)
}

func (c *Coordinator) requestSnapshot(ctx context.Context) {
	session := c.session
	epoch := c.epoch
	snapmin := c.cursor.Snapmin
	go func() {
		resp, err := session.RequestSnapshot(ctx, snapmin)
		c.queue.Enqueue(snapshotEvent{epoch: epoch, resp: resp, err: err})
	}()
}

func (c *Coordinator) onSnapshot(ctx context.Context, e snapshotEvent) {
	if e.epoch != c.epoch {
		return
	}
	if e.err != nil {
		c.logger.Warn("snapshot failed", "topic", c.topic, "err", e.err)
		c.reconnect()
		return
	}

	if e.resp.Skipped > 0 {
		c.logger.Warn("skipped undecodable snapshot rows", "topic", c.topic, "rows", e.resp.Skipped)
	}
	data, rows := c.validSnapshot(e.resp.Data)
	if err := c.store.ApplySnapshot(ctx, data, ir.Cursor{LSN: e.resp.LSN, Snapmin: e.resp.Snapmin}); err != nil {
		c.logger.Error("apply snapshot failed", "err", err)
		c.reconnect()
		return
	}
	c.cursor.LSN = max(c.cursor.LSN, e.resp.LSN)
	c.cursor.Snapmin = max(c.cursor.Snapmin, e.resp.Snapmin)
	if len(c.inflight) > 0 {
		for _, tr := range data {
			for _, r := range tr.Rows {
				c.touched[store.RowKey{Table: tr.Table, ID: r.ID}] = true
			}
		}
	}
	c.logger.Info("snapshot applied", "tables", len(data), "rows", rows, "lsn", e.resp.LSN, "snapmin", e.resp.Snapmin)

	buffered := c.buffered
	c.buffered = nil
	sort.SliceStable(buffered, func(i, j int) bool { return buffered[i].LSN < buffered[j].LSN })
	for _, commit := range buffered {
		c.applyCommit(ctx, commit)
	}

	if c.resyncPending {
		c.resyncPending = false
		c.requestSnapshot(ctx)
		return
	}

	c.attempt = 0
	c.transition(channel.Live)
	c.flush(ctx)
}

func (c *Coordinator) onMessage(ctx context.Context, e messageEvent) {
	if e.epoch != c.epoch || c.session == nil {
		return
	}
	ev, ok, err := c.session.Decode(e.msg)
	if !ok {
		return
	}
	if err != nil {
		c.logger.Warn("undecodable server message, resyncing", "topic", e.msg.Topic, "event", e.msg.Event, "err", err)
		c.resync(ctx)
		return
	}

	switch m := ev.(type) {
	case channel.Commit:
		if m.Skipped > 0 {
			c.logger.Warn("skipped undecodable commit ops", "lsn", m.LSN, "ops", m.Skipped)
		}
		if c.machine.State() == channel.Live {
			c.applyCommit(ctx, m)
		} else {
			c.logger.Debug("buffering commit", "lsn", m.LSN)
			c.buffered = append(c.buffered, m)
		}
	case channel.Resync:
		c.logger.Info("server requested resync", "topic", c.topic)
		c.resync(ctx)
	case channel.ChannelLost:
		c.logger.Warn("channel lost", "topic", c.topic, "event", m.Event)
		c.reconnect()
	}
}

func (c *Coordinator) applyCommit(ctx context.Context, commit channel.Commit) {
	if commit.LSN <= c.cursor.LSN {
		c.logger.Debug("skipping stale commit", "lsn", commit.LSN, "cursor", c.cursor.LSN)
		return
	}
	ops := c.validOps(commit.LSN, commit.Ops)
	applied, err := c.store.ApplyCommit(ctx, commit.LSN, ops)
	if err != nil {
		c.logger.Error("apply commit failed, resyncing", "lsn", commit.LSN, "err", err)
		c.resync(ctx)
		return
	}
	if !applied {
		return
	}
	c.cursor.LSN = commit.LSN
	if len(c.inflight) > 0 {
		for _, op := range ops {
			c.touched[store.RowKey{Table: op.Table, ID: op.Data.ID}] = true
		}
	}
	c.logger.Debug("commit applied", "lsn", commit.LSN, "ops", len(ops))
}

// resync fetches a fresh snapshot. While one is already in flight the
// request is coalesced into a single follow-up.
func (c *Coordinator) resync(ctx context.Context) {
	switch c.machine.State() {
	case channel.Live:
		c.transition(channel.Syncing)
		c.requestSnapshot(ctx)
	case channel.Syncing:
		c.resyncPending = true
	}
}

// flush pushes the next batch of pending entries when live and idle.
func (c *Coordinator) flush(ctx context.Context) {
	if c.machine.State() != channel.Live || len(c.inflight) > 0 || c.session == nil {
		return
	}
	entries, err := c.log.Drain(ctx)
	if err != nil {
		c.logger.Error("drain log failed", "err", err)
		c.resolveSettled(&Error{Code: ErrCodeStorage, Message: "drain log", Err: err})
		return
	}
	if len(entries) == 0 {
		c.resolveSettled(nil)
		return
	}
	if len(entries) > c.batchSize {
		entries = entries[:c.batchSize]
	}

	c.inflight = entries
	c.touched = make(map[store.RowKey]bool)
	session := c.session
	epoch := c.epoch
	c.logger.Debug("pushing write", "entries", len(entries), "first", entries[0].LogID)
	go func() {
		err := session.PushWrite(ctx, entries)
		c.queue.Enqueue(writeResultEvent{epoch: epoch, err: err})
	}()
}

func (c *Coordinator) onWriteResult(ctx context.Context, e writeResultEvent) {
	if e.epoch != c.epoch {
		return
	}
	entries := c.inflight
	touched := c.touched
	c.inflight = nil
	c.touched = nil

	var rejected *channel.RejectedWrite
	switch {
	case e.err == nil:
		ids := make([]int64, len(entries))
		for i, entry := range entries {
			ids[i] = entry.LogID
		}
		superseded := make([]store.RowKey, 0, len(touched))
		for k := range touched {
			superseded = append(superseded, k)
		}
		if err := c.log.Ack(ctx, ids, superseded...); err != nil {
			c.logger.Error("ack failed", "err", err)
			for _, entry := range entries {
				entry := entry
				c.waiters.resolve(entry.LogID, &Error{Code: ErrCodeStorage, Message: "ack log", Entry: &entry, Err: err})
			}
			c.reconnect()
			return
		}
		for _, entry := range entries {
			c.waiters.resolve(entry.LogID, nil)
		}
		c.logger.Info("write acknowledged", "entries", len(entries))
		c.flush(ctx)

	case errors.As(e.err, &rejected):
		culprit := rejectedEntry(entries, rejected)
		c.logger.Warn("write rejected", "log_id", culprit.LogID, "table", culprit.Op.Table, "errors", rejected.Errors)
		if err := c.log.Park(ctx, culprit.LogID, rejected.Errors); err != nil {
			c.logger.Error("park failed", "log_id", culprit.LogID, "err", err)
			c.waiters.resolve(culprit.LogID, &Error{Code: ErrCodeStorage, Message: "park log", Entry: &culprit, Err: err})
			c.reconnect()
			return
		}
		c.waiters.resolve(culprit.LogID, newWriteRejectedError(culprit, rejected.Errors, rejected))
		c.flush(ctx)

	case errors.Is(e.err, transport.ErrTimeout):
		c.logger.Warn("write timed out", "entries", len(entries))
		for _, entry := range entries {
			c.waiters.resolve(entry.LogID, newTimeoutError(entry, e.err))
		}
		c.reconnect()

	default:
		c.logger.Warn("write failed", "entries", len(entries), "err", e.err)
		c.reconnect()
	}
}

// rejectedEntry finds the entry a rejection refers to: by log id, then by
// table and record id, then the head of the batch.
func rejectedEntry(entries []ir.LogEntry, rej *channel.RejectedWrite) ir.LogEntry {
	for _, e := range entries {
		if rej.LogID > 0 && e.LogID == rej.LogID {
			return e
		}
	}
	for _, e := range entries {
		if e.Op.Table == rej.Op.Table && !rej.Op.Data.ID.IsZero() && e.Op.Data.ID == rej.Op.Data.ID {
			return e
		}
	}
	return entries[0]
}

func (c *Coordinator) onSettle(ctx context.Context, e settleEvent) {
	if c.terminal != nil {
		e.reply <- c.terminal
		return
	}
	c.settle = append(c.settle, e.reply)
	switch c.machine.State() {
	case channel.Live:
		if e.force {
			c.resync(ctx)
		} else {
			c.flush(ctx)
		}
	case channel.Syncing:
		if e.force {
			c.resyncPending = true
		}
	case channel.Disconnected:
		if c.retry.stop() {
			c.connect(ctx)
		}
	}
}

func (c *Coordinator) resolveSettled(err error) {
	for _, reply := range c.settle {
		reply <- err
	}
	c.settle = nil
}

// teardown leaves the channel, closes the connection and invalidates
// everything in flight for it. Pending entries stay in the log.
func (c *Coordinator) teardown() {
	c.epoch++
	if session := c.session; session != nil {
		c.session = nil
		leaveTimeout := c.timeouts.Leave
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), max(leaveTimeout, time.Second))
			defer cancel()
			if err := session.Leave(ctx); err != nil {
				c.logger.Debug("leave failed", "err", err)
			}
			_ = session.Close()
		}()
	}
	c.inflight = nil
	c.touched = nil
	c.buffered = nil
	c.resyncPending = false
	c.transition(channel.Disconnected)
}

// reconnect tears down and schedules the next connection attempt.
func (c *Coordinator) reconnect() {
	c.teardown()
	if c.terminal != nil {
		return
	}
	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	epoch := c.epoch
	c.logger.Info("reconnecting", "topic", c.topic, "delay", delay, "attempt", c.attempt)
	c.retry.timer = time.AfterFunc(delay, func() {
		c.queue.Enqueue(retryEvent{epoch: epoch})
	})
}

// fatal stops reconnecting and fails every waiter with err.
func (c *Coordinator) fatal(err error) {
	c.terminal = err
	c.teardown()
	c.resolveSettled(err)
	c.waiters.failAll(err, true)
}

func (c *Coordinator) shutdown() {
	c.queue.Close()
	c.retry.stop()
	if session := c.session; session != nil {
		c.session = nil
		ctx, cancel := context.WithTimeout(context.Background(), max(c.timeouts.Leave, time.Second))
		if err := session.Leave(ctx); err != nil {
			c.logger.Debug("leave failed", "err", err)
		}
		cancel()
		_ = session.Close()
	}
	c.transition(channel.Disconnected)
	c.resolveSettled(ErrStopped)
	c.waiters.failAll(ErrStopped, true)
	c.logger.Info("sync stopped", "topic", c.topic)
}

func (c *Coordinator) validSnapshot(data []ir.TableRows) ([]ir.TableRows, int) {
	out := make([]ir.TableRows, 0, len(data))
	total := 0
	for _, tr := range data {
		rows := make([]ir.Record, 0, len(tr.Rows))
		for _, r := range tr.Rows {
			if c.validRow(tr.Table, r) {
				rows = append(rows, r)
			}
		}
		total += len(rows)
		out = append(out, ir.TableRows{Table: tr.Table, Rows: rows})
	}
	return out, total
}

func (c *Coordinator) validOps(lsn int64, ops []ir.Op) []ir.Op {
	out := make([]ir.Op, 0, len(ops))
	for _, op := range ops {
		if op.Kind == ir.OpDelete || c.validRow(op.Table, op.Data) {
			out = append(out, op)
			continue
		}
		c.logger.Debug("dropped commit op", "lsn", lsn, "table", op.Table)
	}
	return out
}

func (c *Coordinator) validRow(table string, r ir.Record) bool {
	var errs []compiler.ValidationError
	if c.registry != nil {
		errs = c.registry.ValidateRow(table, r)
	} else if r.ID.IsZero() {
		errs = []compiler.ValidationError{{Field: ir.FieldID, Message: "id is required", Code: compiler.ErrMissingID}}
	}
	if len(errs) == 0 {
		return true
	}
	c.logger.Warn("skipping invalid server row", "table", table, "id", r.ID.String(), "errors", compiler.FieldErrors(errs))
	return false
}
