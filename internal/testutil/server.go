package testutil

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/merge"
	"github.com/roach88/syncdb/internal/transport"
)

// Broadcaster pushes a server message to every connected client.
// memtransport.Network and PhoenixServer both implement it.
type Broadcaster interface {
	Broadcast(topic, event string, payload any) error
}

// WriteOp is one op of a write batch as the server received it.
type WriteOp struct {
	LogID int64
	Op    ir.Op
}

// RejectFunc decides whether the server refuses an op. A non-empty
// result rejects the whole batch with those field errors.
type RejectFunc func(op ir.Op) ir.FieldErrors

// FakeServer is an in-memory sync server for one topic.
//
// Accepted write batches are applied atomically, bump the server LSN by
// one, and are echoed to every client as a commit on "<topic>:commits".
//
// Thread-safety: safe for concurrent use. Hooks run without the lock.
type FakeServer struct {
	topic string

	mu         sync.Mutex
	tables     map[string]map[string]ir.Record
	lsn        int64
	out        Broadcaster
	joinReject string
	reject     RejectFunc
	hangWrites int
	hangJoins  int
	onSync     func()
	joins      int
	leaves     int
	syncs      []int64
	writes     [][]WriteOp
}

// NewFakeServer returns an empty server for topic with the given tables.
func NewFakeServer(topic string, tables ...string) *FakeServer {
	s := &FakeServer{topic: topic, tables: make(map[string]map[string]ir.Record)}
	for _, t := range tables {
		s.tables[t] = make(map[string]ir.Record)
	}
	return s
}

// Topic returns the served topic.
func (s *FakeServer) Topic() string { return s.topic }

// CommitTopic is the subtopic commits are broadcast on.
func (s *FakeServer) CommitTopic() string { return s.topic + ":commits" }

// Attach sets where commits and resyncs are broadcast.
func (s *FakeServer) Attach(out Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = out
}

// Seed stores rows without advancing the LSN or notifying clients.
func (s *FakeServer) Seed(table string, rows ...ir.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(table)
	for _, r := range rows {
		t[r.ID.Key()] = r.Clone()
	}
}

// SetLSN moves the server LSN.
func (s *FakeServer) SetLSN(lsn int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lsn = lsn
}

// LSN returns the server LSN.
func (s *FakeServer) LSN() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsn
}

// RejectJoin makes every join fail with reason. Empty accepts again.
func (s *FakeServer) RejectJoin(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinReject = reason
}

// RejectWrites installs f for every following write batch.
func (s *FakeServer) RejectWrites(f RejectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = f
}

// HangWrites makes the next n write pushes go unanswered. The batch is
// not applied.
func (s *FakeServer) HangWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangWrites = n
}

// HangJoins makes the next n joins go unanswered. They still count
// towards Joins.
func (s *FakeServer) HangJoins(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangJoins = n
}

// OnSync runs f after a sync request arrives and before it is answered.
func (s *FakeServer) OnSync(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSync = f
}

// Commit applies a server-side change and broadcasts it at the next LSN.
func (s *FakeServer) Commit(ops ...ir.Op) (int64, error) {
	s.mu.Lock()
	applied, err := s.applyLocked(ops)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.lsn++
	lsn := s.lsn
	out := s.out
	s.mu.Unlock()

	return lsn, s.send(out, s.CommitTopic(), "commit", commitPayload(lsn, applied))
}

// SendCommit broadcasts a commit without touching server state.
func (s *FakeServer) SendCommit(lsn int64, ops ...ir.Op) error {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	return s.send(out, s.CommitTopic(), "commit", commitPayload(lsn, ops))
}

// SendResync asks every client to fetch a new snapshot.
func (s *FakeServer) SendResync() error {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	return s.send(out, s.topic, "resync", struct{}{})
}

// Rows returns a table's rows ordered by id.
func (s *FakeServer) Rows(table string) []ir.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRows(s.tables[table])
}

// Joins returns the number of join requests received.
func (s *FakeServer) Joins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins
}

// Leaves returns the number of leave requests received.
func (s *FakeServer) Leaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaves
}

// SyncRequests returns the snapmin of every sync request received.
func (s *FakeServer) SyncRequests() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.syncs)
}

// Writes returns every write batch received, accepted or not.
func (s *FakeServer) Writes() [][]WriteOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes)
}

// WrittenLogIDs flattens Writes to log ids in arrival order.
func (s *FakeServer) WrittenLogIDs() []int64 {
	var ids []int64
	for _, batch := range s.Writes() {
		for _, w := range batch {
			ids = append(ids, w.LogID)
		}
	}
	return ids
}

// Join implements memtransport.Handler.
func (s *FakeServer) Join(topic string, _ json.RawMessage) (transport.Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins++
	if s.hangJoins > 0 {
		s.hangJoins--
		return transport.Reply{}, false
	}
	if topic != s.topic {
		return errorReply(map[string]string{"reason": "unmatched topic"}), true
	}
	if s.joinReject != "" {
		return errorReply(map[string]string{"reason": s.joinReject}), true
	}
	return okReply(struct{}{}), true
}

// Leave implements memtransport.Handler.
func (s *FakeServer) Leave(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves++
}

// Push implements memtransport.Handler.
func (s *FakeServer) Push(topic, event string, payload json.RawMessage) (transport.Reply, bool) {
	if topic != s.topic {
		return errorReply(map[string]string{"reason": "unmatched topic"}), true
	}
	switch event {
	case "sync":
		return s.handleSync(payload), true
	case "write":
		return s.handleWrite(payload)
	default:
		return errorReply(map[string]string{"reason": "unknown event " + event}), true
	}
}

func (s *FakeServer) handleSync(payload json.RawMessage) transport.Reply {
	var req struct {
		Snapmin int64 `json:"snapmin"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorReply(map[string]string{"reason": err.Error()})
	}

	s.mu.Lock()
	s.syncs = append(s.syncs, req.Snapmin)
	hook := s.onSync
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	data := make([][2]any, 0, len(names))
	for _, name := range names {
		data = append(data, [2]any{name, sortedRows(s.tables[name])})
	}
	return okReply(map[string]any{"data": data, "lsn": s.lsn, "snapmin": max(req.Snapmin, s.lsn)})
}

func (s *FakeServer) handleWrite(payload json.RawMessage) (transport.Reply, bool) {
	batch, err := decodeWriteBatch(payload)
	if err != nil {
		return errorReply(map[string]string{"reason": err.Error()}), true
	}

	s.mu.Lock()
	s.writes = append(s.writes, batch)
	if s.hangWrites > 0 {
		s.hangWrites--
		s.mu.Unlock()
		return transport.Reply{}, false
	}
	if s.reject != nil {
		for _, w := range batch {
			if errs := s.reject(w.Op); len(errs) > 0 {
				s.mu.Unlock()
				return errorReply(map[string]any{"error": map[string]any{
					"op":     [4]any{w.LogID, w.Op.Kind, w.Op.Table, w.Op.Data},
					"errors": errs,
				}}), true
			}
		}
	}

	ops := make([]ir.Op, len(batch))
	for i, w := range batch {
		ops[i] = w.Op
	}
	applied, err := s.applyLocked(ops)
	if err != nil {
		s.mu.Unlock()
		return errorReply(map[string]any{"error": map[string]any{
			"op":     nil,
			"errors": map[string][]string{"base": {err.Error()}},
		}}), true
	}
	s.lsn++
	lsn := s.lsn
	out := s.out
	s.mu.Unlock()

	if err := s.send(out, s.CommitTopic(), "commit", commitPayload(lsn, applied)); err != nil {
		return errorReply(map[string]string{"reason": err.Error()}), true
	}
	return okReply(struct{}{}), true
}

// applyLocked applies ops to a copy of the tables and swaps it in only
// when every op succeeds. It returns the ops as committed, carrying the
// full resulting rows.
func (s *FakeServer) applyLocked(ops []ir.Op) ([]ir.Op, error) {
	next := make(map[string]map[string]ir.Record, len(s.tables))
	for name, rows := range s.tables {
		next[name] = make(map[string]ir.Record, len(rows))
		for k, r := range rows {
			next[name][k] = r
		}
	}

	applied := make([]ir.Op, 0, len(ops))
	for i, op := range ops {
		t, ok := next[op.Table]
		if !ok {
			return nil, fmt.Errorf("op %d: unknown table %q", i, op.Table)
		}
		if op.Data.ID.IsZero() {
			return nil, fmt.Errorf("op %d: missing id", i)
		}
		key := op.Data.ID.Key()
		var base *ir.Record
		if cur, ok := t[key]; ok {
			base = &cur
		}
		result, err := merge.Apply(base, op)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		if result == nil {
			delete(t, key)
			applied = append(applied, ir.Op{Kind: ir.OpDelete, Table: op.Table, Data: ir.NewRecord(op.Data.ID, nil)})
			continue
		}
		t[key] = *result
		applied = append(applied, ir.Op{Kind: op.Kind, Table: op.Table, Data: result.Clone()})
	}
	s.tables = next
	return applied, nil
}

func (s *FakeServer) tableLocked(name string) map[string]ir.Record {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]ir.Record)
		s.tables[name] = t
	}
	return t
}

func (s *FakeServer) send(out Broadcaster, topic, event string, payload any) error {
	if out == nil {
		return nil
	}
	return out.Broadcast(topic, event, payload)
}

func decodeWriteBatch(payload json.RawMessage) ([]WriteOp, error) {
	var req struct {
		Ops [][4]json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode write: %w", err)
	}
	batch := make([]WriteOp, len(req.Ops))
	for i, tuple := range req.Ops {
		var w WriteOp
		if err := json.Unmarshal(tuple[0], &w.LogID); err != nil {
			return nil, fmt.Errorf("decode write op %d: log id: %w", i, err)
		}
		if err := json.Unmarshal(tuple[1], &w.Op.Kind); err != nil {
			return nil, fmt.Errorf("decode write op %d: kind: %w", i, err)
		}
		if !w.Op.Kind.Valid() {
			return nil, fmt.Errorf("decode write op %d: unknown op %q", i, w.Op.Kind)
		}
		if err := json.Unmarshal(tuple[2], &w.Op.Table); err != nil {
			return nil, fmt.Errorf("decode write op %d: table: %w", i, err)
		}
		if err := json.Unmarshal(tuple[3], &w.Op.Data); err != nil {
			return nil, fmt.Errorf("decode write op %d: data: %w", i, err)
		}
		batch[i] = w
	}
	return batch, nil
}

func commitPayload(lsn int64, ops []ir.Op) map[string]any {
	wire := make([]map[string]any, len(ops))
	for i, op := range ops {
		wire[i] = map[string]any{"op": op.Kind, "table": op.Table, "schema": "public", "data": op.Data}
	}
	return map[string]any{"lsn": lsn, "ops": wire}
}

func sortedRows(rows map[string]ir.Record) []ir.Record {
	out := make([]ir.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

func okReply(body any) transport.Reply {
	data, _ := json.Marshal(body)
	return transport.Reply{Status: transport.StatusOK, Response: data}
}

func errorReply(body any) transport.Reply {
	data, _ := json.Marshal(body)
	return transport.Reply{Status: transport.StatusError, Response: data}
}
