// Package wal is the transaction log: the ordered, durable queue of local
// mutations the server has not yet acknowledged.
//
// Entries are replayed and transmitted in log id order. Append returns only
// after the entries are committed to storage, and Ack is only called once
// the server has confirmed those exact ops.
package wal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/syncdb/internal/compiler"
	"github.com/roach88/syncdb/internal/ident"
	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/store"
)

// InvalidOpError reports a local write that failed schema validation.
// Nothing from the batch was appended.
type InvalidOpError struct {
	Index  int
	Op     ir.Op
	Errors []compiler.ValidationError
}

func (e *InvalidOpError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("invalid op %d (%s %s): %s", e.Index, e.Op.Kind, e.Op.Table, strings.Join(msgs, "; "))
}

// Log is the transaction log of one replica.
type Log struct {
	store    *store.Store
	ids      ident.Generator
	registry *compiler.Registry
}

// Option configures a Log.
type Option func(*Log)

// WithGenerator sets the id generator for inserts without an id.
func WithGenerator(g ident.Generator) Option {
	return func(l *Log) { l.ids = g }
}

// WithRegistry enables schema validation of appended ops.
func WithRegistry(r *compiler.Registry) Option {
	return func(l *Log) { l.registry = r }
}

// New returns a Log backed by s. Without options ids are random UUIDs and
// ops are only checked structurally.
func New(s *store.Store, opts ...Option) *Log {
	l := &Log{store: s, ids: ident.RandomGenerator{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates ops, assigns ids to inserts that lack one, and commits
// them as one batch. The returned entries carry the final data and the
// storage-assigned log ids.
func (l *Log) Append(ctx context.Context, ops []ir.Op) ([]ir.LogEntry, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	prepared := make([]ir.Op, len(ops))
	for i, op := range ops {
		op.Data = op.Data.Clone()
		if op.Kind == ir.OpInsert && op.Data.ID.IsZero() {
			op.Data.ID = ir.StringID(l.ids.Next())
		}
		if err := l.validate(i, op); err != nil {
			return nil, err
		}
		prepared[i] = op
	}

	entries, err := l.store.AppendLog(ctx, prepared)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		slog.Debug("wal append", "log_id", e.LogID, "op", e.Op.Kind, "table", e.Op.Table, "id", e.Op.Data.ID.String())
	}
	return entries, nil
}

func (l *Log) validate(i int, op ir.Op) error {
	if l.registry == nil {
		if !op.Kind.Valid() {
			return &InvalidOpError{Index: i, Op: op, Errors: []compiler.ValidationError{{
				Field: "op", Message: fmt.Sprintf("unknown op %q", op.Kind), Code: compiler.ErrUnknownOp,
			}}}
		}
		if op.Data.ID.IsZero() {
			return &InvalidOpError{Index: i, Op: op, Errors: []compiler.ValidationError{{
				Field: ir.FieldID, Message: "id is required", Code: compiler.ErrMissingID,
			}}}
		}
		return nil
	}
	if errs := l.registry.ValidateOp(op); len(errs) > 0 {
		return &InvalidOpError{Index: i, Op: op, Errors: errs}
	}
	return nil
}

// Drain returns the entries eligible for replay in log id order. Parked
// entries are excluded until resubmitted.
func (l *Log) Drain(ctx context.Context) ([]ir.LogEntry, error) {
	return l.store.PendingLog(ctx)
}

// Entries returns every entry, parked ones included.
func (l *Log) Entries(ctx context.Context) ([]ir.LogEntry, error) {
	return l.store.LogEntries(ctx)
}

// Parked returns the entries the server rejected.
func (l *Log) Parked(ctx context.Context) ([]ir.LogEntry, error) {
	return l.store.ParkedLog(ctx)
}

// Ack removes acknowledged entries, folding them into the snapshot.
func (l *Log) Ack(ctx context.Context, logIDs []int64, superseded ...store.RowKey) error {
	n, err := l.store.AckLog(ctx, logIDs, superseded...)
	if err != nil {
		return err
	}
	slog.Debug("wal ack", "requested", len(logIDs), "removed", n)
	return nil
}

// Park retains a rejected entry with its field errors and takes it out of
// replay and the read overlay.
func (l *Log) Park(ctx context.Context, logID int64, fieldErrors ir.FieldErrors) error {
	if err := l.store.ParkLog(ctx, logID, fieldErrors); err != nil {
		return err
	}
	slog.Info("wal entry parked", "log_id", logID, "fields", len(fieldErrors))
	return nil
}

// Discard drops an entry without applying it.
func (l *Log) Discard(ctx context.Context, logID int64) error {
	if err := l.store.DiscardLog(ctx, logID); err != nil {
		return err
	}
	slog.Info("wal entry discarded", "log_id", logID)
	return nil
}

// Resubmit moves an entry to the tail of the log, optionally with amended
// data, and makes it eligible for replay again.
func (l *Log) Resubmit(ctx context.Context, logID int64, data *ir.Record) (ir.LogEntry, error) {
	if data != nil && l.registry != nil {
		cur, err := l.store.LogEntry(ctx, logID)
		if err != nil {
			return ir.LogEntry{}, err
		}
		amended := cur.Op
		amended.Data = data.Clone()
		if amended.Data.ID.IsZero() {
			amended.Data.ID = cur.Op.Data.ID
		}
		if err := l.validate(0, amended); err != nil {
			return ir.LogEntry{}, err
		}
	}

	entry, err := l.store.ResubmitLog(ctx, logID, data)
	if err != nil {
		return ir.LogEntry{}, err
	}
	slog.Info("wal entry resubmitted", "old_log_id", logID, "log_id", entry.LogID)
	return entry, nil
}
