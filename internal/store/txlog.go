package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/merge"
)

// ErrLogEntryNotFound is returned when a log id does not exist.
var ErrLogEntryNotFound = errors.New("log entry not found")

// AppendLog durably appends ops to the transaction log in one transaction
// and returns them with their assigned log ids. Every op must carry an id.
func (s *Store) AppendLog(ctx context.Context, ops []ir.Op) ([]ir.LogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append log: begin tx: %w", err)
	}
	defer tx.Rollback()

	entries := make([]ir.LogEntry, 0, len(ops))
	for i, op := range ops {
		if err := s.checkTable(op.Table); err != nil {
			return nil, fmt.Errorf("append log: op %d: %w", i, err)
		}
		entry, err := insertLogTx(ctx, tx, op)
		if err != nil {
			return nil, fmt.Errorf("append log: op %d: %w", i, err)
		}
		entries = append(entries, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append log: commit: %w", err)
	}
	return entries, nil
}

// LogEntries returns every log entry, parked ones included, in log id order.
func (s *Store) LogEntries(ctx context.Context) ([]ir.LogEntry, error) {
	return queryLog(ctx, s.db, "")
}

// PendingLog returns the entries eligible for replay, in log id order.
func (s *Store) PendingLog(ctx context.Context) ([]ir.LogEntry, error) {
	return queryLog(ctx, s.db, `WHERE parked = 0`)
}

// ParkedLog returns the entries the server rejected, in log id order.
func (s *Store) ParkedLog(ctx context.Context) ([]ir.LogEntry, error) {
	return queryLog(ctx, s.db, `WHERE parked = 1`)
}

// LogEntry returns a single entry.
func (s *Store) LogEntry(ctx context.Context, logID int64) (ir.LogEntry, error) {
	entries, err := queryLog(ctx, s.db, `WHERE log_id = ?`, logID)
	if err != nil {
		return ir.LogEntry{}, err
	}
	if len(entries) == 0 {
		return ir.LogEntry{}, fmt.Errorf("%w: %d", ErrLogEntryNotFound, logID)
	}
	return entries[0], nil
}

// RowKey names one row of one table.
type RowKey struct {
	Table string
	ID    ir.RecordID
}

// AckLog removes acknowledged entries and folds their ops into the
// snapshot tables in the same transaction, in log id order. Ops on rows
// listed in superseded are dropped without folding, since a server commit
// already replaced those rows. Unknown ids are ignored so a repeated ack
// is harmless. Returns the number of entries removed.
func (s *Store) AckLog(ctx context.Context, logIDs []int64, superseded ...RowKey) (int, error) {
	skip := make(map[RowKey]bool, len(superseded))
	for _, k := range superseded {
		skip[k] = true
	}
	ids := slices.Clone(logIDs)
	slices.Sort(ids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ack log: begin tx: %w", err)
	}
	defer tx.Rollback()

	var changes []ir.Change
	acked := 0
	for _, id := range slices.Compact(ids) {
		entries, err := queryLog(ctx, tx, `WHERE log_id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("ack log: %w", err)
		}
		if len(entries) == 0 {
			continue
		}
		op := entries[0].Op
		if !skip[RowKey{Table: op.Table, ID: op.Data.ID}] {
			change, ok, err := foldTx(ctx, tx, op)
			if err != nil {
				return 0, fmt.Errorf("ack log %d: %w", id, err)
			}
			if ok {
				changes = append(changes, change)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM txlog WHERE log_id = ?`, id); err != nil {
			return 0, fmt.Errorf("ack log %d: delete: %w", id, err)
		}
		acked++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ack log: commit: %w", err)
	}

	s.notify(changes)
	return acked, nil
}

// foldTx applies an acknowledged op onto the stored row.
func foldTx(ctx context.Context, tx *sql.Tx, op ir.Op) (ir.Change, bool, error) {
	var base *ir.Record
	cur, found, err := getTx(ctx, tx, op.Table, op.Data.ID)
	if err != nil {
		return ir.Change{}, false, err
	}
	if found {
		base = &cur
	}

	next, err := merge.Apply(base, op)
	if err != nil {
		return ir.Change{}, false, err
	}
	if next == nil {
		return removeTx(ctx, tx, op.Table, op.Data.ID)
	}
	change, err := putTx(ctx, tx, op.Table, *next)
	if err != nil {
		return ir.Change{}, false, err
	}
	return change, true, nil
}

// ParkLog marks an entry as rejected and records the field errors. Parked
// entries stay in the log but are neither replayed nor merged into reads.
func (s *Store) ParkLog(ctx context.Context, logID int64, fieldErrors ir.FieldErrors) error {
	errorsJSON, err := json.Marshal(fieldErrors)
	if err != nil {
		return fmt.Errorf("park log %d: marshal errors: %w", logID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE txlog SET parked = 1, errors = ? WHERE log_id = ?
	`, string(errorsJSON), logID)
	if err != nil {
		return fmt.Errorf("park log %d: %w", logID, err)
	}
	return requireAffected(res, logID)
}

// DiscardLog deletes an entry without applying it.
func (s *Store) DiscardLog(ctx context.Context, logID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM txlog WHERE log_id = ?`, logID)
	if err != nil {
		return fmt.Errorf("discard log %d: %w", logID, err)
	}
	return requireAffected(res, logID)
}

// ResubmitLog replaces an entry with a fresh, unparked copy at the tail of
// the log. When data is non-nil it replaces the op's data; its id must be
// empty or equal to the original.
func (s *Store) ResubmitLog(ctx context.Context, logID int64, data *ir.Record) (ir.LogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.LogEntry{}, fmt.Errorf("resubmit log %d: begin tx: %w", logID, err)
	}
	defer tx.Rollback()

	entries, err := queryLog(ctx, tx, `WHERE log_id = ?`, logID)
	if err != nil {
		return ir.LogEntry{}, fmt.Errorf("resubmit log %d: %w", logID, err)
	}
	if len(entries) == 0 {
		return ir.LogEntry{}, fmt.Errorf("resubmit log: %w: %d", ErrLogEntryNotFound, logID)
	}

	op := entries[0].Op
	if data != nil {
		amended := data.Clone()
		switch {
		case amended.ID.IsZero():
			amended.ID = op.Data.ID
		case amended.ID != op.Data.ID:
			return ir.LogEntry{}, fmt.Errorf("resubmit log %d: id %s does not match %s", logID, amended.ID, op.Data.ID)
		}
		op.Data = amended
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM txlog WHERE log_id = ?`, logID); err != nil {
		return ir.LogEntry{}, fmt.Errorf("resubmit log %d: delete: %w", logID, err)
	}
	entry, err := insertLogTx(ctx, tx, op)
	if err != nil {
		return ir.LogEntry{}, fmt.Errorf("resubmit log %d: %w", logID, err)
	}

	if err := tx.Commit(); err != nil {
		return ir.LogEntry{}, fmt.Errorf("resubmit log %d: commit: %w", logID, err)
	}
	return entry, nil
}

func insertLogTx(ctx context.Context, q querier, op ir.Op) (ir.LogEntry, error) {
	if !op.Kind.Valid() {
		return ir.LogEntry{}, fmt.Errorf("unknown op %q", op.Kind)
	}
	if op.Data.ID.IsZero() {
		return ir.LogEntry{}, fmt.Errorf("%s on %s has no id", op.Kind, op.Table)
	}
	data, err := encodeRecord(op.Data)
	if err != nil {
		return ir.LogEntry{}, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO txlog (op, tbl, record_id, data) VALUES (?, ?, ?, ?)
	`, string(op.Kind), op.Table, op.Data.ID.Key(), data)
	if err != nil {
		return ir.LogEntry{}, fmt.Errorf("insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ir.LogEntry{}, fmt.Errorf("insert: last id: %w", err)
	}
	return ir.LogEntry{LogID: id, Op: op}, nil
}

func queryLog(ctx context.Context, q querier, where string, args ...any) ([]ir.LogEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT log_id, op, tbl, data, parked, errors FROM txlog
	`+where+`
		ORDER BY log_id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query txlog: %w", err)
	}
	defer rows.Close()

	entries := []ir.LogEntry{}
	for rows.Next() {
		var (
			entry      ir.LogEntry
			kind, data string
			errorsJSON sql.NullString
		)
		if err := rows.Scan(&entry.LogID, &kind, &entry.Op.Table, &data, &entry.Parked, &errorsJSON); err != nil {
			return nil, fmt.Errorf("scan txlog: %w", err)
		}
		entry.Op.Kind = ir.OpKind(kind)
		if entry.Op.Data, err = decodeRecord(data); err != nil {
			return nil, fmt.Errorf("scan txlog %d: %w", entry.LogID, err)
		}
		if errorsJSON.Valid && errorsJSON.String != "" {
			if err := json.Unmarshal([]byte(errorsJSON.String), &entry.Errors); err != nil {
				return nil, fmt.Errorf("scan txlog %d: errors: %w", entry.LogID, err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate txlog: %w", err)
	}
	return entries, nil
}

func requireAffected(res sql.Result, logID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("log %d: rows affected: %w", logID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrLogEntryNotFound, logID)
	}
	return nil
}
