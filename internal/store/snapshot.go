package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/syncdb/internal/ir"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReadAll returns every stored row of table, tombstoned rows included,
// ordered by id.
func (s *Store) ReadAll(ctx context.Context, table string) ([]ir.Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	return readAllTx(ctx, s.db, table)
}

// Get returns the stored row with id. The boolean is false when no row
// exists; a tombstoned row is returned as stored.
func (s *Store) Get(ctx context.Context, table string, id ir.RecordID) (ir.Record, bool, error) {
	if err := s.checkTable(table); err != nil {
		return ir.Record{}, false, fmt.Errorf("get: %w", err)
	}
	return getTx(ctx, s.db, table, id)
}

// Put replaces the row with rec.ID and returns the committed record.
// Emits inserted or updated, or deleted when rec carries a tombstone.
func (s *Store) Put(ctx context.Context, table string, rec ir.Record) (ir.Record, error) {
	if err := s.checkTable(table); err != nil {
		return ir.Record{}, fmt.Errorf("put: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Record{}, fmt.Errorf("put %s: begin tx: %w", table, err)
	}
	defer tx.Rollback()

	change, err := putTx(ctx, tx, table, rec)
	if err != nil {
		return ir.Record{}, fmt.Errorf("put %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return ir.Record{}, fmt.Errorf("put %s: commit: %w", table, err)
	}

	s.notify([]ir.Change{change})
	return change.Record, nil
}

// Remove deletes the row with id. Removing an absent row is a no-op and
// emits nothing.
func (s *Store) Remove(ctx context.Context, table string, id ir.RecordID) error {
	if err := s.checkTable(table); err != nil {
		return fmt.Errorf("remove: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("remove %s: begin tx: %w", table, err)
	}
	defer tx.Rollback()

	change, removed, err := removeTx(ctx, tx, table, id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("remove %s: commit: %w", table, err)
	}

	if removed {
		s.notify([]ir.Change{change})
	}
	return nil
}

// ApplySnapshot upserts a snapshot response and advances the cursor in one
// transaction. Rows for tables this replica does not track are skipped.
// The cursor never moves backwards.
func (s *Store) ApplySnapshot(ctx context.Context, data []ir.TableRows, cursor ir.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply snapshot: begin tx: %w", err)
	}
	defer tx.Rollback()

	var changes []ir.Change
	for _, tr := range data {
		if !s.tables[tr.Table] {
			slog.Warn("skipping snapshot rows for unknown table", "table", tr.Table, "rows", len(tr.Rows))
			continue
		}
		for _, row := range tr.Rows {
			change, err := putTx(ctx, tx, tr.Table, row)
			if err != nil {
				return fmt.Errorf("apply snapshot: %s: %w", tr.Table, err)
			}
			changes = append(changes, change)
		}
	}

	if err := advanceCursorTx(ctx, tx, cursor); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply snapshot: commit: %w", err)
	}

	s.notify(changes)
	return nil
}

// ApplyCommit applies a server commit and sets the cursor lsn in one
// transaction. A commit at or below the stored lsn has already been
// applied and is skipped; applied reports which case occurred.
//
// insert and update replace the stored row, delete removes it.
func (s *Store) ApplyCommit(ctx context.Context, lsn int64, ops []ir.Op) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("apply commit: begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := cursorTx(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("apply commit: %w", err)
	}
	if lsn <= cur.LSN {
		return false, nil
	}

	var changes []ir.Change
	for i, op := range ops {
		if !s.tables[op.Table] {
			slog.Warn("skipping commit op for unknown table", "table", op.Table, "lsn", lsn)
			continue
		}
		switch op.Kind {
		case ir.OpInsert, ir.OpUpdate:
			change, err := putTx(ctx, tx, op.Table, op.Data)
			if err != nil {
				return false, fmt.Errorf("apply commit %d: op %d: %w", lsn, i, err)
			}
			changes = append(changes, change)
		case ir.OpDelete:
			change, removed, err := removeTx(ctx, tx, op.Table, op.Data.ID)
			if err != nil {
				return false, fmt.Errorf("apply commit %d: op %d: %w", lsn, i, err)
			}
			if removed {
				changes = append(changes, change)
			}
		default:
			return false, fmt.Errorf("apply commit %d: op %d: unknown op %q", lsn, i, op.Kind)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sync_cursor SET lsn = ? WHERE singleton = 1`, lsn); err != nil {
		return false, fmt.Errorf("apply commit %d: update cursor: %w", lsn, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("apply commit %d: commit: %w", lsn, err)
	}

	s.notify(changes)
	return true, nil
}

// TableView returns the snapshot rows and the log entries of table from a
// single read transaction.
func (s *Store) TableView(ctx context.Context, table string) ([]ir.Record, []ir.LogEntry, error) {
	if err := s.checkTable(table); err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("table view: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := readAllTx(ctx, tx, table)
	if err != nil {
		return nil, nil, err
	}
	entries, err := queryLog(ctx, tx, `WHERE tbl = ?`, table)
	if err != nil {
		return nil, nil, err
	}
	return rows, entries, nil
}

func readAllTx(ctx context.Context, q querier, table string) ([]ir.Record, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT record FROM %s ORDER BY id_key COLLATE BINARY
	`, snapshotTable(table)))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}

	slices.SortFunc(records, func(a, b ir.Record) int { return a.ID.Compare(b.ID) })
	return records, nil
}

func getTx(ctx context.Context, q querier, table string, id ir.RecordID) (ir.Record, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT record FROM %s WHERE id_key = ?
	`, snapshotTable(table)), id.Key()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Record{}, false, nil
	}
	if err != nil {
		return ir.Record{}, false, fmt.Errorf("get %s %s: %w", table, id, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return ir.Record{}, false, fmt.Errorf("get %s %s: %w", table, id, err)
	}
	return rec, true, nil
}

func putTx(ctx context.Context, q querier, table string, rec ir.Record) (ir.Change, error) {
	if rec.ID.IsZero() {
		return ir.Change{}, fmt.Errorf("record has no id")
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return ir.Change{}, err
	}

	var existed int
	if err := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE id_key = ?
	`, snapshotTable(table)), rec.ID.Key()).Scan(&existed); err != nil {
		return ir.Change{}, fmt.Errorf("lookup %s: %w", rec.ID, err)
	}

	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id_key, record, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(id_key) DO UPDATE SET record = excluded.record, deleted_at = excluded.deleted_at
	`, snapshotTable(table)), rec.ID.Key(), data, rec.DeletedAt)
	if err != nil {
		return ir.Change{}, fmt.Errorf("upsert %s: %w", rec.ID, err)
	}

	kind := ir.ChangeInserted
	switch {
	case rec.Tombstoned():
		kind = ir.ChangeDeleted
	case existed > 0:
		kind = ir.ChangeUpdated
	}
	return ir.Change{Table: table, Kind: kind, Record: rec}, nil
}

func removeTx(ctx context.Context, q querier, table string, id ir.RecordID) (ir.Change, bool, error) {
	prev, found, err := getTx(ctx, q, table, id)
	if err != nil {
		return ir.Change{}, false, err
	}
	if !found {
		return ir.Change{}, false, nil
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id_key = ?
	`, snapshotTable(table)), id.Key()); err != nil {
		return ir.Change{}, false, fmt.Errorf("delete %s: %w", id, err)
	}
	return ir.Change{Table: table, Kind: ir.ChangeDeleted, Record: prev}, true, nil
}

func encodeRecord(rec ir.Record) (string, error) {
	data, err := ir.MarshalCanonical(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}

func decodeRecord(data string) (ir.Record, error) {
	var rec ir.Record
	if err := rec.UnmarshalJSON([]byte(data)); err != nil {
		return ir.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}
