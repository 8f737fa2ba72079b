package store

import (
	"context"
	"fmt"

	"github.com/roach88/syncdb/internal/ir"
)

// Cursor returns the stored sync cursor.
func (s *Store) Cursor(ctx context.Context) (ir.Cursor, error) {
	return cursorTx(ctx, s.db)
}

// SaveCursor advances the stored cursor. Each component only moves
// forward; a lower value leaves the stored one in place.
func (s *Store) SaveCursor(ctx context.Context, c ir.Cursor) error {
	return advanceCursorTx(ctx, s.db, c)
}

func cursorTx(ctx context.Context, q querier) (ir.Cursor, error) {
	var c ir.Cursor
	if err := q.QueryRowContext(ctx, `
		SELECT lsn, snapmin FROM sync_cursor WHERE singleton = 1
	`).Scan(&c.LSN, &c.Snapmin); err != nil {
		return ir.Cursor{}, fmt.Errorf("read cursor: %w", err)
	}
	return c, nil
}

func advanceCursorTx(ctx context.Context, q querier, c ir.Cursor) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sync_cursor SET lsn = MAX(lsn, ?), snapmin = MAX(snapmin, ?)
		WHERE singleton = 1
	`, c.LSN, c.Snapmin)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
