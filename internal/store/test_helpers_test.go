package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/syncdb/internal/ir"
)

// createTestStore opens a fresh store with a single "todos" table.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, 1, []string{"todos"}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// todo builds a todos record with a string id.
func todo(id, title string) ir.Record {
	return ir.NewRecord(ir.StringID(id), ir.Object{"title": ir.String(title)})
}

// recorder collects change notifications.
type recorder struct {
	changes []ir.Change
}

func (r *recorder) Notify(c ir.Change) {
	r.changes = append(r.changes, c)
}

func (r *recorder) events() []string {
	out := make([]string, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Event()
	}
	return out
}
