package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/merge"
)

var _ merge.Source = (*Store)(nil)

func TestMaterialize_OverStore(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	deletedAt := "2024-05-01T10:00:00Z"
	tomb := todo("Z", "deleted")
	tomb.DeletedAt = &deletedAt

	require.NoError(t, s.ApplySnapshot(ctx, []ir.TableRows{{
		Table: "todos",
		Rows:  []ir.Record{ir.NewRecord(ir.IntID(1), ir.Object{"title": ir.String("old")}), tomb},
	}}, ir.Cursor{LSN: 1}))

	_, err := s.AppendLog(ctx, []ir.Op{
		{Kind: ir.OpUpdate, Table: "todos", Data: ir.NewRecord(ir.IntID(1), ir.Object{"title": ir.String("new")})},
		insertOp("A", "x"),
	})
	require.NoError(t, err)

	view, err := merge.Materialize(ctx, s, "todos")
	require.NoError(t, err)
	require.Len(t, view, 2)
	assert.Equal(t, ir.IntID(1), view[0].ID)
	assert.Equal(t, ir.String("new"), view[0].Fields["title"])
	assert.Equal(t, ir.StringID("A"), view[1].ID)

	raw, err := s.ReadAll(ctx, "todos")
	require.NoError(t, err)
	assert.Len(t, raw, 2, "tombstone stays in raw storage")
}
