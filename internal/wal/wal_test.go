package wal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncdb/internal/compiler"
	"github.com/roach88/syncdb/internal/ident"
	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/merge"
	"github.com/roach88/syncdb/internal/store"
)

func newTestLog(t *testing.T, opts ...Option) (*Log, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 1, []string{"todos"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, opts...), s
}

func todosRegistry() *compiler.Registry {
	return compiler.NewRegistry(ir.TableSchema{
		Name: "todos",
		Fields: map[string]ir.FieldSpec{
			"id":    {Type: ir.TypeID},
			"title": {Type: ir.TypeString},
			"done":  {Type: ir.TypeBool, Optional: true},
		},
	})
}

func insert(fields ir.Object) ir.Op {
	return ir.Op{Kind: ir.OpInsert, Table: "todos", Data: ir.NewRecord(ir.RecordID{}, fields)}
}

func TestAppend_AssignsIDsAtEnqueue(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, WithGenerator(ident.NewFixedGenerator("id-1", "id-2")))

	ops := []ir.Op{insert(ir.Object{"title": ir.String("a")}), insert(ir.Object{"title": ir.String("b")})}
	entries, err := log.Append(ctx, ops)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, ir.StringID("id-1"), entries[0].Op.Data.ID)
	assert.Equal(t, ir.StringID("id-2"), entries[1].Op.Data.ID)
	assert.True(t, ops[0].Data.ID.IsZero(), "caller's ops are not mutated")

	drained, err := log.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, drained)
}

func TestAppend_KeepsCallerID(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, WithGenerator(ident.NewFixedGenerator()))

	op := ir.Op{Kind: ir.OpInsert, Table: "todos", Data: ir.NewRecord(ir.StringID("A"), ir.Object{"title": ir.String("x")})}
	entries, err := log.Append(ctx, []ir.Op{op})
	require.NoError(t, err)
	assert.Equal(t, ir.StringID("A"), entries[0].Op.Data.ID)
}

func TestAppend_ValidatesWithRegistry(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, WithRegistry(todosRegistry()))

	_, err := log.Append(ctx, []ir.Op{
		insert(ir.Object{"title": ir.String("fine")}),
		insert(ir.Object{"done": ir.Bool(true)}),
	})
	require.Error(t, err)

	var invalid *InvalidOpError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, 1, invalid.Index)
	require.Len(t, invalid.Errors, 1)
	assert.Equal(t, compiler.ErrMissingField, invalid.Errors[0].Code)

	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed batch appends nothing")
}

func TestAppend_StructuralChecksWithoutRegistry(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	_, err := log.Append(ctx, []ir.Op{{Kind: ir.OpUpdate, Table: "todos", Data: ir.NewRecord(ir.RecordID{}, nil)}})
	var invalid *InvalidOpError
	assert.True(t, errors.As(err, &invalid))

	_, err = log.Append(ctx, []ir.Op{insert(ir.Object{"title": ir.String("x")})})
	assert.NoError(t, err)
}

func TestReadYourWrites(t *testing.T) {
	ctx := context.Background()
	log, s := newTestLog(t)

	op := ir.Op{Kind: ir.OpInsert, Table: "todos", Data: ir.NewRecord(ir.StringID("A"), ir.Object{"title": ir.String("x")})}
	_, err := log.Append(ctx, []ir.Op{op})
	require.NoError(t, err)

	view, err := merge.Materialize(ctx, s, "todos")
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, ir.StringID("A"), view[0].ID)
}

func TestAck_DrainsEntries(t *testing.T) {
	ctx := context.Background()
	log, s := newTestLog(t)

	entries, err := log.Append(ctx, []ir.Op{insert(ir.Object{"title": ir.String("buy milk")})})
	require.NoError(t, err)

	require.NoError(t, log.Ack(ctx, []int64{entries[0].LogID}))

	drained, err := log.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, drained)

	rows, err := s.ReadAll(ctx, "todos")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entries[0].Op.Data.ID, rows[0].ID)
}

func TestParkDiscardResubmit(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t, WithRegistry(todosRegistry()))

	entries, err := log.Append(ctx, []ir.Op{
		insert(ir.Object{"title": ir.String("")}),
		insert(ir.Object{"title": ir.String("ok")}),
	})
	require.NoError(t, err)

	require.NoError(t, log.Park(ctx, entries[0].LogID, ir.FieldErrors{"title": {"can't be blank"}}))

	drained, err := log.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, entries[1].LogID, drained[0].LogID, "later ops proceed independently")

	parked, err := log.Parked(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)

	bad := ir.NewRecord(ir.RecordID{}, ir.Object{"title": ir.Int(1)})
	_, err = log.Resubmit(ctx, entries[0].LogID, &bad)
	var invalid *InvalidOpError
	require.True(t, errors.As(err, &invalid), "amended data is validated")

	fixed := ir.NewRecord(ir.RecordID{}, ir.Object{"title": ir.String("fixed")})
	fresh, err := log.Resubmit(ctx, entries[0].LogID, &fixed)
	require.NoError(t, err)
	assert.Equal(t, entries[0].Op.Data.ID, fresh.Op.Data.ID)

	require.NoError(t, log.Discard(ctx, fresh.LogID))
	assert.ErrorIs(t, log.Discard(ctx, fresh.LogID), store.ErrLogEntryNotFound)

	all, err := log.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
