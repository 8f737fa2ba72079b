package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncdb/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, 1, []string{"todos"})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	require.NoError(t, err, "database file was not created")
	assert.Equal(t, []string{"todos"}, s.Tables())
	assert.True(t, s.HasTable("todos"))
	assert.False(t, s.HasTable("notes"))
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path, 1, []string{"todos"})
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_HigherVersionCreatesMissingTables(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path, 1, []string{"todos"})
	require.NoError(t, err)
	_, err = s1.Put(ctx, "todos", todo("A", "keep me"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, 2, []string{"todos", "notes"})
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, []string{"notes", "todos"}, s2.Tables())
	rows, err := s2.ReadAll(ctx, "todos")
	require.NoError(t, err)
	require.Len(t, rows, 1, "existing rows survive an upgrade")
	assert.Equal(t, ir.String("keep me"), rows[0].Fields["title"])

	notes, err := s2.ReadAll(ctx, "notes")
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestOpen_SameVersionUnknownTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, 1, []string{"todos"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, 1, []string{"todos", "notes"})
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestOpen_VersionDowngrade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, 3, []string{"todos"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, 2, []string{"todos"})
	assert.ErrorIs(t, err, ErrVersionDowngrade)
}

func TestOpen_RejectsInvalidInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	_, err := Open(path, 0, []string{"todos"})
	assert.Error(t, err)

	_, err = Open(path, 1, []string{"todos; DROP TABLE txlog"})
	assert.Error(t, err)
}

func TestPut_IdempotentInsert(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := createTestStore(t, WithNotifier(rec))

	_, err := s.Put(ctx, "todos", todo("A", "x"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "todos", todo("A", "x"))
	require.NoError(t, err)

	rows, err := s.ReadAll(ctx, "todos")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, []string{"todos:inserted", "todos:updated"}, rec.events())
}

func TestPut_ReplacesRecord(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.Put(ctx, "todos", ir.NewRecord(ir.StringID("A"), ir.Object{"title": ir.String("x"), "done": ir.Bool(true)}))
	require.NoError(t, err)
	_, err = s.Put(ctx, "todos", todo("A", "y"))
	require.NoError(t, err)

	got, found, err := s.Get(ctx, "todos", ir.StringID("A"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, todo("A", "y"), got)
}

func TestPut_RequiresID(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Put(context.Background(), "todos", ir.NewRecord(ir.RecordID{}, ir.Object{"title": ir.String("x")}))
	assert.Error(t, err)
}

func TestPut_UnknownTable(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Put(context.Background(), "notes", todo("A", "x"))
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestPut_KeepsStringAndIntIDsApart(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.Put(ctx, "todos", ir.NewRecord(ir.StringID("1"), ir.Object{"title": ir.String("string")}))
	require.NoError(t, err)
	_, err = s.Put(ctx, "todos", ir.NewRecord(ir.IntID(1), ir.Object{"title": ir.String("int")}))
	require.NoError(t, err)

	rows, err := s.ReadAll(ctx, "todos")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ir.IntID(1), rows[0].ID)
	assert.Equal(t, ir.StringID("1"), rows[1].ID)
}

func TestTombstone_RetainedInStorage(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := createTestStore(t, WithNotifier(rec))

	deletedAt := "2024-05-01T10:00:00Z"
	tomb := todo("A", "x")
	tomb.DeletedAt = &deletedAt

	_, err := s.Put(ctx, "todos", tomb)
	require.NoError(t, err)

	rows, err := s.ReadAll(ctx, "todos")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Tombstoned())
	assert.Equal(t, []string{"todos:deleted"}, rec.events())

	var stored string
	err = s.db.QueryRow(`SELECT deleted_at FROM snap_todos WHERE id_key = ?`, `"A"`).Scan(&stored)
	require.NoError(t, err)
	assert.Equal(t, deletedAt, stored)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s := createTestStore(t, WithNotifier(rec))

	_, err := s.Put(ctx, "todos", todo("A", "x"))
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "todos", ir.StringID("A")))
	require.NoError(t, s.Remove(ctx, "todos", ir.StringID("A")))

	_, found, err := s.Get(ctx, "todos", ir.StringID("A"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"todos:inserted", "todos:deleted"}, rec.events())
	assert.Equal(t, ir.String("x"), rec.changes[1].Record.Fields["title"], "delete carries the removed record")
}

func TestApplySnapshot(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.Put(ctx, "todos", todo("A", "stale"))
	require.NoError(t, err)

	err = s.ApplySnapshot(ctx, []ir.TableRows{
		{Table: "todos", Rows: []ir.Record{todo("A", "fresh"), todo("B", "new")}},
		{Table: "unknown", Rows: []ir.Record{todo("Z", "ignored")}},
	}, ir.Cursor{LSN: 6, Snapmin: 4})
	require.NoError(t, err)

	rows, err := s.ReadAll(ctx, "todos")
	require.NoError(t, err)
	assert.Equal(t, []ir.Record{todo("A", "fresh"), todo("B", "new")}, rows)

	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.Cursor{LSN: 6, Snapmin: 4}, cur)

	// An older snapshot never moves the cursor backwards.
	require.NoError(t, s.ApplySnapshot(ctx, nil, ir.Cursor{LSN: 2, Snapmin: 1}))
	cur, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.Cursor{LSN: 6, Snapmin: 4}, cur)
}

func TestApplyCommit(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	applied, err := s.ApplyCommit(ctx, 5, []ir.Op{
		{Kind: ir.OpInsert, Table: "todos", Data: todo("A", "a")},
		{Kind: ir.OpInsert, Table: "todos", Data: todo("B", "b")},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyCommit(ctx, 6, []ir.Op{
		{Kind: ir.OpUpdate, Table: "todos", Data: todo("A", "a2")},
		{Kind: ir.OpDelete, Table: "todos", Data: ir.NewRecord(ir.StringID("B"), nil)},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	rows, err := s.ReadAll(ctx, "todos")
	require.NoError(t, err)
	assert.Equal(t, []ir.Record{todo("A", "a2")}, rows)

	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), cur.LSN)
}

func TestApplyCommit_SkipsStale(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.ApplySnapshot(ctx, []ir.TableRows{
		{Table: "todos", Rows: []ir.Record{todo("A", "at lsn 6")}},
	}, ir.Cursor{LSN: 6}))

	for _, lsn := range []int64{5, 6} {
		applied, err := s.ApplyCommit(ctx, lsn, []ir.Op{
			{Kind: ir.OpUpdate, Table: "todos", Data: todo("A", "stale")},
		})
		require.NoError(t, err)
		assert.False(t, applied, "lsn %d", lsn)
	}

	got, _, err := s.Get(ctx, "todos", ir.StringID("A"))
	require.NoError(t, err)
	assert.Equal(t, ir.String("at lsn 6"), got.Fields["title"])
}

func TestApplyCommit_AtomicOnFailure(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.ApplyCommit(ctx, 3, []ir.Op{
		{Kind: ir.OpInsert, Table: "todos", Data: todo("A", "a")},
		{Kind: ir.OpInsert, Table: "todos", Data: ir.NewRecord(ir.RecordID{}, nil)},
	})
	require.Error(t, err)

	rows, err := s.ReadAll(ctx, "todos")
	require.NoError(t, err)
	assert.Empty(t, rows)

	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur.LSN)
}

func TestSaveCursor_NonDecreasing(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.SaveCursor(ctx, ir.Cursor{LSN: 10, Snapmin: 3}))
	require.NoError(t, s.SaveCursor(ctx, ir.Cursor{LSN: 4, Snapmin: 5}))

	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.Cursor{LSN: 10, Snapmin: 5}, cur)
}
