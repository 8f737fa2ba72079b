package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/transport"
	"github.com/roach88/syncdb/internal/transport/memtransport"
)

func todo(id, title string) ir.Record {
	return ir.NewRecord(ir.StringID(id), ir.Object{"title": ir.String(title)})
}

func connect(t *testing.T, srv *FakeServer) (transport.Conn, *memtransport.Network) {
	t.Helper()
	n := memtransport.New(srv)
	srv.Attach(n)
	conn, err := n.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, n
}

func TestFakeServer_SyncReturnsSnapshot(t *testing.T) {
	srv := NewFakeServer("sync:todos", "todos")
	srv.Seed("todos", todo("B", "b"), todo("A", "a"))
	srv.SetLSN(4)
	conn, _ := connect(t, srv)
	ctx := context.Background()

	reply, err := conn.Join(ctx, "sync:todos", nil)
	require.NoError(t, err)
	require.True(t, reply.OK())

	reply, err = conn.Push(ctx, "sync:todos", "sync", map[string]int64{"snapmin": 0})
	require.NoError(t, err)
	require.True(t, reply.OK())
	assert.JSONEq(t, `{
		"data": [["todos", [{"id": "A", "title": "a"}, {"id": "B", "title": "b"}]]],
		"lsn": 4,
		"snapmin": 4
	}`, string(reply.Response))
	assert.Equal(t, []int64{0}, srv.SyncRequests())
}

func TestFakeServer_WriteAppliesAndBroadcasts(t *testing.T) {
	srv := NewFakeServer("sync:todos", "todos")
	conn, _ := connect(t, srv)
	ctx := context.Background()

	reply, err := conn.Push(ctx, "sync:todos", "write", json.RawMessage(
		`{"ops": [[1, "insert", "todos", {"id": "A", "title": "a"}], [2, "update", "todos", {"id": "A", "done": true}]]}`))
	require.NoError(t, err)
	require.True(t, reply.OK())

	assert.Equal(t, int64(1), srv.LSN())
	assert.Equal(t, []int64{1, 2}, srv.WrittenLogIDs())
	require.Len(t, srv.Rows("todos"), 1)
	assert.Equal(t, ir.Object{"title": ir.String("a"), "done": ir.Bool(true)}, srv.Rows("todos")[0].Fields)

	msg := <-conn.Messages()
	assert.Equal(t, "sync:todos:commits", msg.Topic)
	assert.Equal(t, "commit", msg.Event)
	assert.JSONEq(t, `{"lsn": 1, "ops": [
		{"op": "insert", "table": "todos", "schema": "public", "data": {"id": "A", "title": "a"}},
		{"op": "update", "table": "todos", "schema": "public", "data": {"id": "A", "title": "a", "done": true}}
	]}`, string(msg.Payload))
}

func TestFakeServer_RejectedBatchIsNotApplied(t *testing.T) {
	srv := NewFakeServer("sync:todos", "todos")
	srv.RejectWrites(func(op ir.Op) ir.FieldErrors {
		if op.Data.Fields["title"] == ir.String("") {
			return ir.FieldErrors{"title": {"can't be blank"}}
		}
		return nil
	})
	conn, _ := connect(t, srv)

	reply, err := conn.Push(context.Background(), "sync:todos", "write", json.RawMessage(
		`{"ops": [[1, "insert", "todos", {"id": "A", "title": "a"}], [2, "insert", "todos", {"id": "B", "title": ""}]]}`))
	require.NoError(t, err)
	assert.False(t, reply.OK())
	assert.JSONEq(t, `{"error": {
		"op": [2, "insert", "todos", {"id": "B", "title": ""}],
		"errors": {"title": ["can't be blank"]}
	}}`, string(reply.Response))
	assert.Empty(t, srv.Rows("todos"))
	assert.Equal(t, int64(0), srv.LSN())
}

func TestFakeServer_HangWrites(t *testing.T) {
	srv := NewFakeServer("sync:todos", "todos")
	srv.HangWrites(1)
	n := memtransport.New(srv)
	conn, err := n.Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = conn.Push(ctx, "sync:todos", "write", json.RawMessage(`{"ops": [[1, "insert", "todos", {"id": "A"}]]}`))
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Empty(t, srv.Rows("todos"))

	reply, err := conn.Push(context.Background(), "sync:todos", "write", json.RawMessage(`{"ops": [[1, "insert", "todos", {"id": "A"}]]}`))
	require.NoError(t, err)
	assert.True(t, reply.OK())
	assert.Len(t, srv.Rows("todos"), 1)
}

func TestFakeServer_JoinRejected(t *testing.T) {
	srv := NewFakeServer("sync:todos", "todos")
	srv.RejectJoin("unauthorized")
	conn, _ := connect(t, srv)

	reply, err := conn.Join(context.Background(), "sync:todos", nil)
	require.NoError(t, err)
	assert.False(t, reply.OK())
	assert.JSONEq(t, `{"reason": "unauthorized"}`, string(reply.Response))

	reply, err = conn.Join(context.Background(), "sync:other", nil)
	require.NoError(t, err)
	assert.False(t, reply.OK())
	assert.Equal(t, 2, srv.Joins())
}

func TestFakeServer_CommitDeletes(t *testing.T) {
	srv := NewFakeServer("sync:todos", "todos")
	srv.Seed("todos", todo("A", "a"))
	conn, _ := connect(t, srv)

	lsn, err := srv.Commit(ir.Op{Kind: ir.OpDelete, Table: "todos", Data: ir.NewRecord(ir.StringID("A"), nil)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), lsn)
	assert.Empty(t, srv.Rows("todos"))

	msg := <-conn.Messages()
	assert.JSONEq(t, `{"lsn": 1, "ops": [{"op": "delete", "table": "todos", "schema": "public", "data": {"id": "A"}}]}`, string(msg.Payload))
}
