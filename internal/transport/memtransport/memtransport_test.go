package memtransport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncdb/internal/transport"
)

type echoHandler struct {
	left []string
}

func (h *echoHandler) Join(topic string, _ json.RawMessage) (transport.Reply, bool) {
	switch topic {
	case "forbidden":
		return transport.Reply{Status: transport.StatusError, Response: json.RawMessage(`{"reason":"unauthorized"}`)}, true
	case "silent":
		return transport.Reply{}, false
	}
	return transport.Reply{Status: transport.StatusOK, Response: json.RawMessage(`{}`)}, true
}

func (h *echoHandler) Leave(topic string) {
	h.left = append(h.left, topic)
}

func (h *echoHandler) Push(_, event string, payload json.RawMessage) (transport.Reply, bool) {
	if event == "hang" {
		return transport.Reply{}, false
	}
	return transport.Reply{Status: transport.StatusOK, Response: payload}, true
}

func TestJoinPushLeave(t *testing.T) {
	ctx := context.Background()
	h := &echoHandler{}
	n := New(h)

	c, err := n.Connect(ctx)
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Join(ctx, "sync:todos", nil)
	require.NoError(t, err)
	assert.True(t, reply.OK())

	reply, err = c.Join(ctx, "forbidden", nil)
	require.NoError(t, err)
	assert.False(t, reply.OK())

	reply, err = c.Push(ctx, "sync:todos", "echo", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(reply.Response))

	require.NoError(t, c.Leave(ctx, "sync:todos"))
	assert.Equal(t, []string{"sync:todos"}, h.left)
}

func TestPushWithoutReplyTimesOut(t *testing.T) {
	n := New(&echoHandler{})
	c, err := n.Connect(context.Background())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Push(ctx, "sync:todos", "hang", nil)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestBroadcastAndDrop(t *testing.T) {
	ctx := context.Background()
	n := New(&echoHandler{})

	c, err := n.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n.Conns())

	require.NoError(t, n.Broadcast("sync:todos", "commit", map[string]int{"lsn": 3}))
	msg := <-c.Messages()
	assert.Equal(t, "commit", msg.Event)
	assert.JSONEq(t, `{"lsn":3}`, string(msg.Payload))

	n.Drop()
	<-c.Done()
	assert.ErrorIs(t, c.Err(), transport.ErrClosed)
	assert.Equal(t, 0, n.Conns())

	_, ok := <-c.Messages()
	assert.False(t, ok, "messages closes with the connection")

	_, err = c.Push(ctx, "sync:todos", "echo", nil)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestOffline(t *testing.T) {
	ctx := context.Background()
	n := New(&echoHandler{})

	n.SetOffline(true)
	_, err := n.Connect(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)

	n.SetOffline(false)
	c, err := n.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.Equal(t, 2, n.Dials())
}
