// Package transport defines the duplex channel the sync client talks over.
//
// A Conn multiplexes topics over one link. Requests (join, leave, push)
// get a single correlated Reply; everything the server sends unprompted
// arrives on Messages. Implementations live in subpackages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrTimeout is returned when a request got no reply in time. The
	// request may or may not have reached the server.
	ErrTimeout = errors.New("transport: timeout")

	// ErrClosed is returned once the connection is gone.
	ErrClosed = errors.New("transport: connection closed")
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reply is the server's answer to a request.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// OK reports whether the server accepted the request.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// Message is an unsolicited server message.
type Message struct {
	Topic   string
	Event   string
	Payload json.RawMessage
}

// Transport opens connections.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one open connection.
//
// Join, Leave, and Push block until the reply arrives, ctx ends
// (ErrTimeout for a deadline, ctx.Err() otherwise), or the connection
// closes (ErrClosed). They are safe for concurrent use.
type Conn interface {
	Join(ctx context.Context, topic string, payload any) (Reply, error)
	Leave(ctx context.Context, topic string) error
	Push(ctx context.Context, topic, event string, payload any) (Reply, error)

	// Messages delivers unsolicited messages for every topic. It is
	// closed when the connection ends.
	Messages() <-chan Message

	// Done is closed when the connection ends; Err then reports why.
	Done() <-chan struct{}
	Err() error

	Close() error
}

// ContextError maps a finished context to the transport error taxonomy.
func ContextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
