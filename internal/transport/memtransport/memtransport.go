// Package memtransport is an in-process transport.Transport. A Handler
// plays the server; tests drive connection loss and server pushes
// through the Network.
package memtransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/syncdb/internal/transport"
)

// Handler plays the server side of every connection.
//
// Join and Push return false to send no reply, so the client times out.
type Handler interface {
	Join(topic string, payload json.RawMessage) (transport.Reply, bool)
	Leave(topic string)
	Push(topic, event string, payload json.RawMessage) (transport.Reply, bool)
}

// Network is a transport.Transport whose connections all reach handler.
type Network struct {
	handler Handler

	mu      sync.Mutex
	conns   []*Conn
	offline bool
	dials   int
}

// New returns a Network served by h.
func New(h Handler) *Network {
	return &Network{handler: h}
}

// Connect implements transport.Transport.
func (n *Network) Connect(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dials++
	if n.offline {
		return nil, fmt.Errorf("dial: network offline: %w", transport.ErrClosed)
	}
	c := &Conn{
		net:      n,
		messages: make(chan transport.Message, 1024),
		done:     make(chan struct{}),
	}
	n.conns = append(n.conns, c)
	return c, nil
}

// SetOffline makes subsequent dials fail. Open connections are dropped.
func (n *Network) SetOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
	if offline {
		n.Drop()
	}
}

// Dials returns the number of Connect calls so far.
func (n *Network) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// Conns returns the number of open connections.
func (n *Network) Conns() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Broadcast delivers a server message to every open connection.
func (n *Network) Broadcast(topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	msg := transport.Message{Topic: topic, Event: event, Payload: data}

	n.mu.Lock()
	conns := append([]*Conn(nil), n.conns...)
	n.mu.Unlock()

	for _, c := range conns {
		c.deliver(msg)
	}
	return nil
}

// Drop closes every open connection as if the link failed.
func (n *Network) Drop() {
	n.mu.Lock()
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()

	for _, c := range conns {
		c.shutdown(fmt.Errorf("connection dropped: %w", transport.ErrClosed))
	}
}

func (n *Network) remove(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cc := range n.conns {
		if cc == c {
			n.conns = append(n.conns[:i], n.conns[i+1:]...)
			return
		}
	}
}

// Conn is one in-process connection.
type Conn struct {
	net      *Network
	messages chan transport.Message

	sendMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Join implements transport.Conn.
func (c *Conn) Join(ctx context.Context, topic string, payload any) (transport.Reply, error) {
	data, err := c.prepare(ctx, payload)
	if err != nil {
		return transport.Reply{}, err
	}
	reply, ok := c.net.handler.Join(topic, data)
	if ok {
		return reply, nil
	}
	return transport.Reply{}, c.unanswered(ctx)
}

// Leave implements transport.Conn.
func (c *Conn) Leave(ctx context.Context, topic string) error {
	if _, err := c.prepare(ctx, nil); err != nil {
		return err
	}
	c.net.handler.Leave(topic)
	return nil
}

// Push implements transport.Conn.
func (c *Conn) Push(ctx context.Context, topic, event string, payload any) (transport.Reply, error) {
	data, err := c.prepare(ctx, payload)
	if err != nil {
		return transport.Reply{}, err
	}
	reply, ok := c.net.handler.Push(topic, event, data)
	if ok {
		return reply, nil
	}
	return transport.Reply{}, c.unanswered(ctx)
}

// unanswered blocks a request the handler chose not to answer until the
// caller gives up or the connection goes away.
func (c *Conn) unanswered(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return transport.ContextError(ctx)
	case <-c.done:
		return c.err
	}
}

func (c *Conn) prepare(ctx context.Context, payload any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, c.err
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, transport.ContextError(ctx)
	}
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Messages implements transport.Conn.
func (c *Conn) Messages() <-chan transport.Message { return c.messages }

// Done implements transport.Conn.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements transport.Conn.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.net.remove(c)
	c.shutdown(transport.ErrClosed)
	return nil
}

func (c *Conn) deliver(msg transport.Message) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
	case c.messages <- msg:
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.sendMu.Lock()
		close(c.messages)
		c.sendMu.Unlock()
	})
}
