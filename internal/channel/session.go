package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/transport"
)

// JoinRejectedError is the server's explicit refusal to join the topic.
// It is terminal: retrying with the same credentials will fail again.
type JoinRejectedError struct {
	Topic    string
	Reason   string
	Response json.RawMessage
}

func (e *JoinRejectedError) Error() string {
	return fmt.Sprintf("join %s rejected: %s", e.Topic, e.Reason)
}

// ErrorReply is an error status for a request with no richer decoding.
type ErrorReply struct {
	Event    string
	Response json.RawMessage
}

func (e *ErrorReply) Error() string {
	return fmt.Sprintf("%s: server error: %s", e.Event, string(e.Response))
}

// Timeouts bounds each request kind. Zero means no limit beyond the
// caller's context.
type Timeouts struct {
	Join  time.Duration
	Push  time.Duration
	Leave time.Duration
}

// DefaultTimeouts matches the Phoenix JS client's 10s push timeout.
var DefaultTimeouts = Timeouts{Join: 10 * time.Second, Push: 10 * time.Second, Leave: 5 * time.Second}

// Session is the sync protocol on one topic of one connection.
type Session struct {
	conn     transport.Conn
	topic    string
	timeouts Timeouts
}

// NewSession wraps an open connection.
func NewSession(conn transport.Conn, topic string, timeouts Timeouts) *Session {
	return &Session{conn: conn, topic: topic, timeouts: timeouts}
}

// Topic returns the joined topic.
func (s *Session) Topic() string { return s.topic }

// Conn returns the underlying connection.
func (s *Session) Conn() transport.Conn { return s.conn }

// Join joins the topic. It returns nil on ok, *JoinRejectedError on an
// error reply, and transport.ErrTimeout when no reply came in time.
func (s *Session) Join(ctx context.Context, params any) error {
	ctx, cancel := withTimeout(ctx, s.timeouts.Join)
	defer cancel()

	reply, err := s.conn.Join(ctx, s.topic, params)
	if err != nil {
		return fmt.Errorf("join %s: %w", s.topic, err)
	}
	if !reply.OK() {
		return &JoinRejectedError{Topic: s.topic, Reason: reason(reply.Response), Response: reply.Response}
	}
	return nil
}

// RequestSnapshot sends sync {snapmin} and decodes the snapshot.
func (s *Session) RequestSnapshot(ctx context.Context, snapmin int64) (*SyncResponse, error) {
	ctx, cancel := withTimeout(ctx, s.timeouts.Push)
	defer cancel()

	reply, err := s.conn.Push(ctx, s.topic, EventSync, SyncRequest{Snapmin: snapmin})
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	if !reply.OK() {
		return nil, &ErrorReply{Event: EventSync, Response: reply.Response}
	}
	var resp SyncResponse
	if err := json.Unmarshal(reply.Response, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushWrite sends entries as one write batch, in the given order. It
// returns nil when the server accepted the whole batch, *RejectedWrite
// when it refused an op, and transport.ErrTimeout when no reply came.
func (s *Session) PushWrite(ctx context.Context, entries []ir.LogEntry) error {
	ctx, cancel := withTimeout(ctx, s.timeouts.Push)
	defer cancel()

	reply, err := s.conn.Push(ctx, s.topic, EventWrite, WriteRequest{Ops: entries})
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if reply.OK() {
		return nil
	}

	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(reply.Response, &body); err != nil || len(body.Error) == 0 {
		body.Error = reply.Response
	}
	rej, err := decodeRejectedWrite(body.Error)
	if err != nil {
		return &ErrorReply{Event: EventWrite, Response: reply.Response}
	}
	return rej
}

// Leave leaves the topic so no further pushes reach the server on it.
func (s *Session) Leave(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeouts.Leave)
	defer cancel()

	if err := s.conn.Leave(ctx, s.topic); err != nil {
		return fmt.Errorf("leave %s: %w", s.topic, err)
	}
	return nil
}

// Close closes the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Matches reports whether an inbound topic belongs to this session: the
// topic itself or any "topic:" subtopic.
func (s *Session) Matches(topic string) bool {
	return topic == s.topic || strings.HasPrefix(topic, s.topic+":")
}

// Decode turns an inbound message into an Event. ok is false for messages
// on other topics or with events the protocol does not use.
func (s *Session) Decode(msg transport.Message) (ev Event, ok bool, err error) {
	if !s.Matches(msg.Topic) {
		return nil, false, nil
	}
	switch msg.Event {
	case EventCommit:
		var c Commit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, true, fmt.Errorf("decode commit: %w", err)
		}
		return c, true, nil
	case EventResync:
		return Resync{}, true, nil
	case EventChannelError, EventChannelClose:
		if msg.Topic != s.topic {
			return nil, false, nil
		}
		return ChannelLost{Event: msg.Event}, true, nil
	default:
		return nil, false, nil
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// reason extracts a human readable rejection reason from a reply body.
func reason(resp json.RawMessage) string {
	var obj struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(resp, &obj); err == nil && obj.Reason != "" {
		return obj.Reason
	}
	var s string
	if err := json.Unmarshal(resp, &s); err == nil && s != "" {
		return s
	}
	if len(resp) == 0 {
		return "unknown"
	}
	return string(resp)
}
