// Package phoenix implements transport.Transport over Phoenix channels
// (serializer 2.0.0) on a gorilla/websocket connection.
//
// Every frame is a JSON array [join_ref, ref, topic, event, payload].
// Replies to joins, leaves, and pushes come back as phx_reply frames with
// the request's ref and a {status, response} payload.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/transport"
)

// Phoenix protocol events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	// TopicPhoenix carries connection-level traffic such as heartbeats.
	TopicPhoenix = "phoenix"
)

// DefaultHeartbeat matches the Phoenix JS client.
const DefaultHeartbeat = 30 * time.Second

// Config configures a Transport.
type Config struct {
	// URL is the socket endpoint, e.g. ws://localhost:4000/socket. The
	// /websocket suffix is added when missing; http(s) maps to ws(s).
	URL string

	// Params are sent as query parameters, e.g. _csrf_token.
	Params map[string]string

	Header    http.Header
	Heartbeat time.Duration
	Dialer    *websocket.Dialer
}

// Transport dials Phoenix sockets.
type Transport struct {
	cfg Config
}

// New returns a Transport for cfg.
func New(cfg Config) *Transport {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Transport{cfg: cfg}
}

// EndpointURL returns the websocket URL dialed for cfg.
func EndpointURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	q := u.Query()
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	q.Set("vsn", ir.ProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) (transport.Conn, error) {
	endpoint, err := EndpointURL(t.cfg)
	if err != nil {
		return nil, err
	}
	ws, _, err := t.cfg.Dialer.DialContext(ctx, endpoint, t.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", t.cfg.URL, transport.ErrClosed, err)
	}

	c := &conn{
		ws:       ws,
		pending:  make(map[string]chan transport.Reply),
		joinRefs: make(map[string]string),
		messages: make(chan transport.Message, 256),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.heartbeatLoop(t.cfg.Heartbeat)
	slog.Debug("phoenix connected", "url", t.cfg.URL)
	return c, nil
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	ref      uint64
	pending  map[string]chan transport.Reply
	joinRefs map[string]string

	messages  chan transport.Message
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// frame is one serializer v2 message.
type frame struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload json.RawMessage
}

func (f frame) MarshalJSON() ([]byte, error) {
	payload := f.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]any{f.JoinRef, f.Ref, f.Topic, f.Event, payload})
}

func (f *frame) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 5 {
		return fmt.Errorf("frame has %d elements, want 5", len(parts))
	}
	if err := json.Unmarshal(parts[0], &f.JoinRef); err != nil {
		return fmt.Errorf("join_ref: %w", err)
	}
	if err := json.Unmarshal(parts[1], &f.Ref); err != nil {
		return fmt.Errorf("ref: %w", err)
	}
	if err := json.Unmarshal(parts[2], &f.Topic); err != nil {
		return fmt.Errorf("topic: %w", err)
	}
	if err := json.Unmarshal(parts[3], &f.Event); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	f.Payload = parts[4]
	return nil
}

func (c *conn) Join(ctx context.Context, topic string, payload any) (transport.Reply, error) {
	c.mu.Lock()
	ref := c.nextRefLocked()
	c.joinRefs[topic] = ref
	c.mu.Unlock()

	reply, err := c.request(ctx, ref, &ref, topic, EventJoin, payload)
	if err != nil || !reply.OK() {
		c.mu.Lock()
		if c.joinRefs[topic] == ref {
			delete(c.joinRefs, topic)
		}
		c.mu.Unlock()
	}
	return reply, err
}

func (c *conn) Leave(ctx context.Context, topic string) error {
	c.mu.Lock()
	joinRef, joined := c.joinRefs[topic]
	delete(c.joinRefs, topic)
	ref := c.nextRefLocked()
	c.mu.Unlock()

	var jr *string
	if joined {
		jr = &joinRef
	}
	_, err := c.request(ctx, ref, jr, topic, EventLeave, nil)
	return err
}

func (c *conn) Push(ctx context.Context, topic, event string, payload any) (transport.Reply, error) {
	c.mu.Lock()
	var jr *string
	if joinRef, ok := c.joinRefs[topic]; ok {
		jr = &joinRef
	}
	ref := c.nextRefLocked()
	c.mu.Unlock()

	return c.request(ctx, ref, jr, topic, event, payload)
}

func (c *conn) Messages() <-chan transport.Message { return c.messages }

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(transport.ErrClosed)
	return nil
}

func (c *conn) nextRefLocked() string {
	c.ref++
	return strconv.FormatUint(c.ref, 10)
}

// request writes one frame and waits for the phx_reply with the same ref.
func (c *conn) request(ctx context.Context, ref string, joinRef *string, topic, event string, payload any) (transport.Reply, error) {
	var body json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return transport.Reply{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		body = data
	}

	ch := make(chan transport.Reply, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return transport.Reply{}, c.err
	default:
	}
	c.pending[ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, frame{JoinRef: joinRef, Ref: &ref, Topic: topic, Event: event, Payload: body}); err != nil {
		return transport.Reply{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return transport.Reply{}, transport.ContextError(ctx)
	case <-c.done:
		return transport.Reply{}, c.err
	}
}

func (c *conn) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("write %s: %w: %w", f.Event, transport.ErrClosed, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(fmt.Errorf("write: %w: %w", transport.ErrClosed, err))
		return c.err
	}
	return nil
}

func (c *conn) readLoop() {
	defer close(c.messages)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("read: %w: %w", transport.ErrClosed, err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("phoenix: dropping malformed frame", "err", err)
			continue
		}

		if f.Event == EventReply && f.Ref != nil {
			var reply transport.Reply
			if err := json.Unmarshal(f.Payload, &reply); err != nil {
				slog.Warn("phoenix: malformed reply", "ref", *f.Ref, "err", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[*f.Ref]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- reply:
				default:
				}
			}
			continue
		}

		select {
		case c.messages <- transport.Message{Topic: f.Topic, Event: f.Event, Payload: f.Payload}:
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop keeps the socket alive. A heartbeat without a reply
// within one interval closes the connection.
func (c *conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			c.mu.Lock()
			ref := c.nextRefLocked()
			c.mu.Unlock()
			_, err := c.request(ctx, ref, nil, TopicPhoenix, EventHeartbeat, struct{}{})
			cancel()
			if errors.Is(err, transport.ErrTimeout) {
				slog.Warn("phoenix: heartbeat timeout")
				c.shutdown(fmt.Errorf("heartbeat: %w", transport.ErrTimeout))
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}
