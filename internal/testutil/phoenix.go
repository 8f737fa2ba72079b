package testutil

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/syncdb/internal/transport/memtransport"
)

// PhoenixServer serves a memtransport.Handler over a Phoenix socket
// endpoint at /socket/websocket (serializer 2.0.0).
type PhoenixServer struct {
	srv      *httptest.Server
	handler  memtransport.Handler
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      map[*phoenixConn]bool
	params     []url.Values
	heartbeats int
	silent     bool
}

type phoenixConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *phoenixConn) send(frame [5]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewPhoenixServer starts a server for h and stops it on test cleanup.
func NewPhoenixServer(t testing.TB, h memtransport.Handler) *PhoenixServer {
	t.Helper()
	s := &PhoenixServer{
		handler:  h,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		conns:    make(map[*phoenixConn]bool),
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Debug("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/socket/websocket").HandlerFunc(s.serveSocket)

	s.srv = httptest.NewServer(r)
	t.Cleanup(func() {
		s.DropAll()
		s.srv.Close()
	})
	return s
}

// URL returns the socket URL a client is configured with.
func (s *PhoenixServer) URL() string {
	return strings.Replace(s.srv.URL, "http://", "ws://", 1) + "/socket"
}

// Params returns the query parameters of every accepted connection.
func (s *PhoenixServer) Params() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.params...)
}

// Heartbeats returns the number of heartbeats received.
func (s *PhoenixServer) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// SetSilent stops the server from answering anything, heartbeats
// included, as if the link stalled.
func (s *PhoenixServer) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Conns returns the number of open sockets.
func (s *PhoenixServer) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast pushes a message to every open socket.
func (s *PhoenixServer) Broadcast(topic, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	for _, c := range s.snapshotConns() {
		if err := c.send([5]any{nil, nil, topic, event, json.RawMessage(body)}); err != nil {
			slog.Debug("broadcast failed", "err", err)
		}
	}
	return nil
}

// DropAll closes every open socket.
func (s *PhoenixServer) DropAll() {
	for _, c := range s.snapshotConns() {
		_ = c.ws.Close()
	}
}

func (s *PhoenixServer) snapshotConns() []*phoenixConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*phoenixConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *PhoenixServer) serveSocket(writer http.ResponseWriter, request *http.Request) {
	if request.URL.Query().Get("vsn") != "2.0.0" {
		http.Error(writer, "unsupported serializer", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	c := &phoenixConn{ws: ws}

	s.mu.Lock()
	s.conns[c] = true
	s.params = append(s.params, request.URL.Query())
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var parts [5]json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			slog.Warn("malformed frame", "err", err)
			continue
		}
		var joinRef, ref *string
		var topic, event string
		_ = json.Unmarshal(parts[0], &joinRef)
		_ = json.Unmarshal(parts[1], &ref)
		_ = json.Unmarshal(parts[2], &topic)
		_ = json.Unmarshal(parts[3], &event)

		s.handleFrame(c, joinRef, ref, topic, event, parts[4])
	}
}

func (s *PhoenixServer) handleFrame(c *phoenixConn, joinRef, ref *string, topic, event string, payload json.RawMessage) {
	s.mu.Lock()
	silent := s.silent
	if event == "heartbeat" {
		s.heartbeats++
	}
	s.mu.Unlock()
	if silent {
		return
	}

	var reply any
	switch {
	case topic == "phoenix" && event == "heartbeat":
		reply = map[string]any{"status": "ok", "response": struct{}{}}
	case event == "phx_join":
		r, ok := s.handler.Join(topic, payload)
		if !ok {
			return
		}
		reply = r
	case event == "phx_leave":
		s.handler.Leave(topic)
		reply = map[string]any{"status": "ok", "response": struct{}{}}
	default:
		r, ok := s.handler.Push(topic, event, payload)
		if !ok {
			return
		}
		reply = r
	}
	if err := c.send([5]any{joinRef, ref, topic, "phx_reply", reply}); err != nil {
		slog.Debug("reply failed", "err", err)
	}
}
