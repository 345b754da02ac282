package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/hlassist/internal/debug"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = debug.Discard()
	s := New(cfg)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.closeClients()
		hs.Close()
	})
	return s, hs
}

// dial connects a client and consumes the greeting.
func dial(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	greeting := read(t, conn)
	require.Equal(t, "connection", greeting["type"])
	require.Equal(t, "connected", greeting["status"])
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestPingPong(t *testing.T) {
	_, hs := newTestServer(t, Config{})
	conn := dial(t, hs)

	send(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", read(t, conn)["type"])
}

func TestAIRequestRecorded(t *testing.T) {
	s, hs := newTestServer(t, Config{})
	conn := dial(t, hs)

	send(t, conn, map[string]any{
		"type":      "ai_request",
		"requestId": "ai_1",
		"context":   map[string]any{"selector": "#buy", "tagName": "button"},
		"timestamp": 1700000000000,
	})

	ack := read(t, conn)
	assert.Equal(t, "ai_response", ack["type"])
	assert.Equal(t, "received", ack["status"])
	assert.Equal(t, "ai_1", ack["requestId"])

	sel, ok := s.Inbox().Latest()
	require.True(t, ok)
	assert.Equal(t, "ai_1", sel.RequestID)
	assert.Equal(t, int64(1700000000000), sel.Timestamp)
	assert.JSONEq(t, `{"selector":"#buy","tagName":"button"}`, string(sel.Context))
	assert.Equal(t, int64(1), s.Stats().AIRequests)
}

func TestAIRequestStringTimestamp(t *testing.T) {
	s, hs := newTestServer(t, Config{})
	conn := dial(t, hs)

	send(t, conn, map[string]any{"type": "ai_request", "requestId": "ai_2", "context": map[string]any{}, "timestamp": "2024-01-01T00:00:00"})
	assert.Equal(t, "ai_response", read(t, conn)["type"])

	sel, _ := s.Inbox().Latest()
	assert.Zero(t, sel.Timestamp)
}

func TestElementAnalysis(t *testing.T) {
	_, hs := newTestServer(t, Config{})
	conn := dial(t, hs)

	send(t, conn, map[string]any{"type": "element_analysis", "requestId": "a1"})
	msg := read(t, conn)
	assert.Equal(t, "analysis_received", msg["type"])
	assert.Equal(t, "ok", msg["status"])
	assert.Equal(t, "a1", msg["requestId"])
}

func TestAutoDetectProject(t *testing.T) {
	_, hs := newTestServer(t, Config{})
	conn := dial(t, hs)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manage.py"), nil, 0644))

	send(t, conn, map[string]any{"type": "auto_detect_project", "data": map[string]any{"path": dir}})
	msg := read(t, conn)
	require.Equal(t, "project_detected", msg["type"])

	data := msg["data"].(map[string]any)
	assert.Equal(t, "Django", data["projectType"])
	assert.Equal(t, "python manage.py runserver", data["command"])
	assert.Equal(t, float64(8000), data["port"])
	assert.Nil(t, data["venv"])
}

func TestAutoDetectProjectErrors(t *testing.T) {
	_, hs := newTestServer(t, Config{})
	conn := dial(t, hs)

	send(t, conn, map[string]any{"type": "auto_detect_project", "data": map[string]any{}})
	msg := read(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "path is required")

	send(t, conn, map[string]any{"type": "auto_detect_project", "data": map[string]any{"path": "/definitely/not/here"}})
	msg = read(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "Failed to detect project type")
}

func TestBroadcastFanOut(t *testing.T) {
	_, hs := newTestServer(t, Config{})
	a := dial(t, hs)
	b := dial(t, hs)

	send(t, a, map[string]any{"type": "broadcast", "data": map[string]any{"note": "hi"}})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := read(t, conn)
		assert.Equal(t, "broadcast_message", msg["type"])
		assert.Equal(t, "bridge", msg["from"])
		assert.Equal(t, map[string]any{"note": "hi"}, msg["data"])
	}
}

func TestBadInputKeepsConnection(t *testing.T) {
	_, hs := newTestServer(t, Config{})
	conn := dial(t, hs)

	send(t, conn, map[string]any{"type": "teleport"})
	msg := read(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Unknown message type: teleport", msg["message"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	msg = read(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Invalid JSON format", msg["message"])

	send(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", read(t, conn)["type"])
}

func TestRateLimit(t *testing.T) {
	_, hs := newTestServer(t, Config{RateLimit: 0.001, Burst: 1})
	conn := dial(t, hs)

	send(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", read(t, conn)["type"])

	send(t, conn, map[string]any{"type": "ping"})
	msg := read(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Rate limit exceeded", msg["message"])
}

func TestHTTPEndpoints(t *testing.T) {
	s, hs := newTestServer(t, Config{})
	dial(t, hs)

	for _, path := range []string{"/health", "/ping", "/stats", "/metrics"} {
		resp, err := http.Get(hs.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(hs.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, s.Stats().TotalConnections, stats.TotalConnections)
}

func TestDisconnectRemovesClient(t *testing.T) {
	s, hs := newTestServer(t, Config{})
	conn := dial(t, hs)
	require.Equal(t, 1, s.Stats().ActiveConnections)

	conn.Close()
	assert.Eventually(t, func() bool { return s.Stats().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{Logger: debug.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := fmt.Sprintf("ws://%s/ws", ln.Addr())
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestInbox(t *testing.T) {
	in := NewInbox(3)
	_, ok := in.Latest()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		in.Add(Selection{RequestID: fmt.Sprintf("r%d", i)})
	}

	assert.Equal(t, 3, in.Len())
	assert.Equal(t, int64(5), in.Total())

	latest, ok := in.Latest()
	require.True(t, ok)
	assert.Equal(t, "r5", latest.RequestID)

	ids := func(s []Selection) []string {
		out := make([]string, len(s))
		for i, sel := range s {
			out[i] = sel.RequestID
		}
		return out
	}
	assert.Equal(t, []string{"r5", "r4", "r3"}, ids(in.History(0)))
	assert.Equal(t, []string{"r5", "r4"}, ids(in.History(2)))
}
