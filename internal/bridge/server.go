// Package bridge implements the local endpoint the browser extension talks
// to. It accepts websocket clients at /ws, records element contexts sent
// for the assistant and exposes health, stats and metrics over HTTP.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/metrics"
	"github.com/standardbeagle/hlassist/internal/project"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Config configures a Server.
type Config struct {
	Addr      string
	Logger    *debug.Logger
	InboxSize int
	// RateLimit and Burst bound inbound messages per connection.
	RateLimit rate.Limit
	Burst     int
	// Detect overrides project detection, for tests.
	Detect func(dir string) (*project.Project, error)
}

// DefaultConfig returns the standard bridge address and limits.
func DefaultConfig() Config {
	return Config{
		Addr:      "127.0.0.1:5055",
		InboxSize: 50,
		RateLimit: 20,
		Burst:     40,
	}
}

// Server is the bridge endpoint.
type Server struct {
	cfg      Config
	log      *debug.Logger
	upgrader websocket.Upgrader
	inbox    *Inbox
	started  time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}

	totalConns    atomic.Int64
	totalMessages atomic.Int64
}

// Stats is served at /stats.
type Stats struct {
	ActiveConnections int     `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	TotalMessages     int64   `json:"total_messages"`
	AIRequests        int64   `json:"ai_requests"`
	Selections        int     `json:"selections"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// New creates a server. Zero config values take defaults.
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Detect == nil {
		cfg.Detect = project.Detect
	}
	metrics.Init()
	return &Server{
		cfg:   cfg,
		log:   debug.Or(cfg.Logger),
		inbox: NewInbox(cfg.InboxSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Extension pages connect from chrome-extension:// origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		started: time.Now(),
	}
}

// Inbox returns the received selections.
func (s *Server) Inbox() *Inbox {
	return s.inbox
}

// Stats returns current counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	active := len(s.clients)
	s.mu.RUnlock()
	return Stats{
		ActiveConnections: active,
		TotalConnections:  s.totalConns.Load(),
		TotalMessages:     s.totalMessages.Load(),
		AIRequests:        s.inbox.Total(),
		Selections:        s.inbox.Len(),
		UptimeSeconds:     time.Since(s.started).Seconds(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "healthy", "timestamp": now()})
	})
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "message": "pong"})
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.Stats())
	})
	mux.Handle("/metrics", metrics.Handler())
	return instrument(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("bridge", "listening on %s", ln.Addr())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	s.log.Info("bridge", "stopped")
	return nil
}

// Broadcast sends msg to every connected client and returns how many
// accepted it.
func (s *Server) Broadcast(msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("bridge", "encode broadcast: %v", err)
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for c := range s.clients {
		if c.enqueue(data) {
			n++
		}
	}
	return n
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("bridge", "upgrade failed: %v", err)
		return
	}
	c := &client{
		srv:     s,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(s.cfg.RateLimit, s.cfg.Burst),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.totalConns.Add(1)
	metrics.AddBridgeConnections(1)
	s.log.Info("bridge", "client connected: %s", conn.RemoteAddr())

	go c.writeLoop()
	c.reply(map[string]any{
		"type":      "connection",
		"status":    "connected",
		"message":   "Connected to HighlightAssist bridge",
		"timestamp": now(),
	})
	c.readLoop()
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		metrics.AddBridgeConnections(-1)
		s.log.Info("bridge", "client disconnected: %s", c.conn.RemoteAddr())
	}
}

func (s *Server) closeClients() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// client is one websocket connection. Only writeLoop writes to conn.
type client struct {
	srv     *Server
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	once sync.Once
	done chan struct{}
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.srv.log.Warn("bridge", "send buffer full for %s, dropping message", c.conn.RemoteAddr())
		return false
	}
}

func (c *client) reply(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.srv.log.Error("bridge", "encode reply: %v", err)
		return
	}
	c.enqueue(data)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readLoop() {
	defer func() {
		c.srv.remove(c)
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.srv.log.Warn("bridge", "read error: %v", err)
			}
			return
		}
		c.srv.totalMessages.Add(1)
		if !c.limiter.Allow() {
			metrics.RecordBridgeMessage("rate_limited")
			c.reply(errorMessage("Rate limit exceeded"))
			continue
		}
		c.srv.handle(c, data)
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.srv.log.Debug("bridge", "write failed: %v", err)
				c.close()
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// instrument records request durations per path.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/ws" {
			metrics.RecordBridgeRequest(r.URL.Path, time.Since(start))
		}
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
