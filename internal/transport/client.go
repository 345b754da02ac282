// Package transport is the client side of the bridge socket: a single
// websocket connection with exponential-backoff reconnect and typed
// message dispatch.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/metrics"
	"github.com/standardbeagle/hlassist/internal/protocol"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Message is an inbound message. Raw holds the full JSON document.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the message into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Handler processes one inbound message type.
type Handler func(Message)

// Config configures a Client.
type Config struct {
	URL              string
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *debug.Logger

	// OnReconnect, if set, is called each time a reconnect is scheduled
	// with the attempt number (from 1) and the backoff delay.
	OnReconnect func(attempt int, delay time.Duration)
}

// DefaultConfig returns the standard reconnect policy.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:5055/ws",
		MaxAttempts:      5,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// Client owns one logical connection to the bridge. The socket and the
// reconnect timer are never exposed.
type Client struct {
	cfg    Config
	log    *debug.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	url       string
	state     State
	conn      *websocket.Conn
	gen       uint64
	attempts  int
	timer     *time.Timer
	lastPing  time.Time
	handlers  map[string]Handler
	listeners map[uint64]func(State)
	nextID    uint64
	stopPing  context.CancelFunc

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	dialer.HandshakeTimeout = cfg.HandshakeTimeout

	return &Client{
		cfg:       cfg,
		log:       debug.Or(cfg.Logger),
		dialer:    dialer,
		url:       cfg.URL,
		handlers:  make(map[string]Handler),
		listeners: make(map[uint64]func(State)),
	}
}

// SetURL changes the endpoint used by subsequent connects.
func (c *Client) SetURL(url string) {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
}

// URL returns the configured endpoint.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnect attempt counter.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastPing returns when the last pong was received, or when the connection
// opened.
func (c *Client) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// Handle registers the handler for a message type, replacing any earlier
// one.
func (c *Client) Handle(msgType string, h Handler) {
	c.mu.Lock()
	c.handlers[msgType] = h
	c.mu.Unlock()
}

// OnStateChange registers fn for state transitions. The returned function
// unregisters it.
func (c *Client) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Connect opens the connection. It is a no-op while connecting or
// connected. A manual connect re-arms automatic reconnect by resetting the
// attempt counter. A failed dial is handled like an unexpected close and
// its error is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempts = 0
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	url := c.url
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.log.Info("transport", "connecting to bridge: %s", url)

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.log.Warn("transport", "connection failed: %v", err)
		c.closed(gen)
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		// Disconnect was called while dialling.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.attempts = 0
	c.lastPing = time.Now()
	pingCtx, cancel := context.WithCancel(context.Background())
	c.stopPing = cancel
	c.mu.Unlock()

	c.setState(StateConnected)
	c.log.Info("transport", "bridge connected")

	go c.readLoop(conn, gen)
	if c.cfg.PingInterval > 0 {
		go c.heartbeat(pingCtx)
	}
	return nil
}

// Disconnect cancels any pending reconnect, disables automatic reconnect
// and closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempts = c.cfg.MaxAttempts
	c.gen++
	conn := c.conn
	c.conn = nil
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}
	wasDisconnected := c.state == StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	if !wasDisconnected {
		c.setState(StateDisconnected)
		c.log.Info("transport", "bridge disconnected")
	}
}

// closed handles the end of connection generation gen, whether from a
// failed dial or a dropped socket. Stale generations are ignored.
func (c *Client) closed(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}
	var delay time.Duration
	schedule := c.attempts < c.cfg.MaxAttempts
	if schedule {
		delay = Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, c.attempts)
		c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
	}
	attempts := c.attempts
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.setState(StateDisconnected)

	if schedule {
		metrics.RecordReconnectAttempt()
		c.log.Info("transport", "reconnecting in %v (attempt %d/%d)", delay, attempts+1, c.cfg.MaxAttempts)
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect(attempts+1, delay)
		}
	} else {
		c.log.Warn("transport", "giving up after %d reconnect attempts", attempts)
	}
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.log.Info("transport", "reconnect attempt %d", attempt)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	c.dial(ctx)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	metrics.SetTransportState(int(s))
	for _, fn := range fns {
		c.notify(fn, s)
	}
}

func (c *Client) notify(fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("transport", "state listener panicked: %v", r)
		}
	}()
	fn(s)
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := gen == c.gen
			c.mu.Unlock()
			if current {
				c.log.Warn("transport", "connection closed: %v", err)
			}
			c.closed(gen)
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound message by its type field. Malformed and
// unrecognized messages are logged and dropped.
func (c *Client) dispatch(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		metrics.RecordMalformed("transport")
		if err == nil {
			err = fmt.Errorf("missing type")
		}
		c.log.Warn("transport", "dropping malformed message: %v", protocol.E(protocol.KindMalformedPayload, "transport.read", err))
		return
	}

	msg := Message{Type: head.Type, Raw: json.RawMessage(data)}

	c.mu.Lock()
	if head.Type == "pong" {
		c.lastPing = time.Now()
	}
	h := c.handlers[head.Type]
	c.mu.Unlock()

	if h == nil {
		if head.Type != "pong" {
			c.log.Debug("transport", "no handler for %q, dropped", head.Type)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("transport", "handler for %q panicked: %v", head.Type, r)
		}
	}()
	h(msg)
}

// Send serializes v and writes it immediately. There is no outbound queue:
// sending while not connected fails with a NotConnected error.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return protocol.E(protocol.KindNotConnected, "transport.send", nil)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
