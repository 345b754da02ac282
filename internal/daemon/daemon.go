// Package daemon implements the background singleton. It owns the bridge
// transport and the native host, tracks one relay per tab, answers native
// requests and pushes bridge status to every attached tab.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/metrics"
	"github.com/standardbeagle/hlassist/internal/protocol"
	"github.com/standardbeagle/hlassist/internal/relay"
	"github.com/standardbeagle/hlassist/internal/transport"
)

// Version is the build version.
// Can be overridden at build time with: -ldflags "-X github.com/standardbeagle/hlassist/internal/daemon.Version=x.y.z"
var Version = "0.3.0"

// BuildTime is the build timestamp (RFC3339 format).
var BuildTime = ""

// GitCommit is the git commit hash.
var GitCommit = ""

// NativeBridge performs privileged calls outside the browser sandbox.
// Failures are reported in the result, never as panics.
type NativeBridge interface {
	Invoke(ctx context.Context, command string, payload json.RawMessage) protocol.NativeResult
}

// Config holds configuration for the singleton.
type Config struct {
	Logger    *debug.Logger
	Transport transport.Config
	Native    NativeBridge

	// UITimeout bounds popup commands sent to a tab. It is longer than the
	// relay's own overlay timeout so that the relay's fallback wins.
	UITimeout time.Duration

	// NativeTimeout bounds native host calls and bridge connects.
	NativeTimeout time.Duration

	// IdleTimeout marks tabs without traffic as disconnected.
	IdleTimeout time.Duration

	// AutoConnect dials the bridge on Start.
	AutoConnect bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Transport:     transport.DefaultConfig(),
		UITimeout:     2500 * time.Millisecond,
		NativeTimeout: 5 * time.Second,
		IdleTimeout:   5 * time.Minute,
	}
}

// Daemon is the background singleton.
type Daemon struct {
	config    Config
	log       *debug.Logger
	transport *transport.Client
	tabs      *TabRegistry
	pending   *protocol.Pending

	connected   atomic.Bool
	unsubscribe func()
	startTime   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownMu sync.Mutex
	started    bool
	shutdown   bool
}

// BridgeInfo describes the transport.
type BridgeInfo struct {
	Connected bool   `json:"connected"`
	LastPing  int64  `json:"lastPing,omitempty"`
	URL       string `json:"url"`
	Attempts  int    `json:"attempts"`
}

// Info describes the running singleton.
type Info struct {
	Version string        `json:"version"`
	Uptime  time.Duration `json:"uptime"`
	Tabs    TabInfo       `json:"tabs"`
	Bridge  BridgeInfo    `json:"bridge"`
}

// New creates a singleton. Zero config values take defaults.
func New(config Config) *Daemon {
	def := DefaultConfig()
	if config.UITimeout <= 0 {
		config.UITimeout = def.UITimeout
	}
	if config.NativeTimeout <= 0 {
		config.NativeTimeout = def.NativeTimeout
	}
	log := debug.Or(config.Logger)
	if config.Transport.Logger == nil {
		config.Transport.Logger = log
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		config:    config,
		log:       log,
		transport: transport.New(config.Transport),
		tabs:      NewTabRegistry(config.IdleTimeout),
		pending:   protocol.NewPending(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start wires transport events and begins idle tracking.
func (d *Daemon) Start() error {
	d.shutdownMu.Lock()
	defer d.shutdownMu.Unlock()
	if d.shutdown {
		return errors.New("daemon stopped")
	}
	if d.started {
		return nil
	}
	d.started = true
	d.startTime = time.Now()

	d.transport.Handle("pong", func(transport.Message) { d.broadcastStatus() })
	d.transport.Handle("connection", func(m transport.Message) {
		d.log.Info("daemon", "bridge greeting: %s", m.Raw)
	})
	d.transport.Handle("ai_response", func(m transport.Message) {
		var ack struct {
			Status    string `json:"status"`
			RequestID string `json:"requestId"`
		}
		if err := m.Decode(&ack); err != nil {
			d.log.Warn("daemon", "bad ai_response: %v", err)
			return
		}
		d.log.Debug("daemon", "ai request %s %s", ack.RequestID, ack.Status)
	})
	d.transport.Handle("error", func(m transport.Message) {
		d.log.Warn("daemon", "bridge error: %s", m.Raw)
	})
	d.unsubscribe = d.transport.OnStateChange(d.stateChanged)

	d.wg.Add(1)
	go d.idleLoop()

	if d.config.AutoConnect {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(d.ctx, d.config.NativeTimeout)
			defer cancel()
			if err := d.transport.Connect(ctx); err != nil {
				d.log.Warn("daemon", "auto-connect failed: %v", err)
			}
		}()
	}

	d.log.Info("daemon", "started (version %s)", Version)
	return nil
}

// Stop disconnects the bridge, detaches every tab and waits for background
// goroutines or ctx, whichever comes first.
func (d *Daemon) Stop(ctx context.Context) error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return nil
	}
	d.shutdown = true
	d.shutdownMu.Unlock()

	d.cancel()
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.transport.Disconnect()

	for _, tab := range d.tabs.List() {
		d.Detach(tab.ID)
	}
	d.pending.Clear()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("daemon", "stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("daemon stop: %w", ctx.Err())
	}
}

// Transport exposes the bridge client.
func (d *Daemon) Transport() *transport.Client {
	return d.transport
}

// Tabs exposes the tab registry.
func (d *Daemon) Tabs() *TabRegistry {
	return d.tabs
}

// Info returns a status summary.
func (d *Daemon) Info() Info {
	var uptime time.Duration
	if !d.startTime.IsZero() {
		uptime = time.Since(d.startTime)
	}
	return Info{
		Version: Version,
		Uptime:  uptime,
		Tabs:    d.tabs.Info(),
		Bridge:  d.bridgeInfo(),
	}
}

// Attach registers the relay link for a tab and starts serving it. An
// empty id gets a generated one, which is returned.
func (d *Daemon) Attach(id, url string, conn *relay.Conn) (string, error) {
	if id == "" {
		id = d.tabs.GenerateID()
	}
	now := time.Now()
	tab := &Tab{ID: id, URL: url, AttachedAt: now, LastSeen: now, Status: TabStatusActive, conn: conn}
	if err := d.tabs.Register(tab); err != nil {
		return "", err
	}
	conn.Listen(func(data []byte) { d.handleTab(tab, data) })
	d.log.Debug("daemon", "tab %s attached: %s", id, url)

	// Late joiners learn the current bridge state.
	if err := conn.Post(d.statusEnvelope()); err != nil {
		d.log.Warn("daemon", "initial status to %s: %v", id, err)
	}
	return id, nil
}

// Detach forgets a tab and closes its link.
func (d *Daemon) Detach(id string) error {
	tab, err := d.tabs.Unregister(id)
	if err != nil {
		return err
	}
	tab.conn.Close()
	d.log.Debug("daemon", "tab %s detached", id)
	return nil
}

func (d *Daemon) idleLoop() {
	defer d.wg.Done()
	interval := d.tabs.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tabs.CheckIdle()
		}
	}
}

// handleTab dispatches messages from a tab's relay.
func (d *Daemon) handleTab(tab *Tab, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordMalformed("daemon")
		d.log.Warn("daemon", "dropping malformed message from %s: %v", tab.ID, err)
		return
	}
	metrics.RecordEnvelope(string(env.Type), "from_relay")
	d.tabs.Touch(tab.ID)

	switch env.Type {
	case protocol.TypeResponse:
		if !d.pending.Resolve(env.RequestID, env) {
			d.log.Debug("daemon", "late %s response %s ignored", env.Action, env.RequestID)
		}
	case protocol.TypeNativeRequest:
		if !d.spawn(func() { d.handleNative(tab, env) }) {
			d.log.Debug("daemon", "stopped, dropping %s from %s", env.Command, tab.ID)
		}
	default:
		d.log.Debug("daemon", "ignoring %s from %s", env.Type, tab.ID)
	}
}

// spawn runs fn on a tracked goroutine unless Stop has begun. The check and
// the wg.Add share shutdownMu so Stop never waits on a group still growing.
func (d *Daemon) spawn(fn func()) bool {
	d.shutdownMu.Lock()
	defer d.shutdownMu.Unlock()
	if d.shutdown {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *Daemon) handleNative(tab *Tab, req protocol.Envelope) {
	res := d.invoke(req)
	if !res.Success {
		d.log.Warn("daemon", "%s failed: %s", req.Command, res.Error)
	}
	if err := tab.conn.Post(protocol.NativeResponse(req, res)); err != nil {
		d.log.Error("daemon", "failed to answer %s on %s: %v", req.Command, tab.ID, err)
	}
}

func (d *Daemon) invoke(req protocol.Envelope) protocol.NativeResult {
	switch req.Command {
	case protocol.CommandBridgeConnect:
		var p struct {
			URL string `json:"url"`
		}
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				return failure(protocol.E(protocol.KindMalformedPayload, req.Command, err))
			}
		}
		if p.URL != "" {
			d.transport.SetURL(p.URL)
		}
		ctx, cancel := context.WithTimeout(d.ctx, d.config.NativeTimeout)
		defer cancel()
		if err := d.transport.Connect(ctx); err != nil {
			return failure(err)
		}
		return success(d.bridgeInfo())

	case protocol.CommandBridgeDisconnect:
		d.transport.Disconnect()
		return success(d.bridgeInfo())

	case protocol.CommandBridgeStatus:
		return success(d.bridgeInfo())

	case protocol.CommandSendToAI:
		return d.sendToAI(req.Payload)
	}

	if d.config.Native == nil {
		return failure(protocol.E(protocol.KindNativeInvocation, req.Command, errors.New("native host unavailable")))
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.config.NativeTimeout)
	defer cancel()
	return d.config.Native.Invoke(ctx, req.Command, req.Payload)
}

// aiRequest is the bridge message carrying an element context.
type aiRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Context   json.RawMessage `json:"context"`
	Timestamp int64           `json:"timestamp"`
}

func (d *Daemon) sendToAI(payload json.RawMessage) protocol.NativeResult {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	msg := aiRequest{
		Type:      "ai_request",
		RequestID: protocol.NewRequestID("ai"),
		Context:   payload,
		Timestamp: protocol.Now(),
	}
	if err := d.transport.Send(msg); err != nil {
		return failure(err)
	}
	return success(map[string]string{"requestId": msg.RequestID})
}

func success(v any) protocol.NativeResult {
	data, err := json.Marshal(v)
	if err != nil {
		return failure(err)
	}
	return protocol.NativeResult{Success: true, Response: data}
}

func failure(err error) protocol.NativeResult {
	return protocol.NativeResult{Success: false, Error: err.Error()}
}

func (d *Daemon) bridgeInfo() BridgeInfo {
	info := BridgeInfo{
		Connected: d.transport.State() == transport.StateConnected,
		URL:       d.transport.URL(),
		Attempts:  d.transport.Attempts(),
	}
	if t := d.transport.LastPing(); !t.IsZero() {
		info.LastPing = t.UnixMilli()
	}
	return info
}

func (d *Daemon) statusEnvelope() protocol.Envelope {
	info := d.bridgeInfo()
	return protocol.Status(protocol.BridgeStatus{Connected: info.Connected, LastPing: info.LastPing})
}

func (d *Daemon) stateChanged(s transport.State) {
	connected := s == transport.StateConnected
	if d.connected.Swap(connected) == connected {
		return
	}
	d.broadcastStatus()
}

// broadcastStatus pushes BRIDGE_STATUS to every attached tab.
func (d *Daemon) broadcastStatus() {
	env := d.statusEnvelope()
	for _, tab := range d.tabs.List() {
		if err := tab.conn.Post(env); err != nil {
			d.log.Debug("daemon", "status to %s: %v", tab.ID, err)
		}
	}
}
