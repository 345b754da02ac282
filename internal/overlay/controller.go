// Package overlay implements the in-page inspection controller. It owns
// the session state, reacts to page events and answers commands arriving
// from the content relay. It never touches storage or the bridge directly:
// both are reached through envelopes on its relay link.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/dom"
	"github.com/standardbeagle/hlassist/internal/layers"
	"github.com/standardbeagle/hlassist/internal/metrics"
	"github.com/standardbeagle/hlassist/internal/protocol"
	"github.com/standardbeagle/hlassist/internal/relay"
	"github.com/standardbeagle/hlassist/internal/state"
	"github.com/standardbeagle/hlassist/internal/timer"
)

// ErrNoSelection is returned by operations that need a locked element.
var ErrNoSelection = errors.New("no element selected")

// Busy control names.
const (
	ControlSendToAI = "sendToAI"
	ControlBridge   = "bridge"
)

// Config configures a Controller. Zero values take defaults.
type Config struct {
	Logger         *debug.Logger
	Document       dom.Document
	Conn           *relay.Conn
	PageURL        string
	BridgeURL      string
	AnalyzeDelay   time.Duration
	PersistDelay   time.Duration
	StorageTimeout time.Duration
	NativeTimeout  time.Duration
	HistoryLimit   int
	LogLimit       int
	MaxLayers      int
	SelectorDepth  int
	Now            func() time.Time
}

// Controller is the overlay's state machine: idle, inspecting or locked.
type Controller struct {
	cfg      Config
	log      *debug.Logger
	conn     *relay.Conn
	doc      dom.Document
	store    *state.Store
	pending  *protocol.Pending
	analyzer *Analyzer
	sampler  *layers.Sampler
	analyze  *timer.Debouncer

	// mu serializes page event handling, the analogue of the page's single
	// event loop.
	mu         sync.Mutex
	modifier   bool
	layerEls   []dom.Element
	visibility *layers.Visibility
	listening  bool
	closed     bool

	busyMu sync.Mutex
	busy   map[string]bool
}

// New builds a controller and emits READY once every part is wired:
// store, settings load through the storage proxy, analyzer and sampler,
// event handling, command listener. A failed settings load is logged and
// the defaults are kept.
func New(cfg Config) (*Controller, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("overlay: relay link required")
	}
	if cfg.Document == nil {
		return nil, fmt.Errorf("overlay: document required")
	}
	if cfg.AnalyzeDelay <= 0 {
		cfg.AnalyzeDelay = 100 * time.Millisecond
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 5 * time.Second
	}
	if cfg.NativeTimeout <= 0 {
		cfg.NativeTimeout = 6 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Controller{
		cfg:        cfg,
		log:        debug.Or(cfg.Logger),
		conn:       cfg.Conn,
		doc:        cfg.Document,
		pending:    protocol.NewPending(),
		visibility: layers.NewVisibility(),
		busy:       make(map[string]bool),
	}

	// Responses to our own storage requests must be receivable before
	// READY; commands are only honoured once listening is set below.
	c.conn.Listen(c.handleMessage)

	c.store = state.New(state.Config{
		Logger:       c.log,
		Persister:    &storageProxy{c: c},
		PersistDelay: cfg.PersistDelay,
		HistoryLimit: cfg.HistoryLimit,
		LogLimit:     cfg.LogLimit,
		BridgeURL:    cfg.BridgeURL,
		Now:          cfg.Now,
	})
	if err := c.store.Load(); err != nil {
		c.log.Warn("overlay", "using default settings: %v", err)
	}
	c.store.AddLog("Overlay initializing", "info", "manager")

	c.analyzer = NewAnalyzer(cfg.SelectorDepth)
	c.sampler = layers.NewSampler(c.doc, cfg.MaxLayers, c.log)
	c.analyze = timer.NewDebouncer(cfg.AnalyzeDelay)

	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()

	if err := c.conn.Post(protocol.Ready()); err != nil {
		return nil, fmt.Errorf("overlay: announce ready: %w", err)
	}
	c.store.AddLog("Overlay initialized successfully", "success", "manager")
	return c, nil
}

// Store exposes the session state for rendering and inspection.
func (c *Controller) Store() *state.Store {
	return c.store
}

// Close stops the controller, restores hidden layers and flushes durable
// settings.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.listening = false
	c.analyze.Cancel()
	c.visibility.RestoreAll()
	c.mu.Unlock()

	c.store.Close()
	c.pending.Clear()
	c.store.AddLog("Overlay destroyed", "info", "manager")
}

// Busy reports whether an async operation on control is in flight.
func (c *Controller) Busy(control string) bool {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	return c.busy[control]
}

// setBusy marks control busy and returns the function that clears it.
func (c *Controller) setBusy(control string) func() {
	c.publishBusy(control, true)
	return func() { c.publishBusy(control, false) }
}

func (c *Controller) publishBusy(control string, on bool) {
	c.busyMu.Lock()
	if on {
		c.busy[control] = true
	} else {
		delete(c.busy, control)
	}
	snapshot := make(map[string]bool, len(c.busy))
	for k, v := range c.busy {
		snapshot[k] = v
	}
	c.busyMu.Unlock()
	c.store.Set(state.KeyBusy, snapshot)
}

// Snapshot returns the serializable session summary reported by getState.
func (c *Controller) Snapshot() protocol.Snapshot {
	return protocol.Snapshot{
		IsInspecting:    c.store.Bool(state.KeyIsInspecting),
		Locked:          c.store.Bool(state.KeyLocked),
		PanelShown:      c.store.Bool(state.KeyPanelVisible),
		BridgeConnected: c.store.Bool(state.KeyBridgeConnected),
		Selector:        c.store.String(state.KeyCurrentSelector),
		HistoryCount:    len(c.store.History()),
		LayerCount:      len(c.SampledLayers()),
	}
}

// handleMessage dispatches envelopes from the relay.
func (c *Controller) handleMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordMalformed("overlay")
		c.log.Warn("overlay", "dropping malformed message: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeStorageResp, protocol.TypeNativeResponse:
		if !c.pending.Resolve(env.RequestID, env) {
			c.log.Debug("overlay", "late %s %s ignored", env.Type, env.RequestID)
		}
	case protocol.TypeBridgeStatus:
		c.applyBridgeStatus(env.Bridge)
	case protocol.TypeRequest:
		c.mu.Lock()
		listening := c.listening
		c.mu.Unlock()
		if !listening {
			c.log.Debug("overlay", "%s arrived before listener, dropped", env.Action)
			return
		}
		c.handleRequest(env)
	default:
		c.log.Debug("overlay", "ignoring %s", env.Type)
	}
}

func (c *Controller) handleRequest(req protocol.Envelope) {
	c.log.Debug("overlay", "received action: %s", req.Action)

	var resp protocol.Envelope
	switch req.Action {
	case protocol.ActionToggleInspecting:
		on := c.ToggleInspecting()
		resp = protocol.Respond(req, protocol.Result{Success: true, IsInspecting: on})
	case protocol.ActionShowGUI:
		c.ShowPanel()
		resp = protocol.Respond(req, protocol.Result{Success: true, PanelShown: true})
	case protocol.ActionHideGUI:
		c.HidePanel()
		resp = protocol.Respond(req, protocol.Result{Success: true})
	case protocol.ActionGetState:
		snap := c.Snapshot()
		resp = protocol.Respond(req, protocol.Result{
			Success:      true,
			IsInspecting: snap.IsInspecting,
			Locked:       snap.Locked,
			PanelShown:   snap.PanelShown,
			State:        &snap,
		})
	default:
		c.log.Warn("overlay", "unknown action: %s", req.Action)
		resp = protocol.RespondError(req, "unknown action: "+string(req.Action))
	}

	if err := c.conn.Post(resp); err != nil {
		c.log.Error("overlay", "failed to answer %s: %v", req.Action, err)
	}
}

func (c *Controller) applyBridgeStatus(st *protocol.BridgeStatus) {
	if st == nil {
		return
	}
	was := c.store.Bool(state.KeyBridgeConnected)
	changes := map[string]any{state.KeyBridgeConnected: st.Connected}
	if st.LastPing != 0 {
		changes[state.KeyBridgeLastPing] = st.LastPing
	}
	c.store.Update(changes)

	if was != st.Connected {
		if st.Connected {
			c.store.AddLog("Bridge connected", "success", "bridge")
		} else {
			c.store.AddLog("Bridge disconnected", "warn", "bridge")
		}
	}
}

// storageProxy persists durable settings through STORAGE envelopes.
type storageProxy struct {
	c *Controller
}

func (p *storageProxy) LoadSettings() (json.RawMessage, error) {
	resp, err := p.c.storage(protocol.OpGet, state.SettingsKey, nil)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (p *storageProxy) SaveSettings(data json.RawMessage) error {
	_, err := p.c.storage(protocol.OpSet, state.SettingsKey, data)
	return err
}

// storage performs one storage round trip through the relay.
func (c *Controller) storage(op protocol.Op, key string, value json.RawMessage) (protocol.Envelope, error) {
	id := protocol.NewRequestID("storage")
	env := protocol.Storage(op, key, value, id)

	resp, err := c.pending.Call(id, c.cfg.StorageTimeout, func() error { return c.conn.Post(env) })
	if err != nil {
		if protocol.KindOf(err) == protocol.KindTimeout {
			metrics.RecordTimeout("storage")
		}
		return protocol.Envelope{}, protocol.E(protocol.KindStorage, "storage "+string(op), err)
	}
	if !resp.Succeeded() {
		return resp, protocol.E(protocol.KindStorage, "storage "+string(op), errors.New(resp.Error))
	}
	return resp, nil
}

// native performs one privileged call through the relay and singleton.
// Failures come back both as the result and as an error.
func (c *Controller) native(command string, payload any) (protocol.NativeResult, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return protocol.NativeResult{Error: err.Error()}, fmt.Errorf("encode %s payload: %w", command, err)
		}
		raw = data
	}

	id := protocol.NewRequestID("native")
	env := protocol.NativeRequest(command, raw, id)

	resp, err := c.pending.Call(id, c.cfg.NativeTimeout, func() error { return c.conn.Post(env) })
	if err != nil {
		if protocol.KindOf(err) == protocol.KindTimeout {
			metrics.RecordTimeout("native")
		}
		return protocol.NativeResult{Error: err.Error()}, protocol.E(protocol.KindNativeInvocation, command, err)
	}
	if resp.Response == nil {
		return protocol.NativeResult{Error: "empty response"}, protocol.E(protocol.KindNativeInvocation, command, errors.New("empty response"))
	}
	if !resp.Response.Success {
		return *resp.Response, protocol.E(protocol.KindNativeInvocation, command, errors.New(resp.Response.Error))
	}
	return *resp.Response, nil
}
