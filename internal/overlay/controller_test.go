package overlay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/dom"
	"github.com/standardbeagle/hlassist/internal/protocol"
	"github.com/standardbeagle/hlassist/internal/relay"
	"github.com/standardbeagle/hlassist/internal/state"
	"github.com/standardbeagle/hlassist/internal/store"
)

const pageFixture = `
title: Shop
root:
  tag: body
  rect: {x: 0, y: 0, width: 1000, height: 800}
  children:
    - tag: main
      id: content
      rect: {x: 0, y: 0, width: 800, height: 800}
      children:
        - tag: button
          class: buy primary
          text: Buy now
          rect: {x: 10, y: 10, width: 100, height: 40}
        - tag: p
          text: Description
          rect: {x: 10, y: 100, width: 300, height: 40}
    - tag: aside
      attrs: {data-ha-ui: "control-panel"}
      z: 1000
      rect: {x: 800, y: 0, width: 200, height: 800}
      children:
        - tag: button
          text: Close
          rect: {x: 810, y: 10, width: 50, height: 20}
`

// clock is a controllable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// rig wires a controller to a real relay and a fake singleton.
type rig struct {
	page    *dom.Page
	relay   *relay.Relay
	back    *relay.Conn
	storage *store.MemoryBackend
	clock   *clock
	seen    chan protocol.Envelope

	mu     sync.Mutex
	native func(protocol.Envelope) protocol.NativeResult
}

func newRig(t *testing.T) *rig {
	t.Helper()
	page, err := dom.ParseFixture([]byte(pageFixture))
	require.NoError(t, err)

	r := &rig{
		page:    page,
		storage: store.NewMemoryBackend(),
		clock:   &clock{now: time.UnixMilli(1_700_000_000_000)},
		seen:    make(chan protocol.Envelope, 64),
		native: func(protocol.Envelope) protocol.NativeResult {
			return protocol.NativeResult{Success: true}
		},
	}
	return r
}

// start links the relay. loader, when set, runs on the first command.
func (r *rig) start(t *testing.T, loader relay.Loader) *relay.Conn {
	t.Helper()
	log := debug.Discard()
	relayOverlay, overlay := relay.Link("relay", "overlay", log)
	relayBack, back := relay.Link("relay", "background", log)

	r.back = back
	r.relay = relay.New(relay.Config{
		Logger:    log,
		Storage:   r.storage,
		Loader:    loader,
		UITimeout: 2 * time.Second,
	}, relayOverlay, relayBack)

	back.Listen(func(data []byte) {
		env, err := protocol.Decode(data)
		if err != nil {
			return
		}
		if env.Type == protocol.TypeNativeRequest {
			r.mu.Lock()
			fn := r.native
			r.mu.Unlock()
			back.Post(protocol.NativeResponse(env, fn(env)))
		}
		r.seen <- env
	})
	r.relay.Start()
	t.Cleanup(r.relay.Stop)
	return overlay
}

func (r *rig) controllerConfig(conn *relay.Conn) Config {
	return Config{
		Logger:       debug.Discard(),
		Document:     r.page,
		Conn:         conn,
		PageURL:      "http://localhost:3000/shop",
		AnalyzeDelay: 10 * time.Millisecond,
		PersistDelay: 10 * time.Millisecond,
		Now:          r.clock.Now,
	}
}

func (r *rig) controller(t *testing.T) *Controller {
	t.Helper()
	conn := r.start(t, nil)
	c, err := New(r.controllerConfig(conn))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.Eventually(t, r.relay.Ready, time.Second, 5*time.Millisecond)
	return c
}

func (r *rig) setNative(fn func(protocol.Envelope) protocol.NativeResult) {
	r.mu.Lock()
	r.native = fn
	r.mu.Unlock()
}

func (r *rig) next(t *testing.T, typ protocol.Type) protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-r.seen:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s reached the background", typ)
		}
	}
}

func (r *rig) el(t *testing.T, sel string) dom.Element {
	t.Helper()
	el := r.page.QuerySelector(sel)
	require.NotNil(t, el, sel)
	return el
}

func TestInspectionLifecycle(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	s := c.Store()
	button := r.el(t, "button.buy")
	para := r.el(t, "p")

	assert.True(t, c.ToggleInspecting())
	assert.True(t, s.Bool(state.KeyIsInspecting))

	c.MouseOver(button, 20, 20)
	assert.Equal(t, button, s.Get(state.KeyHoveredElement))
	require.Eventually(t, func() bool {
		return s.String(state.KeyCurrentSelector) == "#content > button.buy.primary"
	}, time.Second, 5*time.Millisecond)

	// A plain click does not lock.
	assert.False(t, c.Click(button, 20, 20))
	assert.False(t, s.Bool(state.KeyLocked))

	// Modifier + click locks.
	c.KeyDown(KeyEvent{Key: "Control", Ctrl: true})
	assert.True(t, c.Click(button, 20, 20))
	c.KeyUp(KeyEvent{Key: "Control"})
	assert.True(t, s.Bool(state.KeyLocked))
	assert.Equal(t, button, s.Get(state.KeyCurrentElement))
	assert.Nil(t, s.Get(state.KeyHoveredElement))
	require.Len(t, s.History(), 1)
	assert.Equal(t, "button", s.History()[0].TagName)

	// Hover is ignored while locked.
	c.MouseOver(para, 20, 110)
	assert.Nil(t, s.Get(state.KeyHoveredElement))
	assert.Equal(t, button, s.Get(state.KeyCurrentElement))

	// Escape unlocks, then stops inspecting.
	assert.True(t, c.KeyDown(KeyEvent{Key: "Escape"}))
	assert.False(t, s.Bool(state.KeyLocked))
	assert.True(t, s.Bool(state.KeyIsInspecting))

	assert.True(t, c.KeyDown(KeyEvent{Key: "Escape"}))
	assert.False(t, s.Bool(state.KeyIsInspecting))
	assert.False(t, c.KeyDown(KeyEvent{Key: "Escape"}))
}

func TestHoverIgnoredWhenIdleOrToolUI(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	s := c.Store()

	c.MouseOver(r.el(t, "p"), 1, 1)
	assert.Nil(t, s.Get(state.KeyHoveredElement), "idle")

	c.ToggleInspecting()
	panelButton := r.page.ElementFromPoint(815, 15)
	require.NotNil(t, panelButton)
	c.MouseOver(panelButton, 815, 15)
	assert.Nil(t, s.Get(state.KeyHoveredElement), "tool UI")

	c.KeyDown(KeyEvent{Key: "Meta", Meta: true})
	assert.False(t, c.Click(panelButton, 815, 15))
}

func TestAutoLockMode(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	s := c.Store()

	s.Set(state.KeyAutoLockMode, true)
	c.ToggleInspecting()
	assert.True(t, c.Click(r.el(t, "p"), 20, 110))
	assert.True(t, s.Bool(state.KeyLocked))

	// Re-locking a different element replaces the lock.
	assert.True(t, c.Click(r.el(t, "button.buy"), 20, 20))
	assert.Equal(t, r.el(t, "button.buy"), s.Get(state.KeyCurrentElement))
	assert.Len(t, s.History(), 2)
}

func TestShortcuts(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	s := c.Store()

	assert.True(t, c.KeyDown(KeyEvent{Key: "H", Ctrl: true, Shift: true}))
	assert.True(t, s.Bool(state.KeyIsInspecting))
	assert.True(t, c.KeyDown(KeyEvent{Key: "h", Meta: true, Shift: true}))
	assert.False(t, s.Bool(state.KeyIsInspecting))
	assert.False(t, c.KeyDown(KeyEvent{Key: "h", Shift: true}))

	s.Set(state.KeyShortcuts, false)
	assert.False(t, c.KeyDown(KeyEvent{Key: "h", Ctrl: true, Shift: true}))
	assert.False(t, s.Bool(state.KeyIsInspecting))
}

func TestLockHistoryDedup(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	button := r.el(t, "button.buy")

	c.Lock(button)
	c.Lock(button)
	assert.Len(t, c.Store().History(), 1)

	r.clock.Advance(1001 * time.Millisecond)
	c.Lock(button)
	assert.Len(t, c.Store().History(), 2)
}

func TestQueuedToggleBeforeReady(t *testing.T) {
	r := newRig(t)

	var (
		mu   sync.Mutex
		ctrl *Controller
		conn *relay.Conn
	)
	conn = r.start(t, func() error {
		c, err := New(r.controllerConfig(conn))
		if err != nil {
			return err
		}
		mu.Lock()
		ctrl = c
		mu.Unlock()
		return nil
	})
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		if ctrl != nil {
			ctrl.Close()
		}
	})

	require.NoError(t, r.back.Post(protocol.Request(protocol.ActionToggleInspecting, "startup")))

	resp := r.next(t, protocol.TypeResponse)
	assert.Equal(t, "startup", resp.RequestID)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Success)
	assert.True(t, resp.IsInspecting)
	assert.True(t, r.relay.Ready())
}

func TestGetStateAndPanel(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	c.Lock(r.el(t, "p"))

	require.NoError(t, r.back.Post(protocol.Request(protocol.ActionHideGUI, "hide")))
	assert.True(t, r.next(t, protocol.TypeResponse).Success)
	assert.False(t, c.Store().Bool(state.KeyPanelVisible))

	require.NoError(t, r.back.Post(protocol.Request(protocol.ActionGetState, "get")))
	resp := r.next(t, protocol.TypeResponse)
	require.NotNil(t, resp.State)
	assert.True(t, resp.Locked)
	assert.False(t, resp.State.PanelShown)
	assert.Equal(t, "#content > p", resp.State.Selector)
	assert.Equal(t, 1, resp.State.HistoryCount)

	require.NoError(t, r.back.Post(protocol.Request(protocol.ActionShowGUI, "show")))
	resp = r.next(t, protocol.TypeResponse)
	assert.True(t, resp.PanelShown)
}

func TestSettingsLoadAndPersist(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	saved := `{"autoLockMode":true,"keyboardShortcutsEnabled":false,"overlayOpacity":0.5,
		"inspectionHistory":[{"selector":"#old","tagName":"div","textContent":"","timestamp":1}]}`
	require.NoError(t, r.storage.Set(ctx, state.SettingsKey, json.RawMessage(saved)))

	c := r.controller(t)
	s := c.Store()
	assert.True(t, s.Bool(state.KeyAutoLockMode))
	assert.False(t, s.Bool(state.KeyShortcuts))
	assert.Equal(t, 0.5, s.Float(state.KeyOverlayOpacity))
	require.Len(t, s.History(), 1)

	c.Lock(r.el(t, "button.buy"))

	require.Eventually(t, func() bool {
		raw, ok, err := r.storage.Get(ctx, state.SettingsKey)
		if err != nil || !ok {
			return false
		}
		var got struct {
			InspectionHistory []state.HistoryEntry `json:"inspectionHistory"`
			CurrentElement    any                  `json:"currentElement"`
		}
		if json.Unmarshal(raw, &got) != nil {
			return false
		}
		return len(got.InspectionHistory) == 2 && got.CurrentElement == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendToAI(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)

	assert.ErrorIs(t, c.SendToAI(), ErrNoSelection)

	got := make(chan ElementContext, 1)
	r.setNative(func(env protocol.Envelope) protocol.NativeResult {
		if env.Command == protocol.CommandSendToAI {
			var ctx ElementContext
			json.Unmarshal(env.Payload, &ctx)
			got <- ctx
		}
		return protocol.NativeResult{Success: true, Response: json.RawMessage(`{"status":"sent"}`)}
	})

	c.Lock(r.el(t, "button.buy"))
	require.NoError(t, c.SendToAI())
	assert.False(t, c.Busy(ControlSendToAI))

	ctx := <-got
	assert.Equal(t, "#content > button.buy.primary", ctx.Selector)
	assert.Equal(t, "button", ctx.TagName)
	assert.Equal(t, "Buy now", ctx.TextContent)
	assert.Equal(t, "http://localhost:3000/shop", ctx.URL)

	logs := c.Store().Logs()
	assert.Equal(t, "Sent to AI assistant", logs[len(logs)-1].Message)
}

func TestSendToAIFailureClearsBusy(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	r.setNative(func(protocol.Envelope) protocol.NativeResult {
		return protocol.NativeResult{Success: false, Error: protocol.ErrNotConnected.Error()}
	})

	c.Lock(r.el(t, "p"))
	err := c.SendToAI()
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrNativeInvocation)
	assert.False(t, c.Busy(ControlSendToAI))

	logs := c.Store().Logs()
	assert.Equal(t, "error", logs[len(logs)-1].Level)
}

func TestBridgeControls(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)

	var commands []string
	var mu sync.Mutex
	r.setNative(func(env protocol.Envelope) protocol.NativeResult {
		mu.Lock()
		commands = append(commands, env.Command)
		mu.Unlock()
		return protocol.NativeResult{Success: true}
	})

	require.NoError(t, c.ToggleBridge())
	require.NoError(t, r.back.Post(protocol.Status(protocol.BridgeStatus{Connected: true, LastPing: 99})))
	require.Eventually(t, func() bool { return c.Store().Bool(state.KeyBridgeConnected) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(99), c.Store().Get(state.KeyBridgeLastPing))

	require.NoError(t, c.ToggleBridge())
	assert.False(t, c.Busy(ControlBridge))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{protocol.CommandBridgeConnect, protocol.CommandBridgeDisconnect}, commands)
}

func TestLayerExplorer(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)
	s := c.Store()

	got := c.ContextPoint(20, 20)
	require.Len(t, got, 3)
	assert.Equal(t, "button.buy.primary", got[0].Label)
	assert.Equal(t, "main#content", got[1].Label)
	assert.True(t, s.Bool(state.KeyLayerExplorer))

	for _, n := range r.page.Nodes() {
		assert.Empty(t, n.Style("pointer-events"), "pointer-events restored on %s", n.TagName())
	}

	hidden, err := c.ToggleLayer(0)
	require.NoError(t, err)
	assert.True(t, hidden)
	assert.True(t, c.SampledLayers()[0].Hidden)

	require.NoError(t, c.SelectLayer(1))
	assert.Equal(t, "#content", s.String(state.KeyCurrentSelector))

	_, err = c.ToggleLayer(7)
	assert.Error(t, err)

	c.CloseLayerExplorer()
	assert.False(t, s.Bool(state.KeyLayerExplorer))
	assert.Empty(t, r.el(t, "button.buy").Style("visibility"))
}

func TestCopyHelpers(t *testing.T) {
	r := newRig(t)
	c := r.controller(t)

	_, err := c.CopyXPath()
	assert.ErrorIs(t, err, ErrNoSelection)

	c.Lock(r.el(t, "p"))
	xp, err := c.CopyXPath()
	require.NoError(t, err)
	assert.Equal(t, `//*[@id="content"]/p[1]`, xp)

	sel, err := c.CopySelector()
	require.NoError(t, err)
	assert.Equal(t, "#content > p", sel)
}
