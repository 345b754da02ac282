package overlay

import (
	"fmt"
	"strings"

	"github.com/standardbeagle/hlassist/internal/dom"
	"github.com/standardbeagle/hlassist/internal/layers"
	"github.com/standardbeagle/hlassist/internal/protocol"
	"github.com/standardbeagle/hlassist/internal/state"
)

// KeyEvent is a keyboard event with its modifier state.
type KeyEvent struct {
	Key   string
	Ctrl  bool
	Meta  bool
	Shift bool
}

func (k KeyEvent) modifier() bool {
	return k.Ctrl || k.Meta
}

// ToggleInspecting switches between idle and inspecting and returns the
// new state. Turning inspection off also releases any lock.
func (c *Controller) ToggleInspecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toggleLocked()
}

func (c *Controller) toggleLocked() bool {
	if c.store.Bool(state.KeyIsInspecting) {
		c.analyze.Cancel()
		c.store.ResetInspection()
		c.store.AddLog("Inspection mode disabled", "info", "events")
		return false
	}
	c.store.Set(state.KeyIsInspecting, true)
	c.store.AddLog("Inspection mode enabled", "info", "events")
	return true
}

// ShowPanel makes the control panel visible.
func (c *Controller) ShowPanel() {
	c.store.Set(state.KeyPanelVisible, true)
	c.store.AddLog("GUI panel opened", "info", "manager")
}

// HidePanel hides the control panel.
func (c *Controller) HidePanel() {
	c.store.Set(state.KeyPanelVisible, false)
	c.store.AddLog("GUI panel closed", "info", "manager")
}

// MouseOver tracks the hovered element. It only applies while inspecting
// and unlocked; the overlay's own UI is ignored.
func (c *Controller) MouseOver(target dom.Element, x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.store.Bool(state.KeyIsInspecting) || c.store.Bool(state.KeyLocked) {
		return
	}
	if target == nil || dom.IsToolUI(target) {
		return
	}

	c.store.Update(map[string]any{
		state.KeyHoveredElement: target,
		state.KeyMouseX:         x,
		state.KeyMouseY:         y,
		state.KeyCurrentRect:    target.Rect(),
	})

	c.analyze.Schedule(func() { c.analyzeHovered(target) })
}

// analyzeHovered runs the debounced analysis unless a lock happened in the
// meantime.
func (c *Controller) analyzeHovered(target dom.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.store.Bool(state.KeyLocked) || !c.store.Bool(state.KeyIsInspecting) {
		return
	}
	a := c.analyzer.Analyze(target)
	c.store.Update(map[string]any{
		state.KeyAnalysis:        a,
		state.KeyCurrentSelector: a.Selector,
	})
}

// Click locks target when auto-lock is on or the modifier is held. It
// returns whether the click was consumed.
func (c *Controller) Click(target dom.Element, x, y float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.store.Bool(state.KeyIsInspecting) || target == nil || dom.IsToolUI(target) {
		return false
	}
	if !c.store.Bool(state.KeyAutoLockMode) && !c.modifier {
		return false
	}

	c.store.Update(map[string]any{state.KeyMouseX: x, state.KeyMouseY: y})
	c.lockLocked(target)
	return true
}

// Lock fixes el for detailed inspection, regardless of mode flags.
func (c *Controller) Lock(el dom.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockLocked(el)
}

func (c *Controller) lockLocked(el dom.Element) {
	c.analyze.Cancel()

	a := c.analyzer.Analyze(el)
	c.store.Update(map[string]any{
		state.KeyLocked:          true,
		state.KeyCurrentElement:  el,
		state.KeyHoveredElement:  nil,
		state.KeyAnalysis:        a,
		state.KeyCurrentSelector: a.Selector,
		state.KeyCurrentRect:     a.Rect,
	})

	entry := state.NewHistoryEntry(a.Selector, a.TagName, el.Text(), c.cfg.Now())
	c.store.AddHistory(entry)
	c.store.AddLog("Locked element: "+a.TagName, "success", "events")
}

// Unlock releases the locked element and returns to inspecting.
func (c *Controller) Unlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlockLocked()
}

func (c *Controller) unlockLocked() {
	c.store.Update(map[string]any{
		state.KeyLocked:         false,
		state.KeyCurrentElement: nil,
		state.KeyAnalysis:       nil,
	})
	c.store.AddLog("Element unlocked", "info", "events")
}

// KeyDown handles shortcuts. Ctrl/Cmd+Shift+H toggles inspection; Escape
// unlocks, or stops inspecting when nothing is locked. Nothing is handled
// while shortcuts are disabled. It returns whether the key was consumed.
func (c *Controller) KeyDown(ev KeyEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.store.Bool(state.KeyShortcuts) {
		return false
	}
	c.modifier = ev.modifier()

	if ev.modifier() && ev.Shift && strings.EqualFold(ev.Key, "h") {
		c.toggleLocked()
		return true
	}

	if ev.Key == "Escape" {
		switch {
		case c.store.Bool(state.KeyLocked):
			c.unlockLocked()
			return true
		case c.store.Bool(state.KeyIsInspecting):
			c.toggleLocked()
			return true
		}
	}
	return false
}

// KeyUp clears the held modifier once it is released.
func (c *Controller) KeyUp(ev KeyEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ev.modifier() {
		c.modifier = false
	}
}

// ContextPoint opens the layer explorer for the stack under (x, y).
func (c *Controller) ContextPoint(x, y float64) []layers.Layer {
	c.mu.Lock()
	defer c.mu.Unlock()

	els := c.sampler.Sample(x, y)
	c.layerEls = els
	desc := layers.Describe(els)

	c.store.Update(map[string]any{
		state.KeySampledLayers: desc,
		state.KeyLayerExplorer: true,
	})
	c.store.AddLog(fmt.Sprintf("Sampled %d layers", len(els)), "info", "layers")
	return desc
}

// SampledLayers returns the descriptors of the last sample.
func (c *Controller) SampledLayers() []layers.Layer {
	v, _ := c.store.Get(state.KeySampledLayers).([]layers.Layer)
	return v
}

// SelectLayer locks the sampled layer at index.
func (c *Controller) SelectLayer(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, err := layers.At(c.layerEls, index)
	if err != nil {
		return err
	}
	c.lockLocked(el)
	return nil
}

// ToggleLayer hides or shows the sampled layer at index and returns
// whether it is now hidden.
func (c *Controller) ToggleLayer(index int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, err := layers.At(c.layerEls, index)
	if err != nil {
		return false, err
	}
	hidden := c.visibility.Toggle(el)

	desc := layers.Describe(c.layerEls)
	c.store.Set(state.KeySampledLayers, desc)
	return hidden, nil
}

// CloseLayerExplorer restores hidden layers and closes the explorer.
func (c *Controller) CloseLayerExplorer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.visibility.RestoreAll(); n > 0 {
		c.store.AddLog(fmt.Sprintf("Restored %d hidden layers", n), "info", "layers")
	}
	c.layerEls = nil
	c.store.Update(map[string]any{
		state.KeySampledLayers: []layers.Layer{},
		state.KeyLayerExplorer: false,
	})
}

// CopySelector returns the current selector, or ErrNoSelection.
func (c *Controller) CopySelector() (string, error) {
	sel := c.store.String(state.KeyCurrentSelector)
	if sel == "" {
		return "", ErrNoSelection
	}
	c.store.AddLog("Copied selector to clipboard", "success", "events")
	return sel, nil
}

// CopyXPath returns the XPath of the locked element, or ErrNoSelection.
func (c *Controller) CopyXPath() (string, error) {
	el, ok := c.store.Get(state.KeyCurrentElement).(dom.Element)
	if !ok || el == nil {
		return "", ErrNoSelection
	}
	c.store.AddLog("Copied XPath to clipboard", "success", "events")
	return XPath(el), nil
}

// SendToAI sends the locked element's context to the assistant through
// the bridge.
func (c *Controller) SendToAI() error {
	el, ok := c.store.Get(state.KeyCurrentElement).(dom.Element)
	if !ok || el == nil {
		c.store.AddLog("No element selected", "warn", "events")
		return ErrNoSelection
	}

	defer c.setBusy(ControlSendToAI)()

	c.mu.Lock()
	ctx := c.analyzer.BuildContext(el, c.cfg.Now().UnixMilli())
	c.mu.Unlock()
	ctx.URL = c.cfg.PageURL

	if _, err := c.native(protocol.CommandSendToAI, ctx); err != nil {
		c.store.AddLog("AI send failed: "+err.Error(), "error", "events")
		return err
	}
	c.store.AddLog("Sent to AI assistant", "success", "events")
	return nil
}

// ConnectBridge asks the singleton to connect to the configured bridge URL.
func (c *Controller) ConnectBridge() error {
	defer c.setBusy(ControlBridge)()

	url := c.store.String(state.KeyBridgeURL)
	c.store.AddLog("Connecting to bridge: "+url, "info", "bridge")
	if _, err := c.native(protocol.CommandBridgeConnect, map[string]string{"url": url}); err != nil {
		c.store.AddLog("Bridge connect failed: "+err.Error(), "error", "bridge")
		return err
	}
	return nil
}

// DisconnectBridge asks the singleton to drop the bridge connection.
func (c *Controller) DisconnectBridge() error {
	defer c.setBusy(ControlBridge)()

	if _, err := c.native(protocol.CommandBridgeDisconnect, nil); err != nil {
		c.store.AddLog("Bridge disconnect failed: "+err.Error(), "error", "bridge")
		return err
	}
	return nil
}

// ToggleBridge connects or disconnects depending on the current status.
func (c *Controller) ToggleBridge() error {
	if c.store.Bool(state.KeyBridgeConnected) {
		return c.DisconnectBridge()
	}
	return c.ConnectBridge()
}
