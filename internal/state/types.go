// Package state implements the reactive session store behind the overlay:
// keyed values, per-key subscriptions, and debounced persistence of the
// durable settings.
package state

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Session keys.
const (
	KeyIsInspecting      = "isInspecting"
	KeyLocked            = "locked"
	KeyCurrentElement    = "currentElement"
	KeyHoveredElement    = "hoveredElement"
	KeyCurrentSelector   = "currentSelector"
	KeyCurrentRect       = "currentRect"
	KeyAnalysis          = "analysis"
	KeyMouseX            = "mouseX"
	KeyMouseY            = "mouseY"
	KeyPanelVisible      = "panelVisible"
	KeyLayerExplorer     = "layerExplorerOpen"
	KeySampledLayers     = "sampledLayers"
	KeyBridgeURL         = "bridgeUrl"
	KeyBridgeConnected   = "bridgeConnected"
	KeyBridgeLastPing    = "bridgeLastPing"
	KeyAutoLockMode      = "autoLockMode"
	KeyShortcuts         = "keyboardShortcutsEnabled"
	KeyOverlayOpacity    = "overlayOpacity"
	KeyInspectionHistory = "inspectionHistory"
	KeyLogs              = "logs"
	KeyBusy              = "busy"
)

// DurableKeys are persisted across overlay sessions.
var DurableKeys = []string{
	KeyBridgeURL,
	KeyAutoLockMode,
	KeyShortcuts,
	KeyOverlayOpacity,
	KeyInspectionHistory,
}

// SettingsKey is the storage key the durable subset is written under.
const SettingsKey = "highlightAssist_settings"

// Defaults for durable settings.
const (
	DefaultBridgeURL      = "ws://localhost:5055"
	DefaultOverlayOpacity = 0.95
)

// Limits.
const (
	DefaultHistoryLimit = 20
	DefaultLogLimit     = 100
	DefaultDedupWindow  = time.Second
	MaxSnippetLength    = 50
)

// LiveHandle marks values that are only meaningful inside the current
// context, such as page elements. They are never persisted.
type LiveHandle interface {
	LiveHandle()
}

// HistoryEntry records one locked element.
type HistoryEntry struct {
	Selector    string `json:"selector"`
	TagName     string `json:"tagName"`
	TextContent string `json:"textContent"`
	Timestamp   int64  `json:"timestamp"`
}

// NewHistoryEntry builds an entry, lowercasing the tag and truncating the
// text snippet.
func NewHistoryEntry(selector, tagName, text string, at time.Time) HistoryEntry {
	return HistoryEntry{
		Selector:    selector,
		TagName:     strings.ToLower(tagName),
		TextContent: Truncate(strings.TrimSpace(text), MaxSnippetLength),
		Timestamp:   at.UnixMilli(),
	}
}

// LogEntry is a session log line shown in the overlay.
type LogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Source    string `json:"source"`
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
