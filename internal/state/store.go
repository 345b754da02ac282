package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/timer"
)

// Persister is the durable storage collaborator. LoadSettings returns nil
// when nothing has been saved yet.
type Persister interface {
	LoadSettings() (json.RawMessage, error)
	SaveSettings(data json.RawMessage) error
}

// Subscriber is called with the new and previous value of a key.
type Subscriber func(newValue, oldValue any)

// Config configures a Store. Zero values take defaults.
type Config struct {
	Logger       *debug.Logger
	Persister    Persister
	PersistDelay time.Duration
	HistoryLimit int
	LogLimit     int
	DedupWindow  time.Duration
	BridgeURL    string
	Now          func() time.Time
}

type subscription struct {
	id uint64
	fn Subscriber
}

// Store is the single source of truth for a session. All mutation goes
// through Set, Update and the history/log helpers.
type Store struct {
	cfg     Config
	log     *debug.Logger
	durable map[string]bool
	persist *timer.Debouncer

	mu      sync.Mutex
	values  map[string]any
	history []HistoryEntry
	logs    []LogEntry
	subs    map[string][]subscription
	nextID  uint64
	closed  bool
}

// New creates a store seeded with default values.
func New(cfg Config) *Store {
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = 500 * time.Millisecond
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = DefaultLogLimit
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		cfg:     cfg,
		log:     debug.Or(cfg.Logger),
		durable: make(map[string]bool, len(DurableKeys)),
		persist: timer.NewDebouncer(cfg.PersistDelay),
		subs:    make(map[string][]subscription),
		values: map[string]any{
			KeyIsInspecting:      false,
			KeyLocked:            false,
			KeyCurrentSelector:   "",
			KeyMouseX:            0.0,
			KeyMouseY:            0.0,
			KeyPanelVisible:      true,
			KeyLayerExplorer:     false,
			KeyBridgeURL:         cfg.BridgeURL,
			KeyBridgeConnected:   false,
			KeyAutoLockMode:      false,
			KeyShortcuts:         true,
			KeyOverlayOpacity:    DefaultOverlayOpacity,
			KeyInspectionHistory: []HistoryEntry{},
		},
	}
	for _, k := range DurableKeys {
		s.durable[k] = true
	}
	return s
}

// IsDurable reports whether key is persisted.
func (s *Store) IsDurable(key string) bool {
	return s.durable[key]
}

// Get returns the value for key, or nil.
func (s *Store) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Bool returns key as a bool, false if unset or of another type.
func (s *Store) Bool(key string) bool {
	b, _ := s.Get(key).(bool)
	return b
}

// String returns key as a string.
func (s *Store) String(key string) string {
	v, _ := s.Get(key).(string)
	return v
}

// Float returns key as a float64.
func (s *Store) Float(key string) float64 {
	switch v := s.Get(key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Set stores value and notifies subscribers of key.
func (s *Store) Set(key string, value any) {
	s.Update(map[string]any{key: value})
}

// Update applies all changes before notifying. Subscribers of each key are
// notified in key order; persistence is scheduled at most once.
func (s *Store) Update(changes map[string]any) {
	type change struct {
		key      string
		old, new any
		subs     []subscription
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	pending := make([]change, 0, len(keys))
	touchedDurable := false
	for _, k := range keys {
		v := changes[k]
		if k == KeyInspectionHistory {
			if h, ok := v.([]HistoryEntry); ok {
				s.history = append([]HistoryEntry(nil), h...)
				v = s.historyCopyLocked()
			}
		}
		old := s.values[k]
		s.values[k] = v
		if s.durable[k] {
			touchedDurable = true
		}
		pending = append(pending, change{key: k, old: old, new: v, subs: append([]subscription(nil), s.subs[k]...)})
	}
	closed := s.closed
	s.mu.Unlock()

	for _, c := range pending {
		for _, sub := range c.subs {
			s.call(c.key, sub.fn, c.new, c.old)
		}
	}

	if touchedDurable && !closed && s.cfg.Persister != nil {
		s.persist.Schedule(s.save)
	}
}

func (s *Store) call(key string, fn Subscriber, newValue, oldValue any) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("state", "subscriber for %s panicked: %v", key, r)
		}
	}()
	fn(newValue, oldValue)
}

// Subscribe registers fn for changes to key. The returned function removes
// the subscription; calling it more than once is harmless.
func (s *Store) Subscribe(key string, fn Subscriber) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[key] = append(s.subs[key], subscription{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[key]
		for i, sub := range subs {
			if sub.id == id {
				s.subs[key] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// AddHistory appends entry unless the same selector was recorded within
// the dedup window. The oldest entry is evicted past the limit.
func (s *Store) AddHistory(entry HistoryEntry) bool {
	now := s.cfg.Now().UnixMilli()
	if entry.Timestamp == 0 {
		entry.Timestamp = now
	}

	s.mu.Lock()
	for _, h := range s.history {
		if h.Selector == entry.Selector && now-h.Timestamp < s.cfg.DedupWindow.Milliseconds() {
			s.mu.Unlock()
			s.log.Debug("state", "skipping duplicate history entry %s", entry.Selector)
			return false
		}
	}
	s.history = append(s.history, entry)
	if over := len(s.history) - s.cfg.HistoryLimit; over > 0 {
		s.history = append([]HistoryEntry(nil), s.history[over:]...)
	}
	h := s.historyCopyLocked()
	s.mu.Unlock()

	s.Set(KeyInspectionHistory, h)
	return true
}

// History returns a copy of the inspection history, oldest first.
func (s *Store) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyCopyLocked()
}

func (s *Store) historyCopyLocked() []HistoryEntry {
	return append([]HistoryEntry{}, s.history...)
}

// AddLog appends a session log entry and mirrors it to the process logger.
func (s *Store) AddLog(message, level, source string) {
	if source == "" {
		source = "overlay"
	}
	entry := LogEntry{
		Timestamp: s.cfg.Now().UnixMilli(),
		Level:     level,
		Message:   message,
		Source:    source,
	}

	s.mu.Lock()
	s.logs = append(s.logs, entry)
	if over := len(s.logs) - s.cfg.LogLimit; over > 0 {
		s.logs = append([]LogEntry(nil), s.logs[over:]...)
	}
	logs := append([]LogEntry(nil), s.logs...)
	s.mu.Unlock()

	switch level {
	case "error":
		s.log.Error(source, "%s", message)
	case "warn":
		s.log.Warn(source, "%s", message)
	default:
		s.log.Debug(source, "%s", message)
	}

	s.Set(KeyLogs, logs)
}

// Logs returns a copy of the session log, oldest first.
func (s *Store) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.logs...)
}

// ResetInspection returns the session to idle.
func (s *Store) ResetInspection() {
	s.Update(map[string]any{
		KeyIsInspecting:    false,
		KeyLocked:          false,
		KeyCurrentElement:  nil,
		KeyHoveredElement:  nil,
		KeyCurrentSelector: "",
		KeyCurrentRect:     nil,
		KeyAnalysis:        nil,
	})
}

// DurableSnapshot serializes the durable subset. Live handles and values
// that cannot be encoded are skipped with a warning.
func (s *Store) DurableSnapshot() (json.RawMessage, error) {
	s.mu.Lock()
	out := make(map[string]any, len(DurableKeys))
	for _, k := range DurableKeys {
		v := s.values[k]
		if k == KeyInspectionHistory {
			v = s.historyCopyLocked()
		}
		out[k] = v
	}
	s.mu.Unlock()

	for k, v := range out {
		if containsLiveHandle(v) {
			s.log.Warn("state", "refusing to persist live handle under %s", k)
			delete(out, k)
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			s.log.Warn("state", "skipping unserializable %s: %v", k, err)
			delete(out, k)
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	return data, nil
}

func containsLiveHandle(v any) bool {
	switch x := v.(type) {
	case LiveHandle:
		return true
	case []any:
		for _, e := range x {
			if containsLiveHandle(e) {
				return true
			}
		}
	case map[string]any:
		for _, e := range x {
			if containsLiveHandle(e) {
				return true
			}
		}
	}
	return false
}

func (s *Store) save() {
	data, err := s.DurableSnapshot()
	if err != nil {
		s.log.Error("state", "save failed: %v", err)
		return
	}
	if err := s.cfg.Persister.SaveSettings(data); err != nil {
		s.log.Error("state", "save failed: %v", err)
		return
	}
	s.log.Debug("state", "settings saved")
}

// storedSettings mirrors the persisted layout.
type storedSettings struct {
	BridgeURL                *string        `json:"bridgeUrl"`
	AutoLockMode             *bool          `json:"autoLockMode"`
	KeyboardShortcutsEnabled *bool          `json:"keyboardShortcutsEnabled"`
	OverlayOpacity           *float64       `json:"overlayOpacity"`
	InspectionHistory        []HistoryEntry `json:"inspectionHistory"`
}

// Load reads the durable subset and seeds the store. Seeding does not
// notify subscribers and does not schedule a save. A missing settings
// record leaves defaults in place.
func (s *Store) Load() error {
	if s.cfg.Persister == nil {
		return nil
	}
	data, err := s.cfg.Persister.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var st storedSettings
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st.BridgeURL != nil && *st.BridgeURL != "" {
		s.values[KeyBridgeURL] = *st.BridgeURL
	}
	s.values[KeyAutoLockMode] = st.AutoLockMode != nil && *st.AutoLockMode
	s.values[KeyShortcuts] = st.KeyboardShortcutsEnabled == nil || *st.KeyboardShortcutsEnabled
	if st.OverlayOpacity != nil && *st.OverlayOpacity > 0 {
		s.values[KeyOverlayOpacity] = *st.OverlayOpacity
	} else {
		s.values[KeyOverlayOpacity] = DefaultOverlayOpacity
	}

	h := st.InspectionHistory
	if over := len(h) - s.cfg.HistoryLimit; over > 0 {
		h = h[over:]
	}
	s.history = append([]HistoryEntry(nil), h...)
	s.values[KeyInspectionHistory] = s.historyCopyLocked()
	return nil
}

// Flush writes pending durable changes immediately.
func (s *Store) Flush() bool {
	return s.persist.Flush()
}

// Close flushes pending durable changes and stops further persistence.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.persist.Flush()
}
