package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/standardbeagle/hlassist/internal/debug"
)

type fakePersister struct {
	mu    sync.Mutex
	saved []json.RawMessage
	load  json.RawMessage
	err   error
}

func (p *fakePersister) LoadSettings() (json.RawMessage, error) {
	return p.load, p.err
}

func (p *fakePersister) SaveSettings(data json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, data)
	return nil
}

func (p *fakePersister) saves() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]json.RawMessage(nil), p.saved...)
}

type fakeElement struct{ id string }

func (fakeElement) LiveHandle() {}

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

func newTestStore(p Persister, c *clock) *Store {
	cfg := Config{Logger: debug.Discard(), Persister: p, PersistDelay: 20 * time.Millisecond}
	if c != nil {
		cfg.Now = c.Now
	}
	return New(cfg)
}

func TestSetNotifiesWithOldValue(t *testing.T) {
	s := newTestStore(nil, nil)

	var gotNew, gotOld any
	s.Subscribe(KeyIsInspecting, func(n, o any) { gotNew, gotOld = n, o })
	s.Set(KeyIsInspecting, true)

	if gotNew != true || gotOld != false {
		t.Errorf("subscriber got (%v, %v); want (true, false)", gotNew, gotOld)
	}
	if !s.Bool(KeyIsInspecting) {
		t.Error("Bool(isInspecting) = false after Set(true)")
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newTestStore(nil, nil)

	calls := 0
	unsub := s.Subscribe(KeyLocked, func(n, o any) { calls++ })
	s.Set(KeyLocked, true)
	unsub()
	unsub()
	s.Set(KeyLocked, false)

	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}
}

func TestSubscriberPanicIsContained(t *testing.T) {
	s := newTestStore(nil, nil)

	reached := false
	s.Subscribe(KeyMouseX, func(n, o any) { panic("boom") })
	s.Subscribe(KeyMouseX, func(n, o any) { reached = true })

	s.Set(KeyMouseX, 10.0)

	if !reached {
		t.Error("second subscriber was not called after first panicked")
	}
	if got := s.Float(KeyMouseX); got != 10 {
		t.Errorf("mouseX = %v; want 10", got)
	}
}

func TestUpdateNotifiesEachKeyAndPersistsOnce(t *testing.T) {
	p := &fakePersister{}
	s := newTestStore(p, nil)

	notified := map[string]int{}
	for _, k := range []string{KeyAutoLockMode, KeyOverlayOpacity, KeyIsInspecting} {
		k := k
		s.Subscribe(k, func(n, o any) { notified[k]++ })
	}

	s.Update(map[string]any{
		KeyAutoLockMode:   true,
		KeyOverlayOpacity: 0.5,
		KeyIsInspecting:   true,
	})

	for k, n := range notified {
		if n != 1 {
			t.Errorf("%s notified %d times; want 1", k, n)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if got := len(p.saves()); got != 1 {
		t.Fatalf("saves = %d; want 1", got)
	}

	var saved map[string]any
	if err := json.Unmarshal(p.saves()[0], &saved); err != nil {
		t.Fatal(err)
	}
	if saved[KeyAutoLockMode] != true || saved[KeyOverlayOpacity] != 0.5 {
		t.Errorf("saved = %v", saved)
	}
	if _, ok := saved[KeyIsInspecting]; ok {
		t.Error("non-durable key was persisted")
	}
}

func TestNonDurableSetDoesNotPersist(t *testing.T) {
	p := &fakePersister{}
	s := newTestStore(p, nil)

	s.Set(KeyMouseX, 5.0)
	s.Set(KeyCurrentElement, fakeElement{"a"})
	time.Sleep(60 * time.Millisecond)

	if got := len(p.saves()); got != 0 {
		t.Errorf("saves = %d; want 0", got)
	}
}

func TestPersistDebounces(t *testing.T) {
	p := &fakePersister{}
	s := newTestStore(p, nil)

	for i := 0; i < 5; i++ {
		s.Set(KeyOverlayOpacity, float64(i)/10)
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	saves := p.saves()
	if len(saves) != 1 {
		t.Fatalf("saves = %d; want 1", len(saves))
	}
	var saved map[string]any
	json.Unmarshal(saves[0], &saved)
	if saved[KeyOverlayOpacity] != 0.4 {
		t.Errorf("overlayOpacity = %v; want 0.4", saved[KeyOverlayOpacity])
	}
}

func TestDurableSnapshotSkipsLiveHandles(t *testing.T) {
	s := newTestStore(nil, nil)
	s.Set(KeyBridgeURL, fakeElement{"oops"})

	data, err := s.DurableSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	var saved map[string]any
	json.Unmarshal(data, &saved)
	if _, ok := saved[KeyBridgeURL]; ok {
		t.Errorf("live handle persisted: %s", data)
	}
	if _, ok := saved[KeyAutoLockMode]; !ok {
		t.Errorf("other durable keys missing: %s", data)
	}
}

func TestLoadSeedsSilently(t *testing.T) {
	p := &fakePersister{load: json.RawMessage(`{
		"bridgeUrl": "ws://localhost:9999",
		"autoLockMode": true,
		"keyboardShortcutsEnabled": false,
		"overlayOpacity": 0.7,
		"inspectionHistory": [{"selector":"#a","tagName":"div","textContent":"x","timestamp":1}]
	}`)}
	s := newTestStore(p, nil)

	calls := 0
	s.Subscribe(KeyBridgeURL, func(n, o any) { calls++ })

	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	if calls != 0 {
		t.Errorf("subscriber fired %d times during Load", calls)
	}
	if len(p.saves()) != 0 {
		t.Error("Load scheduled a save")
	}
	if got := s.String(KeyBridgeURL); got != "ws://localhost:9999" {
		t.Errorf("bridgeUrl = %q", got)
	}
	if !s.Bool(KeyAutoLockMode) || s.Bool(KeyShortcuts) {
		t.Error("boolean settings not loaded")
	}
	if got := s.Float(KeyOverlayOpacity); got != 0.7 {
		t.Errorf("overlayOpacity = %v; want 0.7", got)
	}
	if got := len(s.History()); got != 1 {
		t.Errorf("history len = %d; want 1", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		shortcuts bool
		opacity   float64
		url       string
	}{
		{"empty object", `{}`, true, DefaultOverlayOpacity, DefaultBridgeURL},
		{"null", `null`, true, DefaultOverlayOpacity, DefaultBridgeURL},
		{"zero opacity", `{"overlayOpacity":0,"bridgeUrl":""}`, true, DefaultOverlayOpacity, DefaultBridgeURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(&fakePersister{load: json.RawMessage(tt.data)}, nil)
			if err := s.Load(); err != nil {
				t.Fatal(err)
			}
			if got := s.Bool(KeyShortcuts); got != tt.shortcuts {
				t.Errorf("shortcuts = %v; want %v", got, tt.shortcuts)
			}
			if got := s.Float(KeyOverlayOpacity); got != tt.opacity {
				t.Errorf("opacity = %v; want %v", got, tt.opacity)
			}
			if got := s.String(KeyBridgeURL); got != tt.url {
				t.Errorf("bridgeUrl = %q; want %q", got, tt.url)
			}
		})
	}
}

func TestLoadError(t *testing.T) {
	s := newTestStore(&fakePersister{err: errors.New("storage timeout")}, nil)
	if err := s.Load(); err == nil {
		t.Error("expected error")
	}
	if got := s.String(KeyBridgeURL); got != DefaultBridgeURL {
		t.Errorf("bridgeUrl = %q; want default", got)
	}
}

func TestHistoryDedup(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	s := newTestStore(nil, c)

	if !s.AddHistory(NewHistoryEntry("#a", "DIV", "hello", c.Now())) {
		t.Fatal("first add rejected")
	}

	c.Advance(500 * time.Millisecond)
	if s.AddHistory(NewHistoryEntry("#a", "DIV", "hello", c.Now())) {
		t.Error("duplicate within 1s accepted")
	}
	if got := len(s.History()); got != 1 {
		t.Errorf("history len = %d; want 1", got)
	}

	c.Advance(600 * time.Millisecond)
	if !s.AddHistory(NewHistoryEntry("#a", "DIV", "hello", c.Now())) {
		t.Error("same selector after 1s rejected")
	}
	if got := len(s.History()); got != 2 {
		t.Errorf("history len = %d; want 2", got)
	}
}

func TestHistoryEviction(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	s := newTestStore(nil, c)

	for i := 0; i < 21; i++ {
		s.AddHistory(NewHistoryEntry(fmt.Sprintf("#e%d", i), "div", "", c.Now()))
		c.Advance(time.Millisecond)
	}

	h := s.History()
	if len(h) != DefaultHistoryLimit {
		t.Fatalf("history len = %d; want %d", len(h), DefaultHistoryLimit)
	}
	if h[0].Selector != "#e1" {
		t.Errorf("oldest = %q; want #e1", h[0].Selector)
	}
	if h[19].Selector != "#e20" {
		t.Errorf("newest = %q; want #e20", h[19].Selector)
	}

	stored, ok := s.Get(KeyInspectionHistory).([]HistoryEntry)
	if !ok || len(stored) != DefaultHistoryLimit {
		t.Errorf("inspectionHistory key not kept in sync: %v", s.Get(KeyInspectionHistory))
	}
}

func TestLogEviction(t *testing.T) {
	s := newTestStore(nil, nil)

	for i := 0; i < 105; i++ {
		s.AddLog(fmt.Sprintf("line %d", i), "info", "")
	}

	logs := s.Logs()
	if len(logs) != DefaultLogLimit {
		t.Fatalf("logs len = %d; want %d", len(logs), DefaultLogLimit)
	}
	if logs[0].Message != "line 5" {
		t.Errorf("oldest = %q; want line 5", logs[0].Message)
	}
	if logs[0].Source != "overlay" {
		t.Errorf("source = %q; want overlay", logs[0].Source)
	}
}

func TestNewHistoryEntryTruncates(t *testing.T) {
	text := "  abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz0123456789  "
	e := NewHistoryEntry("#x", "SECTION", text, time.Unix(1, 0))

	if len([]rune(e.TextContent)) != MaxSnippetLength {
		t.Errorf("text length = %d; want %d", len([]rune(e.TextContent)), MaxSnippetLength)
	}
	if e.TagName != "section" {
		t.Errorf("tagName = %q; want section", e.TagName)
	}
	if e.Timestamp != 1000 {
		t.Errorf("timestamp = %d; want 1000", e.Timestamp)
	}
}

func TestResetInspection(t *testing.T) {
	s := newTestStore(nil, nil)
	s.Update(map[string]any{
		KeyIsInspecting:    true,
		KeyLocked:          true,
		KeyCurrentElement:  fakeElement{"a"},
		KeyCurrentSelector: "#a",
	})

	s.ResetInspection()

	if s.Bool(KeyIsInspecting) || s.Bool(KeyLocked) {
		t.Error("flags not cleared")
	}
	if s.Get(KeyCurrentElement) != nil || s.String(KeyCurrentSelector) != "" {
		t.Error("element not cleared")
	}
}

func TestCloseFlushes(t *testing.T) {
	p := &fakePersister{}
	s := New(Config{Logger: debug.Discard(), Persister: p, PersistDelay: time.Hour})

	s.Set(KeyAutoLockMode, true)
	s.Close()

	if got := len(p.saves()); got != 1 {
		t.Errorf("saves = %d; want 1", got)
	}
}
