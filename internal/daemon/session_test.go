package daemon

import (
	"testing"
	"time"
)

func TestTabRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewTabRegistry(time.Minute)

	if err := r.Register(&Tab{ID: "tab-1", Status: TabStatusActive}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(&Tab{ID: "tab-1"}); err == nil {
		t.Error("Expected error registering duplicate tab")
	}
	if err := r.Register(&Tab{}); err == nil {
		t.Error("Expected error registering tab without id")
	}

	if _, ok := r.Get("tab-1"); !ok {
		t.Error("Expected tab-1 to be registered")
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("Expected 1 tab, got %d", got)
	}

	if _, err := r.Unregister("tab-1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, err := r.Unregister("tab-1"); err == nil {
		t.Error("Expected error unregistering unknown tab")
	}

	info := r.Info()
	if info.ActiveCount != 0 || info.TotalAttached != 1 || info.TotalDetached != 1 {
		t.Errorf("Unexpected info: %+v", info)
	}
}

func TestTabRegistry_GenerateID(t *testing.T) {
	r := NewTabRegistry(0)

	if got := r.GenerateID(); got != "tab-1" {
		t.Errorf("Expected tab-1, got %s", got)
	}
	r.Register(&Tab{ID: "tab-1"})
	r.Register(&Tab{ID: "tab-7"})
	r.Register(&Tab{ID: "other"})

	if got := r.GenerateID(); got != "tab-8" {
		t.Errorf("Expected tab-8, got %s", got)
	}
}

func TestTabRegistry_CheckIdle(t *testing.T) {
	r := NewTabRegistry(10 * time.Millisecond)
	r.Register(&Tab{ID: "tab-1", Status: TabStatusActive, LastSeen: time.Now().Add(-time.Second)})
	r.Register(&Tab{ID: "tab-2", Status: TabStatusActive, LastSeen: time.Now().Add(time.Hour)})

	r.CheckIdle()

	tab, _ := r.Get("tab-1")
	if tab.GetStatus() != TabStatusDisconnected {
		t.Errorf("Expected tab-1 disconnected, got %s", tab.GetStatus())
	}
	if got := r.Info().ActiveCount; got != 1 {
		t.Errorf("Expected 1 active tab, got %d", got)
	}

	r.Touch("tab-1")
	if tab.GetStatus() != TabStatusActive {
		t.Errorf("Expected tab-1 active after touch, got %s", tab.GetStatus())
	}
	if got := r.Info().ActiveCount; got != 2 {
		t.Errorf("Expected 2 active tabs, got %d", got)
	}
}
