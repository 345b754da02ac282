package daemon

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/hlassist/internal/relay"
)

// TabStatus is the state of an attached relay.
type TabStatus string

const (
	TabStatusActive       TabStatus = "active"
	TabStatusDisconnected TabStatus = "disconnected"
)

// Tab is one page whose content relay is attached to the singleton.
type Tab struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	AttachedAt time.Time `json:"attached_at"`
	LastSeen   time.Time `json:"last_seen"`
	Status     TabStatus `json:"status"`

	conn *relay.Conn
	mu   sync.RWMutex
}

// Touch records traffic from the tab.
func (t *Tab) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.LastSeen = time.Now()
	t.Status = TabStatusActive
}

// GetStatus returns the tab status.
func (t *Tab) GetStatus() TabStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// Conn returns the singleton's end of the tab's relay link.
func (t *Tab) Conn() *relay.Conn {
	return t.conn
}

// TabRegistry tracks attached tabs.
type TabRegistry struct {
	tabs sync.Map // map[string]*Tab

	totalAttached atomic.Int64
	totalDetached atomic.Int64
	activeCount   atomic.Int64

	idleTimeout time.Duration
}

// NewTabRegistry creates a registry. Tabs silent for longer than
// idleTimeout are reported disconnected by CheckIdle.
func NewTabRegistry(idleTimeout time.Duration) *TabRegistry {
	if idleTimeout == 0 {
		idleTimeout = 5 * time.Minute
	}
	return &TabRegistry{idleTimeout: idleTimeout}
}

// Register adds a tab.
func (r *TabRegistry) Register(tab *Tab) error {
	if tab.ID == "" {
		return fmt.Errorf("tab id is required")
	}
	if _, loaded := r.tabs.LoadOrStore(tab.ID, tab); loaded {
		return fmt.Errorf("tab %q already attached", tab.ID)
	}
	r.totalAttached.Add(1)
	r.activeCount.Add(1)
	return nil
}

// Unregister removes a tab and returns it.
func (r *TabRegistry) Unregister(id string) (*Tab, error) {
	val, loaded := r.tabs.LoadAndDelete(id)
	if !loaded {
		return nil, fmt.Errorf("tab %q not found", id)
	}
	tab := val.(*Tab)
	r.totalDetached.Add(1)
	if tab.GetStatus() == TabStatusActive {
		r.activeCount.Add(-1)
	}
	return tab, nil
}

// Get looks up a tab.
func (r *TabRegistry) Get(id string) (*Tab, bool) {
	val, ok := r.tabs.Load(id)
	if !ok {
		return nil, false
	}
	return val.(*Tab), true
}

// List returns all attached tabs.
func (r *TabRegistry) List() []*Tab {
	var out []*Tab
	r.tabs.Range(func(_, value any) bool {
		out = append(out, value.(*Tab))
		return true
	})
	return out
}

// Touch marks a tab as seen, reviving it if it had gone idle.
func (r *TabRegistry) Touch(id string) {
	tab, ok := r.Get(id)
	if !ok {
		return
	}
	if tab.GetStatus() != TabStatusActive {
		r.activeCount.Add(1)
	}
	tab.Touch()
}

// CheckIdle marks tabs without recent traffic as disconnected.
func (r *TabRegistry) CheckIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)
	r.tabs.Range(func(_, value any) bool {
		tab := value.(*Tab)
		tab.mu.Lock()
		if tab.Status == TabStatusActive && tab.LastSeen.Before(cutoff) {
			tab.Status = TabStatusDisconnected
			r.activeCount.Add(-1)
		}
		tab.mu.Unlock()
		return true
	})
}

// GenerateID returns the next free id of the form "tab-N".
func (r *TabRegistry) GenerateID() string {
	maxNum := 0
	const prefix = "tab-"
	r.tabs.Range(func(key, _ any) bool {
		code := key.(string)
		if len(code) > len(prefix) && code[:len(prefix)] == prefix {
			var num int
			if _, err := fmt.Sscanf(code[len(prefix):], "%d", &num); err == nil && num > maxNum {
				maxNum = num
			}
		}
		return true
	})
	return fmt.Sprintf("%s%d", prefix, maxNum+1)
}

// TabInfo summarizes the registry.
type TabInfo struct {
	ActiveCount   int64 `json:"active_count"`
	TotalAttached int64 `json:"total_attached"`
	TotalDetached int64 `json:"total_detached"`
}

// Info returns registry statistics.
func (r *TabRegistry) Info() TabInfo {
	return TabInfo{
		ActiveCount:   r.activeCount.Load(),
		TotalAttached: r.totalAttached.Load(),
		TotalDetached: r.totalDetached.Load(),
	}
}
