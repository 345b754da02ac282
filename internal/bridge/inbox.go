package bridge

import (
	"encoding/json"
	"sync"
	"time"
)

// Selection is an element context received from the browser.
type Selection struct {
	RequestID  string          `json:"requestId"`
	Context    json.RawMessage `json:"context"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Inbox keeps the most recent selections, newest last.
type Inbox struct {
	mu    sync.RWMutex
	items []Selection
	limit int
	total int64
}

// NewInbox creates an inbox holding at most limit selections.
func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 50
	}
	return &Inbox{limit: limit}
}

// Add records a selection, evicting the oldest when full.
func (in *Inbox) Add(s Selection) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.items = append(in.items, s)
	if over := len(in.items) - in.limit; over > 0 {
		in.items = append(in.items[:0:0], in.items[over:]...)
	}
	in.total++
}

// Latest returns the newest selection.
func (in *Inbox) Latest() (Selection, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if len(in.items) == 0 {
		return Selection{}, false
	}
	return in.items[len(in.items)-1], true
}

// History returns up to n selections, newest first. n <= 0 means all.
func (in *Inbox) History(n int) []Selection {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if n <= 0 || n > len(in.items) {
		n = len(in.items)
	}
	out := make([]Selection, 0, n)
	for i := len(in.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, in.items[i])
	}
	return out
}

// Len returns the number of held selections.
func (in *Inbox) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.items)
}

// Total returns how many selections were ever received.
func (in *Inbox) Total() int64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.total
}
