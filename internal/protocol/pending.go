package protocol

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewRequestID returns a unique request identifier with a readable prefix,
// e.g. "storage_1f0c...".
func NewRequestID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

type pendingEntry struct {
	timer   *time.Timer
	resolve func(Envelope)
}

// Pending correlates outstanding requests with their responses. Each
// registered request is settled exactly once: either by Resolve or by its
// timeout, whichever comes first. Callbacks run outside the lock.
type Pending struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

// NewPending creates an empty table.
func NewPending() *Pending {
	return &Pending{entries: make(map[string]*pendingEntry)}
}

// Register adds a request. resolve receives the matching response; fallback
// runs instead if nothing arrives within timeout. Either may be nil.
// Registering an id that is already pending replaces the earlier entry
// without settling it.
func (p *Pending) Register(id string, timeout time.Duration, resolve func(Envelope), fallback func()) {
	entry := &pendingEntry{resolve: resolve}

	p.mu.Lock()
	if old, ok := p.entries[id]; ok {
		old.timer.Stop()
	}
	p.entries[id] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		if !p.take(id, entry) {
			return
		}
		if fallback != nil {
			fallback()
		}
	})
	p.mu.Unlock()
}

// take removes id if it still maps to entry.
func (p *Pending) take(id string, entry *pendingEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.entries[id]; !ok || cur != entry {
		return false
	}
	delete(p.entries, id)
	return true
}

// Resolve settles the request with the given response. It returns false
// when the id is unknown, which is the case for late responses arriving
// after a timeout; such responses must be ignored.
func (p *Pending) Resolve(id string, env Envelope) bool {
	p.mu.Lock()
	entry, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
		entry.timer.Stop()
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	if entry.resolve != nil {
		entry.resolve(env)
	}
	return true
}

// Remove discards a request without settling it. Used when the send that
// would have produced a response failed synchronously.
func (p *Pending) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[id]; ok {
		entry.timer.Stop()
		delete(p.entries, id)
	}
}

// Has reports whether id is pending.
func (p *Pending) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Len returns the number of outstanding requests.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Clear stops every timer and drops all entries without settling them.
func (p *Pending) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.entries {
		entry.timer.Stop()
		delete(p.entries, id)
	}
}

// Call registers id, invokes send and blocks until the response arrives or
// timeout elapses. A send error is returned as-is and the entry removed.
func (p *Pending) Call(id string, timeout time.Duration, send func() error) (Envelope, error) {
	type outcome struct {
		env Envelope
		err error
	}
	done := make(chan outcome, 1)

	p.Register(id, timeout,
		func(env Envelope) { done <- outcome{env: env} },
		func() { done <- outcome{err: E(KindTimeout, "await "+id, nil)} },
	)

	if err := send(); err != nil {
		p.Remove(id)
		return Envelope{}, err
	}

	o := <-done
	return o.env, o.err
}
