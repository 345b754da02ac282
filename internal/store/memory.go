package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryBackend is a process-local backend, used by the simulator and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]json.RawMessage)}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, ErrClosed
	}
	v, ok := b.entries[key]
	return cloneRaw(v), ok, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.entries[key] = cloneRaw(value)
	return nil
}

func (b *MemoryBackend) Remove(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.entries, key)
	return nil
}

func (b *MemoryBackend) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make(map[string]json.RawMessage, len(b.entries))
	for k, v := range b.entries {
		out[k] = cloneRaw(v)
	}
	return out, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
