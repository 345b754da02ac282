package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileBackend keeps all keys in a single JSON file, rewritten atomically on
// every change.
type FileBackend struct {
	path string

	mu     sync.RWMutex
	closed bool
}

// NewFileBackend creates a backend stored at path. The file is created on
// first write.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the backing file path.
func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, ErrClosed
	}

	sf, err := loadStoreFile(b.path)
	if err != nil || sf == nil {
		return nil, false, err
	}
	entry, ok := sf.Entries[key]
	if !ok {
		return nil, false, nil
	}
	return cloneRaw(entry.Value), true, nil
}

func (b *FileBackend) Set(ctx context.Context, key string, value json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	sf, err := loadStoreFile(b.path)
	if err != nil {
		return err
	}
	if sf == nil {
		sf = NewStoreFile()
	}

	entry := NewStoreEntry(value)
	if existing, ok := sf.Entries[key]; ok {
		entry.CreatedAt = existing.CreatedAt
	}
	sf.Entries[key] = entry

	return saveStoreFile(b.path, sf)
}

func (b *FileBackend) Remove(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	sf, err := loadStoreFile(b.path)
	if err != nil || sf == nil {
		return err
	}
	if _, ok := sf.Entries[key]; !ok {
		return nil
	}
	delete(sf.Entries, key)

	return saveStoreFile(b.path, sf)
}

func (b *FileBackend) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	out := make(map[string]json.RawMessage)
	sf, err := loadStoreFile(b.path)
	if err != nil || sf == nil {
		return out, err
	}
	for k, e := range sf.Entries {
		out[k] = cloneRaw(e.Value)
	}
	return out, nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// loadStoreFile loads a store file from disk.
// Returns nil with no error if the file doesn't exist.
func loadStoreFile(path string) (*StoreFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	var sf StoreFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse store file: %w", err)
	}

	if sf.Entries == nil {
		sf.Entries = make(map[string]*StoreEntry)
	}

	return &sf, nil
}

// saveStoreFile writes via temp file + rename so readers never see a
// partial file.
func saveStoreFile(path string, sf *StoreFile) error {
	sf.UpdatedAt = time.Now().Format(time.RFC3339)

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
