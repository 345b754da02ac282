// Package store provides the durable key-value storage used for overlay
// settings. Values are opaque JSON documents.
package store

import (
	"encoding/json"
	"time"
)

// Backend kinds accepted by Open.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// DefaultFileName is the settings file used by the file backend.
const DefaultFileName = "storage.json"

// DefaultRedisPrefix namespaces keys in Redis.
const DefaultRedisPrefix = "hlassist:storage:"

// StoreEntry is a stored value with timestamps.
type StoreEntry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StoreFile is the on-disk layout of the file backend.
type StoreFile struct {
	Version   int                    `json:"version"`
	Entries   map[string]*StoreEntry `json:"entries"`
	UpdatedAt string                 `json:"updated_at"`
}

// NewStoreFile creates an empty store file.
func NewStoreFile() *StoreFile {
	return &StoreFile{
		Version: 1,
		Entries: make(map[string]*StoreEntry),
	}
}

// NewStoreEntry creates an entry stamped with the current time.
func NewStoreEntry(value json.RawMessage) *StoreEntry {
	now := time.Now()
	return &StoreEntry{
		Value:     cloneRaw(value),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
