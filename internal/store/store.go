package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = fmt.Errorf("storage backend closed")

// Backend is the durable key-value collaborator behind the STORAGE proxy.
// A missing key is reported with ok=false, not an error.
type Backend interface {
	Get(ctx context.Context, key string) (value json.RawMessage, ok bool, err error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Remove(ctx context.Context, key string) error
	GetAll(ctx context.Context) (map[string]json.RawMessage, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Path        string
	RedisAddr   string
	RedisPrefix string
}

// Open constructs the backend described by opts. The file backend is the
// default; a relative Path is resolved against baseDir.
func Open(ctx context.Context, opts Options, baseDir string) (Backend, error) {
	switch opts.Backend {
	case "", BackendFile:
		path := opts.Path
		if path == "" {
			path = DefaultFileName
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		return NewFileBackend(path), nil

	case BackendMemory:
		return NewMemoryBackend(), nil

	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis backend requires an address")
		}
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return NewRedisBackendFromClient(client, opts.RedisPrefix), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
