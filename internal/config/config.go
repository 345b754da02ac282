// Package config loads hlassist configuration from .hlassist.kdl, a .env
// file and HLASSIST_* environment variables, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	kdl "github.com/sblinch/kdl-go"
)

// ConfigFileName is the name of the hlassist configuration file.
const ConfigFileName = ".hlassist.kdl"

// Config represents the hlassist configuration.
type Config struct {
	Bridge    *BridgeConfig    `kdl:"bridge"`
	Relay     *RelayConfig     `kdl:"relay"`
	Store     *StoreConfig     `kdl:"store"`
	Inspector *InspectorConfig `kdl:"inspector"`
	Native    *NativeConfig    `kdl:"native"`
	Debug     bool             `kdl:"debug"`
}

// BridgeConfig configures the bridge endpoint and the transport client.
type BridgeConfig struct {
	URL                  string  `kdl:"url"`
	Host                 string  `kdl:"host"`
	Port                 int     `kdl:"port"`
	MaxReconnectAttempts int     `kdl:"max-reconnect-attempts"`
	ReconnectBaseMS      int     `kdl:"reconnect-base-ms"`
	ReconnectCapMS       int     `kdl:"reconnect-cap-ms"`
	PingIntervalMS       int     `kdl:"ping-interval-ms"`
	RateLimit            float64 `kdl:"rate-limit"`
	Burst                int     `kdl:"burst"`
	InboxSize            int     `kdl:"inbox-size"`
}

// RelayConfig sets cross-context request timeouts.
type RelayConfig struct {
	UITimeoutMS      int `kdl:"ui-timeout-ms"`
	StorageTimeoutMS int `kdl:"storage-timeout-ms"`
	NativeTimeoutMS  int `kdl:"native-timeout-ms"`
}

// StoreConfig selects the durable storage backend.
type StoreConfig struct {
	// Backend: "file", "redis" or "memory"
	Backend     string `kdl:"backend"`
	Path        string `kdl:"path"`
	RedisAddr   string `kdl:"redis-addr"`
	RedisPrefix string `kdl:"redis-prefix"`
	DebounceMS  int    `kdl:"debounce-ms"`
}

// InspectorConfig tunes the overlay controller.
type InspectorConfig struct {
	AutoLock          bool `kdl:"auto-lock"`
	KeyboardShortcuts bool `kdl:"keyboard-shortcuts"`
	AnalyzeDebounceMS int  `kdl:"analyze-debounce-ms"`
	HistoryLimit      int  `kdl:"history-limit"`
	LogLimit          int  `kdl:"log-limit"`
	MaxLayers         int  `kdl:"max-layers"`
	MaxSelectorDepth  int  `kdl:"max-selector-depth"`
}

// NativeConfig configures the native messaging host.
type NativeConfig struct {
	// BridgePort is where start_bridge launches and probes the bridge.
	BridgePort int `kdl:"bridge-port"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bridge: &BridgeConfig{
			URL:                  "ws://localhost:5055/ws",
			Host:                 "127.0.0.1",
			Port:                 5055,
			MaxReconnectAttempts: 5,
			ReconnectBaseMS:      1000,
			ReconnectCapMS:       30000,
			PingIntervalMS:       30000,
			RateLimit:            20,
			Burst:                40,
			InboxSize:            50,
		},
		Relay: &RelayConfig{
			UITimeoutMS:      2000,
			StorageTimeoutMS: 5000,
			NativeTimeoutMS:  5000,
		},
		Store: &StoreConfig{
			Backend:     "file",
			RedisPrefix: "hlassist:storage:",
			DebounceMS:  500,
		},
		Inspector: &InspectorConfig{
			AutoLock:          false,
			KeyboardShortcuts: true,
			AnalyzeDebounceMS: 100,
			HistoryLimit:      20,
			LogLimit:          100,
			MaxLayers:         20,
			MaxSelectorDepth:  4,
		},
		Native: &NativeConfig{
			BridgePort: 5055,
		},
	}
}

// Load loads configuration for dir: .env from dir, then the nearest
// .hlassist.kdl walking up, then environment overrides.
func Load(dir string) (*Config, error) {
	if err := LoadDotEnv(dir); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if configPath := FindConfigFile(dir); configPath != "" {
		var err error
		cfg, err = LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads dir/.env into the process environment without
// overriding variables that are already set. A missing file is fine.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// FindConfigFile searches for .hlassist.kdl starting from dir and walking up.
func FindConfigFile(dir string) string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(absDir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(absDir)
		if parent == absDir {
			break
		}
		absDir = parent
	}

	return ""
}

// LoadConfigFile loads configuration from a specific file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(string(data))
}

// ParseConfig parses KDL configuration data over the defaults.
func ParseConfig(data string) (*Config, error) {
	cfg := DefaultConfig()

	if err := kdl.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv applies HLASSIST_* overrides using getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("HLASSIST_BRIDGE_URL"); v != "" {
		if _, err := url.Parse(v); err != nil {
			return fmt.Errorf("invalid HLASSIST_BRIDGE_URL: %w", err)
		}
		c.Bridge.URL = v
	}
	if v := getenv("HLASSIST_BRIDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid HLASSIST_BRIDGE_PORT %q", v)
		}
		c.Bridge.Port = port
		c.Native.BridgePort = port
	}
	if v := getenv("HLASSIST_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("HLASSIST_REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := getenv("HLASSIST_DEBUG"); v != "" {
		c.Debug = v != "0" && v != "false"
	}
	return nil
}

// Addr returns the bridge server listen address.
func (b *BridgeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Ms converts a millisecond setting to a Duration.
func Ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// WriteDefaultConfig writes a default configuration file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// hlassist configuration

// Bridge endpoint and reconnect policy
bridge {
    url "ws://localhost:5055/ws"
    host "127.0.0.1"
    port 5055
    max-reconnect-attempts 5
    reconnect-base-ms 1000
    reconnect-cap-ms 30000
    ping-interval-ms 30000
    rate-limit 20           // messages per second per connection
    burst 40
}

// Cross-context request timeouts
relay {
    ui-timeout-ms 2000
    storage-timeout-ms 5000
    native-timeout-ms 5000
}

// Durable settings storage: file, redis or memory
store {
    backend "file"
    // path "storage.json"
    // redis-addr "localhost:6379"
    debounce-ms 500
}

inspector {
    auto-lock false
    keyboard-shortcuts true
    analyze-debounce-ms 100
    history-limit 20
    log-limit 100
    max-layers 20
    max-selector-depth 4
}

native {
    bridge-port 5055
}
`
	return os.WriteFile(path, []byte(defaultKDL), 0644)
}
