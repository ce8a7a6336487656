package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rthomas/spiceai/errors"
)

// Watcher modes select how spicepod changes reach the runtime.
const (
	WatcherFile = "file" // filesystem notifications on the pod directory
	WatcherKV   = "kv"   // NATS KV key holding the spicepod YAML
	WatcherNone = "none" // load once, never reload
)

// Config is the process configuration for spiced.
type Config struct {
	Version string        `json:"version"`
	Server  ServerConfig  `json:"server"`
	Pod     PodConfig     `json:"pod"`
	Runtime RuntimeConfig `json:"runtime"`
	NATS    NATSConfig    `json:"nats"`
	Secrets SecretsConfig `json:"secrets"`
}

// ServerConfig holds the listener addresses
type ServerConfig struct {
	HTTPAddr        string        `json:"http_addr"`
	MetricsAddr     string        `json:"metrics_addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// PodConfig locates the spicepod and selects the watcher
type PodConfig struct {
	Path     string        `json:"path"`
	Watcher  string        `json:"watcher"`
	Debounce time.Duration `json:"debounce"`
	KVKey    string        `json:"kv_key,omitempty"`
}

// RuntimeConfig tunes the load pipelines
type RuntimeConfig struct {
	DatasetRetryDelay time.Duration `json:"dataset_retry_delay"`
	ModelCacheDir     string        `json:"model_cache_dir"`
}

// NATSConfig configures the NATS connection used by the kv watcher and kv secret store
type NATSConfig struct {
	URLs             []string      `json:"urls"`
	Username         string        `json:"username,omitempty"`
	Password         string        `json:"password,omitempty"`
	Token            string        `json:"token,omitempty"`
	MaxReconnects    int           `json:"max_reconnects"`
	ReconnectWait    time.Duration `json:"reconnect_wait"`
	CircuitThreshold int           `json:"circuit_threshold"` // failed connects before backing off
	PodBucket        string        `json:"pod_bucket"`
	SecretsBucket    string        `json:"secrets_bucket"`
}

// SecretsConfig configures the file secret store
type SecretsConfig struct {
	AuthFile string `json:"auth_file,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Server: ServerConfig{
			HTTPAddr:        "127.0.0.1:8090",
			MetricsAddr:     "127.0.0.1:9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Pod: PodConfig{
			Path:     ".",
			Watcher:  WatcherFile,
			Debounce: 250 * time.Millisecond,
			KVKey:    "spicepod",
		},
		Runtime: RuntimeConfig{
			DatasetRetryDelay: time.Second,
			ModelCacheDir:     ".spice/models",
		},
		NATS: NATSConfig{
			URLs:             []string{"nats://localhost:4222"},
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			CircuitThreshold: 5,
			PodBucket:        "spicepods",
			SecretsBucket:    "spice_secrets",
		},
	}
}

// NeedsNATS reports whether any configured component uses the NATS connection.
func (c *Config) NeedsNATS(secretStore string) bool {
	return c.Pod.Watcher == WatcherKV || secretStore == "kv"
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var problems []string

	if c.Server.HTTPAddr == "" {
		problems = append(problems, "server.http_addr is required")
	}
	if c.Server.MetricsAddr == "" {
		problems = append(problems, "server.metrics_addr is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		problems = append(problems, "server.shutdown_timeout cannot be negative")
	}

	switch c.Pod.Watcher {
	case WatcherFile, WatcherNone:
	case WatcherKV:
		if c.NATS.PodBucket == "" || c.Pod.KVKey == "" {
			problems = append(problems, "kv watcher needs nats.pod_bucket and pod.kv_key")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown pod.watcher %q", c.Pod.Watcher))
	}
	if c.Pod.Watcher != WatcherKV && c.Pod.Path == "" {
		problems = append(problems, "pod.path is required")
	}
	if c.Pod.Debounce < 0 {
		problems = append(problems, "pod.debounce cannot be negative")
	}

	if c.Runtime.DatasetRetryDelay <= 0 {
		problems = append(problems, "runtime.dataset_retry_delay must be positive")
	}

	for _, url := range c.NATS.URLs {
		if !strings.HasPrefix(url, "nats://") && !strings.HasPrefix(url, "tls://") {
			problems = append(problems, fmt.Sprintf("nats url %q must use nats:// or tls://", url))
		}
	}
	if c.NATS.CircuitThreshold < 1 {
		problems = append(problems, "nats.circuit_threshold must be at least 1")
	}
	if c.Pod.Watcher == WatcherKV && len(c.NATS.URLs) == 0 {
		problems = append(problems, "kv watcher needs at least one nats url")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "configuration check")
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders the configuration with credentials masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, err := json.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
