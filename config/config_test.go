package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomas/spiceai/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func loaderWithEnv(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(key string) string { return env[key] }
	return l
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.Runtime.DatasetRetryDelay)
	assert.Equal(t, WatcherFile, cfg.Pod.Watcher)
}

func TestLoader_LoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"http_addr": "0.0.0.0:3000", "shutdown_timeout": "30s"},
		"pod": {"path": "/srv/pod", "debounce": "1s"},
		"runtime": {"dataset_retry_delay": "250ms"},
		"nats": {"urls": ["nats://a:4222", "nats://b:4222"], "reconnect_wait": "5s"}
	}`)

	l := loaderWithEnv(nil)
	l.EnableValidation(true)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3000", cfg.Server.HTTPAddr)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.MetricsAddr, "unset fields keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/srv/pod", cfg.Pod.Path)
	assert.Equal(t, WatcherFile, cfg.Pod.Watcher)
	assert.Equal(t, time.Second, cfg.Pod.Debounce)
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.DatasetRetryDelay)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, "spicepods", cfg.NATS.PodBucket)
}

func TestLoader_Layers(t *testing.T) {
	base := writeConfig(t, `{"pod": {"path": "/base", "watcher": "none"}}`)
	override := writeConfig(t, `{"pod": {"path": "/override"}}`)

	l := loaderWithEnv(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "/override", cfg.Pod.Path)
	assert.Equal(t, WatcherNone, cfg.Pod.Watcher)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := loaderWithEnv(map[string]string{
		"SPICED_HTTP_ADDR":           ":8091",
		"SPICED_WATCHER":             "kv",
		"SPICED_NATS_URLS":           "nats://x:4222,nats://y:4222",
		"SPICED_NATS_PASSWORD":       "s3cret",
		"SPICED_DATASET_RETRY_DELAY": "2s",
	})
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8091", cfg.Server.HTTPAddr)
	assert.Equal(t, WatcherKV, cfg.Pod.Watcher)
	assert.Equal(t, []string{"nats://x:4222", "nats://y:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 2*time.Second, cfg.Runtime.DatasetRetryDelay)
	assert.NotContains(t, cfg.String(), "s3cret")
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{"bad json", `{"pod": `, nil},
		{"bad duration", `{"runtime": {"dataset_retry_delay": "soon"}}`, nil},
		{"bad env duration", `{}`, map[string]string{"SPICED_SHUTDOWN_TIMEOUT": "later"}},
		{"null byte env", `{}`, map[string]string{"SPICED_POD_PATH": "a\x00b"}},
		{"too deep", strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loaderWithEnv(tt.env).LoadFile(writeConfig(t, tt.file))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoader_RejectsNonJSONPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	_, err := loaderWithEnv(nil).LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only JSON config files allowed")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown watcher", func(c *Config) { c.Pod.Watcher = "inotify" }, "unknown pod.watcher"},
		{"zero retry delay", func(c *Config) { c.Runtime.DatasetRetryDelay = 0 }, "dataset_retry_delay"},
		{"no http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "http_addr"},
		{"bad nats url", func(c *Config) { c.NATS.URLs = []string{"http://x"} }, "nats url"},
		{"kv without bucket", func(c *Config) { c.Pod.Watcher = WatcherKV; c.NATS.PodBucket = "" }, "pod_bucket"},
		{"file without path", func(c *Config) { c.Pod.Path = "" }, "pod.path"},
		{"zero circuit threshold", func(c *Config) { c.NATS.CircuitThreshold = 0 }, "circuit_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_NeedsNATS(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.NeedsNATS("env"))
	assert.True(t, cfg.NeedsNATS("kv"))
	cfg.Pod.Watcher = WatcherKV
	assert.True(t, cfg.NeedsNATS(""))
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)

	got := sc.Get()
	got.Server.HTTPAddr = "mutated"
	assert.NotEqual(t, "mutated", sc.Get().Server.HTTPAddr, "Get returns a copy")

	bad := Default()
	bad.Pod.Watcher = "bogus"
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))

	next := Default()
	next.Server.HTTPAddr = ":9999"
	require.NoError(t, sc.Update(next))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, ":9999", sc.Get().Server.HTTPAddr)
		}()
	}
	wg.Wait()
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "[[[[not brackets"}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": 1`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": 1}}`)))
}
