package yamlconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Test.Threads)
	assert.Equal(t, 10*time.Second, cfg.Test.Duration())
	assert.Equal(t, 5, cfg.Test.LatencySamples)
	assert.Equal(t, 200*time.Millisecond, cfg.Test.ProbeDelay())
	assert.Equal(t, 200*time.Millisecond, cfg.Test.TickInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.Test.RetryBackoff())
	assert.Equal(t, 1<<20, cfg.Server.ChunkSize)
	assert.Equal(t, 2<<20, cfg.Test.UploadSize)
	assert.Equal(t, 64<<10, cfg.Test.ReadSize)
	assert.Equal(t, 10*time.Second, cfg.Test.StopTimeout())
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default config should be written to disk")
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  addr: ":9090"
  chunk_size: 16777216
test:
  threads: 6
history:
  backend: none
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, LargeChunkSize, cfg.Server.ChunkSize)
	assert.Equal(t, 6, cfg.Test.Threads)
	assert.Equal(t, DefaultDurationMs, cfg.Test.DurationMs)
	assert.Equal(t, DefaultTickMs, cfg.Test.TickMs)
	assert.Equal(t, DefaultReadSize, cfg.Test.ReadSize)
	assert.Equal(t, DefaultStopTimeoutMs, cfg.Test.StopTimeoutMs)
	assert.Equal(t, "none", cfg.History.Backend)
	assert.Equal(t, "speedtest:results", cfg.History.Redis.Key)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("test: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Probe.Target = "https://speed.example.com"
	cfg.Test.Protocol = "h3"

	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://speed.example.com", loaded.Probe.Target)
	assert.Equal(t, "h3", loaded.Test.Protocol)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad addr", func(c *Config) { c.Server.Addr = "8080" }},
		{"zero chunk", func(c *Config) { c.Server.ChunkSize = -1 }},
		{"huge chunk", func(c *Config) { c.Server.ChunkSize = 64 << 20 }},
		{"negative limit", func(c *Config) { c.Server.WriteLimit = -5 }},
		{"http3 without tls", func(c *Config) { c.Server.HTTP3 = true }},
		{"no threads", func(c *Config) { c.Test.Threads = 0 }},
		{"too many threads", func(c *Config) { c.Test.Threads = 100 }},
		{"tick too fast", func(c *Config) { c.Test.TickMs = 20 }},
		{"tick too slow", func(c *Config) { c.Test.TickMs = 1000 }},
		{"negative read size", func(c *Config) { c.Test.ReadSize = -1 }},
		{"negative stop timeout", func(c *Config) { c.Test.StopTimeoutMs = -1 }},
		{"bad protocol", func(c *Config) { c.Test.Protocol = "spdy" }},
		{"unknown backend", func(c *Config) { c.History.Backend = "mongo" }},
		{"postgres without url", func(c *Config) { c.History.Backend = "postgres" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestProbeTarget(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "http://127.0.0.1:8080", cfg.ProbeTarget())

	cfg.Server.Addr = "10.0.0.5:9000"
	assert.Equal(t, "http://10.0.0.5:9000", cfg.ProbeTarget())

	cfg.Server.TLSCert = "cert.pem"
	assert.Equal(t, "https://10.0.0.5:9000", cfg.ProbeTarget())

	cfg.Probe.Target = "https://edge.example.com"
	assert.Equal(t, "https://edge.example.com", cfg.ProbeTarget())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SPEEDTEST_ADDR", ":7070")
	t.Setenv("SPEEDTEST_THREADS", "6")
	t.Setenv("SPEEDTEST_H2C", "true")
	t.Setenv("SPEEDTEST_HISTORY_BACKEND", "redis")
	t.Setenv("SPEEDTEST_REDIS_ADDR", "redis:6379")

	cfg := DefaultConfig()
	ApplyEnv(cfg)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 6, cfg.Test.Threads)
	assert.True(t, cfg.Server.H2C)
	assert.Equal(t, "redis", cfg.History.Backend)
	assert.Equal(t, "redis:6379", cfg.History.Redis.Addr)
}

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("SPEEDTEST_TEST_INT", "not-a-number")
	t.Setenv("SPEEDTEST_TEST_BOOL", "maybe")

	assert.Equal(t, 3, GetEnvInt("SPEEDTEST_TEST_INT", 3))
	assert.True(t, GetEnvBool("SPEEDTEST_TEST_BOOL", true))
	assert.Equal(t, "fallback", GetEnv("SPEEDTEST_TEST_UNSET", "fallback"))
}

func TestLoadAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("test:\n  tick_ms: 20\n"), 0644))

	_, err := LoadAndValidate(path)
	assert.ErrorContains(t, err, "tick_ms")

	t.Setenv("SPEEDTEST_THREADS", "8")
	require.NoError(t, os.WriteFile(path, []byte("test:\n  threads: 2\n"), 0644))
	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Test.Threads, "environment overrides the file")
}
