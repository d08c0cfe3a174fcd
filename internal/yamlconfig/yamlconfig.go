package yamlconfig

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MiB = 1 << 20

	DefaultAddr           = ":8080"
	DefaultChunkSize      = 1 * MiB
	LargeChunkSize        = 16 * MiB
	DefaultThreads        = 4
	DefaultDurationMs     = 10000
	DefaultLatencySamples = 5
	DefaultProbeDelayMs   = 200
	DefaultTickMs         = 200
	DefaultUploadSize     = 2 * MiB
	DefaultRetryBackoffMs = 100
	DefaultReadSize       = 64 << 10
	DefaultStopTimeoutMs  = 10000
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Test    TestConfig    `yaml:"test" json:"test"`
	Probe   ProbeConfig   `yaml:"probe" json:"probe"`
	History HistoryConfig `yaml:"history" json:"history"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig represents the measurement server settings
type ServerConfig struct {
	Addr            string `yaml:"addr" json:"addr"`
	ChunkSize       int    `yaml:"chunk_size" json:"chunk_size"`
	H2C             bool   `yaml:"h2c" json:"h2c"`
	HTTP3           bool   `yaml:"http3" json:"http3"`
	TLSCert         string `yaml:"tls_cert" json:"tls_cert"`
	TLSKey          string `yaml:"tls_key" json:"tls_key"`
	WriteLimit      int    `yaml:"write_limit" json:"write_limit"` // bytes per second, 0 = unlimited
	ReadLimit       int    `yaml:"read_limit" json:"read_limit"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"` // seconds
}

// TestConfig represents the measurement controller settings
type TestConfig struct {
	Threads            int    `yaml:"threads" json:"threads"`
	DurationMs         int    `yaml:"duration_ms" json:"duration_ms"`
	LatencySamples     int    `yaml:"latency_samples" json:"latency_samples"`
	ProbeDelayMs       int    `yaml:"probe_delay_ms" json:"probe_delay_ms"`
	TickMs             int    `yaml:"tick_ms" json:"tick_ms"`
	UploadSize         int    `yaml:"upload_size" json:"upload_size"`
	RetryBackoffMs     int    `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	ReadSize           int    `yaml:"read_size" json:"read_size"`             // download read buffer
	StopTimeoutMs      int    `yaml:"stop_timeout_ms" json:"stop_timeout_ms"` // worker join bound
	Protocol           string `yaml:"protocol" json:"protocol"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// ProbeConfig represents the server-side remote probe settings
type ProbeConfig struct {
	// Target is the base URL measured by /api/test/start. Empty means this server.
	Target string `yaml:"target" json:"target"`
}

// HistoryConfig represents result history storage settings
type HistoryConfig struct {
	Backend    string         `yaml:"backend" json:"backend"` // memory, redis, postgres, none
	MaxResults int            `yaml:"max_results" json:"max_results"`
	TTLMinutes int            `yaml:"ttl_minutes" json:"ttl_minutes"`
	Redis      RedisConfig    `yaml:"redis" json:"redis"`
	Postgres   PostgresConfig `yaml:"postgres" json:"postgres"`
}

// RedisConfig represents the redis history backend
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
}

// PostgresConfig represents the postgres history backend
type PostgresConfig struct {
	URL      string `yaml:"url" json:"-"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            DefaultAddr,
			ChunkSize:       DefaultChunkSize,
			ShutdownTimeout: 10,
		},
		Test: TestConfig{
			Threads:        DefaultThreads,
			DurationMs:     DefaultDurationMs,
			LatencySamples: DefaultLatencySamples,
			ProbeDelayMs:   DefaultProbeDelayMs,
			TickMs:         DefaultTickMs,
			UploadSize:     DefaultUploadSize,
			RetryBackoffMs: DefaultRetryBackoffMs,
			ReadSize:       DefaultReadSize,
			StopTimeoutMs:  DefaultStopTimeoutMs,
			Protocol:       "h1",
		},
		History: HistoryConfig{
			Backend:    "memory",
			MaxResults: 100,
			TTLMinutes: 24 * 60,
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
				Key:  "speedtest:results",
			},
			Postgres: PostgresConfig{
				MaxConns: 4,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from file, creates default if not exists
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		return loadFromFile(configPath)
	} else if os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := Save(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	} else {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}
}

// LoadAndValidate loads the configuration, applies environment overrides and validates it
func LoadAndValidate(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	mergeWithDefaults(cfg)
	return cfg, nil
}

// mergeWithDefaults fills in zero values with defaults
func mergeWithDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.ChunkSize == 0 {
		cfg.Server.ChunkSize = defaults.Server.ChunkSize
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if cfg.Test.Threads == 0 {
		cfg.Test.Threads = defaults.Test.Threads
	}
	if cfg.Test.DurationMs == 0 {
		cfg.Test.DurationMs = defaults.Test.DurationMs
	}
	if cfg.Test.LatencySamples == 0 {
		cfg.Test.LatencySamples = defaults.Test.LatencySamples
	}
	if cfg.Test.ProbeDelayMs == 0 {
		cfg.Test.ProbeDelayMs = defaults.Test.ProbeDelayMs
	}
	if cfg.Test.TickMs == 0 {
		cfg.Test.TickMs = defaults.Test.TickMs
	}
	if cfg.Test.UploadSize == 0 {
		cfg.Test.UploadSize = defaults.Test.UploadSize
	}
	if cfg.Test.RetryBackoffMs == 0 {
		cfg.Test.RetryBackoffMs = defaults.Test.RetryBackoffMs
	}
	if cfg.Test.ReadSize == 0 {
		cfg.Test.ReadSize = defaults.Test.ReadSize
	}
	if cfg.Test.StopTimeoutMs == 0 {
		cfg.Test.StopTimeoutMs = defaults.Test.StopTimeoutMs
	}
	if cfg.Test.Protocol == "" {
		cfg.Test.Protocol = defaults.Test.Protocol
	}

	if cfg.History.Backend == "" {
		cfg.History.Backend = defaults.History.Backend
	}
	if cfg.History.MaxResults == 0 {
		cfg.History.MaxResults = defaults.History.MaxResults
	}
	if cfg.History.TTLMinutes == 0 {
		cfg.History.TTLMinutes = defaults.History.TTLMinutes
	}
	if cfg.History.Redis.Addr == "" {
		cfg.History.Redis.Addr = defaults.History.Redis.Addr
	}
	if cfg.History.Redis.Key == "" {
		cfg.History.Redis.Key = defaults.History.Redis.Key
	}
	if cfg.History.Postgres.MaxConns == 0 {
		cfg.History.Postgres.MaxConns = defaults.History.Postgres.MaxConns
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Validate checks the configuration for values the service cannot run with
func (cfg *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr %q: %w", cfg.Server.Addr, err))
	}
	if cfg.Server.ChunkSize <= 0 || cfg.Server.ChunkSize > LargeChunkSize {
		errs = append(errs, fmt.Errorf("server.chunk_size must be in (0, %d]", LargeChunkSize))
	}
	if cfg.Server.WriteLimit < 0 || cfg.Server.ReadLimit < 0 {
		errs = append(errs, errors.New("server bandwidth limits cannot be negative"))
	}
	if cfg.Server.HTTP3 && (cfg.Server.TLSCert == "" || cfg.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.http3 requires tls_cert and tls_key"))
	}

	if err := cfg.Test.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch cfg.History.Backend {
	case "memory", "none":
	case "redis":
		if cfg.History.Redis.Addr == "" {
			errs = append(errs, errors.New("history.redis.addr is required for the redis backend"))
		}
	case "postgres":
		if cfg.History.Postgres.URL == "" {
			errs = append(errs, errors.New("history.postgres.url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history.backend %q", cfg.History.Backend))
	}
	if cfg.History.MaxResults <= 0 {
		errs = append(errs, errors.New("history.max_results must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the measurement settings
func (t TestConfig) Validate() error {
	var errs []error
	if t.Threads < 1 || t.Threads > 32 {
		errs = append(errs, errors.New("test.threads must be between 1 and 32"))
	}
	if t.DurationMs <= 0 {
		errs = append(errs, errors.New("test.duration_ms must be positive"))
	}
	if t.LatencySamples <= 0 {
		errs = append(errs, errors.New("test.latency_samples must be positive"))
	}
	if t.ProbeDelayMs < 0 {
		errs = append(errs, errors.New("test.probe_delay_ms cannot be negative"))
	}
	if t.TickMs < 100 || t.TickMs > 200 {
		errs = append(errs, errors.New("test.tick_ms must be between 100 and 200"))
	}
	if t.UploadSize <= 0 {
		errs = append(errs, errors.New("test.upload_size must be positive"))
	}
	if t.ReadSize <= 0 {
		errs = append(errs, errors.New("test.read_size must be positive"))
	}
	if t.StopTimeoutMs <= 0 {
		errs = append(errs, errors.New("test.stop_timeout_ms must be positive"))
	}
	switch t.Protocol {
	case "h1", "h2", "h3":
	default:
		errs = append(errs, fmt.Errorf("unknown test.protocol %q (use h1, h2 or h3)", t.Protocol))
	}
	return errors.Join(errs...)
}

// Duration returns the throughput phase duration
func (t TestConfig) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}

// ProbeDelay returns the pause between latency probes
func (t TestConfig) ProbeDelay() time.Duration {
	return time.Duration(t.ProbeDelayMs) * time.Millisecond
}

// TickInterval returns the live reporting interval
func (t TestConfig) TickInterval() time.Duration {
	return time.Duration(t.TickMs) * time.Millisecond
}

// RetryBackoff returns the upload retry backoff
func (t TestConfig) RetryBackoff() time.Duration {
	return time.Duration(t.RetryBackoffMs) * time.Millisecond
}

// StopTimeout returns how long a phase waits for its workers to return
func (t TestConfig) StopTimeout() time.Duration {
	return time.Duration(t.StopTimeoutMs) * time.Millisecond
}

// TTL returns how long stored results are kept
func (h HistoryConfig) TTL() time.Duration {
	return time.Duration(h.TTLMinutes) * time.Minute
}

// ProbeTarget returns the base URL the remote probe measures
func (cfg *Config) ProbeTarget() string {
	if cfg.Probe.Target != "" {
		return cfg.Probe.Target
	}
	host, port, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return "http://127.0.0.1" + DefaultAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if cfg.Server.TLSCert != "" {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// Save saves configuration to YAML file
func Save(configPath string, cfg *Config) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
