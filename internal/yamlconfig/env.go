package yamlconfig

import (
	"os"
	"strconv"
)

// GetEnv returns the value of the environment variable or the default
func GetEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt returns the integer value of the environment variable or the default
func GetEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of the environment variable or the default
func GetEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ApplyEnv overrides configuration values from SPEEDTEST_* variables
func ApplyEnv(cfg *Config) {
	cfg.Server.Addr = GetEnv("SPEEDTEST_ADDR", cfg.Server.Addr)
	cfg.Server.H2C = GetEnvBool("SPEEDTEST_H2C", cfg.Server.H2C)
	cfg.Test.Threads = GetEnvInt("SPEEDTEST_THREADS", cfg.Test.Threads)
	cfg.Probe.Target = GetEnv("SPEEDTEST_PROBE_TARGET", cfg.Probe.Target)
	cfg.History.Backend = GetEnv("SPEEDTEST_HISTORY_BACKEND", cfg.History.Backend)
	cfg.History.Redis.Addr = GetEnv("SPEEDTEST_REDIS_ADDR", cfg.History.Redis.Addr)
	cfg.History.Redis.Password = GetEnv("SPEEDTEST_REDIS_PASSWORD", cfg.History.Redis.Password)
	cfg.History.Postgres.URL = GetEnv("SPEEDTEST_POSTGRES_URL", cfg.History.Postgres.URL)
	cfg.Logging.Level = GetEnv("SPEEDTEST_LOG_LEVEL", cfg.Logging.Level)
}
