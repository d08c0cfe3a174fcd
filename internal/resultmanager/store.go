package resultmanager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alllike996/speedtest-esa/internal/yamlconfig"
	"github.com/alllike996/speedtest-esa/pkg/models"
)

// Store persists session results
type Store interface {
	// Save stores result, replacing any result with the same ID
	Save(ctx context.Context, result *models.SessionResult) error
	// List returns up to limit results, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*models.SessionResult, error)
	// Clear removes every stored result
	Clear(ctx context.Context) error
	// Close releases the store's connections
	Close() error
	// Name identifies the backend
	Name() string
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// Open creates the store selected by cfg. It returns a nil Store for the
// "none" backend.
func Open(ctx context.Context, cfg yamlconfig.HistoryConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(cfg.MaxResults, cfg.TTL()), nil
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis, cfg.MaxResults, cfg.TTL(), logger)
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.Postgres, cfg.MaxResults, logger)
	case BackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}
