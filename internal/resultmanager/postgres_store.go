package resultmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alllike996/speedtest-esa/internal/yamlconfig"
	"github.com/alllike996/speedtest-esa/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS speedtest_results (
	id          TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL,
	payload     JSONB NOT NULL
)`

const upsertResult = `
INSERT INTO speedtest_results (id, started_at, finished_at, status, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET started_at = EXCLUDED.started_at,
    finished_at = EXCLUDED.finished_at,
    status = EXCLUDED.status,
    payload = EXCLUDED.payload`

const pruneResults = `
DELETE FROM speedtest_results
WHERE id NOT IN (
	SELECT id FROM speedtest_results ORDER BY finished_at DESC LIMIT $1
)`

// PostgresStore keeps results in a postgres table as JSONB documents
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxResults int
	logger     *slog.Logger
}

// NewPostgresStore connects to postgres, verifies the connection and creates
// the results table when missing
func NewPostgresStore(ctx context.Context, cfg yamlconfig.PostgresConfig, maxResults int, logger *slog.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createResultsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create results table: %w", err)
	}

	logger.Info("postgres history store connected",
		slog.String("host", poolConfig.ConnConfig.Host),
		slog.String("database", poolConfig.ConnConfig.Database))

	return &PostgresStore{
		pool:       pool,
		maxResults: max(maxResults, 1),
		logger:     logger,
	}, nil
}

func (p *PostgresStore) Save(ctx context.Context, result *models.SessionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if _, err := p.pool.Exec(ctx, upsertResult,
		result.ID, result.StartedAt, result.FinishedAt, string(result.Status), string(data)); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	if _, err := p.pool.Exec(ctx, pruneResults, p.maxResults); err != nil {
		return fmt.Errorf("failed to prune results: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*models.SessionResult, error) {
	if limit <= 0 {
		limit = p.maxResults
	}
	rows, err := p.pool.Query(ctx,
		`SELECT payload FROM speedtest_results ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := make([]*models.SessionResult, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		var result models.SessionResult
		if err := json.Unmarshal(payload, &result); err != nil {
			p.logger.Warn("skipping unreadable result", slog.String("error", err.Error()))
			continue
		}
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	return results, nil
}

func (p *PostgresStore) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM speedtest_results`); err != nil {
		return fmt.Errorf("failed to clear results: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.logger.Info("closing postgres history store")
	p.pool.Close()
	return nil
}

func (p *PostgresStore) Name() string { return BackendPostgres }
