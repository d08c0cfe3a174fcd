package resultmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alllike996/speedtest-esa/internal/yamlconfig"
	"github.com/alllike996/speedtest-esa/pkg/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps results as JSON in a capped redis list, newest at the head
type RedisStore struct {
	client     *redis.Client
	key        string
	maxResults int
	ttl        time.Duration
	logger     *slog.Logger
}

// NewRedisStore connects to redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg yamlconfig.RedisConfig, maxResults int, ttl time.Duration, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("redis history store connected",
		slog.String("address", cfg.Addr),
		slog.Int("db", cfg.DB),
		slog.String("key", cfg.Key))

	return &RedisStore{
		client:     client,
		key:        cfg.Key,
		maxResults: max(maxResults, 1),
		ttl:        ttl,
		logger:     logger,
	}, nil
}

func (r *RedisStore) Save(ctx context.Context, result *models.SessionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, int64(r.maxResults-1))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save result to redis: %w", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, limit int) ([]*models.SessionResult, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := r.client.LRange(ctx, r.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list results from redis: %w", err)
	}

	results := make([]*models.SessionResult, 0, len(items))
	for _, item := range items {
		var result models.SessionResult
		if err := json.Unmarshal([]byte(item), &result); err != nil {
			r.logger.Warn("skipping unreadable result", slog.String("error", err.Error()))
			continue
		}
		results = append(results, &result)
	}
	return results, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to clear redis results: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	r.logger.Info("closing redis history store")
	return r.client.Close()
}

func (r *RedisStore) Name() string { return BackendRedis }
