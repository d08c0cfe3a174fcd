package resultmanager

import (
	"context"
	"slices"
	"time"

	"github.com/alllike996/speedtest-esa/pkg/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps the most recent results in an expiring LRU
type MemoryStore struct {
	cache *expirable.LRU[string, *models.SessionResult]
}

// NewMemoryStore creates a store holding up to maxResults results for ttl.
// A zero ttl keeps results until they are evicted by size.
func NewMemoryStore(maxResults int, ttl time.Duration) *MemoryStore {
	if maxResults < 1 {
		maxResults = 1
	}
	return &MemoryStore{
		cache: expirable.NewLRU[string, *models.SessionResult](maxResults, nil, ttl),
	}
}

func (m *MemoryStore) Save(_ context.Context, result *models.SessionResult) error {
	m.cache.Add(result.ID, result)
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*models.SessionResult, error) {
	// Keys are ordered oldest to newest.
	keys := m.cache.Keys()
	slices.Reverse(keys)

	results := make([]*models.SessionResult, 0, len(keys))
	for _, key := range keys {
		if limit > 0 && len(results) >= limit {
			break
		}
		if result, ok := m.cache.Peek(key); ok {
			results = append(results, result)
		}
	}
	return results, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.cache.Purge()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Name() string { return BackendMemory }
