package matrixcache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliofund/allocator/internal/modules/scenario"
)

// DefaultHotTTL bounds how long a matrix stays in the hot tier.
const DefaultHotTTL = 24 * time.Hour

type hotEntry struct {
	matrix    *scenario.Matrix
	expiresAt time.Time
}

// Cache is the two-tier lookup path: hot in-process map, then the durable
// store. It deliberately exposes only check/store primitives; triggering
// generation on a miss is the orchestrator's job, which keeps this component
// testable on its own.
type Cache struct {
	repo *Repository
	ttl  time.Duration
	log  zerolog.Logger

	mu  sync.Mutex
	hot map[string]hotEntry
}

// New creates a matrix cache over the given repository.
func New(repo *Repository, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultHotTTL
	}
	return &Cache{
		repo: repo,
		ttl:  ttl,
		log:  log.With().Str("component", "matrix_cache").Logger(),
		hot:  make(map[string]hotEntry),
	}
}

// CheckMatrix looks the key up hot-tier first, then the durable store. A
// durable hit warms the hot tier before returning. Only complete matrices
// count as hits.
func (c *Cache) CheckMatrix(key string) (*scenario.Matrix, bool, error) {
	c.mu.Lock()
	if entry, ok := c.hot[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.matrix, true, nil
	}
	c.mu.Unlock()

	stored, err := c.repo.Get(key)
	if err != nil {
		return nil, false, err
	}
	if stored == nil || stored.Status != StatusComplete {
		return nil, false, nil
	}

	c.warm(key, stored.Matrix)
	c.log.Debug().Str("matrix_key", key).Msg("Durable hit warmed hot cache")
	return stored.Matrix, true, nil
}

// HasComplete reports whether a complete matrix exists for the key, without
// decoding the payload. Used by the session pipeline's cache-hit fast path.
func (c *Cache) HasComplete(key string) (bool, error) {
	c.mu.Lock()
	if entry, ok := c.hot[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	status, err := c.repo.StatusOf(key)
	if err != nil {
		return false, err
	}
	return status == StatusComplete, nil
}

// StoreMatrix persists a freshly generated matrix and warms the hot tier.
func (c *Cache) StoreMatrix(key string, m *scenario.Matrix) error {
	if err := c.repo.StoreComplete(key, m); err != nil {
		return err
	}
	c.warm(key, m)
	return nil
}

// BeginGeneration forwards to the repository's generation gate.
func (c *Cache) BeginGeneration(key string) (alreadyComplete bool, err error) {
	return c.repo.BeginGeneration(key)
}

// MarkFailed records a failed generation in the durable store.
func (c *Cache) MarkFailed(key, reason string) error {
	return c.repo.MarkFailed(key, reason)
}

// EvictExpired drops hot-tier entries past their TTL. Wired to a periodic
// schedule by the server wiring.
func (c *Cache) EvictExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, entry := range c.hot {
		if now.After(entry.expiresAt) {
			delete(c.hot, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.log.Debug().Int("evicted", evicted).Msg("Evicted expired hot cache entries")
	}
	return evicted
}

// HotSize returns the current number of hot-tier entries.
func (c *Cache) HotSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hot)
}

func (c *Cache) warm(key string, m *scenario.Matrix) {
	c.mu.Lock()
	c.hot[key] = hotEntry{matrix: m, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}
