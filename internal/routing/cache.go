package routing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/planner"
)

// regionPrecision 5 is a ~5km cell, wide enough that a moving rider keeps
// hitting the same cache entries.
const regionPrecision = 5

// Searcher is the place search half of planner.Provider.
type Searcher interface {
	Search(ctx context.Context, query string, region planner.Region) ([]models.PlaceCandidate, error)
}

// Cache is a tiny in-memory TTL cache for search results.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  []models.PlaceCandidate
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(query string, region planner.Region) string {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if (region.Center == models.Coord{}) {
		return q + "@*"
	}
	return q + "@" + geohash.EncodeWithPrecision(region.Center.Lat, region.Center.Lon, regionPrecision)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(query string, region planner.Region) ([]models.PlaceCandidate, bool) {
	k := keyFor(query, region)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(query string, region planner.Region, v []models.PlaceCandidate) {
	k := keyFor(query, region)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// CachedSearcher is a cache-aside wrapper. Errors and empty results are
// never cached so a retry reaches the provider.
type CachedSearcher struct {
	inner  Searcher
	cache  *Cache
	logger *slog.Logger
}

type CachedSearcherOption func(*CachedSearcher)

func WithLogger(l *slog.Logger) CachedSearcherOption {
	return func(s *CachedSearcher) { s.logger = l }
}

func NewCachedSearcher(inner Searcher, cache *Cache, opts ...CachedSearcherOption) *CachedSearcher {
	s := &CachedSearcher{inner: inner, cache: cache}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *CachedSearcher) Search(ctx context.Context, query string, region planner.Region) ([]models.PlaceCandidate, error) {
	if v, ok := s.cache.Get(query, region); ok {
		if s.logger != nil {
			s.logger.Debug("search cache hit", "query", query)
		}
		return v, nil
	}
	v, err := s.inner.Search(ctx, query, region)
	if err != nil || len(v) == 0 {
		return v, err
	}
	s.cache.Set(query, region, v)
	return v, nil
}
