package stations

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

type cachedStation struct {
	info    types.StationInfo
	expires time.Time
}

// InMemoryCache is a CachedFetcher over a map. Entries older than ttl are misses;
// a zero ttl never expires.
type InMemoryCache struct {
	mu     sync.RWMutex
	cache  map[string]cachedStation
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewInMemoryCache(ttl time.Duration, logger zerolog.Logger) *InMemoryCache {
	return &InMemoryCache{
		cache:  make(map[string]cachedStation),
		ttl:    ttl,
		logger: logger.With().Str("component", "InMemoryStationCache").Logger(),
		now:    time.Now,
	}
}

func (c *InMemoryCache) FetchFromCache(ctx context.Context, sourceID string) (types.StationInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.StationInfo{}, err
	}
	c.mu.RLock()
	entry, found := c.cache[sourceID]
	c.mu.RUnlock()

	if !found || (!entry.expires.IsZero() && c.now().After(entry.expires)) {
		c.logger.Debug().Str("source_id", sourceID).Msg("In-memory cache miss")
		return types.StationInfo{}, ErrCacheMiss{SourceID: sourceID}
	}
	return entry.info, nil
}

func (c *InMemoryCache) WriteToCache(ctx context.Context, info types.StationInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := cachedStation{info: info}
	if c.ttl > 0 {
		entry.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.cache[info.SourceID] = entry
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Close() error {
	return nil
}
