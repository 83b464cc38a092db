package stations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "weather:station:"

// RedisCache is a CachedFetcher storing StationInfo as JSON with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCache uses an existing client. The cache does not own the client and
// Close leaves it open.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisStationCache").Logger(),
	}
}

func (c *RedisCache) FetchFromCache(ctx context.Context, sourceID string) (types.StationInfo, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+sourceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.StationInfo{}, ErrCacheMiss{SourceID: sourceID}
	}
	if err != nil {
		return types.StationInfo{}, fmt.Errorf("redis get for %s failed: %w", sourceID, err)
	}
	var info types.StationInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Corrupt entries are treated as misses so the source overwrites them.
		c.logger.Error().Err(err).Str("source_id", sourceID).Msg("Failed to unmarshal cached station")
		return types.StationInfo{}, ErrCacheMiss{SourceID: sourceID}
	}
	return info, nil
}

func (c *RedisCache) WriteToCache(ctx context.Context, info types.StationInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal station %s: %w", info.SourceID, err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+info.SourceID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set for %s failed: %w", info.SourceID, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return nil
}
