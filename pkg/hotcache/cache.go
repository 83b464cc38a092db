// Package hotcache mirrors the latest record of every source into Redis so the
// latest-value reader can be served without a Flux query.
package hotcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

const DefaultKeyPrefix = "weather:latest:"

// RedisConfig holds configuration for the Redis client.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis")
	return rdb, nil
}

// Cache stores one JSON encoded record per source under prefix+source_id. Entries
// expire after ttl so silent sources drop out on their own.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func New(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *Cache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "HotCache").Logger(),
		now:    time.Now,
	}
}

// Store overwrites the cached record for rec's source unless the cached one is newer.
func (c *Cache) Store(ctx context.Context, rec types.MeasurementRecord) error {
	key := c.prefix + rec.SourceID()
	if existing, err := c.Get(ctx, rec.SourceID()); err == nil && capturedAfter(existing, rec) {
		c.logger.Debug().Str("source_id", rec.SourceID()).Msg("Cached record is newer, keeping it")
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %s: %w", rec.SourceID(), err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// ErrNotCached is returned by Get when a source has no live entry.
var ErrNotCached = errors.New("no cached record")

// Get returns the cached record of one source.
func (c *Cache) Get(ctx context.Context, sourceID string) (types.MeasurementRecord, error) {
	raw, err := c.client.Get(ctx, c.prefix+sourceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.MeasurementRecord{}, ErrNotCached
	}
	if err != nil {
		return types.MeasurementRecord{}, fmt.Errorf("failed to get %s: %w", sourceID, err)
	}
	var rec types.MeasurementRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.MeasurementRecord{}, fmt.Errorf("corrupt cache entry for %s: %w", sourceID, err)
	}
	return rec, nil
}

// Latest returns every cached record captured within window, sorted by source id.
// Corrupt entries are skipped.
func (c *Cache) Latest(ctx context.Context, window time.Duration) ([]types.MeasurementRecord, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s*: %w", c.prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached records: %w", err)
	}

	cutoff := c.now().Add(-window)
	out := make([]types.MeasurementRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec types.MeasurementRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			c.logger.Warn().Err(err).Str("key", keys[i]).Msg("Skipping corrupt cache entry")
			continue
		}
		if ts, ok := rec.CapturedAt(); ok && ts.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID() < out[j].SourceID() })
	return out, nil
}

func capturedAfter(a, b types.MeasurementRecord) bool {
	at, aok := a.CapturedAt()
	bt, bok := b.CapturedAt()
	return aok && bok && at.After(bt)
}
