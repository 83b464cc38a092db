package stations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

const writeBackTimeout = 5 * time.Second

// NewCacheFallbackFetcher returns a Fetcher that checks cache first and falls back to
// source on a miss. Source hits are written back to the cache in the background.
// The returned cleanup closes both cache and source and must be called once.
func NewCacheFallbackFetcher(
	parentCtx context.Context,
	cache CachedFetcher,
	source SourceFetcher,
	logger zerolog.Logger,
) (Fetcher, func() error, error) {
	if cache == nil {
		return nil, nil, errors.New("cache cannot be nil")
	}
	if source == nil {
		return nil, nil, errors.New("source cannot be nil")
	}
	logger = logger.With().Str("component", "StationFetcher").Logger()

	fetch := func(ctx context.Context, sourceID string) (types.StationInfo, error) {
		info, err := cache.FetchFromCache(ctx, sourceID)
		if err == nil {
			return info, nil
		}
		if !IsCacheMiss(err) {
			logger.Error().Err(err).Str("source_id", sourceID).Msg("Error fetching from cache")
			return types.StationInfo{}, fmt.Errorf("error fetching from cache: %w", err)
		}

		info, err = source.Fetch(ctx, sourceID)
		if err != nil {
			return types.StationInfo{}, err
		}

		go func() {
			writeCtx, cancel := context.WithTimeout(parentCtx, writeBackTimeout)
			defer cancel()
			if err := cache.WriteToCache(writeCtx, info); err != nil {
				logger.Error().Err(err).Str("source_id", info.SourceID).Msg("Failed to write station to cache in background")
			}
		}()
		return info, nil
	}

	cleanup := func() error {
		var firstErr error
		if err := cache.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing station cache")
			firstErr = err
		}
		if err := source.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing station source")
			if firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return fetch, cleanup, nil
}
