package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/illmade-knight/go-weather/pkg/api"
	"github.com/illmade-knight/go-weather/pkg/config"
	"github.com/illmade-knight/go-weather/pkg/decoder"
	"github.com/illmade-knight/go-weather/pkg/hotcache"
	"github.com/illmade-knight/go-weather/pkg/influxstore"
	"github.com/illmade-knight/go-weather/pkg/pointbuilder"
	"github.com/illmade-knight/go-weather/pkg/reader"
	"github.com/illmade-knight/go-weather/pkg/runner"
	"github.com/illmade-knight/go-weather/pkg/stations"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const probeTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest pipeline, the latest-value reader and the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, err := influxstore.Open(cfg.Influx, logger)
	if err != nil {
		return fmt.Errorf("failed to open influx store: %w", err)
	}
	defer store.Close()
	probeStore(ctx, store, cfg.Reader.Lookback, logger)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = hotcache.Connect(ctx, cfg.Redis.RedisConfig, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	var opts []runner.Option
	var latest reader.LatestSource = store.Querier
	if redisClient != nil {
		cache := hotcache.New(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.TTL, logger)
		opts = append(opts, runner.WithMirror(cache))
		if cfg.Reader.Source == config.SourceRedis {
			latest = cache
		}
	}

	if cfg.Stations.RegistryFile != "" {
		enricher, cleanup, err := newStationEnricher(ctx, cfg.Stations, redisClient, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := cleanup(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close station metadata fetcher")
			}
		}()
		opts = append(opts, runner.WithEnricher(enricher))
	}

	r := runner.New(
		cfg.RunnerConfig(),
		runner.NewPahoDialer(cfg.MQTT, logger),
		decoder.New(decoder.DefaultSchema()),
		pointbuilder.New(cfg.Influx.Measurement, cfg.Pipeline.SkewTolerance),
		store.Writer,
		logger,
		opts...,
	)
	rd := reader.New(latest, cfg.Reader.Lookback, logger)
	srv := api.NewServer(api.Options{
		Snapshots: rd,
		History:   store.Querier,
		Ready:     store,
		Stats:     r,
		MaxAge:    10 * cfg.Reader.PollInterval,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(gctx)
	})
	g.Go(func() error {
		return rd.Run(gctx, cfg.Reader.PollInterval, func(snap types.Snapshot) {
			logger.Debug().Int("sources", len(snap)).Msg("Latest snapshot refreshed")
		})
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.HTTP.Addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.ShutdownTimeout)
	})

	logger.Info().Str("http_addr", cfg.HTTP.Addr).Str("reader_source", cfg.Reader.Source).Msg("Weatherstation running")
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Weatherstation stopped")
	return nil
}

// probeStore checks the store at startup. Failures are logged, the runner retries writes
// on its own.
func probeStore(ctx context.Context, store *influxstore.Store, lookback time.Duration, logger zerolog.Logger) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := store.Ready(probeCtx); err != nil {
		logger.Warn().Err(err).Msg("InfluxDB is not reachable yet")
		return
	}
	n, err := store.Querier.Count(probeCtx, lookback)
	if err != nil {
		logger.Warn().Err(err).Msg("InfluxDB readiness query failed")
		return
	}
	logger.Info().Int64("recent_points", n).Dur("lookback", lookback).Msg("InfluxDB ready")
}

func newStationEnricher(ctx context.Context, sc config.StationsConfig, redisClient *redis.Client, logger zerolog.Logger) (*stations.Enricher, func() error, error) {
	registry, err := stations.LoadFileRegistry(sc.RegistryFile, logger)
	if err != nil {
		return nil, nil, err
	}

	var cache stations.CachedFetcher
	if redisClient != nil {
		cache = stations.NewRedisCache(redisClient, sc.CacheTTL, logger)
	} else {
		cache = stations.NewInMemoryCache(sc.CacheTTL, logger)
	}

	fetch, cleanup, err := stations.NewCacheFallbackFetcher(ctx, cache, registry, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Int("stations", registry.Len()).Str("file", sc.RegistryFile).Msg("Station registry loaded")
	return stations.NewEnricher(fetch, logger), cleanup, nil
}
