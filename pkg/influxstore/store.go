// Package influxstore is the InfluxDB v2 side of the pipeline: a retrying point writer and
// a Flux querier for the latest values per source.
package influxstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/rs/zerolog"
)

// Store owns the influx client handle shared by the Writer and the Querier.
type Store struct {
	client  influxdb2.Client
	Writer  *Writer
	Querier *Querier
	logger  zerolog.Logger
}

// Open creates the client. No network traffic happens until the first call.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := influxdb2.DefaultOptions().SetApplicationName("weatherstation")
	if cfg.HTTPTimeout > 0 {
		opts.SetHTTPRequestTimeout(uint(cfg.HTTPTimeout / time.Second))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	logger.Info().Str("url", cfg.URL).Str("org", cfg.Org).Str("bucket", cfg.Bucket).Msg("InfluxDB client created")
	return &Store{
		client:  client,
		Writer:  NewWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Retry, logger),
		Querier: NewQuerier(client.QueryAPI(cfg.Org), cfg.Bucket, cfg.Measurement, logger),
		logger:  logger,
	}, nil
}

// Ready pings the server.
func (s *Store) Ready(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influx ping failed: %w", err)
	}
	if !ok {
		return errors.New("influx ping failed")
	}
	return nil
}

// Close releases idle HTTP connections.
func (s *Store) Close() {
	s.logger.Info().Msg("Closing InfluxDB client")
	s.client.Close()
}
