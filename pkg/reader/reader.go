// Package reader keeps a latest-value snapshot of every active source for the
// presentation layer.
package reader

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/go-weather/pkg/metrics"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultLookback     = 5 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// LatestSource returns the most recent record per source within window.
type LatestSource interface {
	Latest(ctx context.Context, window time.Duration) ([]types.MeasurementRecord, error)
}

// Reader polls a LatestSource and holds the last successful snapshot.
type Reader struct {
	source   LatestSource
	lookback time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	snapshot types.Snapshot
	polledAt time.Time
	lastErr  error
}

// New returns a Reader. A non-positive lookback selects DefaultLookback.
func New(source LatestSource, lookback time.Duration, logger zerolog.Logger) *Reader {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Reader{
		source:   source,
		lookback: lookback,
		logger:   logger.With().Str("component", "LatestValueReader").Logger(),
		snapshot: types.Snapshot{},
	}
}

// Poll queries the source and replaces the snapshot with the result. When the query
// fails the previous snapshot is returned unchanged.
func (r *Reader) Poll(ctx context.Context) types.Snapshot {
	records, err := r.source.Latest(ctx, r.lookback)
	if err != nil {
		metrics.PollFailures.Inc()
		r.mu.Lock()
		r.lastErr = err
		prev := r.snapshot
		r.mu.Unlock()
		r.logger.Warn().Err(err).Int("stale_sources", len(prev)).Msg("Latest-value query failed, serving previous snapshot")
		return prev
	}

	next := make(types.Snapshot, len(records))
	for _, rec := range records {
		if cur, ok := next[rec.SourceID()]; ok && newer(cur, rec) {
			continue
		}
		next[rec.SourceID()] = rec
	}

	r.mu.Lock()
	r.snapshot = next
	r.polledAt = time.Now().UTC()
	r.lastErr = nil
	r.mu.Unlock()

	metrics.SnapshotSources.Set(float64(len(next)))
	r.logger.Debug().Int("sources", len(next)).Msg("Snapshot refreshed")
	return next
}

// newer reports whether a was captured after b.
func newer(a, b types.MeasurementRecord) bool {
	at, aok := a.CapturedAt()
	bt, bok := b.CapturedAt()
	return aok && (!bok || at.After(bt))
}

// Snapshot returns the last successful snapshot. Callers must not modify it.
func (r *Reader) Snapshot() types.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// PolledAt is the time of the last successful poll, zero before the first one.
func (r *Reader) PolledAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.polledAt
}

// LastError is the error of the most recent poll, nil if it succeeded.
func (r *Reader) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Run polls immediately and then every interval until ctx is done, handing each
// snapshot to fn. fn may be nil.
func (r *Reader) Run(ctx context.Context, interval time.Duration, fn func(types.Snapshot)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	r.logger.Info().Dur("interval", interval).Dur("lookback", r.lookback).Msg("Starting latest-value polling")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap := r.Poll(ctx)
		if fn != nil {
			fn(snap)
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Latest-value polling stopped")
			return nil
		case <-ticker.C:
		}
	}
}
