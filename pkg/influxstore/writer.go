package influxstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/illmade-knight/go-weather/pkg/pointbuilder"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
)

// Writer delivers single points through the blocking write API, retrying transient
// failures with bounded exponential backoff.
type Writer struct {
	api    api.WriteAPIBlocking
	retry  RetryConfig
	logger zerolog.Logger
}

// NewWriter wraps a blocking write API. Zero retry values fall back to DefaultRetryConfig.
func NewWriter(writeAPI api.WriteAPIBlocking, retry RetryConfig, logger zerolog.Logger) *Writer {
	return &Writer{
		api:    writeAPI,
		retry:  retry.withDefaults(),
		logger: logger.With().Str("component", "InfluxWriter").Logger(),
	}
}

// Write stores one request. Backoff sleeps end early when ctx is done. The returned
// error, if any, is an *IngestError.
func (w *Writer) Write(ctx context.Context, req types.WriteRequest) error {
	point := pointbuilder.ToPoint(req)

	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		err := w.api.WritePoint(ctx, point)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retry.InitialInterval
	b.MaxInterval = w.retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.retry.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		w.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("retry_in", next).
			Str("source_id", req.Tags[types.SourceIDTag]).
			Msg("Transient write failure, retrying")
	})
	if err == nil {
		if attempts > 1 {
			w.logger.Debug().Int("attempts", attempts).Msg("Write succeeded after retry")
		}
		return nil
	}

	kind := KindTransient
	switch {
	case ctx.Err() != nil || lastErr == nil:
		lastErr = err
	case !isTransient(lastErr):
		kind = KindRejected
	}
	return &IngestError{
		Kind:       kind,
		Attempts:   attempts,
		StatusCode: statusCode(lastErr),
		Err:        lastErr,
	}
}
