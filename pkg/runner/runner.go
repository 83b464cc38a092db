// Package runner owns the MQTT subscription: it keeps a session alive, and feeds every
// inbound message through decode, build and write, one message at a time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/illmade-knight/go-weather/pkg/decoder"
	"github.com/illmade-knight/go-weather/pkg/influxstore"
	"github.com/illmade-knight/go-weather/pkg/metrics"
	"github.com/illmade-knight/go-weather/pkg/pointbuilder"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

// State is the connection state of a Runner.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// MessageHandler receives messages from a Session. It must not block.
type MessageHandler func(types.InMessage)

// Session is one live broker connection.
type Session interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
	Close()
}

// Dialer opens sessions. onLost is called at most once per session when the connection drops.
type Dialer interface {
	Dial(ctx context.Context, onLost func(error)) (Session, error)
}

type Decoder interface {
	Decode(payload []byte, topic string) (types.MeasurementRecord, error)
}

type Writer interface {
	Write(ctx context.Context, req types.WriteRequest) error
}

// Enricher adds metadata to a decoded record. An error leaves the record as decoded.
type Enricher interface {
	Enrich(ctx context.Context, rec types.MeasurementRecord) (types.MeasurementRecord, error)
}

// Mirror receives every record that was written successfully, stamped with the
// timestamp it was written at.
type Mirror interface {
	Store(ctx context.Context, rec types.MeasurementRecord) error
}

// Config tunes the runner. Zero values select the defaults.
type Config struct {
	Topic            string        `mapstructure:"topic"`
	QoS              byte          `mapstructure:"qos"`
	QueueSize        int           `mapstructure:"queue_size"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	StatsEvery       int           `mapstructure:"stats_every"`
}

// DefaultConfig returns the runner defaults for the weather topic.
func DefaultConfig() Config {
	return Config{
		Topic:            "pse/weather_system/sensors",
		QoS:              1,
		QueueSize:        256,
		WriteTimeout:     10 * time.Second,
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
		StatsEvery:       10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Topic == "" {
		c.Topic = d.Topic
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = d.ReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.StatsEvery <= 0 {
		c.StatsEvery = d.StatsEvery
	}
	return c
}

// Option configures optional collaborators.
type Option func(*Runner)

// WithEnricher adds station metadata to every decoded record.
func WithEnricher(e Enricher) Option {
	return func(r *Runner) { r.enricher = e }
}

// WithMirror copies every written record to m.
func WithMirror(m Mirror) Option {
	return func(r *Runner) { r.mirror = m }
}

// Runner is the subscription state machine. Run it once.
type Runner struct {
	cfg      Config
	dialer   Dialer
	decoder  Decoder
	builder  pointbuilder.Builder
	writer   Writer
	enricher Enricher
	mirror   Mirror
	logger   zerolog.Logger

	state atomic.Int32
	stats counters
}

// New builds a Runner. Zero fields in cfg take their defaults.
func New(cfg Config, dialer Dialer, dec Decoder, builder pointbuilder.Builder, writer Writer, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		decoder: dec,
		builder: builder,
		writer:  writer,
		logger:  logger.With().Str("component", "SubscriptionRunner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State reports the current connection state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	metrics.RunnerState.Set(float64(s))
}

// Run connects, subscribes and processes messages until ctx is cancelled, reconnecting
// with backoff for as long as it takes. It returns nil on shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Str("topic", r.cfg.Topic).
		Int("qos", int(r.cfg.QoS)).
		Int("queue_size", r.cfg.QueueSize).
		Msg("Starting subscription runner")
	defer func() {
		r.setState(Disconnected)
		r.logStats("Subscription runner stopped")
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.ReconnectInitial
	b.MaxInterval = r.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		r.setState(Connecting)
		err := r.session(ctx, b)
		r.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}

		metrics.Reconnects.Inc()
		wait := b.NextBackOff()
		r.logger.Warn().Err(err).Dur("retry_in", wait).Msg("MQTT session ended, reconnecting")
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// session runs one connection from dial to loss or shutdown. It returns nil only when
// ctx ended.
func (r *Runner) session(ctx context.Context, b backoff.BackOff) error {
	lost := make(chan error, 1)
	sess, err := r.dialer.Dial(ctx, func(err error) {
		if err == nil {
			err = errors.New("connection lost")
		}
		select {
		case lost <- err:
		default:
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect failed: %w", err)
	}
	defer sess.Close()

	queue := make(chan types.InMessage, r.cfg.QueueSize)
	var closed atomic.Bool
	defer closed.Store(true)

	handler := func(msg types.InMessage) {
		if closed.Load() {
			return
		}
		r.stats.received.Add(1)
		metrics.MessagesReceived.Inc()
		select {
		case queue <- msg:
		default:
			r.stats.dropped.Add(1)
			metrics.MessagesDropped.WithLabelValues(metrics.ReasonQueueFull).Inc()
			r.logger.Warn().Str("topic", msg.Topic).Str("payload", excerpt(msg.Payload)).Msg("Message queue full, dropping message")
		}
	}

	if err := sess.Subscribe(r.cfg.Topic, r.cfg.QoS, handler); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %s failed: %w", r.cfg.Topic, err)
	}
	b.Reset()
	r.setState(Subscribed)
	r.logger.Info().Str("topic", r.cfg.Topic).Msg("Subscribed to MQTT topic")

	shutdown := func(pending int) error {
		closed.Store(true)
		if err := sess.Unsubscribe(r.cfg.Topic); err != nil {
			r.logger.Warn().Err(err).Str("topic", r.cfg.Topic).Msg("Failed to unsubscribe during shutdown")
		}
		r.countDiscarded(pending+discard(queue), metrics.ReasonShutdown, "Discarded queued messages on shutdown")
		return nil
	}

	for {
		if ctx.Err() != nil {
			return shutdown(0)
		}
		select {
		case <-ctx.Done():
			return shutdown(0)
		case err := <-lost:
			closed.Store(true)
			r.countDiscarded(discard(queue), metrics.ReasonDisconnect, "Discarded queued messages after connection loss")
			return fmt.Errorf("connection lost: %w", err)
		case msg := <-queue:
			if ctx.Err() != nil {
				return shutdown(1)
			}
			r.process(ctx, msg)
		}
	}
}

func (r *Runner) countDiscarded(n int, reason, msg string) {
	if n == 0 {
		return
	}
	r.stats.dropped.Add(uint64(n))
	metrics.MessagesDropped.WithLabelValues(reason).Add(float64(n))
	r.logger.Warn().Int("discarded", n).Msg(msg)
}

// process runs a single message through the pipeline. Failures are logged and the
// message dropped.
func (r *Runner) process(ctx context.Context, msg types.InMessage) {
	defer r.maybeLogStats()

	rec, err := r.decoder.Decode(msg.Payload, msg.Topic)
	if err != nil {
		r.stats.decodeFailed.Add(1)
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonDecode).Inc()
		r.logger.Warn().
			Err(err).
			Str("topic", msg.Topic).
			Str("payload", excerpt(msg.Payload)).
			Str("error_kind", decoder.KindOf(err).String()).
			Msg("Dropping message that failed to decode")
		return
	}
	r.stats.decoded.Add(1)

	if r.enricher != nil {
		enriched, err := r.enricher.Enrich(ctx, rec)
		if err != nil {
			r.logger.Debug().Err(err).Str("source_id", rec.SourceID()).Msg("No station metadata, writing record as decoded")
		} else {
			rec = enriched
		}
	}

	arrival := msg.Timestamp
	if arrival.IsZero() {
		arrival = time.Now().UTC()
	}
	req := r.builder.Build(rec, arrival)

	writeCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	start := time.Now()
	err = r.writer.Write(writeCtx, req)
	cancel()
	metrics.WriteDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		r.stats.ingestFailed.Add(1)
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonIngest).Inc()
		r.logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Str("source_id", rec.SourceID()).
			Str("payload", excerpt(msg.Payload)).
			Str("error_kind", influxstore.KindOf(err).String()).
			Msg("Dropping message that failed to write")
		return
	}
	r.stats.written.Add(1)
	metrics.PointsWritten.Inc()

	if r.mirror != nil {
		stored := types.NewMeasurementRecord(rec.SourceID(), &req.Timestamp, rec.Fields(), rec.Tags())
		if err := r.mirror.Store(ctx, stored); err != nil {
			metrics.MirrorFailures.Inc()
			r.logger.Warn().Err(err).Str("source_id", rec.SourceID()).Msg("Failed to mirror latest record")
		}
	}
}

func discard(queue chan types.InMessage) int {
	n := 0
	for {
		select {
		case <-queue:
			n++
		default:
			return n
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

const maxExcerpt = 256

func excerpt(payload []byte) string {
	if len(payload) <= maxExcerpt {
		return string(payload)
	}
	return string(payload[:maxExcerpt]) + "..."
}
