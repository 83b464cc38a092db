// Package simulator publishes synthetic weather station readings over MQTT for load
// and end-to-end testing.
package simulator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Device is one simulated station.
type Device struct {
	ID string
	// MessageRate is in messages per second.
	MessageRate      float64
	Tags             map[string]string
	PayloadGenerator PayloadGenerator
}

// PayloadGenerator produces the JSON payload for the next reading of a device.
type PayloadGenerator interface {
	GeneratePayload(device *Device) ([]byte, error)
}

// Client delivers device payloads to the broker.
type Client interface {
	Connect() error
	Disconnect()
	Publish(ctx context.Context, device *Device) error
}

// LoadGenerator runs every device on its own ticker for a fixed duration.
type LoadGenerator struct {
	client  Client
	devices []*Device
	logger  zerolog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewLoadGenerator(client Client, devices []*Device, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		client:  client,
		devices: devices,
		logger:  logger.With().Str("component", "LoadGenerator").Logger(),
	}
}

// Run publishes until duration elapses or ctx is cancelled. A zero duration runs until
// ctx is cancelled. Publish failures are logged and counted, never returned.
func (lg *LoadGenerator) Run(ctx context.Context, duration time.Duration) error {
	lg.logger.Info().Int("num_devices", len(lg.devices)).Dur("duration", duration).Msg("Starting load generator")

	if err := lg.client.Connect(); err != nil {
		lg.logger.Error().Err(err).Msg("Failed to connect client")
		return err
	}
	defer lg.client.Disconnect()

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, device := range lg.devices {
		d := device
		g.Go(func() error {
			lg.runDevice(gctx, d)
			return nil
		})
	}
	err := g.Wait()

	lg.logger.Info().
		Uint64("published", lg.published.Load()).
		Uint64("failed", lg.failed.Load()).
		Msg("Load generator finished")
	return err
}

// Published and Failed report publish outcomes so far.
func (lg *LoadGenerator) Published() uint64 { return lg.published.Load() }
func (lg *LoadGenerator) Failed() uint64    { return lg.failed.Load() }

func (lg *LoadGenerator) runDevice(ctx context.Context, device *Device) {
	if device.MessageRate <= 0 {
		lg.logger.Warn().Str("device_id", device.ID).Msg("Device has a message rate of 0, no messages will be sent")
		return
	}

	interval := time.Duration(float64(time.Second) / device.MessageRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg.logger.Info().Str("device_id", device.ID).Float64("rate_hz", device.MessageRate).Dur("interval", interval).Msg("Device starting")

	for {
		select {
		case <-ctx.Done():
			lg.logger.Debug().Str("device_id", device.ID).Msg("Device stopping")
			return
		case <-ticker.C:
			if err := lg.client.Publish(ctx, device); err != nil {
				if ctx.Err() != nil {
					return
				}
				lg.failed.Add(1)
				lg.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to publish message")
				continue
			}
			lg.published.Add(1)
		}
	}
}
