package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-weather/pkg/mqttclient"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

const (
	subscribeTimeout   = 10 * time.Second
	unsubscribeTimeout = 2 * time.Second
	disconnectQuiesce  = 250
)

// PahoDialer opens paho sessions. Paho's own reconnect logic is disabled; the Runner
// decides when to dial again.
type PahoDialer struct {
	cfg    mqttclient.MQTTClientConfig
	logger zerolog.Logger
}

func NewPahoDialer(cfg mqttclient.MQTTClientConfig, logger zerolog.Logger) *PahoDialer {
	return &PahoDialer{
		cfg:    cfg,
		logger: logger.With().Str("component", "PahoDialer").Logger(),
	}
}

func (d *PahoDialer) Dial(ctx context.Context, onLost func(error)) (Session, error) {
	opts, err := mqttclient.NewClientOptions(d.cfg, d.logger)
	if err != nil {
		return nil, err
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		d.logger.Error().Err(err).Msg("Paho client lost MQTT connection")
		onLost(err)
	})

	client := mqtt.NewClient(opts)
	d.logger.Info().Str("client_id", opts.ClientID).Str("broker", d.cfg.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("paho MQTT client connect error: %w", err)
	}
	d.logger.Info().Str("broker", d.cfg.BrokerURL).Msg("Paho client connected to MQTT broker")
	return &pahoSession{client: client, logger: d.logger}, nil
}

type pahoSession struct {
	client mqtt.Client
	logger zerolog.Logger
}

func (s *pahoSession) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := s.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		handler(types.InMessage{
			Payload:   payload,
			Topic:     msg.Topic(),
			MessageID: strconv.FormatUint(uint64(msg.MessageID()), 10),
			Timestamp: time.Now().UTC(),
			Duplicate: msg.Duplicate(),
		})
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	return token.Error()
}

func (s *pahoSession) Unsubscribe(topic string) error {
	token := s.client.Unsubscribe(topic)
	if !token.WaitTimeout(unsubscribeTimeout) {
		return fmt.Errorf("unsubscribe from %s timed out", topic)
	}
	return token.Error()
}

func (s *pahoSession) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(disconnectQuiesce)
		s.logger.Info().Msg("Paho MQTT client disconnected")
	}
}
