package simulator

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-weather/pkg/mqttclient"
	"github.com/rs/zerolog"
)

// MqttClient implements Client over paho. A "+" in the configured topic is replaced
// with the device id.
type MqttClient struct {
	cfg    mqttclient.MQTTClientConfig
	client mqtt.Client
	logger zerolog.Logger
}

func NewMqttClient(cfg mqttclient.MQTTClientConfig, logger zerolog.Logger) *MqttClient {
	if cfg.ClientIDPrefix == "" || cfg.ClientIDPrefix == mqttclient.DefaultMQTTClientConfig().ClientIDPrefix {
		cfg.ClientIDPrefix = "weather-simulator-"
	}
	return &MqttClient{
		cfg:    cfg,
		logger: logger.With().Str("component", "SimulatorClient").Logger(),
	}
}

func (c *MqttClient) Connect() error {
	opts, err := mqttclient.NewClientOptions(c.cfg, c.logger)
	if err != nil {
		return err
	}
	opts.SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Error().Err(err).Msg("MQTT Connection lost")
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Successfully connected to MQTT broker")
		})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	if !c.client.IsConnected() {
		return fmt.Errorf("failed to connect to %s", c.cfg.BrokerURL)
	}
	return nil
}

func (c *MqttClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info().Msg("MQTT client disconnected")
	}
}

// Topic is the concrete topic a device publishes on.
func (c *MqttClient) Topic(device *Device) string {
	return strings.Replace(c.cfg.Topic, "+", device.ID, 1)
}

func (c *MqttClient) Publish(ctx context.Context, device *Device) error {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}

	topic := c.Topic(device)
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("mqtt publish error for device %s: %w", device.ID, token.Error())
		}
		c.logger.Debug().Str("device_id", device.ID).Str("topic", topic).Msg("Message published")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while publishing for device %s: %w", device.ID, ctx.Err())
	}
}
