// Package mqttclient builds paho client options from MQTTClientConfig.
package mqttclient

import (
	"crypto/tls"
	"fmt"
	"net/url"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClientID returns prefix plus a short random suffix so several processes can share a
// prefix without kicking each other off the broker.
func ClientID(prefix string) string {
	return fmt.Sprintf("%s%s", prefix, uuid.NewString()[:8])
}

// NewClientOptions returns paho options with broker, credentials, timeouts and TLS
// applied. Reconnect behaviour and handlers are left to the caller.
func NewClientOptions(cfg MQTTClientConfig, logger zerolog.Logger) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(ClientID(cfg.ClientIDPrefix))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		logger.Info().Str("broker", broker.Redacted()).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})

	if cfg.UsesTLS() {
		tlsConfig, err := NewTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
		logger.Info().Msg("TLS configured for MQTT client.")
	}
	return opts, nil
}
