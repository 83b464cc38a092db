package mqttclient

import (
	"errors"
	"strings"
	"time"
)

// MQTTClientConfig holds broker connection settings shared by the runner, the sampler, and
// the simulator.
type MQTTClientConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	Topic          string        `mapstructure:"topic"`
	QoS            byte          `mapstructure:"qos"`
	ClientIDPrefix string        `mapstructure:"client_id_prefix"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// TLS, used when BrokerURL has a tls://, ssl://, mqtts:// or wss:// scheme.
	CACertFile         string `mapstructure:"ca_cert_file"`
	ClientCertFile     string `mapstructure:"client_cert_file"`
	ClientKeyFile      string `mapstructure:"client_key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// DefaultMQTTClientConfig mirrors the station firmware defaults.
func DefaultMQTTClientConfig() MQTTClientConfig {
	return MQTTClientConfig{
		BrokerURL:      "tcp://mosquitto:1883",
		Topic:          "pse/weather_system/sensors",
		QoS:            1,
		ClientIDPrefix: "weatherstation-",
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate checks required fields.
func (c MQTTClientConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("mqtt broker_url is required")
	}
	if c.Topic == "" {
		return errors.New("mqtt topic is required")
	}
	if c.QoS > 2 {
		return errors.New("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

// UsesTLS reports whether the broker URL asks for an encrypted transport.
func (c MQTTClientConfig) UsesTLS() bool {
	u := strings.ToLower(c.BrokerURL)
	for _, scheme := range []string{"tls://", "ssl://", "mqtts://", "wss://"} {
		if strings.HasPrefix(u, scheme) {
			return true
		}
	}
	return false
}
