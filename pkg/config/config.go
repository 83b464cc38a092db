// Package config loads the weatherstation configuration from defaults, an optional
// YAML file and WEATHER_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-weather/pkg/hotcache"
	"github.com/illmade-knight/go-weather/pkg/influxstore"
	"github.com/illmade-knight/go-weather/pkg/mqttclient"
	"github.com/illmade-knight/go-weather/pkg/pointbuilder"
	"github.com/illmade-knight/go-weather/pkg/reader"
	"github.com/illmade-knight/go-weather/pkg/runner"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/spf13/viper"
)

const EnvPrefix = "WEATHER"

type Config struct {
	MQTT      mqttclient.MQTTClientConfig `mapstructure:"mqtt"`
	Influx    influxstore.Config          `mapstructure:"influx"`
	Pipeline  PipelineConfig              `mapstructure:"pipeline"`
	Reader    ReaderConfig                `mapstructure:"reader"`
	Redis     RedisConfig                 `mapstructure:"redis"`
	Stations  StationsConfig              `mapstructure:"stations"`
	HTTP      HTTPConfig                  `mapstructure:"http"`
	Log       LogConfig                   `mapstructure:"log"`
	Simulator SimulatorConfig             `mapstructure:"simulator"`
}

type PipelineConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	StatsEvery       int           `mapstructure:"stats_every"`
	SkewTolerance    time.Duration `mapstructure:"skew_tolerance"`
}

// Reader sources.
const (
	SourceInflux = "influx"
	SourceRedis  = "redis"
)

type ReaderConfig struct {
	Lookback     time.Duration `mapstructure:"lookback"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Source selects where the latest values come from: "influx" or "redis".
	Source string `mapstructure:"source"`
}

type RedisConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	hotcache.RedisConfig `mapstructure:",squash"`
	KeyPrefix            string        `mapstructure:"key_prefix"`
	TTL                  time.Duration `mapstructure:"ttl"`
}

type StationsConfig struct {
	RegistryFile string        `mapstructure:"registry_file"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type SimulatorConfig struct {
	Devices  int           `mapstructure:"devices"`
	Prefix   string        `mapstructure:"prefix"`
	Rate     float64       `mapstructure:"rate"`
	Duration time.Duration `mapstructure:"duration"`
	Seed     int64         `mapstructure:"seed"`
}

func setDefaults(v *viper.Viper) {
	mq := mqttclient.DefaultMQTTClientConfig()
	v.SetDefault("mqtt.broker_url", mq.BrokerURL)
	v.SetDefault("mqtt.topic", mq.Topic)
	v.SetDefault("mqtt.qos", mq.QoS)
	v.SetDefault("mqtt.client_id_prefix", mq.ClientIDPrefix)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.keep_alive", mq.KeepAlive)
	v.SetDefault("mqtt.connect_timeout", mq.ConnectTimeout)
	v.SetDefault("mqtt.ca_cert_file", "")
	v.SetDefault("mqtt.client_cert_file", "")
	v.SetDefault("mqtt.client_key_file", "")
	v.SetDefault("mqtt.insecure_skip_verify", false)

	retry := influxstore.DefaultRetryConfig()
	v.SetDefault("influx.url", "http://influxdb:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "weather")
	v.SetDefault("influx.bucket", "weather")
	v.SetDefault("influx.measurement", types.DefaultMeasurement)
	v.SetDefault("influx.http_timeout", 10*time.Second)
	v.SetDefault("influx.retry.initial_interval", retry.InitialInterval)
	v.SetDefault("influx.retry.max_interval", retry.MaxInterval)
	v.SetDefault("influx.retry.max_attempts", retry.MaxAttempts)

	rc := runner.DefaultConfig()
	v.SetDefault("pipeline.queue_size", rc.QueueSize)
	v.SetDefault("pipeline.write_timeout", rc.WriteTimeout)
	v.SetDefault("pipeline.reconnect_initial", rc.ReconnectInitial)
	v.SetDefault("pipeline.reconnect_max", rc.ReconnectMax)
	v.SetDefault("pipeline.stats_every", rc.StatsEvery)
	v.SetDefault("pipeline.skew_tolerance", pointbuilder.DefaultSkewTolerance)

	v.SetDefault("reader.lookback", reader.DefaultLookback)
	v.SetDefault("reader.poll_interval", reader.DefaultPollInterval)
	v.SetDefault("reader.source", SourceInflux)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", hotcache.DefaultKeyPrefix)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("stations.registry_file", "")
	v.SetDefault("stations.cache_ttl", 10*time.Minute)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("simulator.devices", 3)
	v.SetDefault("simulator.prefix", "weather-sim")
	v.SetDefault("simulator.rate", 1.0)
	v.SetDefault("simulator.duration", time.Duration(0))
	v.SetDefault("simulator.seed", 0)
}

// Load reads configuration. An empty path looks for weatherstation.yaml in the working
// directory and /etc/weatherstation, and runs on defaults when none is found.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("weatherstation")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/weatherstation")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings needed by the serve command.
func (c *Config) Validate() error {
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if err := c.Influx.Validate(); err != nil {
		return err
	}
	if c.Influx.Token == "" {
		return errors.New("influx token is required (set WEATHER_INFLUX_TOKEN)")
	}
	switch c.Reader.Source {
	case SourceInflux:
	case SourceRedis:
		if !c.Redis.Enabled {
			return errors.New("reader.source redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown reader.source %q", c.Reader.Source)
	}
	if c.Reader.Lookback <= 0 {
		return errors.New("reader.lookback must be positive")
	}
	return nil
}

// RunnerConfig assembles the subscription runner settings.
func (c *Config) RunnerConfig() runner.Config {
	return runner.Config{
		Topic:            c.MQTT.Topic,
		QoS:              c.MQTT.QoS,
		QueueSize:        c.Pipeline.QueueSize,
		WriteTimeout:     c.Pipeline.WriteTimeout,
		ReconnectInitial: c.Pipeline.ReconnectInitial,
		ReconnectMax:     c.Pipeline.ReconnectMax,
		StatsEvery:       c.Pipeline.StatsEvery,
	}
}
