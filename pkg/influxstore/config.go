package influxstore

import (
	"errors"
	"time"
)

// Config holds connection and write settings for InfluxDB v2.
type Config struct {
	URL         string        `mapstructure:"url"`
	Token       string        `mapstructure:"token"`
	Org         string        `mapstructure:"org"`
	Bucket      string        `mapstructure:"bucket"`
	Measurement string        `mapstructure:"measurement"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// RetryConfig bounds the exponential backoff used for transient write failures.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// DefaultRetryConfig allows five attempts, backing off from 200ms up to 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxAttempts:     5,
	}
}

// Validate checks the fields required to open a connection.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("influx url is required")
	case c.Org == "":
		return errors.New("influx org is required")
	case c.Bucket == "":
		return errors.New("influx bucket is required")
	}
	return nil
}

func (r RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if r.InitialInterval <= 0 {
		r.InitialInterval = d.InitialInterval
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = d.MaxInterval
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = d.MaxAttempts
	}
	return r
}
