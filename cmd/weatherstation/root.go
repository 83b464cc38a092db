package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/illmade-knight/go-weather/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "weatherstation",
	Short: "MQTT to InfluxDB weather ingest pipeline",
	Long: `weatherstation subscribes to weather station telemetry over MQTT, validates each
reading and writes it to InfluxDB, then serves the latest value per station over HTTP.

Configuration comes from an optional YAML file and WEATHER_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Log)
		if err != nil {
			return err
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./weatherstation.yaml)")
	rootCmd.AddCommand(serveCmd, simulateCmd, sampleCmd)
}

func newLogger(lc config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var l zerolog.Logger
	if lc.Console {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(level).With().Timestamp().Str("service", "weatherstation").Logger(), nil
}
