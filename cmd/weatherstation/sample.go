package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-weather/pkg/runner"
	"github.com/illmade-knight/go-weather/pkg/sampler"
	"github.com/spf13/cobra"
)

var (
	sampleCount  int
	sampleOutput string
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Capture raw messages from the topic to a JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.MQTT.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mq := cfg.MQTT
		mq.ClientIDPrefix = "weather-sampler-"
		s := sampler.NewSampler(runner.NewPahoDialer(mq, logger), mq.Topic, mq.QoS, sampleCount, logger)
		if err := s.Run(ctx); err != nil {
			return err
		}

		if len(s.Messages()) == 0 {
			logger.Warn().Msg("No messages were captured, nothing to write")
			return nil
		}

		out := os.Stdout
		if sampleOutput != "" && sampleOutput != "-" {
			f, err := os.Create(sampleOutput)
			if err != nil {
				return fmt.Errorf("could not create output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		if err := s.WriteJSON(out); err != nil {
			return err
		}
		logger.Info().Int("message_count", len(s.Messages())).Str("file", sampleOutput).Msg("Captured messages saved")
		return nil
	},
}

func init() {
	sampleCmd.Flags().IntVarP(&sampleCount, "count", "n", 10, "number of messages to capture")
	sampleCmd.Flags().StringVarP(&sampleOutput, "output", "o", "mqtt_samples.json", "output file, - for stdout")
}
