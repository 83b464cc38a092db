package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-weather/pkg/simulator"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish simulated weather readings to the broker",
	Long: `simulate runs a number of virtual stations, each publishing a reading at the
configured rate. A "+" in mqtt.topic is replaced with the station id.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.MQTT.Validate(); err != nil {
			return err
		}
		sc := cfg.Simulator
		if cmd.Flags().Changed("devices") {
			sc.Devices, _ = cmd.Flags().GetInt("devices")
		}
		if cmd.Flags().Changed("rate") {
			sc.Rate, _ = cmd.Flags().GetFloat64("rate")
		}
		if cmd.Flags().Changed("duration") {
			sc.Duration, _ = cmd.Flags().GetDuration("duration")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		gen := simulator.NewWeatherGenerator(simulator.DefaultWeatherConfig(), sc.Seed)
		devices := simulator.NewDevices(sc.Devices, sc.Prefix, sc.Rate, gen, sc.Seed)
		lg := simulator.NewLoadGenerator(simulator.NewMqttClient(cfg.MQTT, logger), devices, logger)
		return lg.Run(ctx, sc.Duration)
	},
}

func init() {
	simulateCmd.Flags().Int("devices", 0, "number of simulated stations (overrides simulator.devices)")
	simulateCmd.Flags().Float64("rate", 0, "messages per second per station (overrides simulator.rate)")
	simulateCmd.Flags().Duration("duration", 0, "how long to run, 0 runs until interrupted (overrides simulator.duration)")
}
