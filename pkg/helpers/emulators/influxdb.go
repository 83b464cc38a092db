package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/illmade-knight/go-weather/pkg/influxstore"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testInfluxImage = "influxdb:2.7-alpine"
	testInfluxPort  = "8086/tcp"
)

type InfluxConfig struct {
	ImageContainer
	Org    string
	Bucket string
	Token  string
}

func GetDefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		ImageContainer: ImageContainer{EmulatorImage: testInfluxImage, EmulatorPort: testInfluxPort},
		Org:            "weather",
		Bucket:         "weather",
		Token:          "integration-test-token",
	}
}

// SetupInfluxContainer starts InfluxDB 2 with the org, bucket and admin token from cfg
// already provisioned and returns a matching store config.
func SetupInfluxContainer(t *testing.T, ctx context.Context, cfg InfluxConfig) influxstore.Config {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{cfg.EmulatorPort},
		Env: map[string]string{
			"DOCKER_INFLUXDB_INIT_MODE":        "setup",
			"DOCKER_INFLUXDB_INIT_USERNAME":    "weather",
			"DOCKER_INFLUXDB_INIT_PASSWORD":    "weather-password",
			"DOCKER_INFLUXDB_INIT_ORG":         cfg.Org,
			"DOCKER_INFLUXDB_INIT_BUCKET":      cfg.Bucket,
			"DOCKER_INFLUXDB_INIT_ADMIN_TOKEN": cfg.Token,
		},
		WaitingFor: wait.ForHTTP("/health").WithPort(nat.Port(cfg.EmulatorPort)).WithStartupTimeout(60 * time.Second),
	}
	addr := startContainer(t, ctx, req, cfg.EmulatorPort)
	t.Logf("InfluxDB container started, listening on: %s", addr)

	return influxstore.Config{
		URL:         fmt.Sprintf("http://%s", addr),
		Token:       cfg.Token,
		Org:         cfg.Org,
		Bucket:      cfg.Bucket,
		HTTPTimeout: 10 * time.Second,
		Retry:       influxstore.DefaultRetryConfig(),
	}
}
