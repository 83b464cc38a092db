package emulators

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testRedisImage = "redis:7-alpine"
	testRedisPort  = "6379/tcp"
)

func GetDefaultRedisImageContainer() ImageContainer {
	return ImageContainer{EmulatorImage: testRedisImage, EmulatorPort: testRedisPort}
}

// SetupRedisContainer returns the host:port of a fresh redis.
func SetupRedisContainer(t *testing.T, ctx context.Context, cfg ImageContainer) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{cfg.EmulatorPort},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	addr := startContainer(t, ctx, req, cfg.EmulatorPort)
	t.Logf("Redis container started, listening on: %s", addr)
	return addr
}
