package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testMosquittoImage = "eclipse-mosquitto:2.0"
	testMosquittoPort  = "1883/tcp"
)

func GetDefaultMosquittoImageContainer() ImageContainer {
	return ImageContainer{EmulatorImage: testMosquittoImage, EmulatorPort: testMosquittoPort}
}

// SetupMosquittoContainer starts an anonymous broker and returns its tcp:// URL.
func SetupMosquittoContainer(t *testing.T, ctx context.Context, cfg ImageContainer) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{cfg.EmulatorPort},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort(nat.Port(cfg.EmulatorPort)).WithStartupTimeout(30 * time.Second),
	}
	addr := startContainer(t, ctx, req, cfg.EmulatorPort)
	t.Logf("Mosquitto container started, listening on: %s", addr)
	return fmt.Sprintf("tcp://%s", addr)
}
