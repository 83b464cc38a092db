// Package emulators starts throwaway broker, store and cache containers for integration
// tests.
package emulators

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

type ImageContainer struct {
	EmulatorImage string
	EmulatorPort  string
}

// startContainer runs req and returns host:port for the given exposed port. The container
// is terminated when the test ends.
func startContainer(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Warn().Err(err).Str("image", req.Image).Msg("Failed to terminate emulator container")
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}
