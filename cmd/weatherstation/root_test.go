package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/illmade-knight/go-weather/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	l, err := newLogger(config.LogConfig{Level: "DEBUG"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel())

	l, err = newLogger(config.LogConfig{Level: "", Console: true})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestServe_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weatherstation.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reader:\n  source: sqlite\n"), 0o600))
	t.Setenv("WEATHER_INFLUX_TOKEN", "token")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"serve", "--config", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown reader.source")
}

func TestRoot_BadConfigFile(t *testing.T) {
	rootCmd.SetArgs([]string{"sample", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	var out bytes.Buffer
	rootCmd.SetErr(&out)
	assert.Error(t, Execute())
}
