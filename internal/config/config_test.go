package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_CreatesDefaultFileWhenMissing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "configs", "config.yaml")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8010", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8, cfg.MaxConcurrentTests)
	assert.Equal(t, 30*time.Minute, cfg.DefaultTimeout)
	assert.Equal(t, "test-orchestrator", cfg.ServiceName)

	// The default file was written for the operator to edit.
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestLoadConfig_AppliesDefaultsForMissingFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	// Durations round-trip as nanosecond integers.
	partial := `
port: ":9999"
max_concurrent_tests: 2
poll_interval: 250000000
`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Port)
	assert.Equal(t, 2, cfg.MaxConcurrentTests)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)

	// Everything absent from the file gets the default.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.DefaultTimeout)
	assert.Equal(t, "nats://localhost:4222", cfg.NatsAddress)
	assert.Equal(t, "0.25", cfg.ComputeRateHour)
}

func TestLoadConfig_RejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unclosed"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestGenerateServiceID(t *testing.T) {
	t.Parallel()

	a := GenerateServiceID("test-orchestrator-")
	b := GenerateServiceID("test-orchestrator-")
	assert.True(t, strings.HasPrefix(a, "test-orchestrator-"))
	assert.NotEqual(t, a, b)
}
