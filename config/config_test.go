package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, "")

	config, err := LoadConfig(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Port)
	assert.False(t, config.Registry.AutoApprove)
	assert.Equal(t, "10m", config.Registry.RegisterTimeout)
	assert.Equal(t, "30s", config.Health.ProbeInterval)
	assert.Equal(t, "5s", config.Health.ProbeTimeout)
	assert.Equal(t, 2, config.Health.OfflineThreshold)
	assert.Equal(t, "2m", config.Lease.InferenceTimeout)
	assert.Equal(t, "30s", config.Lease.SweepInterval)
	assert.Equal(t, "24h", config.Balancer.RouteStaleness)
}

func TestLoadConfigFromYaml(t *testing.T) {
	path := writeConfigFile(t, `
port: 9090
valkey_endpoint: localhost:6379
postgres_dsn: postgres://fleetgate@localhost/fleetgate
registry:
  auto_approve: true
  register_timeout: 5m
health:
  probe_interval: 10s
  offline_threshold: 3
lease:
  inference_timeout: 60s
balancer:
  route_staleness: 12h
`)

	config, err := LoadConfig(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Port)
	assert.Equal(t, "localhost:6379", config.ValkeyEndpoint)
	assert.Equal(t, "postgres://fleetgate@localhost/fleetgate", config.PostgresDsn)
	assert.True(t, config.Registry.AutoApprove)
	assert.Equal(t, "5m", config.Registry.RegisterTimeout)
	assert.Equal(t, "10s", config.Health.ProbeInterval)
	assert.Equal(t, 3, config.Health.OfflineThreshold)
	assert.Equal(t, "60s", config.Lease.InferenceTimeout)
	assert.Equal(t, "12h", config.Balancer.RouteStaleness)
	// Values not set in the file keep their defaults.
	assert.Equal(t, "5s", config.Health.ProbeTimeout)
}

func TestLoadConfigEnvOverridesYaml(t *testing.T) {
	path := writeConfigFile(t, `
port: 9090
health:
  probe_interval: 10s
`)
	t.Setenv("PORT", "7070")
	t.Setenv("FLEETGATE_API_KEY", "secret")
	t.Setenv("PROBE_INTERVAL", "45s")
	t.Setenv("AUTO_APPROVE", "true")

	config, err := LoadConfig(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, 7070, config.Port)
	assert.Equal(t, "secret", config.FleetgateApiKey)
	assert.Equal(t, "45s", config.Health.ProbeInterval)
	assert.True(t, config.Registry.AutoApprove)
}

func TestLoadConfigRejectsBadThreshold(t *testing.T) {
	path := writeConfigFile(t, `
health:
  offline_threshold: 0
`)

	_, err := LoadConfig(path, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline_threshold")
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeConfigFile(t, `
health:
  probe_interval: soon
`)

	_, err := LoadConfig(path, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe_interval")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop().Sugar())
	require.Error(t, err)
}
