package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 300*time.Second, cfg.Coordinator.ClaimTTL)
	assert.Equal(t, 600*time.Second, cfg.Coordinator.StaleAgentThreshold)
	assert.Equal(t, 1800*time.Second, cfg.Coordinator.OrphanThreshold)
	assert.Equal(t, 120*time.Second, cfg.Coordinator.EarlyFailureWindow)
	assert.Equal(t, "localhost:6379", cfg.Backend.Addr)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	content := `
backend:
  addr: "redis.internal:6380"
coordinator:
  claim_ttl: 60s
  stale_agent_threshold: 120s
  orphan_threshold: 600s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Backend.Addr)
	assert.Equal(t, 60*time.Second, cfg.Coordinator.ClaimTTL)
	assert.Equal(t, 600*time.Second, cfg.Coordinator.OrphanThreshold)
	// Untouched fields keep defaults.
	assert.Equal(t, 300*time.Second, cfg.Coordinator.RecoveryInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/warden.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Backend.Addr)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WARDEN_BACKEND_ADDR", "10.0.0.5:6379")
	t.Setenv("WARDEN_COORDINATOR_RECOVERY_INTERVAL", "45s")
	t.Setenv("WARDEN_METRICS_ENABLED", "false")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:6379", cfg.Backend.Addr)
	assert.Equal(t, 45*time.Second, cfg.Coordinator.RecoveryInterval)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Coordinator.OrphanThreshold = cfg.Coordinator.StaleAgentThreshold / 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold ordering")

	cfg = DefaultConfig()
	cfg.Coordinator.ClaimTTL = cfg.Coordinator.StaleAgentThreshold
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.Addr = ""
	assert.Error(t, cfg.Validate())
}
