// Package config provides unified configuration loading for the coordinator:
// defaults, optional YAML file, then environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("warden.yaml").
//	    WithEnvPrefix("WARDEN").
//	    Load()
//
// Priority: defaults -> YAML file -> environment.
package config

import (
	"fmt"
	"time"
)

// Config is the complete coordinator configuration.
type Config struct {
	// Backend holds networked lease-store connection settings.
	Backend BackendConfig `yaml:"backend" env:"BACKEND"`

	// Coordinator holds claim, heartbeat, and recovery timings.
	Coordinator CoordinatorConfig `yaml:"coordinator" env:"COORDINATOR"`

	// Log holds logging settings.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics holds Prometheus exposition settings.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry holds OpenTelemetry settings.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// BackendConfig configures the networked (Redis) lease store and the local
// fallback namespace.
type BackendConfig struct {
	// Addr is the networked store address, host:port.
	Addr string `yaml:"addr" env:"ADDR"`
	// Password for the networked store, if any.
	Password string `yaml:"password" env:"PASSWORD"`
	// DB is the logical database number.
	DB int `yaml:"db" env:"DB"`
	// PoolSize bounds the connection pool.
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// KeyPrefix namespaces every key written by this deployment.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// OpTimeout bounds every single store call; calls past it fail with
	// BACKEND_UNAVAILABLE rather than hanging.
	OpTimeout time.Duration `yaml:"op_timeout" env:"OP_TIMEOUT"`
	// RecoveryCommand, when set, is invoked to restart a local backend
	// dependency during bounded auto-recovery (e.g. "systemctl start redis").
	RecoveryCommand string `yaml:"recovery_command" env:"RECOVERY_COMMAND"`
	// MaxRecoveryAttempts bounds auto-recovery before fallback is considered.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" env:"MAX_RECOVERY_ATTEMPTS"`
}

// CoordinatorConfig configures lease lifetimes and detector thresholds.
// Invariant: ClaimTTL < StaleAgentThreshold < OrphanThreshold, so an agent
// gets multiple renewal chances before its work is considered orphaned.
type CoordinatorConfig struct {
	// DataDir is the local namespace: fallback store, instance guard,
	// daemon state, agent identity.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	// AgentID overrides the persisted agent identity when set.
	AgentID string `yaml:"agent_id" env:"AGENT_ID"`
	// ClaimTTL is the lease lifetime granted on acquire and renew.
	ClaimTTL time.Duration `yaml:"claim_ttl" env:"CLAIM_TTL"`
	// HeartbeatInterval is how often the renewer ticks.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// RecoveryInterval is how often the orphan detector scans.
	RecoveryInterval time.Duration `yaml:"recovery_interval" env:"RECOVERY_INTERVAL"`
	// StaleAgentThreshold is the heartbeat age past which an agent is
	// presumed crashed.
	StaleAgentThreshold time.Duration `yaml:"stale_agent_threshold" env:"STALE_AGENT_THRESHOLD"`
	// OrphanThreshold is the lease age past which a claim is reclaimed.
	OrphanThreshold time.Duration `yaml:"orphan_threshold" env:"ORPHAN_THRESHOLD"`
	// EarlyFailureWindow bounds immediate resurrection of failed tasks.
	EarlyFailureWindow time.Duration `yaml:"early_failure_window" env:"EARLY_FAILURE_WINDOW"`
	// HealthInterval is how often the daemon runs its composite health check.
	HealthInterval time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths, zap-style (stdout, stderr, or file paths).
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Backend.Addr == "" {
		return fmt.Errorf("backend.addr must not be empty")
	}
	if c.Backend.OpTimeout <= 0 {
		return fmt.Errorf("backend.op_timeout must be positive")
	}
	co := c.Coordinator
	if co.DataDir == "" {
		return fmt.Errorf("coordinator.data_dir must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"claim_ttl":             co.ClaimTTL,
		"heartbeat_interval":    co.HeartbeatInterval,
		"recovery_interval":     co.RecoveryInterval,
		"stale_agent_threshold": co.StaleAgentThreshold,
		"orphan_threshold":      co.OrphanThreshold,
		"early_failure_window":  co.EarlyFailureWindow,
		"health_interval":       co.HealthInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("coordinator.%s must be positive", name)
		}
	}
	if !(co.ClaimTTL < co.StaleAgentThreshold && co.StaleAgentThreshold < co.OrphanThreshold) {
		return fmt.Errorf("threshold ordering violated: claim_ttl (%v) < stale_agent_threshold (%v) < orphan_threshold (%v) must hold",
			co.ClaimTTL, co.StaleAgentThreshold, co.OrphanThreshold)
	}
	if co.HeartbeatInterval >= co.ClaimTTL {
		return fmt.Errorf("heartbeat_interval (%v) must be shorter than claim_ttl (%v)",
			co.HeartbeatInterval, co.ClaimTTL)
	}
	return nil
}
