package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the coordinator defaults. Every value can be
// overridden by YAML or environment.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Addr:                "localhost:6379",
			DB:                  0,
			PoolSize:            10,
			KeyPrefix:           "warden:",
			OpTimeout:           5 * time.Second,
			MaxRecoveryAttempts: 3,
		},
		Coordinator: CoordinatorConfig{
			DataDir:             defaultDataDir(),
			ClaimTTL:            300 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			RecoveryInterval:    300 * time.Second,
			StaleAgentThreshold: 600 * time.Second,
			OrphanThreshold:     1800 * time.Second,
			EarlyFailureWindow:  120 * time.Second,
			HealthInterval:      60 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stderr"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "warden",
			SampleRate:   1.0,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}
