// Package monitor watches networked-backend availability and owns the
// decision to fall back to the local store. Fallback is never silent: it
// happens only in interactive sessions, only with explicit operator
// consent.
package monitor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/internal/retry"
	"github.com/taskwarden/warden/types"
)

// State is the monitor's view of the networked backend.
type State int

const (
	StateUnknown State = iota
	StateProbing
	StateAvailable
	StateUnavailable
	// StateDegraded means the coordinator is running on the local store
	// after an operator-confirmed fallback.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// Mode is the storage mode the coordinator ends up running in.
type Mode int

const (
	// ModeNetworked uses the shared backend; claims exclude across hosts.
	ModeNetworked Mode = iota
	// ModeLocal uses the filesystem store; claims exclude only against
	// processes sharing the same data directory.
	ModeLocal
)

func (m Mode) String() string {
	if m == ModeLocal {
		return "local"
	}
	return "networked"
}

// ProbeFunc checks backend reachability.
type ProbeFunc func(ctx context.Context) error

// Config tunes the monitor's recovery behavior.
type Config struct {
	// RecoveryCommand, when set, is run through the shell to try to bring
	// the backend back (restart a container, bounce a service).
	RecoveryCommand string
	// MaxRecoveryAttempts bounds probe-recover rounds before giving up.
	MaxRecoveryAttempts int
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// RetryPolicy paces the reprobes between recovery attempts.
	RetryPolicy *retry.Policy
}

// Monitor drives the availability state machine for the networked backend.
type Monitor struct {
	probe    ProbeFunc
	cfg      Config
	prompter Prompter
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu    sync.Mutex
	state State
}

// NewMonitor creates an availability monitor.
func NewMonitor(probe ProbeFunc, cfg Config, prompter Prompter, logger *zap.Logger, collector *metrics.Collector) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 3
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = &retry.Policy{
			MaxRetries:   2,
			InitialDelay: 2 * time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}
	}
	return &Monitor{
		probe:    probe,
		cfg:      cfg,
		prompter: prompter,
		logger:   logger.With(zap.String("component", "monitor")),
		metrics:  collector,
		state:    StateUnknown,
	}
}

// State returns the current availability state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Info("backend state changed",
			zap.String("from", prev.String()),
			zap.String("to", s.String()),
		)
	}
}

// Probe runs one bounded reachability check and records the outcome.
func (m *Monitor) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := m.probe(ctx)
	elapsed := time.Since(start)
	if err != nil {
		m.metrics.RecordBackendProbe("failed", elapsed)
		return err
	}
	m.metrics.RecordBackendProbe("ok", elapsed)
	return nil
}

// Ensure resolves the storage mode for this run. It probes, attempts
// recovery when the backend is down, and only then considers local
// fallback. With allowFallback false it fails outright; with it true it
// still requires an explicit operator confirmation.
func (m *Monitor) Ensure(ctx context.Context, allowFallback bool) (Mode, error) {
	m.setState(StateProbing)
	if err := m.Probe(ctx); err == nil {
		m.setState(StateAvailable)
		return ModeNetworked, nil
	} else {
		m.logger.Warn("backend unreachable", zap.Error(err))
	}

	if err := m.attemptRecovery(ctx); err == nil {
		m.setState(StateAvailable)
		m.logger.Info("backend recovered")
		return ModeNetworked, nil
	}
	m.setState(StateUnavailable)

	if !allowFallback {
		return ModeNetworked, types.NewError(types.ErrBackendUnavailable,
			"backend unreachable and recovery failed; rerun with fallback enabled to use local storage")
	}

	confirmed, err := m.prompter.Confirm(
		"Backend is unreachable. Continue with LOCAL storage? " +
			"Claims will NOT exclude against other hosts until the backend returns.")
	if err != nil {
		return ModeNetworked, types.NewError(types.ErrBackendUnavailable,
			"backend unreachable and fallback could not be confirmed").WithCause(err)
	}
	if !confirmed {
		return ModeNetworked, types.NewError(types.ErrBackendUnavailable,
			"backend unreachable; operator declined local fallback")
	}

	m.setState(StateDegraded)
	m.logger.Warn("running degraded on local storage")
	return ModeLocal, nil
}

// Recover runs one bounded non-fallback recovery round: recovery command
// plus backoff reprobes, no prompt, no mode change. The daemon health loop
// calls it when the backend drops mid-run.
func (m *Monitor) Recover(ctx context.Context) error {
	m.setState(StateProbing)
	if err := m.attemptRecovery(ctx); err != nil {
		m.setState(StateUnavailable)
		return err
	}
	m.setState(StateAvailable)
	return nil
}

// attemptRecovery runs the recovery command (when configured) and reprobes
// with backoff, up to the attempt budget.
func (m *Monitor) attemptRecovery(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRecoveryAttempts; attempt++ {
		if m.cfg.RecoveryCommand != "" {
			m.logger.Info("running backend recovery command",
				zap.Int("attempt", attempt),
				zap.String("command", m.cfg.RecoveryCommand),
			)
			if err := m.runRecoveryCommand(ctx); err != nil {
				m.logger.Warn("recovery command failed", zap.Error(err))
			}
		}

		r := retry.New(m.cfg.RetryPolicy, m.logger)
		lastErr = r.Do(ctx, func() error { return m.Probe(ctx) })
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("backend did not recover after %d attempts: %w", m.cfg.MaxRecoveryAttempts, lastErr)
}

func (m *Monitor) runRecoveryCommand(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", m.cfg.RecoveryCommand)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
