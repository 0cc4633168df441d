package daemon

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskwarden/warden/config"
	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/monitor"
	"github.com/taskwarden/warden/recovery"
	"github.com/taskwarden/warden/store"
	"github.com/taskwarden/warden/types"
)

// StatusReport is a point-in-time snapshot for the status command.
type StatusReport struct {
	Running          bool
	Stale            bool // state file present but its process is dead
	State            *State
	BackendReachable bool
	HeldLeases       int
	PendingRecovery  []types.RecoveryRecord
}

// Status inspects the coordinator and its store without mutating anything.
// Store reads go to the backend the running daemon uses, falling back to
// the networked one when no daemon is up.
func Status(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*StatusReport, error) {
	report := &StatusReport{}

	st, err := LoadState(cfg.Coordinator.DataDir)
	if err != nil {
		return nil, err
	}
	report.State = st
	if st != nil {
		report.Running = PIDAlive(st.PID)
		report.Stale = !report.Running
	}

	report.BackendReachable = Probe(cfg.Backend, logger)(ctx) == nil

	mode := monitor.ModeNetworked
	if st != nil && report.Running && st.Mode == monitor.ModeLocal.String() {
		mode = monitor.ModeLocal
	}
	if mode == monitor.ModeNetworked && !report.BackendReachable {
		return report, nil
	}

	backend, err := BuildBackend(cfg, mode, logger)
	if err != nil {
		return report, nil
	}
	defer backend.Close()

	collector := metrics.NewCollector("warden_status", logger)
	queue := recovery.NewQueue(backend, 2*cfg.Coordinator.RecoveryInterval, logger, collector)
	if pending, err := queue.Peek(ctx, 20); err == nil {
		report.PendingRecovery = pending
	}

	agentID := cfg.Coordinator.AgentID
	if agentID == "" {
		if st != nil {
			agentID = st.AgentID
		}
	}
	if agentID != "" {
		if members, err := backend.SetMembers(ctx, store.IndexKey(agentID)); err == nil {
			report.HeldLeases = len(members)
		}
	}
	return report, nil
}

// Stop signals the running coordinator and waits for it to exit.
func Stop(dataDir string, timeout time.Duration) error {
	st, err := LoadState(dataDir)
	if err != nil {
		return err
	}
	pid := 0
	if st != nil {
		pid = st.PID
	} else if p, ok := ReadPID(dataDir); ok {
		pid = p
	}
	if pid == 0 || !PIDAlive(pid) {
		return types.NewError(types.ErrNotFound, "no running coordinator for "+dataDir)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal coordinator (pid %d): %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !PIDAlive(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return types.NewError(types.ErrTimeout, fmt.Sprintf("coordinator (pid %d) did not exit within %v", pid, timeout))
}
