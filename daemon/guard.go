// Package daemon runs the coordinator process: single-instance guard,
// persisted run state, and the supervision loop tying together the
// heartbeat renewer, the orphan detector, and the health check.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/taskwarden/warden/types"
)

const (
	guardFile = "warden.lock"
	pidFile   = "warden.pid"
)

// Guard is the single-instance lock for a data directory. The flock is the
// exclusion point; the PID file exists for diagnostics and for the stop
// command.
type Guard struct {
	lock    *flock.Flock
	pidPath string
	logger  *zap.Logger
}

// AcquireGuard takes the instance lock, failing with ALREADY_RUNNING when
// another coordinator holds it.
func AcquireGuard(dataDir string, logger *zap.Logger) (*Guard, error) {
	lockPath := filepath.Join(dataDir, guardFile)
	fl := flock.New(lockPath)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		msg := "another coordinator is running for " + dataDir
		if pid, ok := ReadPID(dataDir); ok {
			msg = fmt.Sprintf("coordinator already running (pid %d) for %s", pid, dataDir)
		}
		return nil, types.NewError(types.ErrAlreadyRunning, msg)
	}

	g := &Guard{
		lock:    fl,
		pidPath: filepath.Join(dataDir, pidFile),
		logger:  logger.With(zap.String("component", "guard")),
	}
	if err := os.WriteFile(g.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	g.logger.Debug("instance lock acquired", zap.String("path", lockPath))
	return g, nil
}

// Held reports whether this process still holds the lock.
func (g *Guard) Held() bool {
	return g.lock.Locked()
}

// Release drops the lock and removes the PID file.
func (g *Guard) Release() error {
	if err := os.Remove(g.pidPath); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("failed to remove pid file", zap.Error(err))
	}
	return g.lock.Unlock()
}

// ReadPID reads the recorded coordinator PID for a data directory.
func ReadPID(dataDir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dataDir, pidFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// PIDAlive reports whether the process exists. Signal 0 probes without
// delivering anything.
func PIDAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
