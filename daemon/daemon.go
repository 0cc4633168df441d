package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskwarden/warden/claim"
	"github.com/taskwarden/warden/config"
	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/internal/telemetry"
	"github.com/taskwarden/warden/monitor"
	"github.com/taskwarden/warden/recovery"
	"github.com/taskwarden/warden/store"
)

// Daemon wires the coordinator together and supervises its loops.
type Daemon struct {
	cfg      *config.Config
	logger   *zap.Logger
	prompter monitor.Prompter
}

// New creates a coordinator daemon. The prompter decides how local-fallback
// consent is obtained; unattended runs should pass monitor.DenyPrompter.
func New(cfg *config.Config, logger *zap.Logger, prompter monitor.Prompter) *Daemon {
	return &Daemon{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "daemon")),
		prompter: prompter,
	}
}

// BuildBackend constructs the store for the given mode. The local store
// lives under the data directory so the guard, state, and fallback records
// share one namespace.
func BuildBackend(cfg *config.Config, mode monitor.Mode, logger *zap.Logger) (store.Backend, error) {
	if mode == monitor.ModeLocal {
		return store.NewFileStore(filepath.Join(cfg.Coordinator.DataDir, "store"), logger)
	}
	return store.NewRedisStore(cfg.Backend, logger)
}

// Probe returns a ProbeFunc that dials the networked backend and pings it.
func Probe(cfg config.BackendConfig, logger *zap.Logger) monitor.ProbeFunc {
	return func(ctx context.Context) error {
		s, err := store.NewRedisStore(cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Ping(ctx)
	}
}

// Run starts the coordinator and blocks until ctx is cancelled or a fatal
// error occurs. It returns the storage mode it ran in, so the caller can
// exit with a distinct code for degraded runs.
func (d *Daemon) Run(ctx context.Context, allowFallback bool) (monitor.Mode, error) {
	cfg := d.cfg
	mode := monitor.ModeNetworked

	if err := os.MkdirAll(cfg.Coordinator.DataDir, 0o755); err != nil {
		return mode, err
	}

	guard, err := AcquireGuard(cfg.Coordinator.DataDir, d.logger)
	if err != nil {
		return mode, err
	}
	defer func() {
		if err := guard.Release(); err != nil {
			d.logger.Warn("failed to release instance lock", zap.Error(err))
		}
	}()

	providers, err := telemetry.Init(cfg.Telemetry, d.logger)
	if err != nil {
		return mode, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector("warden", d.logger)

	mon := monitor.NewMonitor(Probe(cfg.Backend, d.logger), monitor.Config{
		RecoveryCommand:     cfg.Backend.RecoveryCommand,
		MaxRecoveryAttempts: cfg.Backend.MaxRecoveryAttempts,
		ProbeTimeout:        cfg.Backend.OpTimeout,
	}, d.prompter, d.logger, collector)

	mode, err = mon.Ensure(ctx, allowFallback)
	if err != nil {
		return mode, err
	}

	backend, err := BuildBackend(cfg, mode, d.logger)
	if err != nil {
		return mode, err
	}
	defer backend.Close()

	agentID := cfg.Coordinator.AgentID
	if agentID == "" {
		agentID, err = claim.LoadOrCreateAgentID(cfg.Coordinator.DataDir)
		if err != nil {
			return mode, err
		}
	}

	manager := claim.NewManager(backend, claim.NewAgent(agentID), claim.ManagerConfig{
		ClaimTTL: cfg.Coordinator.ClaimTTL,
		// Retention must outlive the stale threshold or the detector
		// could never observe a stale heartbeat.
		LivenessTTL: 2 * cfg.Coordinator.StaleAgentThreshold,
	}, d.logger, collector)

	if err := manager.Register(ctx); err != nil {
		return mode, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Deregister(shutdownCtx); err != nil {
			d.logger.Warn("deregister failed", zap.Error(err))
		}
	}()

	queue := recovery.NewQueue(backend, 2*cfg.Coordinator.RecoveryInterval, d.logger, collector)
	detector := recovery.NewDetector(backend, queue, recovery.DetectorConfig{
		Interval:            cfg.Coordinator.RecoveryInterval,
		OrphanThreshold:     cfg.Coordinator.OrphanThreshold,
		StaleAgentThreshold: cfg.Coordinator.StaleAgentThreshold,
		EarlyFailureWindow:  cfg.Coordinator.EarlyFailureWindow,
		MaxRecoveryAttempts: cfg.Backend.MaxRecoveryAttempts,
	}, d.logger, collector)
	renewer := claim.NewRenewer(manager, cfg.Coordinator.HeartbeatInterval, d.logger, collector)

	st := State{
		PID:       os.Getpid(),
		AgentID:   agentID,
		Mode:      mode.String(),
		StartedAt: time.Now().UTC(),
	}
	if cfg.Metrics.Enabled {
		st.MetricsAddr = cfg.Metrics.Addr
	}
	if err := SaveState(cfg.Coordinator.DataDir, st); err != nil {
		return mode, err
	}
	defer func() {
		if err := ClearState(cfg.Coordinator.DataDir); err != nil {
			d.logger.Warn("failed to clear daemon state", zap.Error(err))
		}
	}()

	d.logger.Info("coordinator started",
		zap.String("agent_id", agentID),
		zap.String("mode", mode.String()),
		zap.String("data_dir", cfg.Coordinator.DataDir),
	)

	g, gctx := errgroup.WithContext(ctx)

	renewer.Start(gctx)
	defer renewer.Stop()
	detector.Start(gctx)
	defer detector.Stop()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

		g.Go(func() error {
			d.logger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return d.healthLoop(gctx, backend, guard, mon, mode, detector, renewer)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("coordinator stopped")
	return mode, err
}

// healthLoop periodically verifies the pieces that can silently die: the
// backend connection, the loops' tick progress, and the instance lock. A
// backend outage in networked mode triggers one bounded non-fallback
// recovery round per check; the mode is never silently downgraded to local
// storage.
func (d *Daemon) healthLoop(ctx context.Context, backend store.Backend, guard *Guard, mon *monitor.Monitor, mode monitor.Mode, detector *recovery.Detector, renewer *claim.Renewer) error {
	ticker := time.NewTicker(d.cfg.Coordinator.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, d.cfg.Backend.OpTimeout)
		err := backend.Ping(pingCtx)
		cancel()
		if err != nil {
			d.logger.Error("health: backend unreachable", zap.Error(err))
			if mode == monitor.ModeNetworked {
				if rerr := mon.Recover(ctx); rerr != nil {
					d.logger.Error("health: backend recovery failed", zap.Error(rerr))
				} else {
					d.logger.Info("health: backend recovered")
				}
			}
		}

		if last := detector.LastCycle(); !last.IsZero() && time.Since(last) > 2*d.cfg.Coordinator.RecoveryInterval {
			d.logger.Error("health: detector has not completed a cycle recently",
				zap.Time("last_cycle", last))
		}
		if last := renewer.LastTick(); !last.IsZero() && time.Since(last) > 2*d.cfg.Coordinator.HeartbeatInterval {
			d.logger.Error("health: heartbeat renewer has not ticked recently",
				zap.Time("last_tick", last))
		}
		if !guard.Held() {
			d.logger.Error("health: instance lock lost, shutting down")
			return errors.New("instance lock lost")
		}
	}
}
