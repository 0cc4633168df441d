// Command warden runs the task coordinator: it claims work exclusively
// across agents, keeps claims alive with heartbeats, and recovers work
// abandoned by crashed or wedged agents.
//
// Usage:
//
//	warden start                      # run the coordinator
//	warden start --config warden.yaml # with a config file
//	warden start --fallback           # allow interactive local fallback
//	warden stop                       # stop the running coordinator
//	warden status                     # inspect coordinator and queue
//	warden health                     # composite health check
//	warden recover                    # run one detection cycle now
//	warden version                    # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskwarden/warden/config"
	"github.com/taskwarden/warden/daemon"
	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/monitor"
	"github.com/taskwarden/warden/recovery"
)

// Build metadata, injected at link time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes: 0 success, 1 failure, 2 ran (or running) degraded on local
// storage.
const (
	exitOK       = 0
	exitFailure  = 1
	exitDegraded = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFailure)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:], false)
	case "start-with-fallback":
		runStart(os.Args[2:], true)
	case "stop":
		runStop(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "recover":
		runRecover(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitFailure)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitFailure)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(exitFailure)
	}
	return cfg
}

func runStart(args []string, fallbackDefault bool) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	fallback := fs.Bool("fallback", fallbackDefault, "Offer interactive local fallback when the backend is down")
	cfg := loadConfig(fs, args)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting warden",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg, logger, monitor.NewTerminalPrompter())
	mode, err := d.Run(ctx, *fallback)
	if err != nil {
		logger.Error("coordinator failed", zap.Error(err))
		os.Exit(exitFailure)
	}
	if mode == monitor.ModeLocal {
		os.Exit(exitDegraded)
	}
}

func runStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "How long to wait for the coordinator to exit")
	cfg := loadConfig(fs, args)

	if err := daemon.Stop(cfg.Coordinator.DataDir, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Stop failed: %v\n", err)
		os.Exit(exitFailure)
	}
	fmt.Println("Coordinator stopped")
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	logger := zap.NewNop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	report, err := daemon.Status(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(exitFailure)
	}

	switch {
	case report.Running:
		fmt.Printf("Coordinator: running (pid %d, agent %s, mode %s, since %s)\n",
			report.State.PID, report.State.AgentID, report.State.Mode,
			report.State.StartedAt.Format(time.RFC3339))
	case report.Stale:
		fmt.Printf("Coordinator: not running (stale state from pid %d; last run likely crashed)\n", report.State.PID)
	default:
		fmt.Println("Coordinator: not running")
	}

	if report.BackendReachable {
		fmt.Println("Backend:     reachable")
	} else {
		fmt.Println("Backend:     unreachable")
	}
	fmt.Printf("Held leases: %d\n", report.HeldLeases)
	fmt.Printf("Recovery queue: %d pending\n", len(report.PendingRecovery))
	for _, rec := range report.PendingRecovery {
		fmt.Printf("  %-30s %-15s priority=%d recovered=%s\n",
			rec.TaskID, rec.Reason, rec.Priority, rec.RecoveredAt.Format(time.RFC3339))
	}

	if report.Running && report.State.Mode == monitor.ModeLocal.String() {
		os.Exit(exitDegraded)
	}
	if !report.BackendReachable {
		os.Exit(exitFailure)
	}
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := daemon.Status(ctx, cfg, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(exitFailure)
	}
	if !report.Running {
		fmt.Fprintln(os.Stderr, "Unhealthy: coordinator not running")
		os.Exit(exitFailure)
	}
	if report.State.Mode == monitor.ModeLocal.String() {
		fmt.Println("Degraded: running on local storage")
		os.Exit(exitDegraded)
	}
	if !report.BackendReachable {
		fmt.Fprintln(os.Stderr, "Unhealthy: backend unreachable")
		os.Exit(exitFailure)
	}
	fmt.Println("OK")
}

// runRecover executes one synchronous detection cycle against the networked
// backend, for operators who do not want to wait for the next interval.
func runRecover(args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	cfg := loadConfig(fs, args)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	backend, err := daemon.BuildBackend(cfg, monitor.ModeNetworked, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backend unavailable: %v\n", err)
		os.Exit(exitFailure)
	}
	defer backend.Close()

	collector := metrics.NewCollector("warden", logger)
	queue := recovery.NewQueue(backend, 2*cfg.Coordinator.RecoveryInterval, logger, collector)
	detector := recovery.NewDetector(backend, queue, recovery.DetectorConfig{
		Interval:            cfg.Coordinator.RecoveryInterval,
		OrphanThreshold:     cfg.Coordinator.OrphanThreshold,
		StaleAgentThreshold: cfg.Coordinator.StaleAgentThreshold,
		EarlyFailureWindow:  cfg.Coordinator.EarlyFailureWindow,
		MaxRecoveryAttempts: cfg.Backend.MaxRecoveryAttempts,
	}, logger, collector)

	if err := detector.RunCycle(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Recovery cycle failed: %v\n", err)
		os.Exit(exitFailure)
	}

	pending, err := queue.Peek(ctx, 20)
	if err == nil {
		fmt.Printf("Recovery cycle complete; %d task(s) pending reassignment\n", len(pending))
	} else {
		fmt.Println("Recovery cycle complete")
	}
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func printVersion() {
	fmt.Printf("warden %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`warden - distributed task claim coordinator

Usage:
  warden <command> [options]

Commands:
  start                 Run the coordinator (foreground)
  start-with-fallback   Run with interactive local fallback enabled
  stop                  Stop the running coordinator
  status                Show coordinator, backend, and queue state
  health                Composite health check (exit 0 healthy, 2 degraded)
  recover               Run one orphan-detection cycle immediately
  version               Show version information
  help                  Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)

Options for 'start':
  --fallback        Offer local-storage fallback when the backend is down
                    (requires an interactive terminal to confirm)

Options for 'stop':
  --timeout <dur>   How long to wait for shutdown (default 30s)

Exit codes:
  0  success / healthy
  1  failure / unhealthy
  2  degraded: running (or ran) on local storage`)
}
