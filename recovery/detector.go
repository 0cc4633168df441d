package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/store"
	"github.com/taskwarden/warden/types"
)

// DetectorConfig carries the reclaim thresholds. Validity (claim TTL <
// stale threshold < orphan threshold) is enforced at config load.
type DetectorConfig struct {
	// Interval between cycles.
	Interval time.Duration
	// OrphanThreshold ages a lease from its original claim instant.
	OrphanThreshold time.Duration
	// StaleAgentThreshold ages an agent from its last heartbeat.
	StaleAgentThreshold time.Duration
	// EarlyFailureWindow bounds how soon after failure a task is
	// resurrected for retry.
	EarlyFailureWindow time.Duration
	// MaxRecoveryAttempts stops resurrecting a task that keeps failing.
	MaxRecoveryAttempts int
}

// Detector finds abandoned work and routes it to the recovery queue. Each
// cycle runs three passes: leases older than the orphan threshold, the
// holdings of agents that stopped heartbeating, and recently failed tasks
// eligible for immediate retry.
//
// Cycles are safe to run concurrently across hosts; every mutation is
// conditional and every enqueue is dedup-guarded.
type Detector struct {
	backend store.Backend
	queue   *Queue
	cfg     DetectorConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	// corruptLog throttles warnings when a scan keeps hitting the same
	// unreadable records cycle after cycle.
	corruptLog *rate.Limiter

	lastCycle atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDetector creates an orphan detector.
func NewDetector(backend store.Backend, queue *Queue, cfg DetectorConfig, logger *zap.Logger, collector *metrics.Collector) *Detector {
	return &Detector{
		backend:    backend,
		queue:      queue,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "detector")),
		metrics:    collector,
		now:        time.Now,
		corruptLog: rate.NewLimiter(rate.Every(10*time.Second), 5),
	}
}

// Start launches the periodic cycle loop with an immediate first cycle, so
// work orphaned while the coordinator was down is recovered right away.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()

		d.runCycleLogged(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.runCycleLogged(ctx)
			}
		}
	}()
	d.logger.Info("orphan detector started", zap.Duration("interval", d.cfg.Interval))
}

// Stop halts the loop and waits for the in-flight cycle.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Info("orphan detector stopped")
}

// LastCycle returns when the last cycle completed, for health checks.
func (d *Detector) LastCycle() time.Time {
	n := d.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (d *Detector) runCycleLogged(ctx context.Context) {
	if err := d.RunCycle(ctx); err != nil {
		d.logger.Error("detector cycle failed", zap.Error(err))
	}
}

// RunCycle executes one full detection pass. Per-record trouble is logged
// and skipped; only a failure to scan at all is returned as an error.
func (d *Detector) RunCycle(ctx context.Context) error {
	tracer := otel.Tracer("warden/recovery")
	ctx, span := tracer.Start(ctx, "detector.cycle")
	defer span.End()

	start := d.now()
	reclaimed := 0

	n, err := d.sweepOrphanedLeases(ctx)
	if err != nil {
		return err
	}
	reclaimed += n

	n, err = d.sweepStaleAgents(ctx)
	if err != nil {
		return err
	}
	reclaimed += n

	n, err = d.sweepEarlyFailures(ctx)
	if err != nil {
		return err
	}
	reclaimed += n

	elapsed := d.now().Sub(start)
	d.metrics.RecordDetectorCycle(elapsed)
	d.lastCycle.Store(d.now().UnixNano())
	span.SetAttributes(attribute.Int("reclaimed", reclaimed))

	if reclaimed > 0 {
		d.logger.Info("detector cycle complete",
			zap.Int("reclaimed", reclaimed),
			zap.Duration("elapsed", elapsed),
		)
	} else {
		d.logger.Debug("detector cycle complete", zap.Duration("elapsed", elapsed))
	}
	return nil
}

// sweepOrphanedLeases reclaims leases whose age since the original claim
// exceeds the orphan threshold. Renewals never reset that age; an agent
// that heartbeats forever without finishing still loses the task here.
func (d *Detector) sweepOrphanedLeases(ctx context.Context) (int, error) {
	entries, err := d.backend.ListPrefix(ctx, store.ClaimPrefix)
	if err != nil {
		return 0, err
	}

	now := d.now().UTC()
	reclaimed := 0
	for _, e := range entries {
		taskID := store.TaskIDFromClaimKey(e.Key)
		lease, err := store.DecodeLease(taskID, e.Value)
		if err != nil {
			d.recordCorrupt(e.Key, err)
			continue
		}
		if lease.Age(now) <= d.cfg.OrphanThreshold {
			continue
		}
		if d.reclaim(ctx, taskID, lease.OwnerID, types.ReasonOrphanedClaim) {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// sweepStaleAgents walks the agent registry and reclaims every indexed task
// of agents whose heartbeat is stale or missing. The index matters here:
// the leases themselves may have TTL-expired long before the stale
// threshold, leaving the index as the only trace of the abandoned work.
func (d *Detector) sweepStaleAgents(ctx context.Context) (int, error) {
	agents, err := d.backend.SetMembers(ctx, store.AgentRegistryKey)
	if err != nil {
		return 0, err
	}

	now := d.now().UTC()
	reclaimed := 0
	for _, agentID := range agents {
		stale := false
		data, err := d.backend.Get(ctx, store.HeartbeatKey(agentID))
		switch {
		case types.IsNotFound(err):
			stale = true
		case err != nil:
			d.logger.Warn("failed to read heartbeat", zap.String("agent_id", agentID), zap.Error(err))
			continue
		default:
			beat, err := store.DecodeHeartbeat(agentID, data)
			if err != nil {
				d.recordCorrupt(store.HeartbeatKey(agentID), err)
				stale = true
			} else {
				stale = beat.Age(now) > d.cfg.StaleAgentThreshold
			}
		}
		if !stale {
			continue
		}

		tasks, err := d.backend.SetMembers(ctx, store.IndexKey(agentID))
		if err != nil {
			d.logger.Warn("failed to read held-task index", zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		for _, taskID := range tasks {
			// Skip tasks already live under a different owner; the index
			// entry is just a leftover.
			if owner := d.liveOwner(ctx, taskID); owner != "" && owner != agentID {
				if err := d.backend.SetRemove(ctx, store.IndexKey(agentID), taskID); err != nil {
					d.logger.Warn("failed to prune index entry", zap.String("task_id", taskID), zap.Error(err))
				}
				continue
			}
			if d.reclaim(ctx, taskID, agentID, types.ReasonStaleAgent) {
				reclaimed++
			}
		}

		if err := d.backend.Delete(ctx, store.HeartbeatKey(agentID)); err != nil {
			d.logger.Warn("failed to delete stale heartbeat", zap.String("agent_id", agentID), zap.Error(err))
		}
		if err := d.backend.Delete(ctx, store.IndexKey(agentID)); err != nil {
			d.logger.Warn("failed to delete stale index", zap.String("agent_id", agentID), zap.Error(err))
		}
		if err := d.backend.SetRemove(ctx, store.AgentRegistryKey, agentID); err != nil {
			d.logger.Warn("failed to deregister stale agent", zap.String("agent_id", agentID), zap.Error(err))
		}
		d.logger.Warn("stale agent swept",
			zap.String("agent_id", agentID),
			zap.Int("tasks_indexed", len(tasks)),
		)
	}
	return reclaimed, nil
}

// sweepEarlyFailures resurrects tasks that failed within the early-failure
// window, on the theory that a fast failure was environmental and a retry
// is cheap. Tasks past the window, or past the attempt budget, stay failed
// for human attention.
func (d *Detector) sweepEarlyFailures(ctx context.Context) (int, error) {
	entries, err := d.backend.ListPrefix(ctx, store.TaskPrefix)
	if err != nil {
		return 0, err
	}

	now := d.now().UTC()
	resurrected := 0
	for _, e := range entries {
		taskID := store.TaskIDFromTaskKey(e.Key)
		task, err := store.DecodeTask(taskID, e.Value)
		if err != nil {
			d.recordCorrupt(e.Key, err)
			continue
		}
		if task.State != types.TaskFailed || task.FailedAt == nil {
			continue
		}
		if now.Sub(*task.FailedAt) > d.cfg.EarlyFailureWindow {
			continue
		}
		if task.RetryCount >= d.cfg.MaxRecoveryAttempts {
			d.logger.Warn("task exhausted recovery attempts",
				zap.String("task_id", taskID),
				zap.Int("retry_count", task.RetryCount),
			)
			continue
		}

		pushed, err := d.queue.Enqueue(ctx, types.RecoveryRecord{
			TaskID:      taskID,
			Reason:      types.ReasonEarlyFailure,
			RecoveredAt: now,
			Priority:    types.PriorityElevated,
		})
		if err != nil {
			d.logger.Warn("failed to enqueue early failure", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		if !pushed {
			continue
		}

		if err := task.Transition(types.TaskRetryAvailable, now); err != nil {
			d.logger.Warn("failed task in unexpected state", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		task.RetryCount++
		encoded, err := store.EncodeTask(task)
		if err == nil {
			err = d.backend.Set(ctx, e.Key, encoded, 0)
		}
		if err != nil {
			d.logger.Warn("failed to update resurrected task", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		d.metrics.RecordReclaim(string(types.ReasonEarlyFailure))
		d.logger.Info("failed task resurrected for retry",
			zap.String("task_id", taskID),
			zap.Int("retry_count", task.RetryCount),
		)
		resurrected++
	}
	return resurrected, nil
}

// reclaim returns one task to circulation: dedup-guarded enqueue, then
// best-effort removal of the lease, index entry, and claimed task state.
// The enqueue happens first so a crash mid-reclaim loses cleanup, never the
// recovery record.
func (d *Detector) reclaim(ctx context.Context, taskID, ownerID string, reason types.RecoveryReason) bool {
	pushed, err := d.queue.Enqueue(ctx, types.RecoveryRecord{
		TaskID:        taskID,
		Reason:        reason,
		OriginalAgent: ownerID,
		RecoveredAt:   d.now().UTC(),
		Priority:      types.PriorityHigh,
	})
	if err != nil {
		d.logger.Warn("failed to enqueue reclaim", zap.String("task_id", taskID), zap.Error(err))
		return false
	}

	if _, err := d.backend.CompareAndDelete(ctx, store.ClaimKey(taskID), ownerID); err != nil {
		d.logger.Warn("failed to delete reclaimed lease", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := d.backend.SetRemove(ctx, store.IndexKey(ownerID), taskID); err != nil {
		d.logger.Warn("failed to unindex reclaimed task", zap.String("task_id", taskID), zap.Error(err))
	}
	d.markRetryAvailable(ctx, taskID)

	if !pushed {
		// Another cycle already queued it; cleanup above still ran.
		return false
	}
	d.metrics.RecordReclaim(string(reason))
	d.logger.Info("task reclaimed",
		zap.String("task_id", taskID),
		zap.String("reason", string(reason)),
		zap.String("original_agent", ownerID),
	)
	return true
}

// markRetryAvailable moves the persisted task state out of claimed or
// in-progress. Advisory, like all task state writes.
func (d *Detector) markRetryAvailable(ctx context.Context, taskID string) {
	key := store.TaskKey(taskID)
	data, err := d.backend.Get(ctx, key)
	if err != nil {
		return
	}
	task, err := store.DecodeTask(taskID, data)
	if err != nil {
		d.recordCorrupt(key, err)
		return
	}
	if err := task.Transition(types.TaskRetryAvailable, d.now()); err != nil {
		return
	}
	if encoded, err := store.EncodeTask(task); err == nil {
		if err := d.backend.Set(ctx, key, encoded, 0); err != nil {
			d.logger.Warn("failed to update task state", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

// liveOwner returns the current lease holder, or "" when no live lease.
func (d *Detector) liveOwner(ctx context.Context, taskID string) string {
	data, err := d.backend.Get(ctx, store.ClaimKey(taskID))
	if err != nil {
		return ""
	}
	lease, err := store.DecodeLease(taskID, data)
	if err != nil {
		return ""
	}
	return lease.OwnerID
}

func (d *Detector) recordCorrupt(key string, err error) {
	d.metrics.RecordCorruptRecord()
	if d.corruptLog.Allow() {
		d.logger.Warn("skipping unreadable record", zap.String("key", key), zap.Error(err))
	}
}
