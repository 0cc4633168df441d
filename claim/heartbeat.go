package claim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/store"
)

// Renewer keeps this agent alive: on every tick it writes the liveness
// record and renews every held lease. A lease that comes back not-found is
// dropped from the local index immediately; the work was reclaimed and
// continuing it would race the new holder.
type Renewer struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector

	lastTick atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRenewer creates a heartbeat renewer over the manager.
func NewRenewer(manager *Manager, interval time.Duration, logger *zap.Logger, collector *metrics.Collector) *Renewer {
	return &Renewer{
		manager:  manager,
		interval: interval,
		logger:   logger.With(zap.String("component", "heartbeat"), zap.String("agent_id", manager.agent.ID)),
		metrics:  collector,
	}
}

// Start launches the renewal loop. The first tick runs immediately so a
// freshly started agent is visible before the first interval elapses.
func (r *Renewer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
	r.logger.Info("heartbeat renewer started", zap.Duration("interval", r.interval))
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (r *Renewer) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("heartbeat renewer stopped")
}

// LastTick returns when the last tick completed. The daemon health loop
// uses it to detect a wedged renewer.
func (r *Renewer) LastTick() time.Time {
	n := r.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (r *Renewer) tick(ctx context.Context) {
	if err := r.manager.Heartbeat(ctx); err != nil {
		r.logger.Error("heartbeat write failed", zap.Error(err))
	}

	for _, taskID := range r.manager.agent.HeldTasks() {
		status, err := r.manager.Renew(ctx, taskID)
		if err != nil {
			// Transient backend trouble; the lease may still be live, so
			// keep it indexed and let the next tick retry.
			r.logger.Error("renew failed", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		switch status {
		case RenewNotFound, RenewNotOwned:
			r.manager.agent.Drop(taskID)
			if err := r.manager.backend.SetRemove(ctx, store.IndexKey(r.manager.agent.ID), taskID); err != nil {
				r.logger.Warn("failed to unindex lost task", zap.String("task_id", taskID), zap.Error(err))
			}
			r.metrics.RecordLeaseLost()
			r.logger.Warn("lease lost, dropping task",
				zap.String("task_id", taskID),
				zap.String("status", status.String()),
			)
		}
	}

	r.metrics.SetHeldLeases(r.manager.agent.HeldCount())
	r.metrics.RecordHeartbeatTick()
	r.lastTick.Store(r.manager.now().UnixNano())
}
