// Package recovery contains the orphan detector and the recovery queue it
// feeds: the path that returns abandoned work to circulation.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/store"
	"github.com/taskwarden/warden/types"
)

// priorityWeight spaces priorities far enough apart that the timestamp
// component can never reorder across priority levels.
const priorityWeight = 1e14

// Queue is the priority queue of reclaimed tasks awaiting reassignment.
// Every push is guarded by a per-task dedup marker so concurrent detector
// cycles on different hosts cannot double-insert the same task.
type Queue struct {
	backend   store.Backend
	markerTTL time.Duration
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time
}

// NewQueue creates a recovery queue. markerTTL bounds the dedup window; once
// a marker expires the same task may be enqueued again by a later reclaim.
func NewQueue(backend store.Backend, markerTTL time.Duration, logger *zap.Logger, collector *metrics.Collector) *Queue {
	return &Queue{
		backend:   backend,
		markerTTL: markerTTL,
		logger:    logger.With(zap.String("component", "recovery_queue")),
		metrics:   collector,
		now:       time.Now,
	}
}

// Enqueue pushes a recovery record, returning false when the dedup guard
// suppressed it. Lower scores dequeue first; higher priorities and earlier
// recovery times map to lower scores.
func (q *Queue) Enqueue(ctx context.Context, rec types.RecoveryRecord) (bool, error) {
	if rec.RecoveredAt.IsZero() {
		rec.RecoveredAt = q.now().UTC()
	}
	data, err := store.EncodeRecovery(rec)
	if err != nil {
		return false, err
	}

	score := -float64(rec.Priority)*priorityWeight + float64(rec.RecoveredAt.UnixMilli())
	pushed, err := q.backend.QueueAdd(ctx, store.RecoveryQueueKey, store.RecoveryMarkKey(rec.TaskID), data, score, q.markerTTL)
	if err != nil {
		return false, err
	}
	if !pushed {
		q.metrics.RecordRecoverySuppressed()
		q.logger.Debug("recovery enqueue suppressed by dedup guard",
			zap.String("task_id", rec.TaskID),
			zap.String("reason", string(rec.Reason)),
		)
		return false, nil
	}
	q.logger.Info("task enqueued for recovery",
		zap.String("task_id", rec.TaskID),
		zap.String("reason", string(rec.Reason)),
		zap.String("original_agent", rec.OriginalAgent),
		zap.Int("priority", rec.Priority),
	)
	return true, nil
}

// Peek returns up to n queued records in dequeue order without removing
// them. Consumption is owned by the external dispatcher.
func (q *Queue) Peek(ctx context.Context, n int) ([]types.RecoveryRecord, error) {
	raw, err := q.backend.QueuePeek(ctx, store.RecoveryQueueKey, n)
	if err != nil {
		return nil, err
	}
	records := make([]types.RecoveryRecord, 0, len(raw))
	for _, data := range raw {
		rec, err := store.DecodeRecovery(data)
		if err != nil {
			q.metrics.RecordCorruptRecord()
			q.logger.Warn("skipping unreadable recovery record", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
