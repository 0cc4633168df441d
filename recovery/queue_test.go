package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/store"
	"github.com/taskwarden/warden/types"
)

func setupQueue(t *testing.T) (*Queue, store.Backend) {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	q := NewQueue(s, time.Hour, zap.NewNop(), metrics.NewCollector("test", zap.NewNop()))
	return q, s
}

func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	rec := types.RecoveryRecord{TaskID: "task-1", Reason: types.ReasonOrphanedClaim, Priority: types.PriorityHigh}

	pushed, err := q.Enqueue(ctx, rec)
	require.NoError(t, err)
	assert.True(t, pushed)

	pushed, err = q.Enqueue(ctx, rec)
	require.NoError(t, err)
	assert.False(t, pushed, "second enqueue within the marker window is suppressed")

	records, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestPeekPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	base := time.Now().UTC()
	_, err := q.Enqueue(ctx, types.RecoveryRecord{
		TaskID: "normal-early", Reason: types.ReasonEarlyFailure,
		Priority: types.PriorityNormal, RecoveredAt: base,
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.RecoveryRecord{
		TaskID: "high-late", Reason: types.ReasonStaleAgent,
		Priority: types.PriorityHigh, RecoveredAt: base.Add(time.Minute),
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.RecoveryRecord{
		TaskID: "high-early", Reason: types.ReasonOrphanedClaim,
		Priority: types.PriorityHigh, RecoveredAt: base,
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.RecoveryRecord{
		TaskID: "elevated", Reason: types.ReasonEarlyFailure,
		Priority: types.PriorityElevated, RecoveredAt: base,
	})
	require.NoError(t, err)

	records, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "high-early", records[0].TaskID)
	assert.Equal(t, "high-late", records[1].TaskID)
	assert.Equal(t, "elevated", records[2].TaskID)
	assert.Equal(t, "normal-early", records[3].TaskID)
}

func TestEnqueueStampsRecoveredAt(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	_, err := q.Enqueue(ctx, types.RecoveryRecord{TaskID: "task-1", Reason: types.ReasonStaleAgent, Priority: types.PriorityHigh})
	require.NoError(t, err)

	records, err := q.Peek(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.WithinDuration(t, time.Now(), records[0].RecoveredAt, 5*time.Second)
}
