package claim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/store"
)

func TestTickWritesHeartbeatAndRenews(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	m := setupManager(t, "agent-a", s)
	r := NewRenewer(m, time.Hour, zap.NewNop(), metrics.NewCollector("test", zap.NewNop()))

	_, err = m.Acquire(ctx, "task-1")
	require.NoError(t, err)

	r.tick(ctx)

	data, err := s.Get(ctx, store.HeartbeatKey("agent-a"))
	require.NoError(t, err)
	beat, err := store.DecodeHeartbeat("agent-a", data)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), beat.LastBeat, 5*time.Second)
	assert.False(t, r.LastTick().IsZero())
	assert.True(t, m.Agent().Holds("task-1"))
}

func TestTickDropsReclaimedLease(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	m := setupManager(t, "agent-a", s)
	r := NewRenewer(m, time.Hour, zap.NewNop(), metrics.NewCollector("test", zap.NewNop()))

	_, err = m.Acquire(ctx, "task-1")
	require.NoError(t, err)

	// Simulate a detector reclaim between ticks.
	require.NoError(t, s.Delete(ctx, store.ClaimKey("task-1")))

	r.tick(ctx)

	assert.False(t, m.Agent().Holds("task-1"))
	members, err := s.SetMembers(ctx, store.IndexKey("agent-a"))
	require.NoError(t, err)
	assert.NotContains(t, members, "task-1")
}

func TestStartStop(t *testing.T) {
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	m := setupManager(t, "agent-a", s)
	r := NewRenewer(m, 10*time.Millisecond, zap.NewNop(), metrics.NewCollector("test", zap.NewNop()))

	r.Start(context.Background())
	require.Eventually(t, func() bool {
		return !r.LastTick().IsZero()
	}, 2*time.Second, 5*time.Millisecond)
	r.Stop()

	// Stop is idempotent.
	r.Stop()
}
