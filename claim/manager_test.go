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
	"github.com/taskwarden/warden/types"
)

func setupManager(t *testing.T, agentID string, backend store.Backend) *Manager {
	t.Helper()
	if backend == nil {
		s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
		require.NoError(t, err)
		backend = s
	}
	return NewManager(backend, NewAgent(agentID), ManagerConfig{
		ClaimTTL:    5 * time.Minute,
		LivenessTTL: 20 * time.Minute,
	}, zap.NewNop(), metrics.NewCollector("test", zap.NewNop()))
}

func TestAcquireReleaseLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	agentA := setupManager(t, "agent-a", s)
	agentB := setupManager(t, "agent-b", s)

	// A claims feature-123.
	res, err := agentA.Acquire(ctx, "feature-123")
	require.NoError(t, err)
	assert.Equal(t, AcquireClaimed, res.Status)
	assert.True(t, agentA.Agent().Holds("feature-123"))

	// B's claim observes the conflict and learns the holder.
	res, err = agentB.Acquire(ctx, "feature-123")
	require.NoError(t, err)
	assert.Equal(t, AcquireConflict, res.Status)
	assert.Equal(t, "agent-a", res.Owner)
	assert.True(t, types.IsLockConflict(res.Err()))

	// B cannot release A's lease.
	relStatus, err := agentB.Release(ctx, "feature-123")
	require.NoError(t, err)
	assert.Equal(t, ReleaseNotOwned, relStatus)
	assert.True(t, types.IsLockNotOwned(relStatus.Err()))

	// A releases; B can now claim.
	relStatus, err = agentA.Release(ctx, "feature-123")
	require.NoError(t, err)
	assert.Equal(t, Released, relStatus)
	assert.False(t, agentA.Agent().Holds("feature-123"))

	res, err = agentB.Acquire(ctx, "feature-123")
	require.NoError(t, err)
	assert.Equal(t, AcquireClaimed, res.Status)
}

func TestSecondReleaseNotOwned(t *testing.T) {
	ctx := context.Background()
	m := setupManager(t, "agent-a", nil)

	res, err := m.Acquire(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, AcquireClaimed, res.Status)

	status, err := m.Release(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, Released, status)

	// The lease is gone now; a repeat release reports it was not ours.
	status, err = m.Release(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, ReleaseNotOwned, status)
	assert.False(t, m.Agent().Holds("task-1"))
}

func TestReleaseAbsentLeaseCleansIndex(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	m := setupManager(t, "agent-a", s)

	_, err = m.Acquire(ctx, "task-1")
	require.NoError(t, err)

	// Lease vanishes underneath us (expiry or reclaim).
	require.NoError(t, s.Delete(ctx, store.ClaimKey("task-1")))

	status, err := m.Release(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, ReleaseNotOwned, status)

	members, err := s.SetMembers(ctx, store.IndexKey("agent-a"))
	require.NoError(t, err)
	assert.NotContains(t, members, "task-1")
	assert.False(t, m.Agent().Holds("task-1"))
}

func TestRenewOutcomes(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	agentA := setupManager(t, "agent-a", s)
	agentB := setupManager(t, "agent-b", s)

	_, err = agentA.Acquire(ctx, "task-1")
	require.NoError(t, err)

	status, err := agentA.Renew(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, Renewed, status)

	status, err = agentB.Renew(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, RenewNotOwned, status)

	status, err = agentA.Renew(ctx, "task-never-claimed")
	require.NoError(t, err)
	assert.Equal(t, RenewNotFound, status)
}

func TestRenewExtendsExpiryNotClaimedAt(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	m := setupManager(t, "agent-a", s)
	base := time.Now().Add(-2 * time.Minute)
	m.now = func() time.Time { return base }

	_, err = m.Acquire(ctx, "task-1")
	require.NoError(t, err)

	status, err := m.Renew(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, Renewed, status)

	leases, err := m.List(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, leases, 1)

	// The original claim instant survives renewal; only expiry moves.
	assert.WithinDuration(t, base.UTC(), leases[0].ClaimedAt, time.Second)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), leases[0].ExpiresAt(), 5*time.Second)
}

func TestListFiltersByOwner(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	agentA := setupManager(t, "agent-a", s)
	agentB := setupManager(t, "agent-b", s)

	for _, id := range []string{"t1", "t2"} {
		_, err := agentA.Acquire(ctx, id)
		require.NoError(t, err)
	}
	_, err = agentB.Acquire(ctx, "t3")
	require.NoError(t, err)

	leases, err := agentA.List(ctx, "agent-a")
	require.NoError(t, err)
	assert.Len(t, leases, 2)

	all, err := agentA.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTaskStateFollowsClaim(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	m := setupManager(t, "agent-a", s)

	_, err = m.Acquire(ctx, "task-1")
	require.NoError(t, err)

	data, err := s.Get(ctx, store.TaskKey("task-1"))
	require.NoError(t, err)
	task, err := store.DecodeTask("task-1", data)
	require.NoError(t, err)
	assert.Equal(t, types.TaskClaimed, task.State)
}

func TestDeregisterReleasesEverything(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	m := setupManager(t, "agent-a", s)

	require.NoError(t, m.Register(ctx))
	_, err = m.Acquire(ctx, "task-1")
	require.NoError(t, err)

	require.NoError(t, m.Deregister(ctx))

	_, err = s.Get(ctx, store.ClaimKey("task-1"))
	assert.True(t, types.IsNotFound(err))
	_, err = s.Get(ctx, store.HeartbeatKey("agent-a"))
	assert.True(t, types.IsNotFound(err))
	assert.Equal(t, 0, m.Agent().HeldCount())
}

func TestLoadOrCreateAgentIDStable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateAgentID(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := LoadOrCreateAgentID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
