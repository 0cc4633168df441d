package claim

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/store"
	"github.com/taskwarden/warden/types"
)

// AcquireStatus is the outcome of an Acquire call.
type AcquireStatus int

const (
	// AcquireClaimed means this agent now holds the lease.
	AcquireClaimed AcquireStatus = iota
	// AcquireConflict means another agent holds a live lease.
	AcquireConflict
)

// AcquireResult reports an acquire outcome. Owner is set on conflict when
// the competing lease could still be read.
type AcquireResult struct {
	Status AcquireStatus
	Owner  string
}

// Err converts a conflict outcome into a LOCK_CONFLICT error, for callers
// that prefer error flow over status codes.
func (r AcquireResult) Err() error {
	if r.Status == AcquireClaimed {
		return nil
	}
	msg := "task already claimed"
	if r.Owner != "" {
		msg += " by " + r.Owner
	}
	return types.NewError(types.ErrLockConflict, msg)
}

// ReleaseStatus is the outcome of a Release call.
type ReleaseStatus int

const (
	// Released means this agent's lease was deleted.
	Released ReleaseStatus = iota
	// ReleaseNotOwned means there was no lease of ours to release: it is
	// held by another owner, or already expired or reclaimed.
	ReleaseNotOwned
)

// Err converts a refused release into a LOCK_NOT_OWNED error.
func (s ReleaseStatus) Err() error {
	if s == Released {
		return nil
	}
	return types.NewError(types.ErrLockNotOwned, "lease not held by this agent")
}

// RenewStatus is the outcome of a Renew call.
type RenewStatus int

const (
	// Renewed means the lease TTL was extended.
	Renewed RenewStatus = iota
	// RenewNotOwned means a live lease exists under another owner.
	RenewNotOwned
	// RenewNotFound means the lease no longer exists; the work was
	// reclaimed or expired and must not be continued.
	RenewNotFound
)

func (s RenewStatus) String() string {
	switch s {
	case Renewed:
		return "renewed"
	case RenewNotOwned:
		return "not_owned"
	case RenewNotFound:
		return "not_found"
	}
	return "unknown"
}

// ManagerConfig carries the claim timing parameters.
type ManagerConfig struct {
	// ClaimTTL is the lease validity window.
	ClaimTTL time.Duration
	// LivenessTTL bounds heartbeat record retention. It must exceed the
	// stale-agent threshold or the detector could never observe a stale
	// heartbeat before the record vanishes.
	LivenessTTL time.Duration
}

// Manager performs lease operations for one agent against the store.
// All mutation goes through the store's conditional primitives.
type Manager struct {
	backend store.Backend
	agent   *Agent
	cfg     ManagerConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewManager creates a claim manager for the agent.
func NewManager(backend store.Backend, agent *Agent, cfg ManagerConfig, logger *zap.Logger, collector *metrics.Collector) *Manager {
	return &Manager{
		backend: backend,
		agent:   agent,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "claim"), zap.String("agent_id", agent.ID)),
		metrics: collector,
		now:     time.Now,
	}
}

// Agent returns the identity this manager claims for.
func (m *Manager) Agent() *Agent { return m.agent }

// Acquire attempts to claim the task. At most one agent's create succeeds;
// everyone else observes a conflict.
func (m *Manager) Acquire(ctx context.Context, taskID string) (AcquireResult, error) {
	lease := types.NewLease(taskID, m.agent.ID, m.cfg.ClaimTTL, m.now())
	data, err := store.EncodeLease(lease)
	if err != nil {
		return AcquireResult{}, err
	}

	created, err := m.backend.CreateIfAbsent(ctx, store.ClaimKey(taskID), data, m.cfg.ClaimTTL)
	if err != nil {
		return AcquireResult{}, err
	}
	if !created {
		owner := m.currentOwner(ctx, taskID)
		m.metrics.RecordClaim("conflict")
		m.logger.Debug("claim conflict",
			zap.String("task_id", taskID),
			zap.String("holder", owner),
		)
		return AcquireResult{Status: AcquireConflict, Owner: owner}, nil
	}

	// Secondary views; the lease key above is the exclusion point.
	if err := m.backend.SetAdd(ctx, store.IndexKey(m.agent.ID), taskID); err != nil {
		m.logger.Warn("failed to index held task", zap.String("task_id", taskID), zap.Error(err))
	}
	m.agent.Hold(taskID)
	m.transitionTask(ctx, taskID, types.TaskClaimed)

	m.metrics.RecordClaim("claimed")
	m.metrics.SetHeldLeases(m.agent.HeldCount())
	m.logger.Info("task claimed",
		zap.String("task_id", taskID),
		zap.Duration("ttl", m.cfg.ClaimTTL),
	)
	return AcquireResult{Status: AcquireClaimed, Owner: m.agent.ID}, nil
}

// Release gives up the task if this agent owns it. A NotOwned outcome
// covers both a lease held elsewhere and a lease that is already gone
// (expired or reclaimed); either way there was nothing of ours to release,
// and the local index is cleaned up regardless.
func (m *Manager) Release(ctx context.Context, taskID string) (ReleaseStatus, error) {
	deleted, err := m.backend.CompareAndDelete(ctx, store.ClaimKey(taskID), m.agent.ID)
	if err != nil {
		return ReleaseNotOwned, err
	}
	if !deleted {
		if owner := m.currentOwner(ctx, taskID); owner != "" {
			m.logger.Debug("release refused, lease owned elsewhere",
				zap.String("task_id", taskID),
				zap.String("holder", owner),
			)
		} else {
			m.logger.Debug("release of absent lease", zap.String("task_id", taskID))
		}
		m.dropLocal(ctx, taskID)
		return ReleaseNotOwned, nil
	}

	m.dropLocal(ctx, taskID)
	m.logger.Info("task released", zap.String("task_id", taskID))
	return Released, nil
}

// dropLocal removes the task from this agent's index views.
func (m *Manager) dropLocal(ctx context.Context, taskID string) {
	if err := m.backend.SetRemove(ctx, store.IndexKey(m.agent.ID), taskID); err != nil {
		m.logger.Warn("failed to unindex task", zap.String("task_id", taskID), zap.Error(err))
	}
	m.agent.Drop(taskID)
	m.metrics.SetHeldLeases(m.agent.HeldCount())
}

// Renew extends this agent's lease on the task. A RenewNotFound outcome
// means the claim is lost and the caller must stop treating the task as
// held.
func (m *Manager) Renew(ctx context.Context, taskID string) (RenewStatus, error) {
	refreshed, err := m.backend.Refresh(ctx, store.ClaimKey(taskID), m.agent.ID, m.cfg.ClaimTTL)
	if err != nil {
		return RenewNotFound, err
	}
	if refreshed {
		m.metrics.RecordRenewal("renewed")
		return Renewed, nil
	}

	owner := m.currentOwner(ctx, taskID)
	if owner == "" {
		m.metrics.RecordRenewal("not_found")
		return RenewNotFound, nil
	}
	m.metrics.RecordRenewal("not_owned")
	m.logger.Warn("renew refused, lease owned elsewhere",
		zap.String("task_id", taskID),
		zap.String("holder", owner),
	)
	return RenewNotOwned, nil
}

// List returns all live leases held by the given agent, read from the
// authoritative lease keys rather than the index.
func (m *Manager) List(ctx context.Context, agentID string) ([]types.Lease, error) {
	entries, err := m.backend.ListPrefix(ctx, store.ClaimPrefix)
	if err != nil {
		return nil, err
	}
	var leases []types.Lease
	for _, e := range entries {
		lease, err := store.DecodeLease(store.TaskIDFromClaimKey(e.Key), e.Value)
		if err != nil {
			m.metrics.RecordCorruptRecord()
			m.logger.Warn("skipping unreadable lease record", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		if agentID == "" || lease.OwnerID == agentID {
			leases = append(leases, lease)
		}
	}
	return leases, nil
}

// Heartbeat writes this agent's liveness record. The record carries its own
// timestamp; retention TTL only bounds how long a dead agent's record
// lingers after the detector has processed it.
func (m *Manager) Heartbeat(ctx context.Context) error {
	beat := types.Heartbeat{
		AgentID:  m.agent.ID,
		LastBeat: m.now().UTC(),
		TTL:      int(m.cfg.LivenessTTL / time.Second),
	}
	data, err := store.EncodeHeartbeat(beat)
	if err != nil {
		return err
	}
	return m.backend.Set(ctx, store.HeartbeatKey(m.agent.ID), data, m.cfg.LivenessTTL)
}

// Register announces the agent: registry membership plus first heartbeat.
func (m *Manager) Register(ctx context.Context) error {
	if err := m.backend.SetAdd(ctx, store.AgentRegistryKey, m.agent.ID); err != nil {
		return err
	}
	if err := m.Heartbeat(ctx); err != nil {
		return err
	}
	m.logger.Info("agent registered")
	return nil
}

// Deregister releases all held leases and removes the agent's liveness and
// index records. Used on clean shutdown so the detector has nothing to
// reclaim.
func (m *Manager) Deregister(ctx context.Context) error {
	for _, taskID := range m.agent.HeldTasks() {
		if _, err := m.Release(ctx, taskID); err != nil {
			m.logger.Warn("failed to release on shutdown", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if err := m.backend.Delete(ctx, store.HeartbeatKey(m.agent.ID)); err != nil {
		return err
	}
	if err := m.backend.Delete(ctx, store.IndexKey(m.agent.ID)); err != nil {
		return err
	}
	if err := m.backend.SetRemove(ctx, store.AgentRegistryKey, m.agent.ID); err != nil {
		return err
	}
	m.logger.Info("agent deregistered")
	return nil
}

// currentOwner reads the live lease holder, or "" when no live lease exists
// or the record cannot be read.
func (m *Manager) currentOwner(ctx context.Context, taskID string) string {
	data, err := m.backend.Get(ctx, store.ClaimKey(taskID))
	if err != nil {
		return ""
	}
	lease, err := store.DecodeLease(taskID, data)
	if err != nil {
		return ""
	}
	return lease.OwnerID
}

// transitionTask moves the persisted task record, creating it on first
// claim. Task state is advisory; failures are logged, never fatal.
func (m *Manager) transitionTask(ctx context.Context, taskID string, to types.TaskState) {
	key := store.TaskKey(taskID)
	now := m.now().UTC()

	data, err := m.backend.Get(ctx, key)
	if err != nil {
		if !types.IsNotFound(err) {
			m.logger.Warn("failed to read task state", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		task := types.Task{ID: taskID, State: to, UpdatedAt: now}
		if encoded, err := store.EncodeTask(task); err == nil {
			if err := m.backend.Set(ctx, key, encoded, 0); err != nil {
				m.logger.Warn("failed to write task state", zap.String("task_id", taskID), zap.Error(err))
			}
		}
		return
	}

	task, err := store.DecodeTask(taskID, data)
	if err != nil {
		m.metrics.RecordCorruptRecord()
		m.logger.Warn("unreadable task record", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if err := task.Transition(to, now); err != nil {
		m.logger.Debug("task transition skipped", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if encoded, err := store.EncodeTask(task); err == nil {
		if err := m.backend.Set(ctx, key, encoded, 0); err != nil {
			m.logger.Warn("failed to write task state", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}
