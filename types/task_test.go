package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(TaskAvailable, TaskClaimed))
	assert.True(t, CanTransition(TaskClaimed, TaskRetryAvailable))
	assert.True(t, CanTransition(TaskInProgress, TaskRetryAvailable))
	assert.True(t, CanTransition(TaskFailed, TaskRetryAvailable))
	assert.True(t, CanTransition(TaskRetryAvailable, TaskClaimed))

	assert.False(t, CanTransition(TaskCompleted, TaskClaimed))
	assert.False(t, CanTransition(TaskAvailable, TaskCompleted))
	assert.False(t, CanTransition(TaskFailed, TaskClaimed))
}

func TestTransition(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	task := Task{ID: "task-a", State: TaskClaimed}

	assert.NoError(t, task.Transition(TaskInProgress, now))
	assert.Equal(t, TaskInProgress, task.State)
	assert.Equal(t, now, task.UpdatedAt)

	err := task.Transition(TaskClaimed, now)
	assert.True(t, IsCode(err, ErrInvalidTransition))
	assert.Equal(t, TaskInProgress, task.State, "state unchanged on refusal")
}

func TestLeaseExpiry(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	lease := NewLease("task-a", "agent-1", 5*time.Second, t0)

	assert.False(t, lease.Expired(t0.Add(4*time.Second)))
	assert.True(t, lease.Expired(t0.Add(6*time.Second)))
	assert.Equal(t, 10*time.Second, lease.Age(t0.Add(10*time.Second)))

	// Renewal extends expiry but not age.
	lease.RenewedAt = t0.Add(4 * time.Second)
	assert.False(t, lease.Expired(t0.Add(6*time.Second)))
	assert.Equal(t, 10*time.Second, lease.Age(t0.Add(10*time.Second)))
}
