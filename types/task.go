package types

import (
	"fmt"
	"time"
)

// TaskState is the persisted lifecycle state of a task.
type TaskState string

const (
	TaskAvailable      TaskState = "available"
	TaskClaimed        TaskState = "claimed"
	TaskInProgress     TaskState = "in_progress"
	TaskCompleted      TaskState = "completed"
	TaskFailed         TaskState = "failed"
	TaskRetryAvailable TaskState = "retry_available"
)

// allowedTransitions gates task state changes. Reclaims requeue claimed or
// in-progress work; early-failure resurrection moves failed back into
// circulation.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskAvailable: {
		TaskClaimed: {},
	},
	TaskClaimed: {
		TaskInProgress:     {},
		TaskAvailable:      {}, // release without progress
		TaskRetryAvailable: {}, // reclaim
		TaskFailed:         {},
	},
	TaskInProgress: {
		TaskCompleted:      {},
		TaskFailed:         {},
		TaskRetryAvailable: {}, // reclaim
	},
	TaskFailed: {
		TaskRetryAvailable: {},
	},
	TaskRetryAvailable: {
		TaskClaimed: {},
	},
}

// CanTransition reports whether a task may move from one state to another.
func CanTransition(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is the persisted task record. Tasks are produced externally; the
// coordinator only drives the claim/reclaim transitions.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	State       TaskState  `json:"state"`
	RetryCount  int        `json:"retry_count,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Transition moves the task to the given state, enforcing the allowed map.
func (t *Task) Transition(to TaskState, now time.Time) error {
	if !CanTransition(t.State, to) {
		return NewError(ErrInvalidTransition,
			fmt.Sprintf("task %s cannot move from %s to %s", t.ID, t.State, to))
	}
	t.State = to
	t.UpdatedAt = now.UTC()
	return nil
}
