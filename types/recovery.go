package types

import "time"

// RecoveryReason records why a task was returned to circulation.
type RecoveryReason string

const (
	// ReasonOrphanedClaim means the lease aged past the orphan threshold.
	ReasonOrphanedClaim RecoveryReason = "orphaned_claim"
	// ReasonStaleAgent means the owning agent's heartbeat went stale.
	ReasonStaleAgent RecoveryReason = "stale_agent"
	// ReasonEarlyFailure means the task failed inside the early-failure
	// window and is cheap to retry immediately.
	ReasonEarlyFailure RecoveryReason = "early_failure"
)

// Recovery record priorities. All recovered work jumps ahead of
// PriorityNormal (the baseline for externally produced tasks): reclaims of
// in-flight work take PriorityHigh, early-failure retries PriorityElevated.
const (
	PriorityNormal   = 5
	PriorityElevated = 7
	PriorityHigh     = 10
)

// RecoveryRecord annotates a reclaimed task for reassignment. Records are
// consumed by whatever dispatches tasks, which is outside this system.
type RecoveryRecord struct {
	TaskID        string         `json:"task_id"`
	Reason        RecoveryReason `json:"reason"`
	OriginalAgent string         `json:"original_agent,omitempty"`
	RecoveredAt   time.Time      `json:"recovered_at"`
	Priority      int            `json:"priority"`
}
