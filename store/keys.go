package store

import "strings"

// Key naming shared by both backends. The networked backend prepends its
// deployment prefix on the wire; the local backend maps segments to
// directories.
const (
	ClaimPrefix        = "task:claim:"
	HeartbeatPrefix    = "agent:heartbeat:"
	IndexPrefix        = "agent:tasks:"
	TaskPrefix         = "task:state:"
	RecoveryMarkPrefix = "recovery:mark:"

	RecoveryQueueKey = "recovery:queue"

	// AgentRegistryKey is the set of agents that have ever registered.
	// Stale-agent detection walks it so an agent whose heartbeat record
	// already expired is still noticed.
	AgentRegistryKey = "agent:registry"
)

// ClaimKey returns the lease key for a task.
func ClaimKey(taskID string) string { return ClaimPrefix + taskID }

// HeartbeatKey returns the liveness key for an agent.
func HeartbeatKey(agentID string) string { return HeartbeatPrefix + agentID }

// IndexKey returns the held-task index key for an agent.
func IndexKey(agentID string) string { return IndexPrefix + agentID }

// TaskKey returns the persisted state key for a task.
func TaskKey(taskID string) string { return TaskPrefix + taskID }

// RecoveryMarkKey returns the dedup marker key for a reclaimed task.
func RecoveryMarkKey(taskID string) string { return RecoveryMarkPrefix + taskID }

// TaskIDFromClaimKey recovers the task id from a lease key.
func TaskIDFromClaimKey(key string) string { return strings.TrimPrefix(key, ClaimPrefix) }

// AgentIDFromHeartbeatKey recovers the agent id from a liveness key.
func AgentIDFromHeartbeatKey(key string) string { return strings.TrimPrefix(key, HeartbeatPrefix) }

// AgentIDFromIndexKey recovers the agent id from an index key.
func AgentIDFromIndexKey(key string) string { return strings.TrimPrefix(key, IndexPrefix) }

// TaskIDFromTaskKey recovers the task id from a state key.
func TaskIDFromTaskKey(key string) string { return strings.TrimPrefix(key, TaskPrefix) }
