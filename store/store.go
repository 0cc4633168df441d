// Package store provides the lease-store abstraction: a small conditional
// key-value contract with TTL semantics, satisfied identically by a networked
// Redis backend and a local filesystem backend.
//
// All mutation goes through conditional primitives; there is no
// read-then-unconditional-write path. Records embed their own timestamps, so
// both backends can compute ages and the local backend can compute expiry at
// read time instead of relying on automatic deletion.
//
// The system assumes loosely synchronized clocks across hosts for TTL and
// heartbeat-age comparisons. That is an accepted operational constraint; the
// detector thresholds leave a wide margin (claim TTL < stale threshold <
// orphan threshold) precisely so that modest skew cannot cause a premature
// reclaim.
package store

import (
	"context"
	"time"

	"github.com/taskwarden/warden/types"
)

// Entry is one record returned by ListPrefix. Age is time since the record
// was last written, derived from embedded timestamps on the networked
// backend and from file modification time on the local one.
type Entry struct {
	Key   string
	Value []byte
	Age   time.Duration
}

// Backend is the storage contract both implementations satisfy.
//
// Conditional primitives return (false, nil) when the condition does not
// hold; that is an expected outcome, not an error. "First CreateIfAbsent
// wins" is the only ordering guarantee callers may rely on.
type Backend interface {
	// CreateIfAbsent atomically creates key only if it does not exist.
	// Returns false without side effects when it does.
	CreateIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the record, or a NOT_FOUND error. Expired records are
	// treated as absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the record unconditionally. ttl of zero means no expiry.
	// Used only for records that are not exclusion points (heartbeats,
	// task state).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the record. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete deletes key only if the stored record's owner_id
	// matches expectedOwner.
	CompareAndDelete(ctx context.Context, key, expectedOwner string) (bool, error)

	// Refresh extends the TTL of key only if the stored record's owner_id
	// matches expectedOwner, updating the record's renewed_at and ttl.
	Refresh(ctx context.Context, key, expectedOwner string, ttl time.Duration) (bool, error)

	// ListPrefix returns all live records whose key starts with prefix.
	ListPrefix(ctx context.Context, prefix string) ([]Entry, error)

	// SetAdd adds member to the set at key (agent held-task indexes).
	SetAdd(ctx context.Context, key, member string) error
	// SetRemove removes member from the set at key.
	SetRemove(ctx context.Context, key, member string) error
	// SetMembers returns all members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// QueueAdd pushes member onto the priority queue at queueKey, guarded
	// by a conditional write on markerKey: when the marker already exists
	// the push is suppressed and QueueAdd returns false. The guard is what
	// keeps two concurrent detector cycles from double-inserting the same
	// reclaimed task.
	QueueAdd(ctx context.Context, queueKey, markerKey string, member []byte, score float64, markerTTL time.Duration) (bool, error)
	// QueuePeek returns up to n members in priority order without removal.
	QueuePeek(ctx context.Context, queueKey string, n int) ([][]byte, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// errNotFound builds the canonical NOT_FOUND error for a key.
func errNotFound(key string) error {
	return types.NewError(types.ErrNotFound, "no record for key "+key)
}
