package types

import "time"

// Lease is a time-bounded exclusive claim on a task. The lease key in the
// store is authoritative; everything else (agent indexes, task state) is a
// best-effort secondary view.
//
// The wire format is a flat JSON object. RenewedAt starts equal to ClaimedAt
// and moves forward on every renewal; ClaimedAt never changes, so orphan
// detection ages a lease from its original claim regardless of renewals.
type Lease struct {
	TaskID    string    `json:"-"`
	OwnerID   string    `json:"owner_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	RenewedAt time.Time `json:"renewed_at,omitempty"`
	TTL       int       `json:"ttl"` // seconds
}

// NewLease builds a lease claimed at now with the given TTL.
func NewLease(taskID, ownerID string, ttl time.Duration, now time.Time) Lease {
	now = now.UTC()
	return Lease{
		TaskID:    taskID,
		OwnerID:   ownerID,
		ClaimedAt: now,
		RenewedAt: now,
		TTL:       int(ttl / time.Second),
	}
}

// ExpiresAt returns the instant the lease stops being valid. Renewals extend
// it from RenewedAt, not from ClaimedAt.
func (l Lease) ExpiresAt() time.Time {
	ref := l.RenewedAt
	if ref.IsZero() {
		ref = l.ClaimedAt
	}
	return ref.Add(time.Duration(l.TTL) * time.Second)
}

// Expired reports whether the lease is past its expiry at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt())
}

// Age returns how long ago the lease was originally claimed.
func (l Lease) Age(now time.Time) time.Duration {
	return now.Sub(l.ClaimedAt)
}

// Heartbeat is an agent's liveness record. An agent whose heartbeat stops
// aging forward is presumed crashed once the stale threshold elapses.
type Heartbeat struct {
	AgentID  string    `json:"agent_id"`
	LastBeat time.Time `json:"last_beat"`
	TTL      int       `json:"ttl"` // seconds, record retention bound
}

// Age returns how long ago the agent last beat.
func (h Heartbeat) Age(now time.Time) time.Duration {
	return now.Sub(h.LastBeat)
}
