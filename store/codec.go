package store

import (
	"encoding/json"
	"time"

	"github.com/taskwarden/warden/types"
)

// Record encoding. Parse failures come back as CORRUPT_RECORD so scans can
// isolate one bad record without aborting.

// EncodeLease serializes a lease to its flat wire form.
func EncodeLease(l types.Lease) ([]byte, error) {
	return json.Marshal(l)
}

// DecodeLease parses a lease record. taskID is taken from the key, not the
// record.
func DecodeLease(taskID string, data []byte) (types.Lease, error) {
	var l types.Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return types.Lease{}, types.NewError(types.ErrCorruptRecord, "lease record for "+taskID).WithCause(err)
	}
	if l.OwnerID == "" || l.ClaimedAt.IsZero() {
		return types.Lease{}, types.NewError(types.ErrCorruptRecord, "lease record for "+taskID+" missing required fields")
	}
	l.TaskID = taskID
	return l, nil
}

// EncodeHeartbeat serializes an agent liveness record.
func EncodeHeartbeat(h types.Heartbeat) ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHeartbeat parses an agent liveness record.
func DecodeHeartbeat(agentID string, data []byte) (types.Heartbeat, error) {
	var h types.Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return types.Heartbeat{}, types.NewError(types.ErrCorruptRecord, "heartbeat record for "+agentID).WithCause(err)
	}
	if h.LastBeat.IsZero() {
		return types.Heartbeat{}, types.NewError(types.ErrCorruptRecord, "heartbeat record for "+agentID+" missing last_beat")
	}
	h.AgentID = agentID
	return h, nil
}

// EncodeTask serializes a task state record.
func EncodeTask(t types.Task) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses a task state record.
func DecodeTask(taskID string, data []byte) (types.Task, error) {
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return types.Task{}, types.NewError(types.ErrCorruptRecord, "task record for "+taskID).WithCause(err)
	}
	t.ID = taskID
	return t, nil
}

// EncodeRecovery serializes a recovery record for the queue.
func EncodeRecovery(r types.RecoveryRecord) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecovery parses a queued recovery record.
func DecodeRecovery(data []byte) (types.RecoveryRecord, error) {
	var r types.RecoveryRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return types.RecoveryRecord{}, types.NewError(types.ErrCorruptRecord, "recovery record").WithCause(err)
	}
	return r, nil
}

// recordProbe is the minimal shape shared by all record types, used to
// derive ages and read-time expiry without knowing the full schema.
type recordProbe struct {
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	RenewedAt *time.Time `json:"renewed_at,omitempty"`
	LastBeat  *time.Time `json:"last_beat,omitempty"`
	TTL       int        `json:"ttl,omitempty"`
}

// lastWrite returns the most recent embedded timestamp, or nil if the
// record has none (task state, recovery markers).
func (p recordProbe) lastWrite() *time.Time {
	switch {
	case p.RenewedAt != nil && !p.RenewedAt.IsZero():
		return p.RenewedAt
	case p.LastBeat != nil && !p.LastBeat.IsZero():
		return p.LastBeat
	case p.ClaimedAt != nil && !p.ClaimedAt.IsZero():
		return p.ClaimedAt
	}
	return nil
}

// probeAge derives the record's age since last write. ok is false when the
// record carries no timestamp or does not parse.
func probeAge(data []byte, now time.Time) (time.Duration, bool) {
	var p recordProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, false
	}
	ref := p.lastWrite()
	if ref == nil {
		return 0, false
	}
	return now.Sub(*ref), true
}

// probeExpired computes read-time expiry for the local backend: a record
// with a TTL is dead once its last write plus TTL is behind now.
func probeExpired(data []byte, now time.Time) bool {
	var p recordProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	if p.TTL <= 0 {
		return false
	}
	ref := p.lastWrite()
	if ref == nil {
		return false
	}
	return now.After(ref.Add(time.Duration(p.TTL) * time.Second))
}
