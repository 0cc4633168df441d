// Package types defines the core records shared across the coordinator:
// leases, agent heartbeats, task state, recovery records, and the unified
// error taxonomy. It has no dependencies on any storage backend.
package types
