// Package claim implements lease acquisition, renewal, and release for
// agents, plus the background heartbeat renewer that keeps valid claims
// alive. Contention outcomes (already claimed, not owned) are normal
// results here, not errors.
package claim

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Agent is the per-process worker identity and its held-task index. The
// index is a best-effort secondary view; the lease keys in the store are
// authoritative. It is shared between the claim manager and the heartbeat
// renewer, so access is serialized.
type Agent struct {
	ID        string
	StartedAt time.Time

	mu   sync.Mutex
	held map[string]struct{}
}

// NewAgent creates an agent identity. An empty id generates a fresh one.
func NewAgent(id string) *Agent {
	if id == "" {
		id = "agent-" + uuid.NewString()[:8]
	}
	return &Agent{
		ID:        id,
		StartedAt: time.Now().UTC(),
		held:      make(map[string]struct{}),
	}
}

// LoadOrCreateAgentID resolves the persistent agent identity for this data
// directory, creating it on first run. Keeping the id stable across
// restarts lets a restarted agent release leases it held before a crash.
func LoadOrCreateAgentID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "agent_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	id := "agent-" + uuid.NewString()[:8]
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist agent id: %w", err)
	}
	return id, nil
}

// Hold records a task in the local index.
func (a *Agent) Hold(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.held[taskID] = struct{}{}
}

// Drop removes a task from the local index.
func (a *Agent) Drop(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, taskID)
}

// Holds reports whether the task is in the local index.
func (a *Agent) Holds(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.held[taskID]
	return ok
}

// HeldTasks returns a snapshot of the local index.
func (a *Agent) HeldTasks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	tasks := make([]string, 0, len(a.held))
	for id := range a.held {
		tasks = append(tasks, id)
	}
	return tasks
}

// HeldCount returns the local index size.
func (a *Agent) HeldCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}
