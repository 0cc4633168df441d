package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const stateFile = "daemon.json"

// State is the persisted run state of a coordinator, written on startup and
// removed on clean shutdown. A state file whose PID is dead means the last
// run crashed.
type State struct {
	PID         int       `json:"pid"`
	AgentID     string    `json:"agent_id"`
	Mode        string    `json:"mode"`
	StartedAt   time.Time `json:"started_at"`
	MetricsAddr string    `json:"metrics_addr,omitempty"`
}

// SaveState atomically writes the run state into the data directory.
func SaveState(dataDir string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode daemon state: %w", err)
	}
	path := filepath.Join(dataDir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write daemon state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadState reads the run state, returning (nil, nil) when none exists.
func LoadState(dataDir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read daemon state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse daemon state: %w", err)
	}
	return &st, nil
}

// ClearState removes the run state file.
func ClearState(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, stateFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
