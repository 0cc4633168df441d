package daemon

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwarden/warden/types"
)

func TestGuardExclusive(t *testing.T) {
	dir := t.TempDir()

	g, err := AcquireGuard(dir, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, g.Held())

	_, err = AcquireGuard(dir, zap.NewNop())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAlreadyRunning))

	require.NoError(t, g.Release())

	g2, err := AcquireGuard(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}

func TestGuardWritesOwnPID(t *testing.T) {
	dir := t.TempDir()

	g, err := AcquireGuard(dir, zap.NewNop())
	require.NoError(t, err)
	defer g.Release()

	pid, ok := ReadPID(dir)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, PIDAlive(pid))
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	st, err := LoadState(dir)
	require.NoError(t, err)
	assert.Nil(t, st, "no state before first save")

	want := State{
		PID:       os.Getpid(),
		AgentID:   "agent-a",
		Mode:      "networked",
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, SaveState(dir, want))

	st, err = LoadState(dir)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, want.AgentID, st.AgentID)
	assert.Equal(t, want.Mode, st.Mode)
	assert.Equal(t, want.PID, st.PID)

	require.NoError(t, ClearState(dir))
	st, err = LoadState(dir)
	require.NoError(t, err)
	assert.Nil(t, st)

	// Clearing twice is fine.
	require.NoError(t, ClearState(dir))
}
