package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/internal/retry"
	"github.com/taskwarden/warden/types"
)

type fakePrompter struct {
	answer   bool
	err      error
	prompted bool
}

func (p *fakePrompter) Confirm(string) (bool, error) {
	p.prompted = true
	return p.answer, p.err
}

func fastConfig() Config {
	return Config{
		MaxRecoveryAttempts: 2,
		ProbeTimeout:        time.Second,
		RetryPolicy: &retry.Policy{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	}
}

func newTestMonitor(probe ProbeFunc, prompter Prompter) *Monitor {
	return NewMonitor(probe, fastConfig(), prompter, zap.NewNop(), metrics.NewCollector("test", zap.NewNop()))
}

func TestEnsureHealthyBackend(t *testing.T) {
	p := &fakePrompter{}
	m := newTestMonitor(func(context.Context) error { return nil }, p)

	mode, err := m.Ensure(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, ModeNetworked, mode)
	assert.Equal(t, StateAvailable, m.State())
	assert.False(t, p.prompted, "no prompt when the backend is healthy")
}

func TestEnsureRecoversAfterTransientFailure(t *testing.T) {
	calls := 0
	probe := func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	p := &fakePrompter{}
	m := newTestMonitor(probe, p)

	mode, err := m.Ensure(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, ModeNetworked, mode)
	assert.False(t, p.prompted)
}

func TestEnsureNoFallbackFailsHard(t *testing.T) {
	p := &fakePrompter{answer: true}
	m := newTestMonitor(func(context.Context) error { return errors.New("down") }, p)

	_, err := m.Ensure(context.Background(), false)
	require.Error(t, err)
	assert.True(t, types.IsBackendUnavailable(err))
	assert.False(t, p.prompted, "never prompt when fallback is not allowed")
	assert.Equal(t, StateUnavailable, m.State())
}

func TestEnsureFallbackRequiresConsent(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }

	t.Run("confirmed", func(t *testing.T) {
		p := &fakePrompter{answer: true}
		m := newTestMonitor(down, p)

		mode, err := m.Ensure(context.Background(), true)
		require.NoError(t, err)
		assert.Equal(t, ModeLocal, mode)
		assert.Equal(t, StateDegraded, m.State())
		assert.True(t, p.prompted)
	})

	t.Run("declined", func(t *testing.T) {
		p := &fakePrompter{answer: false}
		m := newTestMonitor(down, p)

		_, err := m.Ensure(context.Background(), true)
		require.Error(t, err)
		assert.True(t, types.IsBackendUnavailable(err))
	})

	t.Run("not interactive", func(t *testing.T) {
		p := &fakePrompter{err: errors.New("stdin is not a terminal")}
		m := newTestMonitor(down, p)

		_, err := m.Ensure(context.Background(), true)
		require.Error(t, err)
		assert.True(t, types.IsBackendUnavailable(err))
	})
}

func TestRecoverOneShot(t *testing.T) {
	t.Run("backend comes back", func(t *testing.T) {
		calls := 0
		probe := func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("down")
			}
			return nil
		}
		p := &fakePrompter{answer: true}
		m := newTestMonitor(probe, p)

		require.NoError(t, m.Recover(context.Background()))
		assert.Equal(t, StateAvailable, m.State())
		assert.False(t, p.prompted, "mid-run recovery never prompts for fallback")
	})

	t.Run("backend stays down", func(t *testing.T) {
		p := &fakePrompter{answer: true}
		m := newTestMonitor(func(context.Context) error { return errors.New("down") }, p)

		require.Error(t, m.Recover(context.Background()))
		assert.Equal(t, StateUnavailable, m.State())
		assert.False(t, p.prompted)
	})

	t.Run("runs the recovery command", func(t *testing.T) {
		dir := t.TempDir()
		calls := 0
		probe := func(context.Context) error {
			calls++
			if calls > 1 {
				return nil
			}
			return errors.New("down")
		}
		cfg := fastConfig()
		cfg.RecoveryCommand = "touch " + dir + "/ran"
		m := NewMonitor(probe, cfg, &fakePrompter{}, zap.NewNop(), metrics.NewCollector("test", zap.NewNop()))

		require.NoError(t, m.Recover(context.Background()))
		assert.FileExists(t, dir+"/ran")
	})
}

func TestRecoveryCommandRuns(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	probe := func(context.Context) error {
		calls++
		if calls > 2 {
			return nil
		}
		return errors.New("down")
	}

	cfg := fastConfig()
	cfg.RecoveryCommand = "touch " + dir + "/ran"
	m := NewMonitor(probe, cfg, &fakePrompter{}, zap.NewNop(), metrics.NewCollector("test", zap.NewNop()))

	mode, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, ModeNetworked, mode)
	assert.FileExists(t, dir+"/ran")
}

func TestTerminalPrompterParsesAnswers(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"Y\n", true},
		{"n\n", false},
		{"\n", false},
		{"whatever\n", false},
	} {
		p := &TerminalPrompter{In: strings.NewReader(tc.input), Out: &strings.Builder{}}
		got, err := p.Confirm("continue?")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "input %q", tc.input)
	}
}
