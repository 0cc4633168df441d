package claim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/taskwarden/warden/internal/metrics"
	"github.com/taskwarden/warden/store"
)

// Whatever the contention, exactly one concurrent acquirer wins a task.
func TestAcquireMutualExclusion(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		agents := rapid.IntRange(2, 8).Draw(rt, "agents")
		taskID := rapid.StringMatching(`task-[a-z0-9]{1,12}`).Draw(rt, "task")

		s, err := store.NewFileStore(t.TempDir(), zap.NewNop())
		require.NoError(rt, err)
		collector := metrics.NewCollector("test", zap.NewNop())

		managers := make([]*Manager, agents)
		for i := range managers {
			managers[i] = NewManager(s, NewAgent(""), ManagerConfig{
				ClaimTTL:    time.Minute,
				LivenessTTL: 10 * time.Minute,
			}, zap.NewNop(), collector)
		}

		var wg sync.WaitGroup
		results := make([]AcquireResult, agents)
		errs := make([]error, agents)
		for i, m := range managers {
			wg.Add(1)
			go func(i int, m *Manager) {
				defer wg.Done()
				results[i], errs[i] = m.Acquire(context.Background(), taskID)
			}(i, m)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(rt, err)
		}

		winners := 0
		for i, res := range results {
			if res.Status == AcquireClaimed {
				winners++
				require.True(rt, managers[i].Agent().Holds(taskID))
			}
		}
		require.Equal(rt, 1, winners, "exactly one acquirer must win")
	})
}
