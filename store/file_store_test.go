package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwarden/warden/types"
)

func TestFileStoreEscapesTaskIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	taskID := "feature/../../etc/passwd"
	key := ClaimKey(taskID)

	ok, err := s.CreateIfAbsent(ctx, key, encodeTestLease(t, taskID, "agent-1", time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The record must live inside the store root.
	var found string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".json" {
			found = path
		}
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, found)

	entries, err := s.ListPrefix(ctx, ClaimPrefix)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, taskID, TaskIDFromClaimKey(entries[0].Key))
}

func TestFileStoreSetLogReplay(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	key := IndexKey("agent-1")

	require.NoError(t, s.SetAdd(ctx, key, "task-a"))
	require.NoError(t, s.SetRemove(ctx, key, "task-a"))
	require.NoError(t, s.SetAdd(ctx, key, "task-a"))

	members, err := s.SetMembers(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-a"}, members, "re-add after remove must survive replay")
}

func TestFileStoreExpiredMarkerReusable(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	offset := time.Duration(0)
	s.now = func() time.Time { return time.Now().Add(offset) }

	ctx := context.Background()
	rec, err := EncodeRecovery(types.RecoveryRecord{TaskID: "task-a", Reason: types.ReasonOrphanedClaim, RecoveredAt: time.Now().UTC()})
	require.NoError(t, err)

	added, err := s.QueueAdd(ctx, RecoveryQueueKey, RecoveryMarkKey("task-a"), rec, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, added)

	added, err = s.QueueAdd(ctx, RecoveryQueueKey, RecoveryMarkKey("task-a"), rec, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, added)

	offset += 2 * time.Minute
	added, err = s.QueueAdd(ctx, RecoveryQueueKey, RecoveryMarkKey("task-a"), rec, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, added, "expired marker must not suppress a fresh reclaim")
}

func TestFileStoreCorruptRecordDoesNotExpire(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	key := ClaimKey("task-bad")
	require.NoError(t, s.Set(ctx, key, []byte("{broken"), 0))

	// A corrupt record still lists; the caller decides how to handle it.
	entries, err := s.ListPrefix(ctx, ClaimPrefix)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = DecodeLease("task-bad", entries[0].Value)
	assert.True(t, types.IsCorruptRecord(err))
}
