package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator() *Coordinator {
	store := NewMemoryStore()
	return NewCoordinator(store, NewLocker(store, zap.NewNop()), zap.NewNop())
}

func TestCoordinatorStatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	rec, err := c.GetStatus(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, c.SetStatus(ctx, "worker-1", "running"))

	rec, err = c.GetStatus(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "running", rec.Status)
	assert.Equal(t, "worker-1", rec.AgentID)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestCoordinatorTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	require.NoError(t, c.SetTask(ctx, "worker-1", "issue-7", map[string]any{"title": "fix it"}))

	task, err := c.GetTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "issue-7", task.TaskID)
	assert.Equal(t, "fix it", task.TaskData["title"])

	cleared, err := c.ClearTask(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, cleared)

	task, err = c.GetTask(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, task)

	cleared, err = c.ClearTask(ctx, "worker-1")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestCoordinatorHistoryBounded(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	for i := 0; i < HistoryLimit+20; i++ {
		err := c.AppendHistory(ctx, "worker-1", HistoryEvent{
			Type:   "tick",
			Detail: map[string]any{"i": i},
		})
		require.NoError(t, err)
	}

	history, err := c.GetHistory(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, history, HistoryLimit)

	// Oldest entries fell off the front.
	assert.Equal(t, float64(20), history[0].Detail["i"])
	assert.Equal(t, float64(HistoryLimit+19), history[len(history)-1].Detail["i"])
	assert.Equal(t, "worker-1", history[0].AgentID)
}

func TestMigrateKeyAbsentSource(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	migrated, err := c.MigrateKey(ctx, "old", "new", nil)
	require.NoError(t, err)
	assert.False(t, migrated)
}

func TestMigrateKeyMovesAndTransforms(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	require.NoError(t, c.Store().Set(ctx, "old", map[string]any{"v": 1}, 0))

	migrated, err := c.MigrateKey(ctx, "old", "new", func(value any) (any, error) {
		m := value.(map[string]any)
		m["migrated"] = true
		return m, nil
	})
	require.NoError(t, err)
	assert.True(t, migrated)

	_, ok, err := c.Store().Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := c.Store().Get(ctx, "new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, v.(map[string]any)["migrated"])
}

func TestMigrateKeyTransformFailure(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	require.NoError(t, c.Store().Set(ctx, "old", "v", 0))

	_, err := c.MigrateKey(ctx, "old", "new", func(any) (any, error) {
		return nil, fmt.Errorf("bad shape")
	})
	require.Error(t, err)

	// Source untouched on failure.
	_, ok, err := c.Store().Get(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBulkMigrate(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	require.NoError(t, c.Store().SetMany(ctx, map[string]any{
		"v1:a": "x",
		"v1:b": "y",
		"keep": "z",
	}))

	count, err := c.BulkMigrate(ctx, "v1:*", nil, func(key string) string {
		return "v2:" + key[len("v1:"):]
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, key := range []string{"v2:a", "v2:b", "keep"} {
		ok, err := c.Store().Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
	ok, err := c.Store().Exists(ctx, "v1:a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	require.NoError(t, c.Store().Set(ctx, "agent:w1:status", map[string]any{"status": "running"}, 0))
	require.NoError(t, c.Store().Set(ctx, "agent:w2:status", map[string]any{"status": "paused"}, 0))

	count, err := c.BackupKeys(ctx, "agent:*", "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	backups, err := c.ListBackups(ctx, "")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	ts := backups[0]

	// Mutate, then restore without overwrite: existing keys survive.
	require.NoError(t, c.Store().Set(ctx, "agent:w1:status", map[string]any{"status": "error"}, 0))
	count, err = c.RestoreFromBackup(ctx, ts, "", false)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	v, _, err := c.Store().Get(ctx, "agent:w1:status")
	require.NoError(t, err)
	assert.Equal(t, "error", v.(map[string]any)["status"])

	// With overwrite the snapshot wins.
	count, err = c.RestoreFromBackup(ctx, ts, "", true)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	v, _, err = c.Store().Get(ctx, "agent:w1:status")
	require.NoError(t, err)
	assert.Equal(t, "running", v.(map[string]any)["status"])
}

func TestBackupSkipsExistingBackups(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	require.NoError(t, c.Store().Set(ctx, "data:a", "x", 0))

	count, err := c.BackupKeys(ctx, "*", "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	time.Sleep(2 * time.Millisecond)

	// Second sweep over everything must not re-backup backup keys.
	count, err = c.BackupKeys(ctx, "*", "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	backups, err := c.ListBackups(ctx, "")
	require.NoError(t, err)
	assert.Len(t, backups, 2)
	// Newest first.
	assert.Greater(t, backups[0], backups[1])
}

func TestAgentScopeSnapshot(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()
	scope := c.Agent("worker-1")

	require.NoError(t, scope.SetStatus(ctx, "running"))
	require.NoError(t, scope.SetTask(ctx, "issue-1", nil))
	require.NoError(t, scope.AppendHistory(ctx, HistoryEvent{Type: "started"}))

	snapshot, err := scope.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot, 3)
	assert.Contains(t, snapshot, StatusField)
	assert.Contains(t, snapshot, TaskField)
	assert.Contains(t, snapshot, HistoryField)
}

func TestCoordinatorHealthAndMetrics(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator()

	assert.True(t, c.HealthCheck(ctx))

	m, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, m, "keys")
}
