package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/object"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	idx, err := NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSQLitePutAndTouchObject(t *testing.T) {
	idx := newTestSQLite(t)
	ctx := context.Background()
	id := object.ID("blob_abc")
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, idx.PutObject(ctx, ObjectRow{ID: id, NodeSize: 42, TouchedAt: now}))

	row, ok, err := idx.TouchAndGetObject(ctx, id, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), row.NodeSize)
	assert.True(t, row.TouchedAt.After(now))
}

func TestSQLiteTouchedAtNeverDecreases(t *testing.T) {
	idx := newTestSQLite(t)
	ctx := context.Background()
	id := object.ID("blob_mono")
	late := time.Now().UTC().Truncate(time.Second)
	early := late.Add(-time.Hour)

	require.NoError(t, idx.PutObject(ctx, ObjectRow{ID: id, TouchedAt: late}))
	row, ok, err := idx.TouchAndGetObject(ctx, id, early)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, !row.TouchedAt.Before(late), "touched_at must not regress")
}

func TestSQLiteProcessStatusCAS(t *testing.T) {
	idx := newTestSQLite(t)
	ctx := context.Background()
	id := object.ID("process_01")
	now := time.Now().UTC()

	require.NoError(t, idx.PutProcess(ctx, ProcessRow{
		ID: id, Status: "created", Command: "command_x", Host: "linux", CreatedAt: now, TouchedAt: now,
	}))

	ok, err := idx.UpdateProcessStatus(ctx, id, "created", "enqueued", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = idx.UpdateProcessStatus(ctx, id, "created", "enqueued", now)
	require.NoError(t, err)
	assert.False(t, ok, "a second CAS from the already-left state must fail")

	row, found, err := idx.GetProcess(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "enqueued", row.Status)
	require.NotNil(t, row.EnqueuedAt)
}

func TestSQLiteFindCachedProcess(t *testing.T) {
	idx := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	exit := int32(0)

	require.NoError(t, idx.PutProcess(ctx, ProcessRow{
		ID: "process_cached", Status: "finished", Command: "command_y", Host: "linux",
		ExpectedChecksum: "sum1", Exit: &exit, Cacheable: true, CreatedAt: now, TouchedAt: now,
	}))

	id, ok, err := idx.FindCachedProcess(ctx, "command_y", "sum1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, object.ID("process_cached"), id)

	_, ok, err = idx.FindCachedProcess(ctx, "command_y", "sum2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteScanStale(t *testing.T) {
	idx := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	stale := now.Add(-time.Hour)

	require.NoError(t, idx.PutProcess(ctx, ProcessRow{
		ID: "process_stale", Status: "started", Command: "command_z", Host: "linux",
		HeartbeatAt: &stale, CreatedAt: now, TouchedAt: now,
	}))
	require.NoError(t, idx.PutProcess(ctx, ProcessRow{
		ID: "process_fresh", Status: "started", Command: "command_z", Host: "linux",
		HeartbeatAt: &now, CreatedAt: now, TouchedAt: now,
	}))

	stalled, err := idx.ScanStale(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, object.ID("process_stale"), stalled[0].ID)
}

func TestSQLiteTagTrie(t *testing.T) {
	idx := newTestSQLite(t)
	ctx := context.Background()
	target := object.ID("directory_foo")

	fooID, err := idx.PutTag(ctx, "foo", 0, nil)
	require.NoError(t, err)
	_, err = idx.PutTag(ctx, "1.0.0", fooID, &target)
	require.NoError(t, err)

	resolved, err := idx.ResolveTag(ctx, []string{"foo", "1.0.0"})
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, target, *resolved)

	_, err = idx.ResolveTag(ctx, []string{"missing"})
	assert.Error(t, err)
}

func TestSQLiteTagBranchCannotBeLeaf(t *testing.T) {
	idx := newTestSQLite(t)
	ctx := context.Background()
	target := object.ID("directory_leaf")

	fooID, err := idx.PutTag(ctx, "foo", 0, &target)
	require.NoError(t, err)
	_, err = idx.PutTag(ctx, "1.0.0", fooID, &target)
	require.NoError(t, err)

	_, err = idx.ResolveTag(ctx, []string{"foo", "1.0.0"})
	assert.Error(t, err, "foo is already a leaf, so treating it as a branch must fail")
}

func TestSQLiteIncomingQueue(t *testing.T) {
	idx := newTestSQLite(t)
	ctx := context.Background()

	seq1, err := idx.EnqueueIncoming(ctx, []byte("one"))
	require.NoError(t, err)
	seq2, err := idx.EnqueueIncoming(ctx, []byte("two"))
	require.NoError(t, err)

	msgs, err := idx.DequeueIncoming(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, idx.AckIncoming(ctx, []int64{seq1, seq2}))
	msgs, err = idx.DequeueIncoming(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSQLiteTryGetObjectStoredBatch(t *testing.T) {
	idx := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, idx.PutObject(ctx, ObjectRow{ID: "blob_a", NodeSize: 1, TouchedAt: now}))
	require.NoError(t, idx.PutObject(ctx, ObjectRow{ID: "blob_b", NodeSize: 2, TouchedAt: now}))

	rows, err := idx.TryGetObjectStoredBatch(ctx, []object.ID{"blob_a", "blob_b", "blob_missing"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Contains(t, rows, object.ID("blob_a"))
	assert.NotContains(t, rows, object.ID("blob_missing"))
}
