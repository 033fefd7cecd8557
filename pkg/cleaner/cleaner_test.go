package cleaner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/messenger"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/store"
)

func TestWatchdogRequeuesStaleProcess(t *testing.T) {
	idx, err := index.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer idx.Close()

	st := store.NewMemory()
	msgr := messenger.New()
	msgr.Start()
	defer msgr.Stop()

	ctx := context.Background()
	now := time.Now().UTC()
	stale := now.Add(-time.Hour)

	require.NoError(t, idx.PutProcess(ctx, index.ProcessRow{
		ID: "process_a", Status: "started", Command: "command_a", Host: "linux",
		HeartbeatAt: &stale, CreatedAt: now, TouchedAt: now,
	}))

	var requeued []object.ID
	c := New(Config{HeartbeatTTL: time.Minute, MaxRetries: 3}, idx, st, msgr,
		func(ctx context.Context, id object.ID, at time.Time) error {
			requeued = append(requeued, id)
			_, err := idx.UpdateProcessStatus(ctx, id, "started", "enqueued", at)
			return err
		})

	require.NoError(t, c.watchdogCycle(ctx))
	assert.Equal(t, []object.ID{"process_a"}, requeued)
}

func TestWatchdogFailsAfterRetryBudget(t *testing.T) {
	idx, err := index.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer idx.Close()

	st := store.NewMemory()
	msgr := messenger.New()
	msgr.Start()
	defer msgr.Stop()

	ctx := context.Background()
	now := time.Now().UTC()
	stale := now.Add(-time.Hour)

	require.NoError(t, idx.PutProcess(ctx, index.ProcessRow{
		ID: "process_b", Status: "started", Command: "command_b", Host: "linux", Retry: 5,
		HeartbeatAt: &stale, CreatedAt: now, TouchedAt: now,
	}))

	c := New(Config{HeartbeatTTL: time.Minute, MaxRetries: 3}, idx, st, msgr,
		func(ctx context.Context, id object.ID, at time.Time) error { return nil })

	require.NoError(t, c.watchdogCycle(ctx))

	row, found, err := idx.GetProcess(ctx, "process_b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "finished", row.Status)
	require.NotNil(t, row.Exit)
	assert.Equal(t, int32(125), *row.Exit)
}

func TestSweepDeletesExpiredObjects(t *testing.T) {
	idx, err := index.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer idx.Close()

	st := store.NewMemory()
	msgr := messenger.New()
	msgr.Start()
	defer msgr.Stop()

	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, idx.PutObject(ctx, index.ObjectRow{ID: "blob_expired", TouchedAt: old}))
	require.NoError(t, st.Put(ctx, store.PutRequest{ID: "blob_expired", Bytes: []byte("x"), TouchedAt: old}))

	c := New(Config{ObjectTTL: time.Minute}, idx, st, msgr,
		func(ctx context.Context, id object.ID, at time.Time) error { return nil })

	require.NoError(t, c.sweepCycle(ctx))

	_, err = st.Get(ctx, "blob_expired")
	assert.Error(t, err, "expired object should have been physically deleted")
}
