package process

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/config"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/messenger"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

func newTestEngine(t *testing.T) (*Engine, index.Index, *messenger.Messenger) {
	t.Helper()
	idx, err := index.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	msgr := messenger.New()
	msgr.Start()
	t.Cleanup(msgr.Stop)

	st := store.NewMemory()
	cfg := config.Default(t.TempDir()).Process
	return NewEngine(cfg, idx, st, msgr), idx, msgr
}

func echoCommand(arg string) object.Command {
	argV := object.Value{String: &arg}
	return object.Command{
		Args:       []object.Value{argV},
		Executable: object.CommandExecutable{Path: "/bin/echo"},
		Host:       "linux",
	}
}

func TestSpawnEnqueues(t *testing.T) {
	e, idx, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Spawn(ctx, SpawnRequest{Command: echoCommand("hi"), Cacheable: true})
	require.NoError(t, err)
	assert.Contains(t, string(id), "process_")

	row, found, err := idx.GetProcess(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(object.StatusEnqueued), row.Status)
	assert.NotNil(t, row.EnqueuedAt)
}

func TestStatusMachineIsMonotone(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Spawn(ctx, SpawnRequest{Command: echoCommand("hi")})
	require.NoError(t, err)

	row, err := e.Dequeue(ctx, "runner-a")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, id, row.ID)

	// starting twice must fail; the transition is write-once
	require.NoError(t, e.Start(ctx, id))
	err = e.Start(ctx, id)
	require.Error(t, err)
	assert.True(t, tgerror.Is(err, tgerror.CodeConflict))

	require.NoError(t, e.Finish(ctx, id, FinishRequest{Exit: 0}))
	err = e.Finish(ctx, id, FinishRequest{Exit: 0})
	require.Error(t, err)
	assert.True(t, tgerror.Is(err, tgerror.CodeConflict))
}

func TestDequeueAlreadyDequeuedIsDiscarded(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Spawn(ctx, SpawnRequest{Command: echoCommand("hi")})
	require.NoError(t, err)

	first, err := e.Dequeue(ctx, "runner-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	// second consumer pulls the same record, loses the CAS, and gets
	// nothing rather than the same process
	second, err := e.Dequeue(ctx, "runner-b")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestSpawnCacheHit(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	req := SpawnRequest{Command: echoCommand("cached"), ExpectedChecksum: "sum_x", Cacheable: true}
	first, err := e.Spawn(ctx, req)
	require.NoError(t, err)

	row, err := e.Dequeue(ctx, "runner")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NoError(t, e.Start(ctx, first))
	require.NoError(t, e.Finish(ctx, first, FinishRequest{Exit: 0, ActualChecksum: "sum_x"}))

	// identical command + expected checksum returns the finished process,
	// never enqueuing a second one
	second, err := e.Spawn(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	extra, err := e.Dequeue(ctx, "runner")
	require.NoError(t, err)
	assert.Nil(t, extra)
}

func TestChecksumMismatchFinishesWithError(t *testing.T) {
	e, idx, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Spawn(ctx, SpawnRequest{Command: echoCommand("x"), ExpectedChecksum: "want"})
	require.NoError(t, err)
	_, err = e.Dequeue(ctx, "runner")
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, id))
	require.NoError(t, e.Finish(ctx, id, FinishRequest{Exit: 0, ActualChecksum: "got"}))

	row, found, err := idx.GetProcess(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(object.StatusFinished), row.Status)
	assert.NotEmpty(t, row.Error, "checksum mismatch must attach an error object")
	require.NotNil(t, row.Exit)
	assert.NotEqual(t, int32(0), *row.Exit)
}

func TestWaitObservesFinish(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Spawn(ctx, SpawnRequest{Command: echoCommand("hi")})
	require.NoError(t, err)

	done := make(chan index.ProcessRow, 1)
	go func() {
		row, werr := e.Wait(ctx, id)
		if werr == nil {
			done <- row
		}
	}()

	_, err = e.Dequeue(ctx, "runner")
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, id))
	require.NoError(t, e.Finish(ctx, id, FinishRequest{Exit: 0}))

	select {
	case row := <-done:
		assert.Equal(t, string(object.StatusFinished), row.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not observe finish")
	}
}

type fakeRuntime struct {
	exit int
}

func (f fakeRuntime) Run(_ context.Context, _ index.ProcessRow, _ object.Command) (Result, error) {
	return Result{Exit: f.exit}, nil
}

func TestRunnerDrivesProcessToFinish(t *testing.T) {
	e, idx, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := config.Default(t.TempDir()).Process
	st := store.NewMemory()

	// the runner loads the command back out of the store, so spawn must
	// have written it there; share the engine's store
	e2 := NewEngine(cfg, idx, st, e.msgr)
	id, err := e2.Spawn(ctx, SpawnRequest{Command: echoCommand("ok")})
	require.NoError(t, err)

	r := NewRunner(cfg, e2, st)
	r.Register("linux", fakeRuntime{exit: 0})
	r.Start()
	defer r.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	row, err := e2.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, string(object.StatusFinished), row.Status)
	require.NotNil(t, row.Exit)
	assert.Equal(t, int32(0), *row.Exit)
}

func TestMountsRoundTrip(t *testing.T) {
	e, idx, _ := newTestEngine(t)
	ctx := context.Background()

	mounts := []object.Mount{{Source: "directory_src", Target: "/deps", ReadOnly: true}}
	id, err := e.Spawn(ctx, SpawnRequest{Command: echoCommand("hi"), Mounts: mounts})
	require.NoError(t, err)

	row, found, err := idx.GetProcess(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	got, err := Mounts(row)
	require.NoError(t, err)
	assert.Equal(t, mounts, got)
}
