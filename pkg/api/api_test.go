package api

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/cache"
	"github.com/tangramdev/tangram/pkg/checkin"
	"github.com/tangramdev/tangram/pkg/checkout"
	"github.com/tangramdev/tangram/pkg/client"
	"github.com/tangramdev/tangram/pkg/config"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/messenger"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/replication"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

type harness struct {
	st     store.Store
	idx    index.Index
	engine *process.Engine
	url    string
	client *client.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	idx, err := index.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	st := store.NewMemory()
	msgr := messenger.New()
	msgr.Start()
	t.Cleanup(msgr.Stop)

	cfg := config.Default(t.TempDir())
	engine := process.NewEngine(cfg.Process, idx, st, msgr)
	artifactCache, err := cache.New(filepath.Join(t.TempDir(), "artifacts"), idx)
	require.NoError(t, err)

	srv := New(cfg.Server, Deps{
		Store:    st,
		Index:    idx,
		Msgr:     msgr,
		Engine:   engine,
		Checkin:  checkin.New(st, idx),
		Checkout: checkout.New(st, artifactCache),
		Cache:    artifactCache,
		SyncCfg:  cfg.Sync,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		st:     st,
		idx:    idx,
		engine: engine,
		url:    ts.URL,
		client: client.New(ts.URL),
	}
}

func TestObjectPutGetRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	data := []byte("object bytes")
	id := object.NewID(object.KindBlob, data)

	require.NoError(t, h.client.PutObject(ctx, id, data))

	got, err := h.client.GetObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	row, err := h.client.GetObjectMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), row.NodeSize)
}

func TestPutObjectRejectsMismatchedBytes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := object.NewID(object.KindBlob, []byte("real"))
	err := h.client.PutObject(ctx, id, []byte("forged"))
	require.Error(t, err)
	assert.True(t, tgerror.Is(err, tgerror.CodeChecksum))
}

func TestGetObjectNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.GetObject(context.Background(), object.NewID(object.KindBlob, []byte("absent")))
	require.Error(t, err)
	assert.True(t, tgerror.Is(err, tgerror.CodeNotFound))
}

func TestSpawnWaitOverHTTP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	arg := "ok"
	id, err := h.client.Spawn(ctx, process.SpawnRequest{
		Command: object.Command{
			Args:       []object.Value{{String: &arg}},
			Executable: object.CommandExecutable{Path: "/bin/echo"},
			Host:       "linux",
		},
	})
	require.NoError(t, err)

	// drive the process through its lifecycle as a runner would
	row, err := h.engine.Dequeue(ctx, "test-runner")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NoError(t, h.engine.Start(ctx, id))
	require.NoError(t, h.engine.Finish(ctx, id, process.FinishRequest{Exit: 0}))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	final, err := h.client.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, string(object.StatusFinished), final.Status)
}

func TestTagLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := object.NewID(object.KindDirectory, []byte("tagged"))
	require.NoError(t, h.client.PutTag(ctx, "foo/1.0.0", item))

	got, err := h.client.ResolveTag(ctx, "foo/1.0.0")
	require.NoError(t, err)
	assert.Equal(t, item, got)

	require.NoError(t, h.client.DeleteTag(ctx, "foo/1.0.0"))
	_, err = h.client.ResolveTag(ctx, "foo/1.0.0")
	require.Error(t, err)
}

func TestCheckinCheckoutOverHTTP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hi"), 0o644))

	id, err := h.client.Checkin(ctx, src, checkin.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, h.client.Checkout(ctx, id, target))

	data, err := os.ReadFile(filepath.Join(target, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	// re-checkin yields the same id
	again, err := h.client.Checkin(ctx, target, checkin.Options{})
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestSyncPushOverHTTP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	localIdx, err := index.NewSQLite(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer localIdx.Close()
	localStore := store.NewMemory()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("pushed"), 0o644))
	root, err := checkin.New(localStore, localIdx).Run(ctx, src, checkin.Options{}, nil)
	require.NoError(t, err)

	pushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, h.client.Push(pushCtx, localStore, localIdx, []object.ID{root}, replication.Options{}))

	// the root and its children are now on the server, byte-identical
	localEntry, err := localStore.Get(ctx, root)
	require.NoError(t, err)
	remote, err := h.client.GetObject(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, localEntry.Bytes, remote)
}

func TestCompressionMiddlewareThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// under the 32-byte floor the body must pass through unencoded
	data := []byte("tiny")
	id := object.NewID(object.KindBlob, data)
	require.NoError(t, h.client.PutObject(ctx, id, data))
	got, err := h.client.GetObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
