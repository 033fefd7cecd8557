package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/object"
)

func TestEnsureMaterializesOnce(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	id := object.ID("directory_aaa")

	var fills atomic.Int32
	materialize := func(_ context.Context, target string) error {
		fills.Add(1)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(target, "f"), []byte("x"), 0o644)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := c.Ensure(ctx, id, materialize)
			assert.NoError(t, err)
			assert.Equal(t, c.Path(id), path)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fills.Load(), "single-flight must run one materializer")
	data, err := os.ReadFile(filepath.Join(c.Path(id), "f"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestEnsureSkipsExisting(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	id := object.ID("file_bbb")

	require.NoError(t, os.WriteFile(c.Path(id), []byte("already"), 0o644))

	_, err = c.Ensure(ctx, id, func(context.Context, string) error {
		t.Fatal("materializer must not run for an existing entry")
		return nil
	})
	require.NoError(t, err)
}

func TestEnsurePropagatesFailure(t *testing.T) {
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Ensure(ctx, "file_ccc", func(_ context.Context, target string) error {
		return os.ErrPermission
	})
	require.Error(t, err)
	assert.False(t, c.Contains("file_ccc"))
}
