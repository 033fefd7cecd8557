package checkout

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/cache"
	"github.com/tangramdev/tangram/pkg/checkin"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/store"
)

func newHarness(t *testing.T) (*checkin.Checkin, *Checkout, index.Index) {
	t.Helper()
	idx, err := index.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	st := store.NewMemory()
	c, err := cache.New(filepath.Join(t.TempDir(), "artifacts"), idx)
	require.NoError(t, err)
	return checkin.New(st, idx), New(st, c), idx
}

func TestCheckoutRoundTrip(t *testing.T) {
	ci, co, _ := newHarness(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "exec.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("hello.txt", filepath.Join(src, "link")))

	id, err := ci.Run(ctx, src, checkin.Options{}, nil)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, co.Run(ctx, id, target, nil))

	data, err := os.ReadFile(filepath.Join(target, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	info, err := os.Stat(filepath.Join(target, "sub", "exec.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "executable bit must survive")

	linkTarget, err := os.Readlink(filepath.Join(target, "link"))
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", linkTarget)

	// checkin(checkout(checkin(p))) yields the same id
	again, err := ci.Run(ctx, target, checkin.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestCheckoutLargeFileChunking(t *testing.T) {
	ci, co, _ := newHarness(t)
	ctx := context.Background()

	// larger than one leaf so the blob becomes a branch
	big := make([]byte, (1<<20)+4096)
	for i := range big {
		big[i] = byte(i % 251)
	}
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), big, 0o644))

	id, err := ci.Run(ctx, src, checkin.Options{}, nil)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, co.Run(ctx, id, target, nil))

	data, err := os.ReadFile(filepath.Join(target, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, big, data, "concatenated leaves must equal the original bytes")
}

func TestCheckoutUsesCacheHardLinks(t *testing.T) {
	ci, co, _ := newHarness(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f"), []byte("cached"), 0o644))

	id, err := ci.Run(ctx, src, checkin.Options{}, nil)
	require.NoError(t, err)

	first := filepath.Join(t.TempDir(), "a")
	second := filepath.Join(t.TempDir(), "b")
	require.NoError(t, co.Run(ctx, id, first, nil))
	require.NoError(t, co.Run(ctx, id, second, nil))

	fa, err := os.Stat(filepath.Join(first, "f"))
	require.NoError(t, err)
	fb, err := os.Stat(filepath.Join(second, "f"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(fa, fb), "both checkouts must hard-link the cached copy")
}

func TestCheckoutCyclicGraph(t *testing.T) {
	ci, co, _ := newHarness(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "dir", "f"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink("..", filepath.Join(src, "dir", "loop")))

	id, err := ci.Run(ctx, src, checkin.Options{}, nil)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, co.Run(ctx, id, target, nil))

	data, err := os.ReadFile(filepath.Join(target, "dir", "f"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	// the loop symlink must exist and point back up the tree
	_, err = os.Readlink(filepath.Join(target, "dir", "loop"))
	require.NoError(t, err)
}
