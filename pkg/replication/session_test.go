package replication

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/checkin"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/store"
)

type side struct {
	st  store.Store
	idx index.Index
}

func newSide(t *testing.T) side {
	t.Helper()
	idx, err := index.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return side{st: store.NewMemory(), idx: idx}
}

// checkinTree stores a small tree on a side and returns its root id.
func checkinTree(t *testing.T, s side, files map[string]string) object.ID {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	id, err := checkin.New(s.st, s.idx).Run(context.Background(), root, checkin.Options{}, nil)
	require.NoError(t, err)
	return id
}

// runSync wires two sessions back to back over channels and runs both to
// completion.
func runSync(t *testing.T, src, dst side, srcOpts, dstOpts Options) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	aToB := make(chan Item, 256)
	bToA := make(chan Item, 256)

	srcSession := NewSession(src.st, src.idx, srcOpts, bToA, aToB, nil)
	dstSession := NewSession(dst.st, dst.idx, dstOpts, aToB, bToA, nil)

	errCh := make(chan error, 2)
	go func() { errCh <- srcSession.Run(ctx) }()
	go func() { errCh <- dstSession.Run(ctx) }()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errCh)
	}
}

func push(t *testing.T, src, dst side, roots ...object.ID) {
	runSync(t, src, dst,
		Options{Role: RoleSource, Roots: roots},
		Options{Role: RoleDestination})
}

func pull(t *testing.T, src, dst side, roots ...object.ID) {
	runSync(t, src, dst,
		Options{Role: RoleSource},
		Options{Role: RoleDestination, Roots: roots})
}

// subtreeEqual asserts every object reachable from id is byte-identical
// on both sides.
func subtreeEqual(t *testing.T, a, b side, id object.ID) {
	t.Helper()
	ctx := context.Background()
	seen := map[object.ID]bool{}
	var walk func(id object.ID)
	walk = func(id object.ID) {
		if seen[id] {
			return
		}
		seen[id] = true
		ea, err := a.st.Get(ctx, id)
		require.NoError(t, err, "object %s missing on source", id)
		eb, err := b.st.Get(ctx, id)
		require.NoError(t, err, "object %s missing on destination", id)
		da, err := store.Dereference(ea)
		require.NoError(t, err)
		db, err := store.Dereference(eb)
		require.NoError(t, err)
		assert.Equal(t, da, db, "object %s differs", id)
		children, err := childrenOf(id, da)
		require.NoError(t, err)
		for _, c := range children {
			walk(c)
		}
	}
	walk(id)
}

func TestPushReplicatesSubtree(t *testing.T) {
	a, b := newSide(t), newSide(t)
	root := checkinTree(t, a, map[string]string{
		"hello.txt":  "hi",
		"sub/nested": "deep",
	})

	push(t, a, b, root)
	subtreeEqual(t, a, b, root)
}

func TestPullReplicatesSubtree(t *testing.T) {
	a, b := newSide(t), newSide(t)
	root := checkinTree(t, a, map[string]string{"f": "data"})

	pull(t, a, b, root)
	subtreeEqual(t, a, b, root)
}

func TestSyncRoundTripIsIdempotent(t *testing.T) {
	a, b := newSide(t), newSide(t)
	root := checkinTree(t, a, map[string]string{"f": "stable"})

	push(t, a, b, root)

	// Sync(A->B) then Sync(B->A): no bytes change
	entryBefore, err := a.st.Get(context.Background(), root)
	require.NoError(t, err)

	push(t, b, a, root)

	entryAfter, err := a.st.Get(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, entryBefore.Bytes, entryAfter.Bytes)
	subtreeEqual(t, a, b, root)
}

func TestChainThroughThreeServers(t *testing.T) {
	s1, s2, s3 := newSide(t), newSide(t), newSide(t)
	root := checkinTree(t, s1, map[string]string{"a": "1", "b/c": "2"})

	push(t, s1, s2, root)
	pull(t, s2, s3, root)
	subtreeEqual(t, s1, s3, root)
}

func TestDestinationRejectsCorruptBytes(t *testing.T) {
	b := newSide(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := make(chan Item, 4)
	out := make(chan Item, 4)
	session := NewSession(b.st, b.idx, Options{Role: RoleDestination}, in, out, nil)

	in <- Item{Kind: ItemObject, ID: object.NewID(object.KindBlob, []byte("real")), Bytes: []byte("forged")}
	in <- Item{Kind: ItemEnd}

	err := session.Run(ctx)
	require.Error(t, err, "mismatched bytes must fail the session")
}
