package checkin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

func newTestCheckin(t *testing.T) (*Checkin, store.Store, index.Index) {
	t.Helper()
	idx, err := index.NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	st := store.NewMemory()
	return New(st, idx), st, idx
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestCheckinIsDeterministic(t *testing.T) {
	c, _, _ := newTestCheckin(t)
	ctx := context.Background()

	a := t.TempDir()
	b := t.TempDir()
	files := map[string]string{"hello.txt": "hi", "sub/nested.txt": "deep"}
	writeTree(t, a, files)
	writeTree(t, b, files)

	idA, err := c.Run(ctx, a, Options{}, nil)
	require.NoError(t, err)
	idB, err := c.Run(ctx, b, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, idA, idB, "identical trees must produce identical ids")

	kind, err := idA.Kind()
	require.NoError(t, err)
	assert.Equal(t, object.KindDirectory, kind)
}

func TestCheckinHonorsIgnoreFiles(t *testing.T) {
	c, _, _ := newTestCheckin(t)
	ctx := context.Background()

	withIgnored := t.TempDir()
	writeTree(t, withIgnored, map[string]string{
		"keep.txt":           "keep",
		"skip.log":           "skip",
		"build/artifact.bin": "skip",
		IgnoreFileName:       "*.log\nbuild/\n",
	})

	reference := t.TempDir()
	writeTree(t, reference, map[string]string{
		"keep.txt":     "keep",
		IgnoreFileName: "*.log\nbuild/\n",
	})

	idA, err := c.Run(ctx, withIgnored, Options{}, nil)
	require.NoError(t, err)
	idB, err := c.Run(ctx, reference, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, idB, idA, "ignored entries must not affect the id")
}

func TestCheckinNegatedIgnorePattern(t *testing.T) {
	c, _, _ := newTestCheckin(t)
	ctx := context.Background()

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.log":        "kept by negation",
		"b.log":        "ignored",
		IgnoreFileName: "*.log\n!a.log\n",
	})

	reference := t.TempDir()
	writeTree(t, reference, map[string]string{
		"a.log":        "kept by negation",
		IgnoreFileName: "*.log\n!a.log\n",
	})

	idA, err := c.Run(ctx, root, Options{}, nil)
	require.NoError(t, err)
	idB, err := c.Run(ctx, reference, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, idB, idA)
}

func TestCheckinCycleBecomesGraph(t *testing.T) {
	c, st, _ := newTestCheckin(t)
	ctx := context.Background()

	root := t.TempDir()
	writeTree(t, root, map[string]string{"dir/file.txt": "x"})
	// dir/loop -> .. forms a cycle root -> dir -> loop -> root
	require.NoError(t, os.Symlink("..", filepath.Join(root, "dir", "loop")))

	id, err := c.Run(ctx, root, Options{}, nil)
	require.NoError(t, err)

	// the root participates in the cycle, so it must be a graph pointer
	entry, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.Bytes)
}

func TestCheckinSolvesTaggedDependency(t *testing.T) {
	c, _, idx := newTestCheckin(t)
	ctx := context.Background()

	dep := object.ID("directory_depdepdep")
	parent, err := idx.PutTag(ctx, "foo", 0, nil)
	require.NoError(t, err)
	_, err = idx.PutTag(ctx, "1.0.0", parent, &dep)
	require.NoError(t, err)

	root := t.TempDir()
	writeTree(t, root, map[string]string{ModuleEntryPoint: `import "foo/*";`})

	_, err = c.Run(ctx, root, Options{Solve: true}, nil)
	require.NoError(t, err)

	lock, err := ReadLock(root)
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.Len(t, lock.Nodes, 1)
	assert.Equal(t, dep, lock.Nodes[0].Dependencies["foo/*"])
}

func TestCheckinLockedFailsWhenTagRemoved(t *testing.T) {
	c, _, idx := newTestCheckin(t)
	ctx := context.Background()

	dep := object.ID("directory_depdepdep")
	parent, err := idx.PutTag(ctx, "foo", 0, nil)
	require.NoError(t, err)
	_, err = idx.PutTag(ctx, "1.0.0", parent, &dep)
	require.NoError(t, err)

	root := t.TempDir()
	writeTree(t, root, map[string]string{ModuleEntryPoint: `import "foo/*";`})

	_, err = c.Run(ctx, root, Options{Solve: true}, nil)
	require.NoError(t, err)

	require.NoError(t, idx.DeleteTag(ctx, []string{"foo", "1.0.0"}))

	_, err = c.Run(ctx, root, Options{Locked: true}, nil)
	require.Error(t, err)
	assert.True(t, tgerror.Is(err, tgerror.CodeFailedPrecondition))
}

func TestCheckinUnsolvedForbiddenByDefault(t *testing.T) {
	c, _, _ := newTestCheckin(t)
	ctx := context.Background()

	root := t.TempDir()
	writeTree(t, root, map[string]string{ModuleEntryPoint: `import "nope/*";`})

	_, err := c.Run(ctx, root, Options{}, nil)
	require.Error(t, err)
	assert.True(t, tgerror.Is(err, tgerror.CodeFailedPrecondition))

	// unsolved_dependencies=true permits a lock with unresolved refs
	_, err = c.Run(ctx, root, Options{UnsolvedDependencies: true}, nil)
	require.NoError(t, err)
	lock, err := ReadLock(root)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, []string{"nope/*"}, lock.Nodes[0].Unresolved)
}

func TestSolverPrefersHighestVersion(t *testing.T) {
	_, _, idx := newTestCheckin(t)
	ctx := context.Background()

	v1, v2, v10 := object.ID("directory_v1"), object.ID("directory_v2"), object.ID("directory_v10")
	parent, err := idx.PutTag(ctx, "pkg", 0, nil)
	require.NoError(t, err)
	for component, id := range map[string]object.ID{"1.0.0": v1, "2.0.0": v2, "10.0.0": v10} {
		bound := id
		_, err = idx.PutTag(ctx, component, parent, &bound)
		require.NoError(t, err)
	}

	s := NewSolver(idx, nil, nil)
	solution, _, err := s.Solve(ctx, []string{"pkg/*"})
	require.NoError(t, err)
	assert.Equal(t, v10, solution["pkg/*"], "10.0.0 must beat 2.0.0 numerically")
}

func TestSolverPinWinsUnlessUpdated(t *testing.T) {
	_, _, idx := newTestCheckin(t)
	ctx := context.Background()

	v1, v2 := object.ID("directory_v1"), object.ID("directory_v2")
	parent, err := idx.PutTag(ctx, "pkg", 0, nil)
	require.NoError(t, err)
	for component, id := range map[string]object.ID{"1.0.0": v1, "2.0.0": v2} {
		bound := id
		_, err = idx.PutTag(ctx, component, parent, &bound)
		require.NoError(t, err)
	}

	pins := map[string]object.ID{"pkg/*": v1}

	s := NewSolver(idx, pins, nil)
	solution, _, err := s.Solve(ctx, []string{"pkg/*"})
	require.NoError(t, err)
	assert.Equal(t, v1, solution["pkg/*"], "a viable pin is kept")

	s = NewSolver(idx, pins, map[string]bool{"pkg": true})
	solution, _, err = s.Solve(ctx, []string{"pkg/*"})
	require.NoError(t, err)
	assert.Equal(t, v2, solution["pkg/*"], "updates discard the pin")
}

func TestSolverConflictSurfacesCore(t *testing.T) {
	_, _, idx := newTestCheckin(t)
	ctx := context.Background()

	v1 := object.ID("directory_v1")
	parent, err := idx.PutTag(ctx, "pkg", 0, nil)
	require.NoError(t, err)
	_, err = idx.PutTag(ctx, "1.0.0", parent, &v1)
	require.NoError(t, err)

	s := NewSolver(idx, nil, nil)
	_, diags, err := s.Solve(ctx, []string{"pkg/1.0.0", "pkg/2.0.0"})
	require.Error(t, err)
	assert.True(t, tgerror.Is(err, tgerror.CodeFailedPrecondition))
	require.NotEmpty(t, diags)
}
