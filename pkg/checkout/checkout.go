// Package checkout materializes artifact graphs back onto the
// filesystem: directories recurse, file contents stream out of the
// (possibly chunked) blob tree, symlinks to artifacts point into the
// shared cache, and cyclic Graph structure becomes relative symlinks
// between already-materialized nodes.
package checkout

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/tangramdev/tangram/pkg/cache"
	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/progress"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Checkout materializes artifacts using the store and the shared cache.
type Checkout struct {
	st     store.Store
	cache  *cache.Cache
	logger zerolog.Logger
}

// New constructs a Checkout.
func New(st store.Store, c *cache.Cache) *Checkout {
	return &Checkout{st: st, cache: c, logger: log.WithComponent("checkout")}
}

// Run materializes the artifact at target. When the artifact is already
// in the cache, the tree is hard-linked out of it instead of re-read from
// the store. prog may be nil.
func (c *Checkout) Run(ctx context.Context, id object.ID, target string, prog *progress.Handle) error {
	if prog != nil {
		prog.Start("files", "Files", 0)
		defer prog.Finish("files")
	}

	cachePath, err := c.EnsureCached(ctx, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return tgerror.Wrap(err, "checkout")
	}
	return linkTree(cachePath, target, prog)
}

// EnsureCached fills the cache entry for id if needed and returns its
// path. Concurrent fills for the same id coordinate via the cache's
// single-flight.
func (c *Checkout) EnsureCached(ctx context.Context, id object.ID) (string, error) {
	return c.cache.Ensure(ctx, id, func(ctx context.Context, tmp string) error {
		return c.materialize(ctx, id, tmp, nil)
	})
}

// graphScope tracks a graph materialization in flight: node index ->
// absolute path already materialized, so Reference edges (including
// cycles) become relative symlinks.
type graphScope struct {
	graph object.Graph
	paths map[int]string
}

// materialize writes the artifact for id at path.
func (c *Checkout) materialize(ctx context.Context, id object.ID, path string, scope *graphScope) error {
	artifact, err := c.loadArtifact(ctx, id)
	if err != nil {
		return err
	}
	return c.materializeArtifact(ctx, artifact, path, scope)
}

func (c *Checkout) materializeArtifact(ctx context.Context, a object.Artifact, path string, scope *graphScope) error {
	switch {
	case a.Directory != nil:
		if a.Directory.GraphNode != nil {
			return c.materializeGraphNode(ctx, *a.Directory.GraphNode, path)
		}
		return c.materializeDirectory(ctx, *a.Directory, path, scope)
	case a.File != nil:
		if a.File.GraphNode != nil {
			return c.materializeGraphNode(ctx, *a.File.GraphNode, path)
		}
		return c.materializeFile(ctx, *a.File, path)
	case a.Symlink != nil:
		if a.Symlink.Kind == object.SymlinkGraphNode {
			return c.materializeGraphNode(ctx, *a.Symlink.GraphNode, path)
		}
		return c.materializeSymlink(ctx, *a.Symlink, path, scope)
	}
	return tgerror.New(tgerror.CodeInvalid, "empty artifact")
}

func (c *Checkout) materializeDirectory(ctx context.Context, dir object.Directory, path string, scope *graphScope) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return tgerror.Wrap(err, "checkout.directory")
	}
	for _, entry := range dir.Entries {
		childPath := filepath.Join(path, entry.Name)
		if err := c.materializeEdge(ctx, entry.Edge.Edge, childPath, scope); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checkout) materializeEdge(ctx context.Context, edge object.Edge, path string, scope *graphScope) error {
	if edge.IsNode {
		if scope == nil {
			return tgerror.New(tgerror.CodeInvalid, "reference edge outside a graph")
		}
		return c.materializeNode(ctx, scope, edge.GraphNode, path)
	}
	return c.materialize(ctx, edge.Object, path, scope)
}

func (c *Checkout) materializeFile(ctx context.Context, file object.File, path string) error {
	mode := os.FileMode(0o644)
	if file.Executable {
		mode = 0o755
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return tgerror.Wrap(err, "checkout.file")
	}
	defer out.Close()

	if file.Contents == "" {
		return nil
	}
	length, err := c.blobLength(ctx, file.Contents)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	rc, err := c.st.ReadBlob(ctx, file.Contents, 0, length)
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return tgerror.Wrap(err, "checkout.file")
	}
	return nil
}

func (c *Checkout) materializeSymlink(ctx context.Context, link object.Symlink, path string, scope *graphScope) error {
	switch link.Kind {
	case object.SymlinkTarget:
		return symlink(link.Path, path)
	case object.SymlinkArtifact:
		edge := link.Edge.Edge
		if edge.IsNode {
			if scope == nil {
				return tgerror.New(tgerror.CodeInvalid, "reference edge outside a graph")
			}
			targetPath, ok := scope.paths[edge.GraphNode]
			if !ok {
				// a forward reference within the graph; materialize the
				// node first, then link to it
				targetPath = path + ".node"
				if err := c.materializeNode(ctx, scope, edge.GraphNode, targetPath); err != nil {
					return err
				}
			}
			rel, err := filepath.Rel(filepath.Dir(path), targetPath)
			if err != nil {
				rel = targetPath
			}
			if link.Subpath != "" {
				rel = filepath.Join(rel, link.Subpath)
			}
			return symlink(rel, path)
		}
		// a symlink to an external artifact points into the shared cache
		cachePath, err := c.EnsureCached(ctx, edge.Object)
		if err != nil {
			return err
		}
		target := cachePath
		if sub := edge.Subpath; sub != "" {
			target = filepath.Join(target, sub)
		}
		if link.Subpath != "" {
			target = filepath.Join(target, link.Subpath)
		}
		return symlink(target, path)
	}
	return tgerror.New(tgerror.CodeInvalid, "unknown symlink kind")
}

func symlink(target, path string) error {
	if err := os.Symlink(target, path); err != nil {
		return tgerror.Wrap(err, "checkout.symlink")
	}
	return nil
}

// materializeGraphNode loads the graph and materializes the named node at
// path, tracking node paths so internal edges and cycles resolve.
func (c *Checkout) materializeGraphNode(ctx context.Context, pointer object.GraphPointer, path string) error {
	entry, err := c.st.Get(ctx, pointer.Graph)
	if err != nil {
		return err
	}
	raw, err := store.Dereference(entry)
	if err != nil {
		return err
	}
	v, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	graph, err := codec.ValueToGraph(v)
	if err != nil {
		return err
	}
	scope := &graphScope{graph: graph, paths: make(map[int]string)}
	return c.materializeNode(ctx, scope, pointer.Node, path)
}

func (c *Checkout) materializeNode(ctx context.Context, scope *graphScope, node int, path string) error {
	if node < 0 || node >= len(scope.graph.Nodes) {
		return tgerror.New(tgerror.CodeInvalid, "graph node %d out of range", node)
	}
	if _, done := scope.paths[node]; done {
		return nil
	}
	scope.paths[node] = path

	n := scope.graph.Nodes[node]
	switch n.Kind {
	case object.GraphNodeDirectory:
		return c.materializeDirectory(ctx, *n.Directory, path, scope)
	case object.GraphNodeFile:
		return c.materializeFile(ctx, *n.File, path)
	default:
		return c.materializeSymlink(ctx, *n.Symlink, path, scope)
	}
}

func (c *Checkout) loadArtifact(ctx context.Context, id object.ID) (object.Artifact, error) {
	kind, err := id.Kind()
	if err != nil {
		return object.Artifact{}, err
	}
	entry, err := c.st.Get(ctx, id)
	if err != nil {
		return object.Artifact{}, err
	}
	raw, err := store.Dereference(entry)
	if err != nil {
		return object.Artifact{}, err
	}
	v, err := codec.Decode(raw)
	if err != nil {
		return object.Artifact{}, err
	}
	switch kind {
	case object.KindDirectory:
		dir, err := codec.ValueToDirectory(v)
		if err != nil {
			return object.Artifact{}, err
		}
		return object.Artifact{Directory: &dir}, nil
	case object.KindFile:
		file, err := codec.ValueToFile(v)
		if err != nil {
			return object.Artifact{}, err
		}
		return object.Artifact{File: &file}, nil
	case object.KindSymlink:
		link, err := codec.ValueToSymlink(v)
		if err != nil {
			return object.Artifact{}, err
		}
		return object.Artifact{Symlink: &link}, nil
	}
	return object.Artifact{}, tgerror.New(tgerror.CodeInvalid, "%s is not an artifact", id)
}

func (c *Checkout) blobLength(ctx context.Context, id object.ID) (int64, error) {
	entry, err := c.st.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	raw, err := store.Dereference(entry)
	if err != nil {
		return 0, err
	}
	blob, err := store.DecodeBlob(raw)
	if err != nil {
		return 0, err
	}
	return int64(blob.Length()), nil
}

// linkTree replicates src at dst, hard-linking regular files so checkout
// shares bytes with the cache, and recreating directories and symlinks.
func linkTree(src, dst string, prog *progress.Handle) error {
	info, err := os.Lstat(src)
	if err != nil {
		return tgerror.Wrap(err, "checkout.link")
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return tgerror.Wrap(err, "checkout.link")
		}
		return symlink(target, dst)
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return tgerror.Wrap(err, "checkout.link")
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return tgerror.Wrap(err, "checkout.link")
		}
		for _, e := range entries {
			if err := linkTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()), prog); err != nil {
				return err
			}
		}
		return nil
	default:
		if err := os.Link(src, dst); err != nil {
			// cross-device or filesystem without hard links: fall back to
			// a copy
			if copyErr := copyFile(src, dst, info.Mode().Perm()); copyErr != nil {
				return tgerror.Wrap(copyErr, "checkout.link")
			}
		}
		if prog != nil {
			prog.Increment("files", 1)
		}
		return nil
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
