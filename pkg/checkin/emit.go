package checkin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/store"
)

// emit hashes and stores every entity bottom-up. Entities that form
// cycles (a symlink back to an ancestor, mutually-referencing files) are
// encoded together as one Graph object with index-addressed edges; the
// rest become plain artifacts.
func (c *Checkin) emit(ctx context.Context, root *entity, now time.Time) (object.ID, error) {
	byRel := make(map[string]*entity)
	var all []*entity
	var collect func(e *entity)
	collect = func(e *entity) {
		e.idx = len(all)
		byRel[e.rel] = e
		all = append(all, e)
		for _, ch := range e.children {
			collect(ch)
		}
	}
	collect(root)

	// adjacency: directory -> children, file -> path refs, symlink ->
	// intra-tree target
	edges := make([][]int, len(all))
	for _, e := range all {
		switch e.kind {
		case entityDirectory:
			for _, ch := range e.children {
				edges[e.idx] = append(edges[e.idx], ch.idx)
			}
		case entityFile:
			for _, target := range e.pathRefs {
				edges[e.idx] = append(edges[e.idx], target.idx)
			}
		case entitySymlink:
			if target := c.symlinkTarget(byRel, e); target != nil {
				edges[e.idx] = append(edges[e.idx], target.idx)
			}
		}
	}

	// Tarjan pops each component after everything it points to, so
	// emitting in pop order is bottom-up
	for _, scc := range tarjan(edges) {
		if len(scc) == 1 && !contains(edges[scc[0]], scc[0]) {
			if err := c.emitPlain(ctx, byRel, all[scc[0]], now); err != nil {
				return "", err
			}
			continue
		}
		if err := c.emitGraph(ctx, byRel, all, scc, now); err != nil {
			return "", err
		}
	}
	return root.id, nil
}

// symlinkTarget resolves a symlink's target to an entity in the tree, or
// nil when the target points outside it (then the symlink stays a plain
// Target{path}).
func (c *Checkin) symlinkTarget(byRel map[string]*entity, e *entity) *entity {
	if filepath.IsAbs(e.target) {
		return nil
	}
	rel := filepath.Join(filepath.Dir(e.rel), e.target)
	if strings.HasPrefix(rel, "..") {
		return nil
	}
	// the root entity is keyed by "", not "."
	if rel == "." {
		rel = ""
	}
	return byRel[rel]
}

// artifactFor builds the object for one entity. inSCC maps entity index
// -> graph node index for members of the component currently being
// encoded; edges to them become Reference edges, everything else an
// Object edge.
func (c *Checkin) artifactFor(byRel map[string]*entity, e *entity, inSCC map[int]int) (object.Artifact, error) {
	edgeTo := func(target *entity, kind object.Kind) object.Edge {
		if node, ok := inSCC[target.idx]; ok {
			return object.Edge{IsNode: true, GraphNode: node, Kind: kind}
		}
		return object.Edge{Object: target.id, Kind: kind}
	}

	switch e.kind {
	case entityDirectory:
		dir := object.Directory{}
		for _, ch := range e.children {
			dir.Entries = append(dir.Entries, object.DirectoryEntry{
				Name: filepath.Base(ch.rel),
				Edge: object.ArtifactEdge{Edge: edgeTo(ch, kindOf(ch))},
			})
		}
		return object.Artifact{Directory: &dir}, nil
	case entityFile:
		file := object.File{Contents: e.blobID, Executable: e.executable}
		if len(e.refs) > 0 {
			file.Dependencies = make(map[string]object.ArtifactEdge)
			for ref, id := range e.resolved {
				file.Dependencies[ref] = object.ArtifactEdge{Edge: object.Edge{Object: id}}
			}
			for ref, target := range e.pathRefs {
				file.Dependencies[ref] = object.ArtifactEdge{Edge: edgeTo(target, kindOf(target))}
			}
		}
		return object.Artifact{File: &file}, nil
	default:
		// only a symlink that closes a cycle needs a graph edge; an
		// acyclic in-tree target stays a plain relative path so checkout
		// reproduces the original link byte for byte
		if target := c.symlinkTarget(byRel, e); target != nil {
			if _, cyclic := inSCC[target.idx]; cyclic {
				return object.Artifact{Symlink: &object.Symlink{
					Kind: object.SymlinkArtifact,
					Edge: object.ArtifactEdge{Edge: edgeTo(target, kindOf(target))},
				}}, nil
			}
		}
		return object.Artifact{Symlink: &object.Symlink{Kind: object.SymlinkTarget, Path: e.target}}, nil
	}
}

func kindOf(e *entity) object.Kind {
	switch e.kind {
	case entityDirectory:
		return object.KindDirectory
	case entityFile:
		return object.KindFile
	default:
		return object.KindSymlink
	}
}

// emitPlain hashes and stores one acyclic entity.
func (c *Checkin) emitPlain(ctx context.Context, byRel map[string]*entity, e *entity, now time.Time) error {
	artifact, err := c.artifactFor(byRel, e, nil)
	if err != nil {
		return err
	}
	id, bytes, err := hashArtifact(artifact)
	if err != nil {
		return fmt.Errorf("checkin: hash %s: %w", e.rel, err)
	}
	if err := c.st.Put(ctx, store.PutRequest{ID: id, Bytes: bytes, TouchedAt: now}); err != nil {
		return fmt.Errorf("checkin: store %s: %w", e.rel, err)
	}
	e.id = id
	return c.indexEntity(ctx, e, id, int64(len(bytes)), now)
}

// emitGraph encodes one cyclic component as a Graph object plus one
// graph-pointer artifact per member.
func (c *Checkin) emitGraph(ctx context.Context, byRel map[string]*entity, all []*entity, scc []int, now time.Time) error {
	inSCC := make(map[int]int, len(scc))
	for node, entityIdx := range scc {
		inSCC[entityIdx] = node
	}

	graph := object.Graph{Nodes: make([]object.GraphNode, len(scc))}
	for node, entityIdx := range scc {
		artifact, err := c.artifactFor(byRel, all[entityIdx], inSCC)
		if err != nil {
			return err
		}
		switch {
		case artifact.Directory != nil:
			graph.Nodes[node] = object.GraphNode{Kind: object.GraphNodeDirectory, Directory: artifact.Directory}
		case artifact.File != nil:
			graph.Nodes[node] = object.GraphNode{Kind: object.GraphNodeFile, File: artifact.File}
		default:
			graph.Nodes[node] = object.GraphNode{Kind: object.GraphNodeSymlink, Symlink: artifact.Symlink}
		}
	}

	graphID, graphBytes, err := codec.HashGraph(graph)
	if err != nil {
		return fmt.Errorf("checkin: hash graph: %w", err)
	}
	if err := c.st.Put(ctx, store.PutRequest{ID: graphID, Bytes: graphBytes, TouchedAt: now}); err != nil {
		return fmt.Errorf("checkin: store graph: %w", err)
	}
	if err := c.idx.PutObject(ctx, index.ObjectRow{
		ID: graphID, NodeSize: int64(len(graphBytes)),
		SubtreeCount: 1, SubtreeDepth: 1, SubtreeSize: int64(len(graphBytes)),
		TouchedAt: now,
	}); err != nil {
		return fmt.Errorf("checkin: index graph: %w", err)
	}

	for node, entityIdx := range scc {
		e := all[entityIdx]
		pointer := &object.GraphPointer{Graph: graphID, Node: node}
		var artifact object.Artifact
		switch e.kind {
		case entityDirectory:
			artifact = object.Artifact{Directory: &object.Directory{GraphNode: pointer}}
		case entityFile:
			artifact = object.Artifact{File: &object.File{GraphNode: pointer}}
		default:
			artifact = object.Artifact{Symlink: &object.Symlink{Kind: object.SymlinkGraphNode, GraphNode: pointer}}
		}
		id, bytes, err := hashArtifact(artifact)
		if err != nil {
			return fmt.Errorf("checkin: hash graph member %s: %w", e.rel, err)
		}
		if err := c.st.Put(ctx, store.PutRequest{ID: id, Bytes: bytes, TouchedAt: now}); err != nil {
			return fmt.Errorf("checkin: store graph member %s: %w", e.rel, err)
		}
		e.id = id
		if err := c.indexEntity(ctx, e, id, int64(len(bytes)), now); err != nil {
			return err
		}
		if err := c.idx.PutObjectChildren(ctx, id, []object.ID{graphID}); err != nil {
			return fmt.Errorf("checkin: index graph member edge: %w", err)
		}
	}
	return nil
}

// indexEntity writes the entity's metadata row and child edges.
func (c *Checkin) indexEntity(ctx context.Context, e *entity, id object.ID, nodeSize int64, now time.Time) error {
	var children []object.ID
	for _, ch := range e.children {
		children = append(children, ch.id)
	}
	if e.kind == entityFile && e.blobID != "" {
		children = append(children, e.blobID)
	}
	for _, depID := range e.resolved {
		children = append(children, depID)
	}

	row := index.ObjectRow{
		ID:           id,
		NodeSize:     nodeSize,
		SubtreeCount: 1,
		SubtreeDepth: 1,
		SubtreeSize:  nodeSize,
		TouchedAt:    now,
	}
	rows, err := c.idx.TryGetObjectStoredBatch(ctx, children)
	if err != nil {
		return fmt.Errorf("checkin: roll up %s: %w", e.rel, err)
	}
	for _, child := range children {
		if cr, ok := rows[child]; ok {
			row.SubtreeCount += cr.SubtreeCount
			row.SubtreeSize += cr.SubtreeSize
			if cr.SubtreeDepth+1 > row.SubtreeDepth {
				row.SubtreeDepth = cr.SubtreeDepth + 1
			}
		} else {
			row.SubtreeCount++
		}
	}
	if err := c.idx.PutObject(ctx, row); err != nil {
		return fmt.Errorf("checkin: index %s: %w", e.rel, err)
	}
	if len(children) > 0 {
		if err := c.idx.PutObjectChildren(ctx, id, children); err != nil {
			return fmt.Errorf("checkin: index children of %s: %w", e.rel, err)
		}
	}
	return nil
}

func hashArtifact(a object.Artifact) (object.ID, []byte, error) {
	switch {
	case a.Directory != nil:
		return codec.HashDirectory(*a.Directory)
	case a.File != nil:
		return codec.HashFile(*a.File)
	case a.Symlink != nil:
		return codec.HashSymlink(*a.Symlink)
	}
	return "", nil, fmt.Errorf("empty artifact")
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// tarjan computes strongly connected components, returned in pop order
// (every component after the components it points to).
func tarjan(edges [][]int) [][]int {
	n := len(edges)
	indexOf := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range indexOf {
		indexOf[i] = -1
	}
	var stack []int
	var sccs [][]int
	counter := 0

	var strongconnect func(v int)
	strongconnect = func(v int) {
		indexOf[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range edges[v] {
			if indexOf[w] == -1 {
				strongconnect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] {
				if indexOf[w] < low[v] {
					low[v] = indexOf[w]
				}
			}
		}

		if low[v] == indexOf[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for v := 0; v < n; v++ {
		if indexOf[v] == -1 {
			strongconnect(v)
		}
	}
	return sccs
}
