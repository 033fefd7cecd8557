// Package checkin converts an on-disk directory tree into a
// content-addressed artifact graph: one filesystem
// walk honoring nested ignore files, blob chunking through the store,
// dependency detection (xattrs and module imports), tag resolution via a
// backtracking solver, lock materialization, and Graph encoding for
// cyclic structure.
package checkin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/progress"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Options controls a checkin.
type Options struct {
	// Destructive removes the source tree after a successful checkin;
	// the bytes then live only in the store.
	Destructive bool
	// Locked forbids lock regeneration: the existing lock must cover
	// every reference, and its pins must still resolve.
	Locked bool
	// Solve enables tag resolution through the solver.
	Solve bool
	// UnsolvedDependencies permits emitting a lock that still contains
	// unresolved references.
	UnsolvedDependencies bool
	// LockAsXattr writes the lock as user.tangram.lock instead of a
	// sibling tangram.lock file.
	LockAsXattr bool
	// GlobalIgnore supplies patterns applied beneath every directory, in
	// addition to nested .tangramignore files.
	GlobalIgnore []string
	// Updates names packages whose existing lock pins are discarded in
	// favor of the highest available version.
	Updates map[string]bool
}

// Checkin performs path -> artifact conversions against shared handles.
type Checkin struct {
	st     store.Store
	idx    index.Index
	logger zerolog.Logger
}

// New constructs a Checkin.
func New(st store.Store, idx index.Index) *Checkin {
	return &Checkin{st: st, idx: idx, logger: log.WithComponent("checkin")}
}

type entityKind int

const (
	entityDirectory entityKind = iota
	entityFile
	entitySymlink
)

// entity is one filesystem node under conversion.
type entity struct {
	rel  string
	kind entityKind

	children []*entity // directories, in name order

	blobID     object.ID // files
	executable bool
	refs       []string // raw reference strings, declaration order

	target string // symlinks

	// graph state
	idx      int
	resolved map[string]object.ID // tag/id refs
	pathRefs map[string]*entity   // intra-tree path refs
	id       object.ID
}

var moduleImportRe = regexp.MustCompile(`import\s+(?:[^"']*\s+from\s+)?["']([^"']+)["']`)

// ModuleEntryPoint is the filename whose imports are treated as
// dependency references.
const ModuleEntryPoint = "tangram.ts"

// Run checks in the tree rooted at root and returns the root artifact id.
// prog may be nil.
func (c *Checkin) Run(ctx context.Context, root string, opts Options, prog *progress.Handle) (object.ID, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return "", tgerror.Wrap(err, "checkin")
	}
	info, err := os.Lstat(root)
	if err != nil {
		return "", tgerror.New(tgerror.CodeNotFound, "checkin %s: %v", root, err)
	}

	if prog != nil {
		prog.Start("files", "Files", 0)
		prog.Start("bytes", "Bytes", 0)
	}

	now := time.Now()
	sink := store.NewBlobSink(ctx, c.st, now)

	var rootEntity *entity
	stack := newIgnoreStack(opts.GlobalIgnore)
	if info.IsDir() {
		rootEntity, err = c.walk(ctx, root, "", stack, sink, prog)
	} else {
		rootEntity, err = c.visit(ctx, root, "", info, sink, prog)
	}
	if err != nil {
		return "", err
	}

	if err := c.resolve(ctx, root, rootEntity, opts, prog); err != nil {
		return "", err
	}

	id, err := c.emit(ctx, rootEntity, now)
	if err != nil {
		return "", err
	}

	if opts.Destructive {
		if err := os.RemoveAll(root); err != nil {
			c.logger.Warn().Err(err).Str("path", root).Msg("destructive cleanup failed")
		}
	}

	if prog != nil {
		prog.Finish("files")
		prog.Finish("bytes")
	}
	return id, nil
}

// walk recurses into dir (rel is its path relative to the checkin root),
// honoring the ignore stack.
func (c *Checkin) walk(ctx context.Context, root, rel string, stack *ignoreStack, sink *store.Sink, prog *progress.Handle) (*entity, error) {
	depth := stack.push(root, rel)
	defer stack.pop(depth)

	dirPath := filepath.Join(root, rel)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, tgerror.Wrap(err, "checkin.walk")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	dir := &entity{rel: rel, kind: entityDirectory}
	for _, e := range entries {
		if e.Name() == LockFileName {
			continue
		}
		childRel := filepath.Join(rel, e.Name())
		info, err := e.Info()
		if err != nil {
			return nil, tgerror.Wrap(err, "checkin.walk")
		}
		if stack.matches(childRel, info.IsDir()) {
			continue
		}
		var child *entity
		if info.IsDir() {
			child, err = c.walk(ctx, root, childRel, stack, sink, prog)
		} else {
			child, err = c.visit(ctx, root, childRel, info, sink, prog)
		}
		if err != nil {
			return nil, err
		}
		dir.children = append(dir.children, child)
	}
	return dir, nil
}

// visit converts one non-directory filesystem node: chunk file contents
// into the store and collect declared references; record symlink targets.
func (c *Checkin) visit(ctx context.Context, root, rel string, info os.FileInfo, sink *store.Sink, prog *progress.Handle) (*entity, error) {
	path := filepath.Join(root, rel)
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return nil, tgerror.Wrap(err, "checkin.visit")
		}
		return &entity{rel: rel, kind: entitySymlink, target: target}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, tgerror.Wrap(err, "checkin.visit")
	}
	blobID, n, err := codec.ChunkReader(f, sink)
	f.Close()
	if err != nil {
		return nil, tgerror.Wrap(err, "checkin.visit")
	}
	if prog != nil {
		prog.Increment("files", 1)
		prog.Increment("bytes", n)
	}

	ent := &entity{
		rel:        rel,
		kind:       entityFile,
		blobID:     blobID,
		executable: info.Mode()&0o111 != 0,
	}

	// declared dependencies: the reserved xattr, then module imports
	if data, err := getXattr(path, DependenciesXattr); err == nil && len(data) > 0 {
		var refs []string
		if err := json.Unmarshal(data, &refs); err != nil {
			return nil, tgerror.New(tgerror.CodeInvalid, "malformed %s on %s: %v", DependenciesXattr, rel, err)
		}
		ent.refs = append(ent.refs, refs...)
	}
	if filepath.Base(rel) == ModuleEntryPoint {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, tgerror.Wrap(err, "checkin.visit")
		}
		for _, m := range moduleImportRe.FindAllStringSubmatch(string(src), -1) {
			ent.refs = append(ent.refs, m[1])
		}
	}
	return ent, nil
}

// resolve classifies every reference: direct ids pass through, intra-tree
// paths become graph edges, and tag patterns go through the solver or
// the lock.
func (c *Checkin) resolve(ctx context.Context, root string, rootEntity *entity, opts Options, prog *progress.Handle) error {
	byRel := make(map[string]*entity)
	var all []*entity
	var collect func(e *entity)
	collect = func(e *entity) {
		byRel[e.rel] = e
		all = append(all, e)
		for _, ch := range e.children {
			collect(ch)
		}
	}
	collect(rootEntity)

	var tagPatterns []string
	seenPattern := map[string]bool{}
	for _, e := range all {
		if len(e.refs) == 0 {
			continue
		}
		e.resolved = make(map[string]object.ID)
		e.pathRefs = make(map[string]*entity)
		for _, ref := range e.refs {
			switch classifyReference(ref) {
			case refID:
				e.resolved[ref] = object.ID(ref)
			case refPath:
				targetRel := filepath.Join(filepath.Dir(e.rel), ref)
				target, ok := byRel[targetRel]
				if !ok {
					return tgerror.New(tgerror.CodeNotFound, "%s references %q, which is not in the tree", e.rel, ref)
				}
				e.pathRefs[ref] = target
			case refTag:
				if !seenPattern[ref] {
					seenPattern[ref] = true
					tagPatterns = append(tagPatterns, ref)
				}
			}
		}
	}

	if len(tagPatterns) == 0 {
		return nil
	}

	lock, err := ReadLock(root)
	if err != nil {
		return err
	}

	var solution map[string]object.ID
	switch {
	case opts.Locked:
		solution, err = c.resolveLocked(ctx, lock, tagPatterns)
		if err != nil {
			return err
		}
	case opts.Solve:
		var pins map[string]object.ID
		if lock != nil {
			pins = lock.Pins()
		}
		solver := NewSolver(c.idx, pins, opts.Updates)
		var diags []tgerror.Diagnostic
		solution, diags, err = solver.Solve(ctx, tagPatterns)
		if err != nil {
			if prog != nil {
				for _, d := range diags {
					prog.Diagnostic(d)
				}
			}
			return err
		}
	default:
		if !opts.UnsolvedDependencies {
			return tgerror.New(tgerror.CodeFailedPrecondition,
				"tree has tagged dependencies but solving is disabled")
		}
		solution = map[string]object.ID{}
	}

	var unresolved []string
	for _, p := range tagPatterns {
		if _, ok := solution[p]; !ok {
			unresolved = append(unresolved, p)
		}
	}
	for _, e := range all {
		for _, ref := range e.refs {
			if id, ok := solution[ref]; ok {
				e.resolved[ref] = id
			}
		}
	}

	if !opts.Locked {
		newLock := buildLock(all, solution, unresolved)
		if err := WriteLock(root, newLock, opts.LockAsXattr); err != nil {
			return err
		}
	}
	return nil
}

// resolveLocked answers every pattern from the existing lock and verifies
// each pin still resolves in the tag trie; any gap is a stale lock.
func (c *Checkin) resolveLocked(ctx context.Context, lock *Lock, patterns []string) (map[string]object.ID, error) {
	if lock == nil {
		return nil, tgerror.New(tgerror.CodeFailedPrecondition, "locked checkin requires an existing lock")
	}
	pins := lock.Pins()
	solution := make(map[string]object.ID, len(patterns))
	for _, p := range patterns {
		pinned, ok := pins[p]
		if !ok {
			return nil, tgerror.New(tgerror.CodeFailedPrecondition, "lock does not cover %q", p)
		}
		rows, err := c.idx.ListTags(ctx, strings.Split(packageOf(p), "/"))
		if err != nil {
			return nil, tgerror.New(tgerror.CodeFailedPrecondition, "lock pin for %q no longer resolves: %v", p, err)
		}
		found := false
		for _, r := range rows {
			if r.Item != nil && *r.Item == pinned {
				found = true
				break
			}
		}
		if !found {
			return nil, tgerror.New(tgerror.CodeFailedPrecondition, "lock pin for %q no longer resolves", p)
		}
		solution[p] = pinned
	}
	return solution, nil
}

func buildLock(all []*entity, solution map[string]object.ID, unresolved []string) *Lock {
	lock := &Lock{}
	unresolvedSet := make(map[string]bool, len(unresolved))
	for _, u := range unresolved {
		unresolvedSet[u] = true
	}
	for _, e := range all {
		if len(e.refs) == 0 {
			continue
		}
		node := LockNode{Path: e.rel, Dependencies: map[string]object.ID{}}
		for _, ref := range e.refs {
			if id, ok := solution[ref]; ok {
				node.Dependencies[ref] = id
			} else if unresolvedSet[ref] {
				node.Unresolved = append(node.Unresolved, ref)
			}
		}
		lock.Nodes = append(lock.Nodes, node)
	}
	return lock
}

type refClass int

const (
	refTag refClass = iota
	refID
	refPath
)

// classifyReference distinguishes direct ids, intra-tree paths, and tag
// patterns.
func classifyReference(ref string) refClass {
	if strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") {
		return refPath
	}
	if i := strings.Index(ref, "_"); i > 0 {
		if _, err := object.ID(ref).Kind(); err == nil {
			return refID
		}
	}
	return refTag
}
