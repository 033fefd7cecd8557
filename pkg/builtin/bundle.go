package builtin

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// artifactsPath is where a bundle relocates its dependencies: symlinks
// that pointed at external artifacts point here instead, making the
// bundle a self-contained directory.
const artifactsPath = ".tangram/artifacts"

// bundle rewrites an artifact and its recursive dependencies into one
// self-contained directory: dependencies land under .tangram/artifacts
// and every artifact-edge symlink becomes a relative path into it.
func (r *Runtime) bundle(ctx context.Context, args []string) (process.Result, error) {
	if len(args) < 1 {
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "bundle: expected an artifact argument")
	}
	rootID := object.ID(args[0])

	dependencies, err := r.recursiveDependencies(ctx, rootID, map[object.ID]bool{})
	if err != nil {
		return process.Result{}, err
	}

	// no dependencies: the artifact is already self-contained
	if len(dependencies) == 0 {
		return process.Result{OutputArtifact: rootID}, nil
	}

	root, err := r.loadArtifact(ctx, rootID)
	if err != nil {
		return process.Result{}, err
	}
	if root.Directory == nil {
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "bundle: the artifact must be a directory")
	}

	// the artifacts directory holds a dependency-free copy of every
	// dependency, keyed by its original id
	var artifactEntries []object.DirectoryEntry
	for _, depID := range dependencies {
		stripped, strippedKind, err := r.removeDependencies(ctx, depID, 3)
		if err != nil {
			return process.Result{}, err
		}
		artifactEntries = append(artifactEntries, object.DirectoryEntry{
			Name: string(depID),
			Edge: object.ArtifactEdge{Edge: object.Edge{Object: stripped, Kind: strippedKind}},
		})
	}
	sort.Slice(artifactEntries, func(i, j int) bool { return artifactEntries[i].Name < artifactEntries[j].Name })
	artifactsDirID, err := r.storeArtifact(ctx, object.Artifact{Directory: &object.Directory{Entries: artifactEntries}})
	if err != nil {
		return process.Result{}, err
	}

	strippedRootID, _, err := r.removeDependencies(ctx, rootID, 0)
	if err != nil {
		return process.Result{}, err
	}
	strippedRoot, err := r.loadArtifact(ctx, strippedRootID)
	if err != nil {
		return process.Result{}, err
	}
	if strippedRoot.Directory == nil {
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "bundle: the artifact must be a directory")
	}

	outID, err := r.addEntry(ctx, *strippedRoot.Directory, strings.Split(artifactsPath, "/"), artifactsDirID)
	if err != nil {
		return process.Result{}, err
	}
	return process.Result{OutputArtifact: outID}, nil
}

// recursiveDependencies collects, in first-seen order, every artifact the
// root depends on through file dependency edges and symlink artifact
// edges, recursively.
func (r *Runtime) recursiveDependencies(ctx context.Context, id object.ID, seen map[object.ID]bool) ([]object.ID, error) {
	artifact, err := r.loadArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []object.ID
	visit := func(dep object.ID) error {
		if seen[dep] {
			return nil
		}
		seen[dep] = true
		out = append(out, dep)
		nested, err := r.recursiveDependencies(ctx, dep, seen)
		if err != nil {
			return err
		}
		out = append(out, nested...)
		return nil
	}
	switch {
	case artifact.Directory != nil:
		if artifact.Directory.GraphNode != nil {
			return nil, tgerror.New(tgerror.CodeFailedPrecondition, "bundle: cannot bundle a cyclic artifact")
		}
		for _, e := range artifact.Directory.Entries {
			nested, err := r.recursiveDependencies(ctx, e.Edge.Edge.Object, seen)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
	case artifact.File != nil:
		if artifact.File.GraphNode != nil {
			return nil, tgerror.New(tgerror.CodeFailedPrecondition, "bundle: cannot bundle a cyclic artifact")
		}
		// iterate the dependency map in key order so the bundle's
		// artifacts directory is deterministic
		keys := make([]string, 0, len(artifact.File.Dependencies))
		for k := range artifact.File.Dependencies {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			dep := artifact.File.Dependencies[k]
			if !dep.Edge.IsNode && dep.Edge.Object != "" {
				if err := visit(dep.Edge.Object); err != nil {
					return nil, err
				}
			}
		}
	case artifact.Symlink != nil:
		if artifact.Symlink.Kind == object.SymlinkArtifact && !artifact.Symlink.Edge.Edge.IsNode {
			if err := visit(artifact.Symlink.Edge.Edge.Object); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// removeDependencies returns a dependency-free copy of the artifact:
// directories recurse, files drop their dependency map, and symlinks
// with artifact edges become relative paths into .tangram/artifacts.
// depth is the artifact's depth below the bundle root, used to build the
// ../ prefix of rewritten symlink targets.
func (r *Runtime) removeDependencies(ctx context.Context, id object.ID, depth int) (object.ID, object.Kind, error) {
	artifact, err := r.loadArtifact(ctx, id)
	if err != nil {
		return "", "", err
	}
	switch {
	case artifact.Directory != nil:
		dir := object.Directory{}
		for _, e := range artifact.Directory.Entries {
			child, childKind, err := r.removeDependencies(ctx, e.Edge.Edge.Object, depth+1)
			if err != nil {
				return "", "", err
			}
			dir.Entries = append(dir.Entries, object.DirectoryEntry{
				Name: e.Name,
				Edge: object.ArtifactEdge{Edge: object.Edge{Object: child, Kind: childKind}},
			})
		}
		out, err := r.storeArtifact(ctx, object.Artifact{Directory: &dir})
		return out, object.KindDirectory, err
	case artifact.File != nil:
		file := object.File{Contents: artifact.File.Contents, Executable: artifact.File.Executable}
		out, err := r.storeArtifact(ctx, object.Artifact{File: &file})
		return out, object.KindFile, err
	case artifact.Symlink != nil:
		link := *artifact.Symlink
		if link.Kind == object.SymlinkArtifact {
			var target []string
			for i := 0; i < depth-1; i++ {
				target = append(target, "..")
			}
			target = append(target, artifactsPath, string(link.Edge.Edge.Object))
			if link.Subpath != "" {
				target = append(target, link.Subpath)
			}
			link = object.Symlink{Kind: object.SymlinkTarget, Path: path.Join(target...)}
		}
		if link.Path == "" && link.Kind == object.SymlinkTarget {
			return "", "", tgerror.New(tgerror.CodeInvalid, "bundle: invalid symlink")
		}
		out, err := r.storeArtifact(ctx, object.Artifact{Symlink: &link})
		return out, object.KindSymlink, err
	}
	return "", "", tgerror.New(tgerror.CodeInvalid, "bundle: empty artifact")
}

// addEntry inserts child at the slash-separated path below dir, creating
// intermediate directories, and stores every rebuilt directory on the
// way back up.
func (r *Runtime) addEntry(ctx context.Context, dir object.Directory, components []string, child object.ID) (object.ID, error) {
	name := components[0]
	var edge object.Edge
	if len(components) == 1 {
		edge = object.Edge{Object: child, Kind: object.KindDirectory}
	} else {
		// descend into an existing subdirectory or an empty one
		sub := object.Directory{}
		for _, e := range dir.Entries {
			if e.Name == name && !e.Edge.Edge.IsNode {
				existing, err := r.loadArtifact(ctx, e.Edge.Edge.Object)
				if err != nil {
					return "", err
				}
				if existing.Directory != nil {
					sub = *existing.Directory
				}
			}
		}
		subID, err := r.addEntry(ctx, sub, components[1:], child)
		if err != nil {
			return "", err
		}
		edge = object.Edge{Object: subID, Kind: object.KindDirectory}
	}

	out := object.Directory{}
	replaced := false
	for _, e := range dir.Entries {
		if e.Name == name {
			out.Entries = append(out.Entries, object.DirectoryEntry{Name: name, Edge: object.ArtifactEdge{Edge: edge}})
			replaced = true
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	if !replaced {
		out.Entries = append(out.Entries, object.DirectoryEntry{Name: name, Edge: object.ArtifactEdge{Edge: edge}})
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Name < out.Entries[j].Name })
	return r.storeArtifact(ctx, object.Artifact{Directory: &out})
}
