package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

func TestCommandRoundTrip(t *testing.T) {
	stdin := object.ID("blob_abc")
	cmd := object.Command{
		Args: []object.Value{{String: strp("build")}, {String: strp("--release")}},
		Cwd:  "/work",
		Env:  map[string]object.Value{"PATH": {String: strp("/usr/bin")}},
		Executable: object.CommandExecutable{
			Artifact: &object.ArtifactEdge{
				Edge:       object.Edge{Object: object.ID("file_bin")},
				Dependency: &object.Reference{Tag: "tool/*"},
			},
		},
		Host:   "linux",
		Mounts: []object.Mount{{Source: object.ID("directory_src"), Target: "/src", ReadOnly: true}},
		Stdin:  &stdin,
		User:   "tangram",
	}

	id, data, err := HashCommand(cmd)
	require.NoError(t, err)
	assert.Equal(t, object.KindCommand, mustKind(t, id))

	decodedValue, err := Decode(data)
	require.NoError(t, err)
	got, err := ValueToCommand(decodedValue)
	require.NoError(t, err)

	assert.Equal(t, cmd.Cwd, got.Cwd)
	assert.Equal(t, cmd.Host, got.Host)
	assert.Equal(t, cmd.User, got.User)
	assert.Equal(t, cmd.Stdin, got.Stdin)
	assert.Equal(t, cmd.Mounts, got.Mounts)
	require.NotNil(t, got.Executable.Artifact)
	assert.Equal(t, object.ID("file_bin"), got.Executable.Artifact.Edge.Object)
	require.NotNil(t, got.Executable.Artifact.Dependency)
	assert.Equal(t, "tool/*", got.Executable.Artifact.Dependency.Tag)

	id2, _, err := HashCommand(got)
	require.NoError(t, err)
	assert.Equal(t, id, id2, "re-encoding a round-tripped command must hash identically")
}

func TestDirectoryRoundTrip(t *testing.T) {
	dir := object.Directory{
		Entries: []object.DirectoryEntry{
			{Name: "main.go", Edge: object.ArtifactEdge{Edge: object.Edge{Object: object.ID("file_a")}}},
			{Name: "sub", Edge: object.ArtifactEdge{Edge: object.Edge{Object: object.ID("directory_b")}}},
		},
	}
	id, data, err := HashDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, object.KindDirectory, mustKind(t, id))

	v, err := Decode(data)
	require.NoError(t, err)
	got, err := ValueToDirectory(v)
	require.NoError(t, err)
	assert.Equal(t, dir.Entries, got.Entries)
}

func TestDirectoryGraphPointerRoundTrip(t *testing.T) {
	dir := object.Directory{GraphNode: &object.GraphPointer{Graph: object.ID("graph_x"), Node: 2}}
	v := DirectoryToValue(dir)
	got, err := ValueToDirectory(v)
	require.NoError(t, err)
	require.NotNil(t, got.GraphNode)
	assert.Equal(t, *dir.GraphNode, *got.GraphNode)
}

func TestFileRoundTrip(t *testing.T) {
	f := object.File{
		Contents:   object.ID("blob_z"),
		Executable: true,
		Dependencies: map[string]object.ArtifactEdge{
			"libfoo": {Edge: object.Edge{Object: object.ID("file_foo")}},
		},
	}
	id, data, err := HashFile(f)
	require.NoError(t, err)
	assert.Equal(t, object.KindFile, mustKind(t, id))

	v, err := Decode(data)
	require.NoError(t, err)
	got, err := ValueToFile(v)
	require.NoError(t, err)
	assert.Equal(t, f.Contents, got.Contents)
	assert.Equal(t, f.Executable, got.Executable)
	assert.Equal(t, f.Dependencies, got.Dependencies)
}

func TestFileEmptyContentsDefaultsToEmptyBlobID(t *testing.T) {
	f := object.File{}
	v := FileToValue(f)
	got, err := ValueToFile(v)
	require.NoError(t, err)
	assert.Equal(t, object.EmptyBlobID, got.Contents)
}

func TestSymlinkTargetRoundTrip(t *testing.T) {
	s := object.Symlink{Kind: object.SymlinkTarget, Path: "../lib"}
	id, data, err := HashSymlink(s)
	require.NoError(t, err)
	assert.Equal(t, object.KindSymlink, mustKind(t, id))

	v, err := Decode(data)
	require.NoError(t, err)
	got, err := ValueToSymlink(v)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSymlinkArtifactRoundTrip(t *testing.T) {
	s := object.Symlink{
		Kind:    object.SymlinkArtifact,
		Edge:    object.ArtifactEdge{Edge: object.Edge{Object: object.ID("file_target")}},
		Subpath: "bin/tool",
	}
	v := SymlinkToValue(s)
	got, err := ValueToSymlink(v)
	require.NoError(t, err)
	assert.Equal(t, s.Kind, got.Kind)
	assert.Equal(t, s.Subpath, got.Subpath)
	assert.Equal(t, s.Edge.Edge.Object, got.Edge.Edge.Object)
}

func TestGraphRoundTrip(t *testing.T) {
	g := object.Graph{
		Nodes: []object.GraphNode{
			{Kind: object.GraphNodeDirectory, Directory: &object.Directory{
				Entries: []object.DirectoryEntry{
					{Name: "self", Edge: object.ArtifactEdge{Edge: object.Edge{IsNode: true, GraphNode: 0, Kind: object.KindDirectory}}},
				},
			}},
			{Kind: object.GraphNodeFile, File: &object.File{Contents: object.ID("blob_y")}},
		},
	}
	id, data, err := HashGraph(g)
	require.NoError(t, err)
	assert.Equal(t, object.KindGraph, mustKind(t, id))

	v, err := Decode(data)
	require.NoError(t, err)
	got, err := ValueToGraph(v)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	require.NotNil(t, got.Nodes[0].Directory)
	assert.True(t, got.Nodes[0].Directory.Entries[0].Edge.Edge.IsNode)
	assert.Equal(t, 0, got.Nodes[0].Directory.Entries[0].Edge.Edge.GraphNode)
	require.NotNil(t, got.Nodes[1].File)
	assert.Equal(t, object.ID("blob_y"), got.Nodes[1].File.Contents)
}

func TestErrorRoundTrip(t *testing.T) {
	e := &tgerror.Error{
		Code:     tgerror.CodeFailedPrecondition,
		Message:  "solver found no satisfying assignment",
		Location: "checkin.Solve",
		Stack:    []string{"frame1", "frame2"},
		Values:   map[string]string{"tag": "foo/*"},
		Diagnostics: []tgerror.Diagnostic{
			{Severity: "error", Message: "no candidate satisfies foo>=2", Location: "solver"},
		},
		Source: &tgerror.Error{Code: tgerror.CodeNotFound, Message: "tag not found"},
	}

	id, data, err := HashError(e)
	require.NoError(t, err)
	assert.Equal(t, object.KindError, mustKind(t, id))

	v, err := Decode(data)
	require.NoError(t, err)
	got, err := ValueToError(v)
	require.NoError(t, err)
	assert.Equal(t, e.Code, got.Code)
	assert.Equal(t, e.Message, got.Message)
	assert.Equal(t, e.Location, got.Location)
	assert.Equal(t, e.Stack, got.Stack)
	assert.Equal(t, e.Values, got.Values)
	require.Len(t, got.Diagnostics, 1)
	assert.Equal(t, e.Diagnostics[0], got.Diagnostics[0])
	require.NotNil(t, got.Source)
	assert.Equal(t, tgerror.CodeNotFound, got.Source.Code)
}

func TestErrorNilRoundTrip(t *testing.T) {
	v := ErrorToValue(nil)
	got, err := ValueToError(v)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func mustKind(t *testing.T, id object.ID) object.Kind {
	t.Helper()
	k, err := id.Kind()
	require.NoError(t, err)
	return k
}

func TestHashCommandIsCanonicalAcrossMapOrder(t *testing.T) {
	build := func(keys []string) object.Command {
		env := make(map[string]object.Value, len(keys))
		for _, k := range keys {
			env[k] = object.Value{String: strp("value-" + k)}
		}
		return object.Command{
			Args:       []object.Value{{String: strp("run")}},
			Env:        env,
			Executable: object.CommandExecutable{Path: "/bin/sh"},
			Host:       "linux",
		}
	}

	// same value, different insertion orders: the encoding (and hence the
	// id) must not depend on map iteration order
	a := build([]string{"PATH", "HOME", "LANG", "TERM"})
	b := build([]string{"TERM", "LANG", "HOME", "PATH"})

	idA, bytesA, err := HashCommand(a)
	require.NoError(t, err)
	idB, bytesB, err := HashCommand(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
	assert.Equal(t, bytesA, bytesB)

	// and repeated encodings of one value are byte-stable
	for i := 0; i < 50; i++ {
		id, data, err := HashCommand(a)
		require.NoError(t, err)
		assert.Equal(t, idA, id)
		assert.Equal(t, bytesA, data)
	}
}

func TestHashFileIsCanonicalAcrossMapOrder(t *testing.T) {
	build := func(keys []string) object.File {
		deps := make(map[string]object.ArtifactEdge, len(keys))
		for _, k := range keys {
			deps[k] = object.ArtifactEdge{Edge: object.Edge{Object: object.ID("directory_" + k)}}
		}
		return object.File{Contents: object.ID("blob_contents"), Dependencies: deps}
	}

	a := build([]string{"foo/*", "bar/1.0.0", "baz/*"})
	b := build([]string{"baz/*", "foo/*", "bar/1.0.0"})

	idA, bytesA, err := HashFile(a)
	require.NoError(t, err)
	idB, bytesB, err := HashFile(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
	assert.Equal(t, bytesA, bytesB)

	for i := 0; i < 50; i++ {
		id, data, err := HashFile(a)
		require.NoError(t, err)
		assert.Equal(t, idA, id)
		assert.Equal(t, bytesA, data)
	}
}
