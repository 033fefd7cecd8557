package codec

import (
	"fmt"
	"sort"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Directory field ids.
const (
	fieldDirectoryEntries   uint64 = 0
	fieldDirectoryGraph     uint64 = 1
	fieldDirectoryGraphNode uint64 = 2
)

// DirectoryToValue converts a Directory into its canonical Value encoding.
func DirectoryToValue(d object.Directory) object.Value {
	if d.GraphNode != nil {
		return object.Value{Struct: []object.FieldValue{
			{ID: fieldDirectoryGraph, Value: strValue(string(d.GraphNode.Graph))},
			{ID: fieldDirectoryGraphNode, Value: object.Value{UInt: uint64Ptr(uint64(d.GraphNode.Node))}},
		}}
	}
	entries := make([]object.Value, len(d.Entries))
	for i, e := range d.Entries {
		entries[i] = object.Value{Struct: []object.FieldValue{
			{ID: 0, Value: strValue(e.Name)},
			{ID: 1, Value: ArtifactEdgeToValue(e.Edge)},
		}}
	}
	return object.Value{Struct: []object.FieldValue{
		{ID: fieldDirectoryEntries, Value: object.Value{Array: entries}},
	}}
}

// ValueToDirectory parses a Value produced by DirectoryToValue.
func ValueToDirectory(v object.Value) (object.Directory, error) {
	if v.Struct == nil {
		return object.Directory{}, fmt.Errorf("%w: directory value is not a struct", tgerror.ErrInvalid)
	}
	var d object.Directory
	for _, f := range v.Struct {
		switch f.ID {
		case fieldDirectoryEntries:
			for _, ev := range f.Value.Array {
				if ev.Struct == nil {
					return object.Directory{}, fmt.Errorf("%w: directory entry is not a struct", tgerror.ErrInvalid)
				}
				var entry object.DirectoryEntry
				for _, ef := range ev.Struct {
					switch ef.ID {
					case 0:
						if ef.Value.String != nil {
							entry.Name = *ef.Value.String
						}
					case 1:
						ae, err := ValueToArtifactEdge(ef.Value)
						if err != nil {
							return object.Directory{}, err
						}
						entry.Edge = ae
					}
				}
				d.Entries = append(d.Entries, entry)
			}
		case fieldDirectoryGraph:
			if f.Value.String != nil {
				if d.GraphNode == nil {
					d.GraphNode = &object.GraphPointer{}
				}
				d.GraphNode.Graph = object.ID(*f.Value.String)
			}
		case fieldDirectoryGraphNode:
			if f.Value.UInt != nil {
				if d.GraphNode == nil {
					d.GraphNode = &object.GraphPointer{}
				}
				d.GraphNode.Node = int(*f.Value.UInt)
			}
		}
	}
	return d, nil
}

// File field ids.
const (
	fieldFileContents     uint64 = 0
	fieldFileExecutable   uint64 = 1
	fieldFileDependencies uint64 = 2
	fieldFileGraph        uint64 = 3
	fieldFileGraphNode    uint64 = 4
)

// FileToValue converts a File into its canonical Value encoding.
func FileToValue(f object.File) object.Value {
	if f.GraphNode != nil {
		return object.Value{Struct: []object.FieldValue{
			{ID: fieldFileGraph, Value: strValue(string(f.GraphNode.Graph))},
			{ID: fieldFileGraphNode, Value: object.Value{UInt: uint64Ptr(uint64(f.GraphNode.Node))}},
		}}
	}
	// entries must be emitted in key order for the encoding to be
	// canonical; ranging the map directly would randomize the bytes
	depKeys := make([]string, 0, len(f.Dependencies))
	for k := range f.Dependencies {
		depKeys = append(depKeys, k)
	}
	sort.Strings(depKeys)
	deps := make([]object.MapEntry, 0, len(depKeys))
	for _, k := range depKeys {
		deps = append(deps, object.MapEntry{Key: strValue(k), Value: ArtifactEdgeToValue(f.Dependencies[k])})
	}
	contents := f.Contents
	if contents == "" {
		contents = object.EmptyBlobID
	}
	return object.Value{Struct: []object.FieldValue{
		{ID: fieldFileContents, Value: strValue(string(contents))},
		{ID: fieldFileExecutable, Value: boolValue(f.Executable)},
		{ID: fieldFileDependencies, Value: object.Value{Map: deps}},
	}}
}

// ValueToFile parses a Value produced by FileToValue.
func ValueToFile(v object.Value) (object.File, error) {
	if v.Struct == nil {
		return object.File{}, fmt.Errorf("%w: file value is not a struct", tgerror.ErrInvalid)
	}
	var f object.File
	for _, fv := range v.Struct {
		switch fv.ID {
		case fieldFileContents:
			if fv.Value.String != nil {
				f.Contents = object.ID(*fv.Value.String)
			}
		case fieldFileExecutable:
			if fv.Value.Bool != nil {
				f.Executable = *fv.Value.Bool
			}
		case fieldFileDependencies:
			if len(fv.Value.Map) > 0 {
				f.Dependencies = make(map[string]object.ArtifactEdge, len(fv.Value.Map))
				for _, e := range fv.Value.Map {
					if e.Key.String == nil {
						continue
					}
					ae, err := ValueToArtifactEdge(e.Value)
					if err != nil {
						return object.File{}, err
					}
					f.Dependencies[*e.Key.String] = ae
				}
			}
		case fieldFileGraph:
			if fv.Value.String != nil {
				if f.GraphNode == nil {
					f.GraphNode = &object.GraphPointer{}
				}
				f.GraphNode.Graph = object.ID(*fv.Value.String)
			}
		case fieldFileGraphNode:
			if fv.Value.UInt != nil {
				if f.GraphNode == nil {
					f.GraphNode = &object.GraphPointer{}
				}
				f.GraphNode.Node = int(*fv.Value.UInt)
			}
		}
	}
	return f, nil
}

// Symlink field ids / kind tags (Target{path}, Artifact{edge,
// subpath?}, or a graph pointer).
const (
	fieldSymlinkKind      uint64 = 0
	fieldSymlinkPath      uint64 = 1
	fieldSymlinkEdge      uint64 = 2
	fieldSymlinkSubpath   uint64 = 3
	fieldSymlinkGraph     uint64 = 4
	fieldSymlinkGraphNode uint64 = 5
)

// SymlinkToValue converts a Symlink into its canonical Value encoding.
func SymlinkToValue(s object.Symlink) object.Value {
	if s.GraphNode != nil {
		return object.Value{Struct: []object.FieldValue{
			{ID: fieldSymlinkKind, Value: object.Value{UInt: uint64Ptr(uint64(object.SymlinkGraphNode))}},
			{ID: fieldSymlinkGraph, Value: strValue(string(s.GraphNode.Graph))},
			{ID: fieldSymlinkGraphNode, Value: object.Value{UInt: uint64Ptr(uint64(s.GraphNode.Node))}},
		}}
	}
	fields := []object.FieldValue{
		{ID: fieldSymlinkKind, Value: object.Value{UInt: uint64Ptr(uint64(s.Kind))}},
	}
	switch s.Kind {
	case object.SymlinkArtifact:
		fields = append(fields, object.FieldValue{ID: fieldSymlinkEdge, Value: ArtifactEdgeToValue(s.Edge)})
		if s.Subpath != "" {
			fields = append(fields, object.FieldValue{ID: fieldSymlinkSubpath, Value: strValue(s.Subpath)})
		}
	default:
		fields = append(fields, object.FieldValue{ID: fieldSymlinkPath, Value: strValue(s.Path)})
	}
	return object.Value{Struct: fields}
}

// ValueToSymlink parses a Value produced by SymlinkToValue.
func ValueToSymlink(v object.Value) (object.Symlink, error) {
	if v.Struct == nil {
		return object.Symlink{}, fmt.Errorf("%w: symlink value is not a struct", tgerror.ErrInvalid)
	}
	var s object.Symlink
	for _, f := range v.Struct {
		switch f.ID {
		case fieldSymlinkKind:
			if f.Value.UInt != nil {
				s.Kind = object.SymlinkKind(*f.Value.UInt)
			}
		case fieldSymlinkPath:
			if f.Value.String != nil {
				s.Path = *f.Value.String
			}
		case fieldSymlinkEdge:
			ae, err := ValueToArtifactEdge(f.Value)
			if err != nil {
				return object.Symlink{}, err
			}
			s.Edge = ae
		case fieldSymlinkSubpath:
			if f.Value.String != nil {
				s.Subpath = *f.Value.String
			}
		case fieldSymlinkGraph:
			if f.Value.String != nil {
				if s.GraphNode == nil {
					s.GraphNode = &object.GraphPointer{}
				}
				s.GraphNode.Graph = object.ID(*f.Value.String)
			}
		case fieldSymlinkGraphNode:
			if f.Value.UInt != nil {
				if s.GraphNode == nil {
					s.GraphNode = &object.GraphPointer{}
				}
				s.GraphNode.Node = int(*f.Value.UInt)
			}
		}
	}
	return s, nil
}

// ArtifactToValue dispatches to the concrete Directory/File/Symlink
// encoder for a (one-of) Artifact.
func ArtifactToValue(a object.Artifact) (object.Value, object.Kind, error) {
	switch {
	case a.Directory != nil:
		return DirectoryToValue(*a.Directory), object.KindDirectory, nil
	case a.File != nil:
		return FileToValue(*a.File), object.KindFile, nil
	case a.Symlink != nil:
		return SymlinkToValue(*a.Symlink), object.KindSymlink, nil
	default:
		return object.Value{}, "", fmt.Errorf("%w: empty artifact", tgerror.ErrInvalid)
	}
}

func uint64Ptr(u uint64) *uint64 { return &u }

// HashDirectory canonically encodes d and returns its content-addressed id.
func HashDirectory(d object.Directory) (object.ID, []byte, error) {
	data, err := EncodeBinary(DirectoryToValue(d))
	if err != nil {
		return "", nil, fmt.Errorf("encode directory: %w", err)
	}
	return object.NewID(object.KindDirectory, data), data, nil
}

// HashFile canonically encodes f and returns its content-addressed id.
func HashFile(f object.File) (object.ID, []byte, error) {
	data, err := EncodeBinary(FileToValue(f))
	if err != nil {
		return "", nil, fmt.Errorf("encode file: %w", err)
	}
	return object.NewID(object.KindFile, data), data, nil
}

// HashSymlink canonically encodes s and returns its content-addressed id.
func HashSymlink(s object.Symlink) (object.ID, []byte, error) {
	data, err := EncodeBinary(SymlinkToValue(s))
	if err != nil {
		return "", nil, fmt.Errorf("encode symlink: %w", err)
	}
	return object.NewID(object.KindSymlink, data), data, nil
}
