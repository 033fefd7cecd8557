package codec

import (
	"fmt"
	"sort"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Field ids for object.Command's binary encoding. Stable and ascending on encode; decoders tolerate any
// order and skip ids they don't recognize, so new fields can be added
// without breaking old readers.
const (
	fieldCommandArgs       uint64 = 0
	fieldCommandCwd        uint64 = 1
	fieldCommandEnv        uint64 = 2
	fieldCommandExecutable uint64 = 3
	fieldCommandHost       uint64 = 4
	fieldCommandMounts     uint64 = 5
	fieldCommandStdin      uint64 = 6
	fieldCommandUser       uint64 = 7
)

// executable variant ids for object.CommandExecutable's enum encoding.
const (
	executableVariantArtifact uint64 = 0
	executableVariantModule   uint64 = 1
	executableVariantPath     uint64 = 2
)

func strValue(s string) object.Value { return object.Value{String: &s} }

func boolValue(b bool) object.Value { return object.Value{Bool: &b} }

// CommandToValue converts a Command into its canonical Value encoding.
func CommandToValue(c object.Command) object.Value {
	args := make([]object.Value, len(c.Args))
	copy(args, c.Args)

	// map iteration order is randomized; a canonical encoding must emit
	// entries in key order or identical commands hash to different ids
	envKeys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	env := make([]object.MapEntry, 0, len(envKeys))
	for _, k := range envKeys {
		env = append(env, object.MapEntry{Key: strValue(k), Value: c.Env[k]})
	}

	mounts := make([]object.Value, len(c.Mounts))
	for i, m := range c.Mounts {
		mounts[i] = mountToValue(m)
	}

	fields := []object.FieldValue{
		{ID: fieldCommandArgs, Value: object.Value{Array: args}},
		{ID: fieldCommandCwd, Value: strValue(c.Cwd)},
		{ID: fieldCommandEnv, Value: object.Value{Map: env}},
		{ID: fieldCommandExecutable, Value: executableToValue(c.Executable)},
		{ID: fieldCommandHost, Value: strValue(c.Host)},
		{ID: fieldCommandMounts, Value: object.Value{Array: mounts}},
	}
	if c.Stdin != nil {
		fields = append(fields, object.FieldValue{ID: fieldCommandStdin, Value: strValue(string(*c.Stdin))})
	}
	fields = append(fields, object.FieldValue{ID: fieldCommandUser, Value: strValue(c.User)})
	return object.Value{Struct: fields}
}

// ValueToCommand parses a Value produced by CommandToValue (or any
// compatible encoder) back into a Command, skipping unknown field ids.
func ValueToCommand(v object.Value) (object.Command, error) {
	if v.Struct == nil {
		return object.Command{}, fmt.Errorf("%w: command value is not a struct", tgerror.ErrInvalid)
	}
	var c object.Command
	c.Env = make(map[string]object.Value)
	for _, f := range v.Struct {
		switch f.ID {
		case fieldCommandArgs:
			c.Args = append([]object.Value(nil), f.Value.Array...)
		case fieldCommandCwd:
			if f.Value.String != nil {
				c.Cwd = *f.Value.String
			}
		case fieldCommandEnv:
			for _, e := range f.Value.Map {
				if e.Key.String != nil {
					c.Env[*e.Key.String] = e.Value
				}
			}
		case fieldCommandExecutable:
			exe, err := valueToExecutable(f.Value)
			if err != nil {
				return object.Command{}, err
			}
			c.Executable = exe
		case fieldCommandHost:
			if f.Value.String != nil {
				c.Host = *f.Value.String
			}
		case fieldCommandMounts:
			for _, mv := range f.Value.Array {
				m, err := valueToMount(mv)
				if err != nil {
					return object.Command{}, err
				}
				c.Mounts = append(c.Mounts, m)
			}
		case fieldCommandStdin:
			if f.Value.String != nil {
				id := object.ID(*f.Value.String)
				c.Stdin = &id
			}
		case fieldCommandUser:
			if f.Value.String != nil {
				c.User = *f.Value.String
			}
		default:
			// unknown field id: skip
		}
	}
	return c, nil
}

const (
	fieldMountSource   uint64 = 0
	fieldMountTarget   uint64 = 1
	fieldMountReadOnly uint64 = 2
)

func mountToValue(m object.Mount) object.Value {
	return object.Value{Struct: []object.FieldValue{
		{ID: fieldMountSource, Value: strValue(string(m.Source))},
		{ID: fieldMountTarget, Value: strValue(m.Target)},
		{ID: fieldMountReadOnly, Value: boolValue(m.ReadOnly)},
	}}
}

func valueToMount(v object.Value) (object.Mount, error) {
	if v.Struct == nil {
		return object.Mount{}, fmt.Errorf("%w: mount value is not a struct", tgerror.ErrInvalid)
	}
	var m object.Mount
	for _, f := range v.Struct {
		switch f.ID {
		case fieldMountSource:
			if f.Value.String != nil {
				m.Source = object.ID(*f.Value.String)
			}
		case fieldMountTarget:
			if f.Value.String != nil {
				m.Target = *f.Value.String
			}
		case fieldMountReadOnly:
			if f.Value.Bool != nil {
				m.ReadOnly = *f.Value.Bool
			}
		}
	}
	return m, nil
}

const (
	fieldExecutableArtifact uint64 = 0
	fieldExecutableSubpath  uint64 = 1
)

func executableToValue(e object.CommandExecutable) object.Value {
	switch {
	case e.Artifact != nil:
		payload := ArtifactEdgeToValue(*e.Artifact)
		return object.Value{Enum: &object.EnumValue{VariantID: executableVariantArtifact, Payload: payload}}
	case e.Module != "":
		return object.Value{Enum: &object.EnumValue{VariantID: executableVariantModule, Payload: strValue(e.Module)}}
	default:
		return object.Value{Enum: &object.EnumValue{VariantID: executableVariantPath, Payload: strValue(e.Path)}}
	}
}

func valueToExecutable(v object.Value) (object.CommandExecutable, error) {
	if v.Enum == nil {
		return object.CommandExecutable{}, fmt.Errorf("%w: executable value is not an enum", tgerror.ErrInvalid)
	}
	switch v.Enum.VariantID {
	case executableVariantArtifact:
		ae, err := ValueToArtifactEdge(v.Enum.Payload)
		if err != nil {
			return object.CommandExecutable{}, err
		}
		return object.CommandExecutable{Artifact: &ae}, nil
	case executableVariantModule:
		if v.Enum.Payload.String == nil {
			return object.CommandExecutable{}, fmt.Errorf("%w: module executable missing string payload", tgerror.ErrInvalid)
		}
		return object.CommandExecutable{Module: *v.Enum.Payload.String}, nil
	case executableVariantPath:
		if v.Enum.Payload.String == nil {
			return object.CommandExecutable{}, fmt.Errorf("%w: path executable missing string payload", tgerror.ErrInvalid)
		}
		return object.CommandExecutable{Path: *v.Enum.Payload.String}, nil
	default:
		return object.CommandExecutable{}, fmt.Errorf("%w: unknown executable variant %d", tgerror.ErrInvalid, v.Enum.VariantID)
	}
}

// Edge/ArtifactEdge field ids, shared by every Directory/File/Symlink/
// Command reference.
const (
	fieldEdgeObject        uint64 = 0
	fieldEdgeGraphNode     uint64 = 1
	fieldEdgeIsNode        uint64 = 2
	fieldEdgeKind          uint64 = 3
	fieldEdgeSubpath       uint64 = 4
	fieldEdgeDependencyTag uint64 = 5
	fieldEdgeDependencyID  uint64 = 6
)

func edgeToValue(e object.Edge) object.Value {
	fields := []object.FieldValue{
		{ID: fieldEdgeIsNode, Value: boolValue(e.IsNode)},
	}
	if e.IsNode {
		u := uint64(e.GraphNode)
		fields = append(fields, object.FieldValue{ID: fieldEdgeGraphNode, Value: object.Value{UInt: &u}})
		fields = append(fields, object.FieldValue{ID: fieldEdgeKind, Value: strValue(string(e.Kind))})
	} else {
		fields = append(fields, object.FieldValue{ID: fieldEdgeObject, Value: strValue(string(e.Object))})
	}
	if e.Subpath != "" {
		fields = append(fields, object.FieldValue{ID: fieldEdgeSubpath, Value: strValue(e.Subpath)})
	}
	return object.Value{Struct: fields}
}

func valueToEdge(v object.Value) (object.Edge, error) {
	if v.Struct == nil {
		return object.Edge{}, fmt.Errorf("%w: edge value is not a struct", tgerror.ErrInvalid)
	}
	var e object.Edge
	for _, f := range v.Struct {
		switch f.ID {
		case fieldEdgeIsNode:
			if f.Value.Bool != nil {
				e.IsNode = *f.Value.Bool
			}
		case fieldEdgeObject:
			if f.Value.String != nil {
				e.Object = object.ID(*f.Value.String)
			}
		case fieldEdgeGraphNode:
			if f.Value.UInt != nil {
				e.GraphNode = int(*f.Value.UInt)
			}
		case fieldEdgeKind:
			if f.Value.String != nil {
				e.Kind = object.Kind(*f.Value.String)
			}
		case fieldEdgeSubpath:
			if f.Value.String != nil {
				e.Subpath = *f.Value.String
			}
		}
	}
	return e, nil
}

// ArtifactEdgeToValue converts an ArtifactEdge, including its optional
// unresolved Dependency reference, into its canonical Value encoding.
func ArtifactEdgeToValue(ae object.ArtifactEdge) object.Value {
	v := edgeToValue(ae.Edge)
	if ae.Dependency != nil {
		if ae.Dependency.Tag != "" {
			v.Struct = append(v.Struct, object.FieldValue{ID: fieldEdgeDependencyTag, Value: strValue(ae.Dependency.Tag)})
		}
		if ae.Dependency.ID != "" {
			v.Struct = append(v.Struct, object.FieldValue{ID: fieldEdgeDependencyID, Value: strValue(string(ae.Dependency.ID))})
		}
	}
	return v
}

// ValueToArtifactEdge parses a Value produced by ArtifactEdgeToValue.
func ValueToArtifactEdge(v object.Value) (object.ArtifactEdge, error) {
	edge, err := valueToEdge(v)
	if err != nil {
		return object.ArtifactEdge{}, err
	}
	ae := object.ArtifactEdge{Edge: edge}
	var dep object.Reference
	hasDep := false
	for _, f := range v.Struct {
		switch f.ID {
		case fieldEdgeDependencyTag:
			if f.Value.String != nil {
				dep.Tag = *f.Value.String
				hasDep = true
			}
		case fieldEdgeDependencyID:
			if f.Value.String != nil {
				dep.ID = object.ID(*f.Value.String)
				hasDep = true
			}
		}
	}
	if hasDep {
		ae.Dependency = &dep
	}
	return ae, nil
}

// HashCommand canonically encodes c and returns its content-addressed id.
func HashCommand(c object.Command) (object.ID, []byte, error) {
	data, err := EncodeBinary(CommandToValue(c))
	if err != nil {
		return "", nil, fmt.Errorf("encode command: %w", err)
	}
	return object.NewID(object.KindCommand, data), data, nil
}
