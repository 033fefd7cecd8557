package codec

import (
	"fmt"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// GraphNode field ids.
const (
	fieldGraphNodeKind      uint64 = 0
	fieldGraphNodeDirectory uint64 = 1
	fieldGraphNodeFile      uint64 = 2
	fieldGraphNodeSymlink   uint64 = 3
)

func graphNodeToValue(n object.GraphNode) object.Value {
	fields := []object.FieldValue{
		{ID: fieldGraphNodeKind, Value: object.Value{UInt: uint64Ptr(uint64(n.Kind))}},
	}
	switch n.Kind {
	case object.GraphNodeDirectory:
		if n.Directory != nil {
			fields = append(fields, object.FieldValue{ID: fieldGraphNodeDirectory, Value: DirectoryToValue(*n.Directory)})
		}
	case object.GraphNodeFile:
		if n.File != nil {
			fields = append(fields, object.FieldValue{ID: fieldGraphNodeFile, Value: FileToValue(*n.File)})
		}
	case object.GraphNodeSymlink:
		if n.Symlink != nil {
			fields = append(fields, object.FieldValue{ID: fieldGraphNodeSymlink, Value: SymlinkToValue(*n.Symlink)})
		}
	}
	return object.Value{Struct: fields}
}

func valueToGraphNode(v object.Value) (object.GraphNode, error) {
	if v.Struct == nil {
		return object.GraphNode{}, fmt.Errorf("%w: graph node value is not a struct", tgerror.ErrInvalid)
	}
	var n object.GraphNode
	for _, f := range v.Struct {
		switch f.ID {
		case fieldGraphNodeKind:
			if f.Value.UInt != nil {
				n.Kind = object.GraphNodeKind(*f.Value.UInt)
			}
		case fieldGraphNodeDirectory:
			d, err := ValueToDirectory(f.Value)
			if err != nil {
				return object.GraphNode{}, err
			}
			n.Directory = &d
		case fieldGraphNodeFile:
			file, err := ValueToFile(f.Value)
			if err != nil {
				return object.GraphNode{}, err
			}
			n.File = &file
		case fieldGraphNodeSymlink:
			s, err := ValueToSymlink(f.Value)
			if err != nil {
				return object.GraphNode{}, err
			}
			n.Symlink = &s
		}
	}
	return n, nil
}

const fieldGraphNodes uint64 = 0

// GraphToValue converts a Graph into its canonical Value encoding.
func GraphToValue(g object.Graph) object.Value {
	nodes := make([]object.Value, len(g.Nodes))
	for i, n := range g.Nodes {
		nodes[i] = graphNodeToValue(n)
	}
	return object.Value{Struct: []object.FieldValue{
		{ID: fieldGraphNodes, Value: object.Value{Array: nodes}},
	}}
}

// ValueToGraph parses a Value produced by GraphToValue.
func ValueToGraph(v object.Value) (object.Graph, error) {
	if v.Struct == nil {
		return object.Graph{}, fmt.Errorf("%w: graph value is not a struct", tgerror.ErrInvalid)
	}
	var g object.Graph
	for _, f := range v.Struct {
		if f.ID != fieldGraphNodes {
			continue
		}
		for _, nv := range f.Value.Array {
			n, err := valueToGraphNode(nv)
			if err != nil {
				return object.Graph{}, err
			}
			g.Nodes = append(g.Nodes, n)
		}
	}
	return g, nil
}

// HashGraph canonically encodes g and returns its content-addressed id.
func HashGraph(g object.Graph) (object.ID, []byte, error) {
	data, err := EncodeBinary(GraphToValue(g))
	if err != nil {
		return "", nil, fmt.Errorf("encode graph: %w", err)
	}
	return object.NewID(object.KindGraph, data), data, nil
}
