package replication

import (
	"fmt"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/store"
)

// childrenOf extracts the ids an object's bytes reference, by kind. The
// traversal recomputes edges from the bytes themselves; peer-declared
// metadata is never trusted.
func childrenOf(id object.ID, data []byte) ([]object.ID, error) {
	kind, err := id.Kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case object.KindBlob:
		blob, err := store.DecodeBlob(data)
		if err != nil {
			return nil, err
		}
		var out []object.ID
		for _, c := range blob.Children {
			out = append(out, c.ID)
		}
		return out, nil
	case object.KindDirectory:
		v, err := codec.Decode(data)
		if err != nil {
			return nil, err
		}
		dir, err := codec.ValueToDirectory(v)
		if err != nil {
			return nil, err
		}
		var out []object.ID
		if dir.GraphNode != nil {
			out = append(out, dir.GraphNode.Graph)
		}
		for _, e := range dir.Entries {
			out = appendEdge(out, e.Edge.Edge)
		}
		return out, nil
	case object.KindFile:
		v, err := codec.Decode(data)
		if err != nil {
			return nil, err
		}
		file, err := codec.ValueToFile(v)
		if err != nil {
			return nil, err
		}
		var out []object.ID
		if file.GraphNode != nil {
			out = append(out, file.GraphNode.Graph)
		}
		if file.Contents != "" {
			out = append(out, file.Contents)
		}
		for _, dep := range file.Dependencies {
			out = appendEdge(out, dep.Edge)
		}
		return out, nil
	case object.KindSymlink:
		v, err := codec.Decode(data)
		if err != nil {
			return nil, err
		}
		link, err := codec.ValueToSymlink(v)
		if err != nil {
			return nil, err
		}
		var out []object.ID
		if link.GraphNode != nil {
			out = append(out, link.GraphNode.Graph)
		}
		out = appendEdge(out, link.Edge.Edge)
		return out, nil
	case object.KindGraph:
		v, err := codec.Decode(data)
		if err != nil {
			return nil, err
		}
		graph, err := codec.ValueToGraph(v)
		if err != nil {
			return nil, err
		}
		var out []object.ID
		for _, n := range graph.Nodes {
			switch n.Kind {
			case object.GraphNodeDirectory:
				for _, e := range n.Directory.Entries {
					out = appendEdge(out, e.Edge.Edge)
				}
			case object.GraphNodeFile:
				if n.File.Contents != "" {
					out = append(out, n.File.Contents)
				}
				for _, dep := range n.File.Dependencies {
					out = appendEdge(out, dep.Edge)
				}
			case object.GraphNodeSymlink:
				out = appendEdge(out, n.Symlink.Edge.Edge)
			}
		}
		return out, nil
	case object.KindCommand:
		v, err := codec.Decode(data)
		if err != nil {
			return nil, err
		}
		cmd, err := codec.ValueToCommand(v)
		if err != nil {
			return nil, err
		}
		var out []object.ID
		if cmd.Executable.Artifact != nil {
			out = appendEdge(out, cmd.Executable.Artifact.Edge)
		}
		for _, m := range cmd.Mounts {
			out = append(out, m.Source)
		}
		if cmd.Stdin != nil {
			out = append(out, *cmd.Stdin)
		}
		return out, nil
	case object.KindError:
		v, err := codec.Decode(data)
		if err != nil {
			return nil, err
		}
		e, err := codec.ValueToError(v)
		if err != nil {
			return nil, err
		}
		var out []object.ID
		if e.SourceID != "" {
			out = append(out, object.ID(e.SourceID))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("object %s has no traversable children", id)
	}
}

func appendEdge(out []object.ID, e object.Edge) []object.ID {
	if !e.IsNode && e.Object != "" {
		out = append(out, e.Object)
	}
	return out
}
