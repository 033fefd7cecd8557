package store

import (
	"context"
	"fmt"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// blobFieldLeaf and blobFieldChildren are the stable field ids a Blob
// object is serialized under via the generic Value grammar.
const (
	blobFieldLeaf     = 1
	blobFieldChildren = 2
)

// EncodeBlob serializes a Blob using the binary object codec.
func EncodeBlob(b object.Blob) ([]byte, error) {
	return codec.EncodeBinary(blobToValue(b))
}

// DecodeBlob deserializes a Blob from its binary encoding.
func DecodeBlob(data []byte) (object.Blob, error) {
	v, err := codec.Decode(data)
	if err != nil {
		return object.Blob{}, fmt.Errorf("decode blob: %w", err)
	}
	return valueToBlob(v)
}

func blobToValue(b object.Blob) object.Value {
	if b.IsBranch() {
		arr := make([]object.Value, len(b.Children))
		for i, c := range b.Children {
			id := string(c.ID)
			length := c.Length
			arr[i] = object.Value{Struct: []object.FieldValue{
				{ID: 1, Value: object.Value{String: &id}},
				{ID: 2, Value: object.Value{UInt: &length}},
			}}
		}
		return object.Value{Struct: []object.FieldValue{
			{ID: blobFieldChildren, Value: object.Value{Array: arr}},
		}}
	}
	leaf := b.Leaf
	return object.Value{Struct: []object.FieldValue{
		{ID: blobFieldLeaf, Value: object.Value{Bytes: leaf}},
	}}
}

func valueToBlob(v object.Value) (object.Blob, error) {
	for _, f := range v.Struct {
		switch f.ID {
		case blobFieldLeaf:
			b := f.Value.Bytes
			if b == nil {
				b = []byte{}
			}
			return object.Blob{Leaf: b}, nil
		case blobFieldChildren:
			children := make([]object.BlobChild, len(f.Value.Array))
			for i, e := range f.Value.Array {
				var id string
				var length uint64
				for _, cf := range e.Struct {
					switch cf.ID {
					case 1:
						if cf.Value.String != nil {
							id = *cf.Value.String
						}
					case 2:
						if cf.Value.UInt != nil {
							length = *cf.Value.UInt
						}
					}
				}
				children[i] = object.BlobChild{ID: object.ID(id), Length: length}
			}
			return object.Blob{Children: children}, nil
		}
	}
	return object.Blob{}, fmt.Errorf("%w: struct has no recognized blob field", tgerror.ErrInvalid)
}

// reader is the minimal surface readBlobBytes needs; Store satisfies it.
type reader interface {
	Get(ctx context.Context, id object.ID) (Entry, error)
}

// readBlobBytes resolves id to a Blob, dereferences cache references, and
// returns the [offset, offset+length) slice, recursing lazily through
// branch children so only the overlapping subtree is read.
func readBlobBytes(ctx context.Context, s reader, id object.ID, offset, length int64) ([]byte, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	raw, err := Dereference(entry)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	blob, err := DecodeBlob(raw)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	if !blob.IsBranch() {
		end := offset + length
		if offset < 0 || end > int64(len(blob.Leaf)) || offset > end {
			return nil, fmt.Errorf("%w: range [%d,%d) out of bounds for leaf of length %d", tgerror.ErrInvalid, offset, end, len(blob.Leaf))
		}
		return blob.Leaf[offset:end], nil
	}

	out := make([]byte, 0, length)
	var pos int64
	remainingOffset := offset
	remainingLength := length
	for _, child := range blob.Children {
		childLen := int64(child.Length)
		if remainingLength <= 0 {
			break
		}
		if remainingOffset >= childLen {
			remainingOffset -= childLen
			pos += childLen
			continue
		}
		readLen := childLen - remainingOffset
		if readLen > remainingLength {
			readLen = remainingLength
		}
		chunk, err := readBlobBytes(ctx, s, child.ID, remainingOffset, readLen)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		remainingLength -= readLen
		remainingOffset = 0
		pos += childLen
	}
	return out, nil
}
