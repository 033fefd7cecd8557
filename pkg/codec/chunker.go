package codec

import (
	"fmt"
	"io"

	"github.com/tangramdev/tangram/pkg/object"
)

const (
	// LeafSize is the approximate chunk size blob ingestion reads at a
	// time before writing a leaf blob.
	LeafSize = 1 << 20
	// BranchFanout bounds how many children a branch blob node may hold,
	// keeping reads O(log N) seeks deep.
	BranchFanout = 1024
)

// BlobSink receives leaf and branch blobs as the chunker produces them and
// returns the id it was (or would be) stored under. Implementations are
// expected to content-address and persist the bytes; see pkg/store.
type BlobSink interface {
	PutBlob(b object.Blob) (object.ID, error)
}

// ChunkReader reads r to completion, writing a balanced tree of leaf/branch
// blobs to sink, and returns the root id and total size.
func ChunkReader(r io.Reader, sink BlobSink) (object.ID, uint64, error) {
	var leaves []object.BlobChild
	buf := make([]byte, LeafSize)
	var total uint64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			leafBytes := make([]byte, n)
			copy(leafBytes, buf[:n])
			id, perr := sink.PutBlob(object.Blob{Leaf: leafBytes})
			if perr != nil {
				return "", 0, fmt.Errorf("chunk reader: put leaf: %w", perr)
			}
			leaves = append(leaves, object.BlobChild{ID: id, Length: uint64(n)})
			total += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("chunk reader: read: %w", err)
		}
	}
	if len(leaves) == 0 {
		id, err := sink.PutBlob(object.Blob{Leaf: []byte{}})
		if err != nil {
			return "", 0, fmt.Errorf("chunk reader: put empty leaf: %w", err)
		}
		return id, 0, nil
	}
	root, err := buildTree(leaves, sink)
	if err != nil {
		return "", 0, err
	}
	return root, total, nil
}

// buildTree groups children into branches of up to BranchFanout, repeating
// until a single root id remains, balancing the tree so reads need only
// O(log N) seeks.
func buildTree(children []object.BlobChild, sink BlobSink) (object.ID, error) {
	for len(children) > 1 {
		var next []object.BlobChild
		for i := 0; i < len(children); i += BranchFanout {
			end := i + BranchFanout
			if end > len(children) {
				end = len(children)
			}
			group := children[i:end]
			id, err := sink.PutBlob(object.Blob{Children: group})
			if err != nil {
				return "", fmt.Errorf("chunk reader: put branch: %w", err)
			}
			var length uint64
			for _, c := range group {
				length += c.Length
			}
			next = append(next, object.BlobChild{ID: id, Length: length})
		}
		children = next
	}
	return children[0].ID, nil
}
