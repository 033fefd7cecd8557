package builtin

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"lukechampine.com/blake3"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// checksum computes the checksum of a blob or an artifact. Operands:
// the object id and the algorithm name. A blob hashes its raw bytes; an
// artifact hashes a uvarint-framed traversal of its structure so that
// equal trees checksum equally regardless of how they were chunked.
func (r *Runtime) checksum(ctx context.Context, args []string) (process.Result, error) {
	if len(args) < 2 {
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "checksum: expected an object and an algorithm")
	}
	id := object.ID(args[0])
	algorithm := args[1]

	h, err := newHasher(algorithm)
	if err != nil {
		return process.Result{}, err
	}

	kind, err := id.Kind()
	if err != nil {
		return process.Result{}, err
	}
	switch kind {
	case object.KindBlob:
		if err := r.checksumBlob(ctx, h, id); err != nil {
			return process.Result{}, err
		}
	case object.KindDirectory, object.KindFile, object.KindSymlink:
		// archive version
		writeUvarint(h, 0)
		if err := r.checksumArtifact(ctx, h, id); err != nil {
			return process.Result{}, err
		}
	default:
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "checksum: invalid object %s", id)
	}

	sum := algorithm + ":" + hex.EncodeToString(h.Sum(nil))
	out := object.Value{String: &sum}
	return process.Result{Output: &out, ActualChecksum: sum}, nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "blake3":
		return blake3.New(32, nil), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, tgerror.New(tgerror.CodeInvalid, "checksum: invalid algorithm %q", algorithm)
	}
}

func writeUvarint(w io.Writer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	w.Write(buf[:n])
}

func (r *Runtime) checksumBlob(ctx context.Context, h hash.Hash, id object.ID) error {
	length, err := r.blobLength(ctx, id)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	rc, err := r.st.ReadBlob(ctx, id, 0, length)
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(h, rc); err != nil {
		return fmt.Errorf("checksum blob %s: %w", id, err)
	}
	return nil
}

// checksumArtifact frames the artifact into the hasher: kind tag, then
// per-kind fields, recursing through directories in entry order.
func (r *Runtime) checksumArtifact(ctx context.Context, h hash.Hash, id object.ID) error {
	artifact, err := r.loadArtifact(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case artifact.Directory != nil:
		if artifact.Directory.GraphNode != nil {
			return tgerror.New(tgerror.CodeInvalid, "cannot checksum a cyclic artifact")
		}
		writeUvarint(h, 0)
		writeUvarint(h, uint64(len(artifact.Directory.Entries)))
		for _, e := range artifact.Directory.Entries {
			writeUvarint(h, uint64(len(e.Name)))
			h.Write([]byte(e.Name))
			if err := r.checksumArtifact(ctx, h, e.Edge.Edge.Object); err != nil {
				return err
			}
		}
	case artifact.File != nil:
		if artifact.File.GraphNode != nil {
			return tgerror.New(tgerror.CodeInvalid, "cannot checksum a cyclic artifact")
		}
		if len(artifact.File.Dependencies) > 0 {
			return tgerror.New(tgerror.CodeInvalid, "cannot checksum a file with dependencies")
		}
		length, err := r.blobLength(ctx, artifact.File.Contents)
		if err != nil {
			return err
		}
		writeUvarint(h, 1)
		executable := uint64(0)
		if artifact.File.Executable {
			executable = 1
		}
		writeUvarint(h, executable)
		writeUvarint(h, uint64(length))
		return r.checksumBlob(ctx, h, artifact.File.Contents)
	case artifact.Symlink != nil:
		if artifact.Symlink.Kind != object.SymlinkTarget {
			return tgerror.New(tgerror.CodeInvalid, "cannot checksum a symlink with an artifact")
		}
		writeUvarint(h, 2)
		writeUvarint(h, uint64(len(artifact.Symlink.Path)))
		h.Write([]byte(artifact.Symlink.Path))
	}
	return nil
}
