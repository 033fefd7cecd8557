package builtin

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// archive serializes an artifact into a tar blob. Operands: the artifact
// id and optionally a compression ("gz" or "zst"). The output is the
// blob's id.
func (r *Runtime) archive(ctx context.Context, args []string) (process.Result, error) {
	if len(args) < 1 {
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "archive: expected an artifact argument")
	}
	id := object.ID(args[0])
	compression := ""
	if len(args) > 1 {
		compression = args[1]
	}

	var buf bytes.Buffer
	var out io.Writer = &buf
	var closers []io.Closer
	switch compression {
	case "":
	case "gz":
		gw := gzip.NewWriter(&buf)
		out = gw
		closers = append(closers, gw)
	case "zst":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return process.Result{}, fmt.Errorf("archive: %w", err)
		}
		out = zw
		closers = append(closers, zw)
	default:
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "archive: invalid compression %q", compression)
	}

	tw := tar.NewWriter(out)
	if err := r.archiveArtifact(ctx, tw, id, "."); err != nil {
		return process.Result{}, err
	}
	if err := tw.Close(); err != nil {
		return process.Result{}, fmt.Errorf("archive: %w", err)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			return process.Result{}, fmt.Errorf("archive: %w", err)
		}
	}

	sink := store.NewBlobSink(ctx, r.st, time.Now())
	blobID, _, err := codec.ChunkReader(&buf, sink)
	if err != nil {
		return process.Result{}, fmt.Errorf("archive: %w", err)
	}
	out2 := object.Value{String: stringPtr(string(blobID))}
	return process.Result{Output: &out2, OutputArtifact: blobID}, nil
}

func (r *Runtime) archiveArtifact(ctx context.Context, tw *tar.Writer, id object.ID, name string) error {
	artifact, err := r.loadArtifact(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case artifact.Directory != nil:
		if artifact.Directory.GraphNode != nil {
			return tgerror.New(tgerror.CodeInvalid, "cannot archive a cyclic artifact")
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name + "/",
			Mode:     0o755,
		}); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		for _, e := range artifact.Directory.Entries {
			if err := r.archiveArtifact(ctx, tw, e.Edge.Edge.Object, path.Join(name, e.Name)); err != nil {
				return err
			}
		}
	case artifact.File != nil:
		if artifact.File.GraphNode != nil {
			return tgerror.New(tgerror.CodeInvalid, "cannot archive a cyclic artifact")
		}
		if len(artifact.File.Dependencies) > 0 {
			return tgerror.New(tgerror.CodeInvalid, "cannot archive a file with dependencies")
		}
		length, err := r.blobLength(ctx, artifact.File.Contents)
		if err != nil {
			return err
		}
		mode := int64(0o644)
		if artifact.File.Executable {
			mode = 0o755
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     mode,
			Size:     length,
		}); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
		if length > 0 {
			rc, err := r.st.ReadBlob(ctx, artifact.File.Contents, 0, length)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("archive %s: %w", name, err)
			}
		}
	case artifact.Symlink != nil:
		if artifact.Symlink.Kind != object.SymlinkTarget {
			return tgerror.New(tgerror.CodeInvalid, "cannot archive a symlink with an artifact")
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeSymlink,
			Name:     name,
			Linkname: artifact.Symlink.Path,
			Mode:     0o777,
		}); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}
	return nil
}

// extract reverses archive: it reads a tar blob (optionally gz or zst
// compressed) back into an artifact and outputs the root's id.
func (r *Runtime) extract(ctx context.Context, args []string) (process.Result, error) {
	if len(args) < 1 {
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "extract: expected a blob argument")
	}
	id := object.ID(args[0])
	compression := ""
	if len(args) > 1 {
		compression = args[1]
	}

	length, err := r.blobLength(ctx, id)
	if err != nil {
		return process.Result{}, err
	}
	rc, err := r.st.ReadBlob(ctx, id, 0, length)
	if err != nil {
		return process.Result{}, err
	}
	defer rc.Close()

	var in io.Reader = rc
	switch compression {
	case "":
	case "gz":
		gr, err := gzip.NewReader(rc)
		if err != nil {
			return process.Result{}, tgerror.New(tgerror.CodeInvalid, "extract: %v", err)
		}
		defer gr.Close()
		in = gr
	case "zst":
		zr, err := zstd.NewReader(rc)
		if err != nil {
			return process.Result{}, tgerror.New(tgerror.CodeInvalid, "extract: %v", err)
		}
		defer zr.Close()
		in = zr
	default:
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "extract: invalid compression %q", compression)
	}

	// collect entries first; tar emits them in archive order, which may
	// interleave directories
	nodes := map[string]node{}
	sink := store.NewBlobSink(ctx, r.st, time.Now())
	tr := tar.NewReader(in)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return process.Result{}, tgerror.New(tgerror.CodeInvalid, "extract: %v", err)
		}
		name := path.Clean(hdr.Name)
		if name == "." || name == "/" {
			continue
		}
		n := node{typeflag: hdr.Typeflag, linkname: hdr.Linkname, mode: hdr.Mode}
		if hdr.Typeflag == tar.TypeReg {
			blobID, _, err := codec.ChunkReader(tr, sink)
			if err != nil {
				return process.Result{}, fmt.Errorf("extract %s: %w", name, err)
			}
			n.blob = blobID
		}
		nodes[name] = n
	}

	// synthesize intermediate directories the archive never listed
	// explicitly
	for name := range nodes {
		for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if _, ok := nodes[dir]; !ok {
				nodes[dir] = node{typeflag: tar.TypeDir}
			}
		}
	}

	rootID, err := r.buildTree(ctx, nodes, ".")
	if err != nil {
		return process.Result{}, err
	}
	out := object.Value{String: stringPtr(string(rootID))}
	return process.Result{Output: &out, OutputArtifact: rootID}, nil
}

// node is one extracted tar entry awaiting assembly.
type node struct {
	typeflag byte
	linkname string
	mode     int64
	blob     object.ID
}

// buildTree assembles the artifact under prefix from the extracted node
// table, bottom-up.
func (r *Runtime) buildTree(ctx context.Context, nodes map[string]node, prefix string) (object.ID, error) {
	// children of prefix: names with exactly one more component
	childNames := map[string]bool{}
	for name := range nodes {
		dir := path.Dir(name)
		if dir == prefix {
			childNames[path.Base(name)] = true
		}
	}
	names := make([]string, 0, len(childNames))
	for n := range childNames {
		names = append(names, n)
	}
	sort.Strings(names)

	dir := object.Directory{}
	for _, base := range names {
		full := path.Join(prefix, base)
		n := nodes[full]
		var childID object.ID
		var childKind object.Kind
		var err error
		switch n.typeflag {
		case tar.TypeDir:
			childID, err = r.buildTree(ctx, nodes, full)
			childKind = object.KindDirectory
		case tar.TypeReg:
			file := object.File{Contents: n.blob, Executable: n.mode&0o111 != 0}
			childID, err = r.storeArtifact(ctx, object.Artifact{File: &file})
			childKind = object.KindFile
		case tar.TypeSymlink:
			link := object.Symlink{Kind: object.SymlinkTarget, Path: n.linkname}
			childID, err = r.storeArtifact(ctx, object.Artifact{Symlink: &link})
			childKind = object.KindSymlink
		default:
			return "", tgerror.New(tgerror.CodeInvalid, "extract: unsupported entry %q", full)
		}
		if err != nil {
			return "", err
		}
		dir.Entries = append(dir.Entries, object.DirectoryEntry{
			Name: base,
			Edge: object.ArtifactEdge{Edge: object.Edge{Object: childID, Kind: childKind}},
		})
	}
	return r.storeArtifact(ctx, object.Artifact{Directory: &dir})
}
