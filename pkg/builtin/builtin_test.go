package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/store"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	return New(store.NewMemory())
}

// storeFile chunks content into the store and wraps it in a file
// artifact, returning the file's id.
func storeFile(t *testing.T, r *Runtime, content string, executable bool) object.ID {
	t.Helper()
	ctx := context.Background()
	sink := store.NewBlobSink(ctx, r.st, time.Now())
	blobID, _, err := codec.ChunkReader(strings.NewReader(content), sink)
	require.NoError(t, err)
	id, err := r.storeArtifact(ctx, object.Artifact{File: &object.File{Contents: blobID, Executable: executable}})
	require.NoError(t, err)
	return id
}

func storeDir(t *testing.T, r *Runtime, entries map[string]object.ID) object.ID {
	t.Helper()
	ctx := context.Background()
	dir := object.Directory{}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	// match checkin's name-ordered entries
	sort.Strings(names)
	for _, name := range names {
		id := entries[name]
		kind, err := id.Kind()
		require.NoError(t, err)
		dir.Entries = append(dir.Entries, object.DirectoryEntry{
			Name: name,
			Edge: object.ArtifactEdge{Edge: object.Edge{Object: id, Kind: kind}},
		})
	}
	id, err := r.storeArtifact(ctx, object.Artifact{Directory: &dir})
	require.NoError(t, err)
	return id
}

func run(t *testing.T, r *Runtime, name string, args ...string) (process.Result, error) {
	t.Helper()
	values := make([]object.Value, len(args))
	for i := range args {
		a := args[i]
		values[i] = object.Value{String: &a}
	}
	cmd := object.Command{
		Args:       values,
		Executable: object.CommandExecutable{Path: name},
		Host:       Host,
	}
	return r.Run(context.Background(), index.ProcessRow{ID: "process_test"}, cmd)
}

func TestChecksumBlob(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	content := "checksum me"
	sink := store.NewBlobSink(ctx, r.st, time.Now())
	blobID, _, err := codec.ChunkReader(strings.NewReader(content), sink)
	require.NoError(t, err)

	result, err := run(t, r, "checksum", string(blobID), "sha256")
	require.NoError(t, err)
	require.Nil(t, result.Error)

	sum := sha256.Sum256([]byte(content))
	want := "sha256:" + hex.EncodeToString(sum[:])
	require.NotNil(t, result.Output)
	assert.Equal(t, want, *result.Output.String)
	assert.Equal(t, want, result.ActualChecksum)
}

func TestChecksumArtifactIsStructural(t *testing.T) {
	r := newTestRuntime(t)

	a := storeDir(t, r, map[string]object.ID{"f": storeFile(t, r, "same", false)})
	b := storeDir(t, r, map[string]object.ID{"f": storeFile(t, r, "same", false)})

	ra, err := run(t, r, "checksum", string(a), "blake3")
	require.NoError(t, err)
	require.Nil(t, ra.Error)
	rb, err := run(t, r, "checksum", string(b), "blake3")
	require.NoError(t, err)
	require.Nil(t, rb.Error)
	assert.Equal(t, *ra.Output.String, *rb.Output.String)
}

func TestChecksumRejectsUnknownAlgorithm(t *testing.T) {
	r := newTestRuntime(t)
	id := storeFile(t, r, "x", false)
	result, err := run(t, r, "checksum", string(id), "md5")
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, 1, result.Exit)
}

func TestBundleWithoutDependenciesIsIdentity(t *testing.T) {
	r := newTestRuntime(t)
	root := storeDir(t, r, map[string]object.ID{"f": storeFile(t, r, "plain", false)})

	result, err := run(t, r, "bundle", string(root))
	require.NoError(t, err)
	require.Nil(t, result.Error)
	assert.Equal(t, root, result.OutputArtifact)
}

func TestBundleRelocatesSymlinkDependencies(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	dep := storeDir(t, r, map[string]object.ID{"lib.so": storeFile(t, r, "library", false)})
	linkID, err := r.storeArtifact(ctx, object.Artifact{Symlink: &object.Symlink{
		Kind: object.SymlinkArtifact,
		Edge: object.ArtifactEdge{Edge: object.Edge{Object: dep, Kind: object.KindDirectory}},
	}})
	require.NoError(t, err)
	root := storeDir(t, r, map[string]object.ID{"dep-link": linkID})

	result, err := run(t, r, "bundle", string(root))
	require.NoError(t, err)
	require.Nil(t, result.Error)
	require.NotEqual(t, root, result.OutputArtifact)

	out, err := r.loadArtifact(ctx, result.OutputArtifact)
	require.NoError(t, err)
	require.NotNil(t, out.Directory)

	var sawArtifacts, sawLink bool
	for _, e := range out.Directory.Entries {
		switch e.Name {
		case ".tangram":
			sawArtifacts = true
		case "dep-link":
			link, err := r.loadArtifact(ctx, e.Edge.Edge.Object)
			require.NoError(t, err)
			require.NotNil(t, link.Symlink)
			assert.Equal(t, object.SymlinkTarget, link.Symlink.Kind)
			assert.Contains(t, link.Symlink.Path, artifactsPath+"/"+string(dep))
			sawLink = true
		}
	}
	assert.True(t, sawArtifacts, "bundle must add the artifacts directory")
	assert.True(t, sawLink)
}

func TestDownloadChunksAndChecksums(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	body := "downloaded bytes"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer ts.Close()

	result, err := run(t, r, "download", ts.URL, "sha256")
	require.NoError(t, err)
	require.Nil(t, result.Error)

	sum := sha256.Sum256([]byte(body))
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), result.ActualChecksum)

	length, err := r.blobLength(ctx, result.OutputArtifact)
	require.NoError(t, err)
	rc, err := r.st.ReadBlob(ctx, result.OutputArtifact, 0, length)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestArchiveExtractRoundTrip(t *testing.T) {
	r := newTestRuntime(t)

	root := storeDir(t, r, map[string]object.ID{
		"a.txt": storeFile(t, r, "alpha", false),
		"bin":   storeDir(t, r, map[string]object.ID{"tool": storeFile(t, r, "#!/bin/sh\n", true)}),
	})

	archived, err := run(t, r, "archive", string(root), "gz")
	require.NoError(t, err)
	require.Nil(t, archived.Error)

	extracted, err := run(t, r, "extract", string(archived.OutputArtifact), "gz")
	require.NoError(t, err)
	require.Nil(t, extracted.Error)
	assert.Equal(t, root, extracted.OutputArtifact, "archive then extract must reproduce the artifact id")
}

func TestUnknownBuiltinFails(t *testing.T) {
	r := newTestRuntime(t)
	_, err := run(t, r, "frobnicate")
	require.Error(t, err)
}
