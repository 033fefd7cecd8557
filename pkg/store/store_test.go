package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

func TestMemoryPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	id := object.NewID(object.KindBlob, []byte("hello"))

	err := s.Put(ctx, PutRequest{ID: id, Bytes: []byte("hello"), TouchedAt: time.Now()})
	require.NoError(t, err)

	entry, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), entry.Bytes)
	assert.False(t, entry.IsCacheReference())
}

func TestMemoryGetMissingReturnsNotFound(t *testing.T) {
	s := NewMemory()
	_, err := s.Get(context.Background(), object.NewID(object.KindBlob, []byte("nope")))
	assert.True(t, tgerror.Is(err, tgerror.CodeNotFound))
}

func TestMemoryDeleteBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	id := object.NewID(object.KindBlob, []byte("x"))
	require.NoError(t, s.Put(ctx, PutRequest{ID: id, Bytes: []byte("x"), TouchedAt: time.Now()}))

	require.NoError(t, s.DeleteBatch(ctx, []object.ID{id}))
	_, err := s.Get(ctx, id)
	assert.True(t, tgerror.Is(err, tgerror.CodeNotFound))
}

func TestMemoryReadBlobLazySeeksBranch(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	leafA := []byte("0123456789")
	leafB := []byte("abcdefghij")
	idA := object.NewID(object.KindBlob, leafA)
	idB := object.NewID(object.KindBlob, leafB)

	encA, err := EncodeBlob(object.Blob{Leaf: leafA})
	require.NoError(t, err)
	encB, err := EncodeBlob(object.Blob{Leaf: leafB})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, PutRequest{ID: idA, Bytes: encA, TouchedAt: time.Now()}))
	require.NoError(t, s.Put(ctx, PutRequest{ID: idB, Bytes: encB, TouchedAt: time.Now()}))

	branch := object.Blob{Children: []object.BlobChild{
		{ID: idA, Length: uint64(len(leafA))},
		{ID: idB, Length: uint64(len(leafB))},
	}}
	encBranch, err := EncodeBlob(branch)
	require.NoError(t, err)
	branchID := object.NewID(object.KindBlob, encBranch)
	require.NoError(t, s.Put(ctx, PutRequest{ID: branchID, Bytes: encBranch, TouchedAt: time.Now()}))

	r, err := s.ReadBlob(ctx, branchID, 8, 6)
	require.NoError(t, err)
	defer r.Close()
	data := make([]byte, 6)
	_, err = r.Read(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("89abcd"), data)
}

func TestMemoryTouchNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	id := object.NewID(object.KindBlob, []byte("t"))
	later := time.Now()
	earlier := later.Add(-time.Hour)

	require.NoError(t, s.Put(ctx, PutRequest{ID: id, Bytes: []byte("t"), TouchedAt: later}))
	require.NoError(t, s.TouchBatch(ctx, []object.ID{id}, earlier))
	assert.True(t, s.touchedAt[id].Equal(later))
}

func TestBoltPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBolt(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id := object.NewID(object.KindBlob, []byte("hello"))
	require.NoError(t, s.Put(ctx, PutRequest{ID: id, Bytes: []byte("hello"), TouchedAt: time.Now()}))

	entry, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), entry.Bytes)
}

func TestBoltCacheReferenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBolt(dir)
	require.NoError(t, err)
	defer s.Close()

	artifactDir := t.TempDir()
	ArtifactsDir = artifactDir
	subdir := artifactDir + "/art1"
	require.NoError(t, os.MkdirAll(subdir, 0o755))
	require.NoError(t, os.WriteFile(subdir+"/file.txt", []byte("contents"), 0o644))

	ctx := context.Background()
	id := object.NewID(object.KindBlob, []byte("ref"))
	ref := &CacheReference{ArtifactID: "art1", Subpath: "file.txt", Length: 8}
	require.NoError(t, s.Put(ctx, PutRequest{ID: id, Reference: ref, TouchedAt: time.Now()}))

	entry, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, entry.IsCacheReference())

	data, err := Dereference(entry)
	require.NoError(t, err)
	assert.Equal(t, []byte("contents"), data)
}

func TestBoltTouchMonotonicDoesNotError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBolt(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id := object.NewID(object.KindBlob, []byte("t"))
	later := time.Now()
	earlier := later.Add(-time.Hour)

	require.NoError(t, s.Put(ctx, PutRequest{ID: id, Bytes: []byte("t"), TouchedAt: later}))
	require.NoError(t, s.TouchBatch(ctx, []object.ID{id}, earlier))
}
