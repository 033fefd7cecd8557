// Package store implements tangram's content-addressed Store: one
// behavior interface, five backend implementations (memory, embedded KV,
// S3-compatible, distributed KV, FoundationDB-like transactional KV),
// selected at startup by config.StoreConfig.Backend.
package store

import (
	"context"
	"io"
	"time"

	"github.com/tangramdev/tangram/pkg/object"
)

// CacheReference is a pointer into the on-disk artifacts cache rather than
// inline bytes: (artifact_id, subpath, length). The store dereferences it
// by mmap or file read, avoiding duplicating content that already exists
// as a filesystem artifact.
type CacheReference struct {
	ArtifactID object.ID
	Subpath    string
	Length     uint64
}

// Entry is what Get returns: either inline bytes or a cache reference.
type Entry struct {
	Bytes     []byte
	Reference *CacheReference
}

// IsCacheReference reports whether the entry is a cache reference rather
// than inline bytes.
func (e Entry) IsCacheReference() bool { return e.Reference != nil }

// PutRequest is one item of a put_batch call.
type PutRequest struct {
	ID        object.ID
	Bytes     []byte
	Reference *CacheReference
	TouchedAt time.Time
}

// Store is the behavior interface every backend implements.
// put is idempotent; put_batch is atomic per-object but not across objects
// in the batch.
type Store interface {
	Put(ctx context.Context, req PutRequest) error
	PutBatch(ctx context.Context, reqs []PutRequest) error

	// Get returns ErrNotFound (via tgerror) if id is absent.
	Get(ctx context.Context, id object.ID) (Entry, error)
	GetBatch(ctx context.Context, ids []object.ID) (map[object.ID]Entry, error)

	// ReadBlob streams length bytes starting at offset from the (possibly
	// branch) blob id, lazily seeking into child blobs as needed.
	ReadBlob(ctx context.Context, id object.ID, offset, length int64) (io.ReadCloser, error)

	TouchBatch(ctx context.Context, ids []object.ID, ts time.Time) error
	DeleteBatch(ctx context.Context, ids []object.ID) error

	Close() error
}

// BatchTuning describes a backend's preferred batch size and concurrency,
// fixed per-backend rather than left as an operator knob.
type BatchTuning struct {
	BatchSize      int
	BatchBytes     int64
	MaxConcurrency int
}

var (
	// MemoryTuning: memory=1.
	MemoryTuning = BatchTuning{BatchSize: 1, MaxConcurrency: 1}
	// BoltTuning: lmdb-like=1k/1MB.
	BoltTuning = BatchTuning{BatchSize: 1000, BatchBytes: 1 << 20, MaxConcurrency: 1}
	// S3Tuning: s3=256 parallel 1-at-a-time.
	S3Tuning = BatchTuning{BatchSize: 1, MaxConcurrency: 256}
	// ScyllaTuning: scylla=64 parallel 1k/64KB.
	ScyllaTuning = BatchTuning{BatchSize: 1000, BatchBytes: 64 << 10, MaxConcurrency: 64}
	// FDBTuning: fdb=64 parallel 1k/1MB.
	FDBTuning = BatchTuning{BatchSize: 1000, BatchBytes: 1 << 20, MaxConcurrency: 64}
)
