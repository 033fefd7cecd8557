package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

var (
	bucketObjects   = []byte("objects")
	bucketReference = []byte("references")
	bucketTouchedAt = []byte("touched_at")
)

// Bolt is the embedded-KV Store backend, a single-writer/many-reader
// bucket-per-concern database (object bytes, cache references,
// touched_at index). Tuning per batch size 1000 / 1MB, single
// writer.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (creating if absent) the bolt-backed store at dataDir.
func NewBolt(dataDir string) (*Bolt, error) {
	dbPath := filepath.Join(dataDir, "tangram.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketObjects, bucketReference, bucketTouchedAt} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

func (s *Bolt) Put(_ context.Context, req PutRequest) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "bolt", "put")

	err := s.db.Update(func(tx *bolt.Tx) error {
		return putOne(tx, req)
	})
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("bolt", "put", "error").Inc()
		return fmt.Errorf("bolt put %s: %w", req.ID, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("bolt", "put", "ok").Inc()
	metrics.StoreBytesTotal.WithLabelValues("bolt", "write").Add(float64(len(req.Bytes)))
	return nil
}

func putOne(tx *bolt.Tx, req PutRequest) error {
	if req.Reference != nil {
		data, err := json.Marshal(req.Reference)
		if err != nil {
			return fmt.Errorf("marshal cache reference: %w", err)
		}
		if err := tx.Bucket(bucketReference).Put([]byte(req.ID), data); err != nil {
			return err
		}
	} else {
		if err := tx.Bucket(bucketObjects).Put([]byte(req.ID), req.Bytes); err != nil {
			return err
		}
	}
	return touchOne(tx, req.ID, req.TouchedAt)
}

func touchOne(tx *bolt.Tx, id object.ID, ts time.Time) error {
	b := tx.Bucket(bucketTouchedAt)
	existing := b.Get([]byte(id))
	if existing != nil {
		var cur int64
		cur = int64(binary.BigEndian.Uint64(existing))
		if cur >= ts.UnixNano() {
			return nil // touched_at never decreases
		}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixNano()))
	return b.Put([]byte(id), buf[:])
}

// PutBatch writes up to BoltTuning.BatchSize objects per transaction,
// atomic per object but not across the whole batch.
func (s *Bolt) PutBatch(ctx context.Context, reqs []PutRequest) error {
	for start := 0; start < len(reqs); start += BoltTuning.BatchSize {
		end := start + BoltTuning.BatchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		err := s.db.Update(func(tx *bolt.Tx) error {
			for _, req := range reqs[start:end] {
				if err := putOne(tx, req); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("bolt put_batch: %w", err)
		}
	}
	return nil
}

func (s *Bolt) Get(_ context.Context, id object.ID) (Entry, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "bolt", "get")

	var entry Entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if ref := tx.Bucket(bucketReference).Get([]byte(id)); ref != nil {
			var cr CacheReference
			if err := json.Unmarshal(ref, &cr); err != nil {
				return fmt.Errorf("unmarshal cache reference: %w", err)
			}
			entry = Entry{Reference: &cr}
			found = true
			return nil
		}
		if data := tx.Bucket(bucketObjects).Get([]byte(id)); data != nil {
			cp := make([]byte, len(data))
			copy(cp, data)
			entry = Entry{Bytes: cp}
			found = true
		}
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("bolt get %s: %w", id, err)
	}
	if !found {
		metrics.StoreOperationsTotal.WithLabelValues("bolt", "get", "not_found").Inc()
		return Entry{}, fmt.Errorf("%w: object %s", tgerror.ErrNotFound, id)
	}
	metrics.StoreOperationsTotal.WithLabelValues("bolt", "get", "ok").Inc()
	return entry, nil
}

func (s *Bolt) GetBatch(ctx context.Context, ids []object.ID) (map[object.ID]Entry, error) {
	out := make(map[object.ID]Entry, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			if tgerror.Is(err, tgerror.CodeNotFound) {
				continue
			}
			return nil, err
		}
		out[id] = e
	}
	return out, nil
}

func (s *Bolt) ReadBlob(ctx context.Context, id object.ID, offset, length int64) (io.ReadCloser, error) {
	data, err := readBlobBytes(ctx, s, id, offset, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Bolt) TouchBatch(_ context.Context, ids []object.ID, ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			if err := touchOne(tx, id, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) DeleteBatch(_ context.Context, ids []object.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			if err := tx.Bucket(bucketObjects).Delete([]byte(id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketReference).Delete([]byte(id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketTouchedAt).Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) Close() error {
	return s.db.Close()
}
