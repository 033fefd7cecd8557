package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gocql/gocql"

	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Scylla is the distributed-KV Store backend, backed by a Scylla/Cassandra
// cluster. Tuning per 64 requests in flight, batches of 1000 objects
// or 64KB, whichever comes first.
type Scylla struct {
	session *gocql.Session
	table   string
	sem     chan struct{}
}

// NewScylla opens a session against the given cluster hosts and keyspace,
// assuming the keyspace already has an `objects(id text primary key, data
// blob, reference blob, touched_at bigint)` table provisioned out of band.
func NewScylla(hosts []string, keyspace string) (*Scylla, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 10 * time.Second

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("create scylla session: %w", err)
	}

	return &Scylla{session: session, table: "objects", sem: make(chan struct{}, ScyllaTuning.MaxConcurrency)}, nil
}

func (s *Scylla) acquire() func() {
	s.sem <- struct{}{}
	return func() { <-s.sem }
}

func (s *Scylla) Put(ctx context.Context, req PutRequest) error {
	release := s.acquire()
	defer release()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "scylla", "put")

	var data, ref []byte
	if req.Reference != nil {
		var err error
		ref, err = json.Marshal(req.Reference)
		if err != nil {
			return fmt.Errorf("marshal cache reference: %w", err)
		}
	} else {
		data = req.Bytes
	}

	query := fmt.Sprintf("INSERT INTO %s (id, data, reference, touched_at) VALUES (?, ?, ?, ?)", s.table)
	err := s.session.Query(query, string(req.ID), data, ref, req.TouchedAt.UnixNano()).WithContext(ctx).Exec()
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("scylla", "put", "error").Inc()
		return fmt.Errorf("scylla put %s: %w", req.ID, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("scylla", "put", "ok").Inc()
	metrics.StoreBytesTotal.WithLabelValues("scylla", "write").Add(float64(len(data)))
	return nil
}

// PutBatch groups requests into gocql logged batches of ScyllaTuning.BatchSize,
// further split so no single batch exceeds ScyllaTuning.BatchBytes.
func (s *Scylla) PutBatch(ctx context.Context, reqs []PutRequest) error {
	batch := s.session.NewBatch(gocql.LoggedBatch)
	batchBytes := 0
	flush := func() error {
		if batch.Size() == 0 {
			return nil
		}
		if err := s.session.ExecuteBatch(batch); err != nil {
			return fmt.Errorf("scylla put_batch: %w", err)
		}
		batch = s.session.NewBatch(gocql.LoggedBatch)
		batchBytes = 0
		return nil
	}

	query := fmt.Sprintf("INSERT INTO %s (id, data, reference, touched_at) VALUES (?, ?, ?, ?)", s.table)
	for _, req := range reqs {
		if batch.Size() >= ScyllaTuning.BatchSize || int64(batchBytes+len(req.Bytes)) > ScyllaTuning.BatchBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		batch.Query(query, string(req.ID), req.Bytes, nil, req.TouchedAt.UnixNano())
		batchBytes += len(req.Bytes)
	}
	return flush()
}

func (s *Scylla) Get(ctx context.Context, id object.ID) (Entry, error) {
	release := s.acquire()
	defer release()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "scylla", "get")

	var data, ref []byte
	query := fmt.Sprintf("SELECT data, reference FROM %s WHERE id = ?", s.table)
	err := s.session.Query(query, string(id)).WithContext(ctx).Scan(&data, &ref)
	if err == gocql.ErrNotFound {
		metrics.StoreOperationsTotal.WithLabelValues("scylla", "get", "not_found").Inc()
		return Entry{}, fmt.Errorf("%w: object %s", tgerror.ErrNotFound, id)
	}
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("scylla", "get", "error").Inc()
		return Entry{}, fmt.Errorf("scylla get %s: %w", id, err)
	}

	metrics.StoreOperationsTotal.WithLabelValues("scylla", "get", "ok").Inc()
	if len(ref) > 0 {
		var cr CacheReference
		if err := json.Unmarshal(ref, &cr); err != nil {
			return Entry{}, fmt.Errorf("unmarshal cache reference: %w", err)
		}
		return Entry{Reference: &cr}, nil
	}
	return Entry{Bytes: data}, nil
}

func (s *Scylla) GetBatch(ctx context.Context, ids []object.ID) (map[object.ID]Entry, error) {
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

func (s *Scylla) ReadBlob(ctx context.Context, id object.ID, offset, length int64) (io.ReadCloser, error) {
	data, err := readBlobBytes(ctx, s, id, offset, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Scylla) TouchBatch(ctx context.Context, ids []object.ID, ts time.Time) error {
	query := fmt.Sprintf("UPDATE %s SET touched_at = ? WHERE id = ? IF touched_at < ?", s.table)
	for _, id := range ids {
		applied, err := s.session.Query(query, ts.UnixNano(), string(id), ts.UnixNano()).WithContext(ctx).ScanCAS()
		_ = applied
		if err != nil {
			return fmt.Errorf("scylla touch %s: %w", id, err)
		}
	}
	return nil
}

func (s *Scylla) DeleteBatch(ctx context.Context, ids []object.ID) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table)
	for _, id := range ids {
		if err := s.session.Query(query, string(id)).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("scylla delete %s: %w", id, err)
		}
	}
	return nil
}

func (s *Scylla) Close() error {
	s.session.Close()
	return nil
}
