package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Memory is the in-memory Store backend: a guarded hashmap, tuned for
// batch size 1 / concurrency 1; it has no IO to parallelize.
type Memory struct {
	mu        sync.RWMutex
	entries   map[object.ID]Entry
	touchedAt map[object.ID]time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:   make(map[object.ID]Entry),
		touchedAt: make(map[object.ID]time.Time),
	}
}

func (m *Memory) Put(_ context.Context, req PutRequest) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "memory", "put")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[req.ID] = Entry{Bytes: req.Bytes, Reference: req.Reference}
	m.touchedAt[req.ID] = req.TouchedAt
	metrics.StoreOperationsTotal.WithLabelValues("memory", "put", "ok").Inc()
	metrics.StoreBytesTotal.WithLabelValues("memory", "write").Add(float64(len(req.Bytes)))
	return nil
}

func (m *Memory) PutBatch(ctx context.Context, reqs []PutRequest) error {
	for _, req := range reqs {
		if err := m.Put(ctx, req); err != nil {
			return fmt.Errorf("memory put_batch: %w", err)
		}
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id object.ID) (Entry, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "memory", "get")

	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		metrics.StoreOperationsTotal.WithLabelValues("memory", "get", "not_found").Inc()
		return Entry{}, fmt.Errorf("%w: object %s", tgerror.ErrNotFound, id)
	}
	metrics.StoreOperationsTotal.WithLabelValues("memory", "get", "ok").Inc()
	return e, nil
}

func (m *Memory) GetBatch(ctx context.Context, ids []object.ID) (map[object.ID]Entry, error) {
	out := make(map[object.ID]Entry, len(ids))
	for _, id := range ids {
		e, err := m.Get(ctx, id)
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

func (m *Memory) ReadBlob(ctx context.Context, id object.ID, offset, length int64) (io.ReadCloser, error) {
	data, err := readBlobBytes(ctx, m, id, offset, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) TouchBatch(_ context.Context, ids []object.ID, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if cur, ok := m.touchedAt[id]; !ok || ts.After(cur) {
			m.touchedAt[id] = ts
		}
	}
	return nil
}

func (m *Memory) DeleteBatch(_ context.Context, ids []object.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
		delete(m.touchedAt, id)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
