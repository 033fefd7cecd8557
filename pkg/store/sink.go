package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tangramdev/tangram/pkg/object"
)

// Sink adapts a Store to codec.BlobSink: each leaf or branch the chunker
// produces is encoded, content-addressed, and put.
type Sink struct {
	ctx       context.Context
	st        Store
	touchedAt time.Time
}

// NewBlobSink returns a Sink writing through st with the given touch
// timestamp.
func NewBlobSink(ctx context.Context, st Store, touchedAt time.Time) *Sink {
	return &Sink{ctx: ctx, st: st, touchedAt: touchedAt}
}

// PutBlob encodes b, derives its id, and stores it. Put is idempotent, so
// re-chunking identical content is free.
func (s *Sink) PutBlob(b object.Blob) (object.ID, error) {
	data, err := EncodeBlob(b)
	if err != nil {
		return "", fmt.Errorf("blob sink: %w", err)
	}
	id := object.NewID(object.KindBlob, data)
	if err := s.st.Put(s.ctx, PutRequest{ID: id, Bytes: data, TouchedAt: s.touchedAt}); err != nil {
		return "", fmt.Errorf("blob sink: put %s: %w", id, err)
	}
	return id, nil
}
