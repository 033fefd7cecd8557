package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// S3 is the S3-compatible object-store Store backend. Tuning per
// 256 requests in flight, one object per request — there is no
// native multi-object atomic batch in the S3 API, so PutBatch/DeleteBatch
// fan out under a bounded semaphore instead.
type S3 struct {
	client *s3.Client
	bucket string
	sem    chan struct{}
}

// NewS3 constructs an S3 backend against bucket, optionally pointed at a
// custom (S3-compatible) endpoint.
func NewS3(ctx context.Context, bucket, region, endpoint string) (*S3, error) {
	optFns := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{client: client, bucket: bucket, sem: make(chan struct{}, S3Tuning.MaxConcurrency)}, nil
}

func (s *S3) acquire() func() {
	s.sem <- struct{}{}
	return func() { <-s.sem }
}

func (s *S3) Put(ctx context.Context, req PutRequest) error {
	release := s.acquire()
	defer release()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "s3", "put")

	if req.Reference != nil {
		return fmt.Errorf("%w: s3 backend does not support cache references", tgerror.ErrInvalid)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(req.ID)),
		Body:   bytes.NewReader(req.Bytes),
	})
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("s3", "put", "error").Inc()
		return fmt.Errorf("s3 put %s: %w", req.ID, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("s3", "put", "ok").Inc()
	metrics.StoreBytesTotal.WithLabelValues("s3", "write").Add(float64(len(req.Bytes)))
	return nil
}

func (s *S3) PutBatch(ctx context.Context, reqs []PutRequest) error {
	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req PutRequest) {
			defer wg.Done()
			errs[i] = s.Put(ctx, req)
		}(i, req)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("s3 put_batch: %w", err)
		}
	}
	return nil
}

func (s *S3) Get(ctx context.Context, id object.ID) (Entry, error) {
	release := s.acquire()
	defer release()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOperationDuration, "s3", "get")

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(id)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			metrics.StoreOperationsTotal.WithLabelValues("s3", "get", "not_found").Inc()
			return Entry{}, fmt.Errorf("%w: object %s", tgerror.ErrNotFound, id)
		}
		metrics.StoreOperationsTotal.WithLabelValues("s3", "get", "error").Inc()
		return Entry{}, fmt.Errorf("s3 get %s: %w", id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("s3 get %s: read body: %w", id, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("s3", "get", "ok").Inc()
	return Entry{Bytes: data}, nil
}

func (s *S3) GetBatch(ctx context.Context, ids []object.ID) (map[object.ID]Entry, error) {
	out := make(map[object.ID]Entry, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id object.ID) {
			defer wg.Done()
			e, err := s.Get(ctx, id)
			if err != nil {
				return
			}
			mu.Lock()
			out[id] = e
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out, nil
}

func (s *S3) ReadBlob(ctx context.Context, id object.ID, offset, length int64) (io.ReadCloser, error) {
	data, err := readBlobBytes(ctx, s, id, offset, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *S3) TouchBatch(ctx context.Context, ids []object.ID, ts time.Time) error {
	// S3 has no metadata-only update; re-copy the object onto itself with
	// updated metadata to advance touched_at.
	for _, id := range ids {
		release := s.acquire()
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(s.bucket),
			Key:               aws.String(string(id)),
			CopySource:        aws.String(s.bucket + "/" + string(id)),
			Metadata:          map[string]string{"touched_at": ts.Format(time.RFC3339Nano)},
			MetadataDirective: "REPLACE",
		})
		release()
		if err != nil {
			return fmt.Errorf("s3 touch %s: %w", id, err)
		}
	}
	return nil
}

func (s *S3) DeleteBatch(ctx context.Context, ids []object.ID) error {
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id object.ID) {
			defer wg.Done()
			release := s.acquire()
			defer release()
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(string(id)),
			})
			if err != nil {
				errs[i] = fmt.Errorf("s3 delete %s: %w", id, err)
			}
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) Close() error { return nil }
