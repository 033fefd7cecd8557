package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/replication"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Push replicates the subtrees under roots from the local store/index to
// the server. The local side runs the source pipeline; items flow
// out through the streaming request body and requests flow back on the
// SSE response.
func (c *Client) Push(ctx context.Context, st store.Store, idx index.Index, roots []object.ID, opts replication.Options) error {
	opts.Role = replication.RoleSource
	opts.Roots = roots
	return c.sync(ctx, st, idx, opts, "push")
}

// Pull replicates the subtrees under roots from the server into the local
// store/index.
func (c *Client) Pull(ctx context.Context, st store.Store, idx index.Index, roots []object.ID, opts replication.Options) error {
	opts.Role = replication.RoleDestination
	opts.Roots = roots
	return c.sync(ctx, st, idx, opts, "pull")
}

func (c *Client) sync(ctx context.Context, st store.Store, idx index.Index, opts replication.Options, direction string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	in := make(chan replication.Item, depth)
	out := make(chan replication.Item, depth)
	session := replication.NewSession(st, idx, opts, in, out, nil)

	// request body: one JSON item per line, streamed as the session
	// produces them
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", pr)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Tangram-Sync", direction)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	go func() {
		enc := json.NewEncoder(pw)
		for {
			select {
			case item := <-out:
				if err := enc.Encode(item); err != nil {
					pw.CloseWithError(err)
					return
				}
				if item.Kind == replication.ItemEnd {
					pw.Close()
					return
				}
			case <-ctx.Done():
				pw.Close()
				return
			}
		}
	}()

	resp, err := c.stream.Do(req)
	if err != nil {
		return tgerror.New(tgerror.CodeNetwork, "POST /sync: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	// response: SSE "item" events into the session
	readerDone := make(chan error, 1)
	go func() {
		defer close(in)
		reader := bufio.NewReader(resp.Body)
		for {
			name, payload, err := readEvent(reader)
			if err != nil {
				readerDone <- nil // stream closed; session ends via channel close
				return
			}
			switch name {
			case "item":
				item, err := replication.UnmarshalItem(payload)
				if err != nil {
					readerDone <- err
					return
				}
				select {
				case in <- item:
				case <-ctx.Done():
					readerDone <- nil
					return
				}
			case "error":
				var e tgerror.Error
				if json.Unmarshal(payload, &e) == nil && e.Message != "" {
					readerDone <- &e
				} else {
					readerDone <- tgerror.New(tgerror.CodeNetwork, "sync peer failed")
				}
				return
			case "end":
				readerDone <- nil
				return
			}
		}
	}()

	err = session.Run(ctx)
	cancel()
	if readerErr := <-readerDone; readerErr != nil && err == nil {
		err = readerErr
	}
	return err
}
