// Package client is the Go client for tangram's HTTP/SSE surface:
// JSON bodies, SSE consumption, send_with_retry on idempotent endpoints,
// and the streaming sync call.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Client talks to one tangram server.
type Client struct {
	baseURL string
	token   string

	// retry client for idempotent calls; plain
	// client for streams, which must not be replayed
	retry  *retryablehttp.Client
	stream *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithUnixSocket dials the given Unix socket regardless of the URL host,
// for local and sandbox-proxy connections.
func WithUnixSocket(path string) Option {
	return func(c *Client) {
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		}
		c.stream.Transport = transport
		c.retry.HTTPClient.Transport = transport
	}
}

// New constructs a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	retry := retryablehttp.NewClient()
	retry.RetryMax = 3
	retry.RetryWaitMin = 100 * time.Millisecond
	retry.RetryWaitMax = 2 * time.Second
	retry.Logger = nil

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		retry:   retry,
		stream:  &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return tgerror.New(tgerror.CodeNetwork, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return tgerror.New(tgerror.CodeInvalid, "%s %s: malformed response: %v", method, path, err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e tgerror.Error
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
		return tgerror.New(tgerror.CodeNetwork, "server returned %s", resp.Status)
	}
	return &e
}

// sseCall POSTs body and consumes the SSE response until the terminal
// output/error/end event, returning the output payload.
func (c *Client) sseCall(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, tgerror.New(tgerror.CodeNetwork, "POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		name, payload, err := readEvent(reader)
		if err != nil {
			return nil, tgerror.New(tgerror.CodeNetwork, "POST %s: stream: %v", path, err)
		}
		switch name {
		case "output":
			return payload, nil
		case "error":
			var e tgerror.Error
			if err := json.Unmarshal(payload, &e); err != nil {
				return nil, tgerror.New(tgerror.CodeInternal, "malformed error event")
			}
			return nil, &e
		case "end":
			return nil, nil
		}
	}
}

// readEvent parses one SSE event.
func readEvent(r *bufio.Reader) (string, []byte, error) {
	var name string
	var data []byte
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" || data != nil {
				return name, data, nil
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, []byte(strings.TrimPrefix(line, "data: "))...)
		}
	}
}

// Checkin converts a server-visible path into an artifact id.
func (c *Client) Checkin(ctx context.Context, path string, options interface{}) (object.ID, error) {
	out, err := c.sseCall(ctx, "/checkin", map[string]interface{}{"path": path, "options": options})
	if err != nil {
		return "", err
	}
	var result struct {
		Artifact object.ID `json:"artifact"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return "", tgerror.New(tgerror.CodeInvalid, "malformed checkin output: %v", err)
	}
	return result.Artifact, nil
}

// Checkout materializes an artifact at a server-visible path.
func (c *Client) Checkout(ctx context.Context, artifact object.ID, path string) error {
	_, err := c.sseCall(ctx, "/checkout", map[string]interface{}{"artifact": artifact, "path": path})
	return err
}

// Spawn submits a command for execution and returns the process id.
func (c *Client) Spawn(ctx context.Context, req process.SpawnRequest) (object.ID, error) {
	out, err := c.sseCall(ctx, "/processes", req)
	if err != nil {
		return "", err
	}
	var result struct {
		Process object.ID `json:"process"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return "", tgerror.New(tgerror.CodeInvalid, "malformed spawn output: %v", err)
	}
	return result.Process, nil
}

// Wait blocks until the process finishes and returns its final row.
func (c *Client) Wait(ctx context.Context, id object.ID) (index.ProcessRow, error) {
	out, err := c.sseCall(ctx, "/processes/"+string(id)+"/wait", struct{}{})
	if err != nil {
		return index.ProcessRow{}, err
	}
	var row index.ProcessRow
	if err := json.Unmarshal(out, &row); err != nil {
		return index.ProcessRow{}, tgerror.New(tgerror.CodeInvalid, "malformed wait output: %v", err)
	}
	return row, nil
}

// GetProcess fetches a process's current metadata.
func (c *Client) GetProcess(ctx context.Context, id object.ID) (index.ProcessRow, error) {
	var row index.ProcessRow
	err := c.do(ctx, http.MethodGet, "/processes/"+string(id), nil, &row)
	return row, err
}

// Heartbeat records liveness for a started process.
func (c *Client) Heartbeat(ctx context.Context, id object.ID) error {
	return c.do(ctx, http.MethodPost, "/processes/"+string(id)+"/heartbeat", struct{}{}, nil)
}

// Cancel finishes a process early.
func (c *Client) Cancel(ctx context.Context, id object.ID) error {
	return c.do(ctx, http.MethodPost, "/processes/"+string(id)+"/cancel", struct{}{}, nil)
}

// GetObject fetches an object's canonical bytes.
func (c *Client) GetObject(ctx context.Context, id object.ID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/objects/"+string(id), nil)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, tgerror.New(tgerror.CodeNetwork, "GET /objects/%s: %v", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// PutObject uploads an object's bytes under its id.
func (c *Client) PutObject(ctx context.Context, id object.ID, data []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/objects/"+string(id), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return tgerror.New(tgerror.CodeNetwork, "PUT /objects/%s: %v", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	return nil
}

// TouchObject bumps an object's touched_at.
func (c *Client) TouchObject(ctx context.Context, id object.ID) error {
	return c.do(ctx, http.MethodPost, "/objects/"+string(id)+"/touch", struct{}{}, nil)
}

// GetObjectMetadata fetches an object's indexed metadata row.
func (c *Client) GetObjectMetadata(ctx context.Context, id object.ID) (index.ObjectRow, error) {
	var row index.ObjectRow
	err := c.do(ctx, http.MethodGet, "/objects/"+string(id)+"/metadata", nil, &row)
	return row, err
}

// PutTag binds a hierarchical tag to an item id.
func (c *Client) PutTag(ctx context.Context, tag string, item object.ID) error {
	return c.do(ctx, http.MethodPost, "/tags", map[string]interface{}{"tag": tag, "item": item}, nil)
}

// ResolveTag resolves a tag path to its bound id.
func (c *Client) ResolveTag(ctx context.Context, tag string) (object.ID, error) {
	var result struct {
		Item object.ID `json:"item"`
	}
	if err := c.do(ctx, http.MethodGet, "/tags/"+tag, nil, &result); err != nil {
		return "", err
	}
	return result.Item, nil
}

// DeleteTag removes a tag leaf.
func (c *Client) DeleteTag(ctx context.Context, tag string) error {
	return c.do(ctx, http.MethodDelete, "/tags/"+tag, nil, nil)
}
