package builtin

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// download fetches a URL into a blob. Operands: the URL and optionally
// the expected checksum ("algorithm:hex"). The body is chunked into the
// store while the checksum is computed in the same pass; the process
// engine validates the expectation against the actual at finish.
func (r *Runtime) download(ctx context.Context, args []string) (process.Result, error) {
	if len(args) < 1 {
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "download: expected a url")
	}
	url := args[0]

	var algorithm string
	if len(args) > 1 && args[1] != "" {
		algorithm = args[1]
		if i := strings.Index(algorithm, ":"); i > 0 {
			algorithm = algorithm[:i]
		}
	} else {
		algorithm = "sha256"
	}
	h, err := newHasher(algorithm)
	if err != nil {
		return process.Result{}, err
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return process.Result{}, tgerror.New(tgerror.CodeInvalid, "download: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return process.Result{}, tgerror.New(tgerror.CodeNetwork, "download %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return process.Result{}, tgerror.New(tgerror.CodeNetwork, "download %s: %s", url, resp.Status)
	}

	sink := store.NewBlobSink(ctx, r.st, time.Now())
	blobID, n, err := codec.ChunkReader(io.TeeReader(resp.Body, h), sink)
	if err != nil {
		return process.Result{}, fmt.Errorf("download %s: %w", url, err)
	}

	sum := algorithm + ":" + fmt.Sprintf("%x", h.Sum(nil))
	r.logger.Debug().Str("url", url).Uint64("bytes", n).Str("checksum", sum).Msg("downloaded")

	out := object.Value{String: stringPtr(string(blobID))}
	return process.Result{
		Output:         &out,
		OutputArtifact: blobID,
		ActualChecksum: sum,
	}, nil
}

func stringPtr(s string) *string { return &s }
