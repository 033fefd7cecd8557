package api

import (
	"bufio"
	"net/http"

	"github.com/tangramdev/tangram/pkg/replication"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// SyncDirectionHeader selects which way bytes flow: "push" (client →
// server) makes this side the destination, "pull" the source.
const SyncDirectionHeader = "X-Tangram-Sync"

// handleSync is the bidirectional sync endpoint: the request body is a
// stream of JSON-line items from the client, the response an SSE stream
// of items back.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	role := replication.RoleSource
	if r.Header.Get(SyncDirectionHeader) == "push" {
		role = replication.RoleDestination
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	depth := s.deps.SyncCfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	in := make(chan replication.Item, depth)
	out := make(chan replication.Item, depth)

	session := replication.NewSession(s.deps.Store, s.deps.Index, replication.Options{
		Role:         role,
		QueueDepth:   depth,
		ProgressTick: s.deps.SyncCfg.ProgressTick,
		Eagerness: replication.Eagerness{
			Recursive: s.deps.SyncCfg.Eagerness.Recursive,
			Commands:  s.deps.SyncCfg.Eagerness.Commands,
			Errors:    s.deps.SyncCfg.Eagerness.Errors,
			Logs:      s.deps.SyncCfg.Eagerness.Logs,
			Outputs:   s.deps.SyncCfg.Eagerness.Outputs,
		},
	}, in, out, nil)

	// request-body reader: one JSON item per line
	go func() {
		defer close(in)
		scanner := bufio.NewScanner(r.Body)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			item, err := replication.UnmarshalItem(line)
			if err != nil {
				s.logger.Warn().Err(err).Msg("sync: malformed item from peer")
				return
			}
			select {
			case in <- item:
			case <-r.Context().Done():
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- session.Run(r.Context()) }()

	for {
		select {
		case item := <-out:
			if err := sse.event("item", item); err != nil {
				return
			}
		case err := <-done:
			// drain whatever the session queued before finishing
			for {
				select {
				case item := <-out:
					sse.event("item", item)
					continue
				default:
				}
				break
			}
			if err != nil && !tgerror.Is(err, tgerror.CodeCancelled) {
				sse.fail(err)
				return
			}
			sse.end()
			return
		case <-r.Context().Done():
			return
		}
	}
}
