package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tangramdev/tangram/pkg/progress"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// sseWriter frames named events onto a text/event-stream response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, tgerror.New(tgerror.CodeInternal, "response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, nil
}

// event writes one named event with a JSON payload.
func (s *sseWriter) event(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %s: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// end terminates the stream cleanly; server-initiated shutdown is an end
// event, not an error.
func (s *sseWriter) end() {
	fmt.Fprint(s.w, "event: end\ndata: {}\n\n")
	s.flusher.Flush()
}

// fail emits an error event carrying the structured error.
func (s *sseWriter) fail(err error) {
	s.event("error", tgerror.Wrap(err, "api"))
}

// streamProgress copies a progress handle's events onto the SSE stream
// until the terminal Output/Error event.
func (s *sseWriter) streamProgress(h *progress.Handle) {
	for e := range h.Events() {
		switch e.Kind {
		case progress.EventOutput:
			s.event("output", e.Output)
			s.end()
			return
		case progress.EventError:
			s.event("error", e.Error)
			s.end()
			return
		default:
			s.event("chunk", e)
		}
	}
	s.end()
}
