// Package api implements tangram's HTTP surface: the
// request router, SSE streaming endpoints, body negotiation, and the
// zstd compression middleware, over the store/index/process/sync
// subsystems.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tangramdev/tangram/pkg/cache"
	"github.com/tangramdev/tangram/pkg/checkin"
	"github.com/tangramdev/tangram/pkg/checkout"
	"github.com/tangramdev/tangram/pkg/config"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/messenger"
	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/progress"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Deps carries the subsystem handles the surface routes over.
type Deps struct {
	Store    store.Store
	Index    index.Index
	Msgr     *messenger.Messenger
	Engine   *process.Engine
	Checkin  *checkin.Checkin
	Checkout *checkout.Checkout
	Cache    *cache.Cache
	SyncCfg  config.SyncConfig
}

// Server is the HTTP listener pair: a TCP address for remote clients and
// a Unix socket for local ones (including sandboxed-process proxies).
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger zerolog.Logger

	httpServer *http.Server
	listeners  []net.Listener

	remotesMu sync.Mutex
	remotes   map[string]string
}

// New constructs a Server.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  log.WithComponent("api"),
		remotes: make(map[string]string),
	}
	mux := http.NewServeMux()
	s.routes(mux)
	s.httpServer = &http.Server{
		Handler:           compressionMiddleware(cfg.CompressionMin, s.instrument(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /checkin", s.handleCheckin)
	mux.HandleFunc("POST /checkout", s.handleCheckout)

	mux.HandleFunc("POST /processes", s.handleSpawn)
	mux.HandleFunc("POST /processes/dequeue", s.handleDequeue)
	mux.HandleFunc("POST /processes/{id}/start", s.handleStart)
	mux.HandleFunc("POST /processes/{id}/finish", s.handleFinish)
	mux.HandleFunc("POST /processes/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /processes/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /processes/{id}", s.handleGetProcess)
	mux.HandleFunc("GET /processes/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /processes/{id}/wait", s.handleWait)
	mux.HandleFunc("GET /processes/{id}/children", s.handleChildren)
	mux.HandleFunc("GET /processes/{id}/log", s.handleLog)

	mux.HandleFunc("GET /objects/{id}", s.handleGetObject)
	mux.HandleFunc("PUT /objects/{id}", s.handlePutObject)
	mux.HandleFunc("GET /objects/{id}/metadata", s.handleObjectMetadata)
	mux.HandleFunc("POST /objects/{id}/touch", s.handleTouchObject)

	mux.HandleFunc("GET /read", s.handleRead)
	mux.HandleFunc("POST /sync", s.handleSync)

	mux.HandleFunc("GET /tags/{tag...}", s.handleGetTag)
	mux.HandleFunc("POST /tags", s.handlePutTag)
	mux.HandleFunc("DELETE /tags/{tag...}", s.handleDeleteTag)

	mux.HandleFunc("GET /roots", s.handleListRoots)
	mux.HandleFunc("POST /roots", s.handlePutRoot)

	mux.HandleFunc("POST /remotes/{name}", s.handlePutRemote)
	mux.HandleFunc("GET /remotes", s.handleListRemotes)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// instrument wraps the mux with request metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		next.ServeHTTP(w, r)
		route := r.Method + " " + r.URL.Path
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
		metrics.HTTPRequestsTotal.WithLabelValues(route, "2xx").Inc()
	})
}

// Start begins serving on the TCP address and the Unix socket.
func (s *Server) Start() error {
	if s.cfg.Addr != "" {
		tcp, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
		}
		s.listeners = append(s.listeners, tcp)
	}
	if s.cfg.Socket != "" {
		os.Remove(s.cfg.Socket)
		sock, err := net.Listen("unix", s.cfg.Socket)
		if err != nil {
			return fmt.Errorf("api: listen %s: %w", s.cfg.Socket, err)
		}
		s.listeners = append(s.listeners, sock)
	}
	for _, l := range s.listeners {
		listener := l
		go func() {
			if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("serve failed")
			}
		}()
	}
	s.logger.Info().Str("addr", s.cfg.Addr).Str("socket", s.cfg.Socket).Msg("api listening")
	return nil
}

// Stop shuts the listeners down, draining in-flight requests within the
// grace period.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full middleware stack, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error's code to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	e := tgerror.Wrap(err, "api")
	writeJSON(w, e.Code.HTTPStatus(), e)
}

// --- checkin / checkout ---

// CheckinRequest is the body of POST /checkin.
type CheckinRequest struct {
	Path    string          `json:"path"`
	Options checkin.Options `json:"options"`
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req CheckinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tgerror.New(tgerror.CodeInvalid, "malformed checkin request: %v", err))
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	prog := progress.New(0)
	go func() {
		id, err := s.deps.Checkin.Run(r.Context(), req.Path, req.Options, prog)
		if err != nil {
			prog.Error(tgerror.Wrap(err, "checkin"))
			return
		}
		prog.Output(map[string]string{"artifact": string(id)})
	}()
	sse.streamProgress(prog)
}

// CheckoutRequest is the body of POST /checkout.
type CheckoutRequest struct {
	Artifact object.ID `json:"artifact"`
	Path     string    `json:"path"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tgerror.New(tgerror.CodeInvalid, "malformed checkout request: %v", err))
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	prog := progress.New(0)
	go func() {
		if err := s.deps.Checkout.Run(r.Context(), req.Artifact, req.Path, prog); err != nil {
			prog.Error(tgerror.Wrap(err, "checkout"))
			return
		}
		prog.Output(map[string]string{"path": req.Path})
	}()
	sse.streamProgress(prog)
}

// --- processes ---

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req process.SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tgerror.New(tgerror.CodeInvalid, "malformed spawn request: %v", err))
		return
	}
	// a sandboxed caller's identity arrives via the proxy header and
	// links the new process as its child
	if parent := r.Header.Get("X-Tangram-Process"); parent != "" {
		req.Parent = object.ID(parent)
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	prog := progress.New(0)
	go func() {
		id, err := s.deps.Engine.Spawn(r.Context(), req)
		if err != nil {
			prog.Error(tgerror.Wrap(err, "spawn"))
			return
		}
		prog.Output(map[string]string{"process": string(id)})
	}()
	sse.streamProgress(prog)
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Engine.Dequeue(r.Context(), r.Header.Get("X-Tangram-Consumer"))
	if err != nil {
		writeError(w, err)
		return
	}
	if row == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) processID(r *http.Request) object.ID {
	return object.ID(r.PathValue("id"))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Start(r.Context(), s.processID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req process.FinishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tgerror.New(tgerror.CodeInvalid, "malformed finish request: %v", err))
		return
	}
	if err := s.deps.Engine.Finish(r.Context(), s.processID(r), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Heartbeat(r.Context(), s.processID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Cancel(r.Context(), s.processID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Engine.Get(r.Context(), s.processID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := s.processID(r)
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	sub := s.deps.Msgr.Subscribe(process.StatusTopic(id))
	defer s.deps.Msgr.Unsubscribe(process.StatusTopic(id), sub)

	row, err := s.deps.Engine.Get(r.Context(), id)
	if err != nil {
		sse.fail(err)
		return
	}
	sse.event("chunk", map[string]string{"status": row.Status})
	if row.Status == string(object.StatusFinished) {
		sse.end()
		return
	}
	for {
		select {
		case msg, ok := <-sub:
			if !ok {
				sse.end()
				return
			}
			status := string(msg.Payload)
			sse.event("chunk", map[string]string{"status": status})
			if status == string(object.StatusFinished) {
				sse.end()
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	row, err := s.deps.Engine.Wait(r.Context(), s.processID(r))
	if err != nil {
		sse.fail(err)
		return
	}
	sse.event("output", row)
	sse.end()
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Engine.Get(r.Context(), s.processID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	sse.event("chunk", row)
	sse.end()
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Engine.Get(r.Context(), s.processID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	if row.Log == "" {
		sse.end()
		return
	}
	data, err := s.readWholeBlob(r.Context(), row.Log)
	if err != nil {
		sse.fail(err)
		return
	}
	sse.event("chunk", map[string]string{"bytes": string(data)})
	sse.end()
}

// --- objects ---

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	id := object.ID(r.PathValue("id"))
	entry, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := store.Dereference(entry)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	id := object.ID(r.PathValue("id"))
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, tgerror.New(tgerror.CodeInvalid, "read body: %v", err))
		return
	}
	// ingress always rehashes: an id not matching its bytes is rejected
	//
	if err := id.Verify(data); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	if err := s.deps.Store.Put(r.Context(), store.PutRequest{ID: id, Bytes: data, TouchedAt: now}); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Index.PutObject(r.Context(), index.ObjectRow{
		ID: id, NodeSize: int64(len(data)),
		SubtreeCount: 1, SubtreeSize: int64(len(data)), SubtreeDepth: 1,
		TouchedAt: now,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleObjectMetadata(w http.ResponseWriter, r *http.Request) {
	id := object.ID(r.PathValue("id"))
	rows, err := s.deps.Index.TryGetObjectStoredBatch(r.Context(), []object.ID{id})
	if err != nil {
		writeError(w, err)
		return
	}
	row, ok := rows[id]
	if !ok {
		writeError(w, tgerror.New(tgerror.CodeNotFound, "object %s", id))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleTouchObject(w http.ResponseWriter, r *http.Request) {
	id := object.ID(r.PathValue("id"))
	now := time.Now()
	if err := s.deps.Store.TouchBatch(r.Context(), []object.ID{id}, now); err != nil {
		writeError(w, err)
		return
	}
	if _, _, err := s.deps.Index.TouchAndGetObject(r.Context(), id, now); err != nil && !tgerror.Is(err, tgerror.CodeNotFound) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleRead streams a blob range; the terminating trailer carries the
// completion event.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := object.ID(q.Get("blob"))
	position, _ := strconv.ParseInt(q.Get("position"), 10, 64)
	length := int64(-1)
	if l := q.Get("length"); l != "" {
		length, _ = strconv.ParseInt(l, 10, 64)
	}
	if length < 0 {
		total, err := s.blobLength(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		length = total - position
	}

	w.Header().Set("Trailer", "x-tg-event")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	rc, err := s.deps.Store.ReadBlob(r.Context(), id, position, length)
	if err != nil {
		w.Header().Set("x-tg-event", "error")
		return
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		w.Header().Set("x-tg-event", "error")
		return
	}
	w.Header().Set("x-tg-event", "end")
}

func (s *Server) blobLength(ctx context.Context, id object.ID) (int64, error) {
	entry, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	raw, err := store.Dereference(entry)
	if err != nil {
		return 0, err
	}
	blob, err := store.DecodeBlob(raw)
	if err != nil {
		return 0, err
	}
	return int64(blob.Length()), nil
}

func (s *Server) readWholeBlob(ctx context.Context, id object.ID) ([]byte, error) {
	length, err := s.blobLength(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := s.deps.Store.ReadBlob(ctx, id, 0, length)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// --- tags / roots / remotes ---

// TagRequest is the body of POST /tags.
type TagRequest struct {
	Tag  string    `json:"tag"`
	Item object.ID `json:"item"`
}

func (s *Server) handlePutTag(w http.ResponseWriter, r *http.Request) {
	var req TagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tgerror.New(tgerror.CodeInvalid, "malformed tag request: %v", err))
		return
	}
	components := strings.Split(strings.Trim(req.Tag, "/"), "/")
	if len(components) == 0 || components[0] == "" {
		writeError(w, tgerror.New(tgerror.CodeInvalid, "empty tag"))
		return
	}
	var parent int64
	var err error
	for i, component := range components {
		var item *object.ID
		if i == len(components)-1 {
			item = &req.Item
		}
		parent, err = s.deps.Index.PutTag(r.Context(), component, parent, item)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	path := strings.Split(strings.Trim(r.PathValue("tag"), "/"), "/")
	item, err := s.deps.Index.ResolveTag(r.Context(), path)
	if err != nil {
		// a branch node lists its children instead
		if tgerror.Is(err, tgerror.CodeNotFound) {
			if rows, listErr := s.deps.Index.ListTags(r.Context(), path); listErr == nil {
				writeJSON(w, http.StatusOK, rows)
				return
			}
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"item": string(*item)})
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	path := strings.Split(strings.Trim(r.PathValue("tag"), "/"), "/")
	if err := s.deps.Index.DeleteTag(r.Context(), path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Roots are pinned ids the cleaner never collects, kept in the tag trie
// under a reserved component.
const rootsComponent = "~roots"

func (s *Server) handlePutRoot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID object.ID `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tgerror.New(tgerror.CodeInvalid, "malformed root request: %v", err))
		return
	}
	parent, err := s.deps.Index.PutTag(r.Context(), rootsComponent, 0, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.deps.Index.PutTag(r.Context(), string(req.ID), parent, &req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListRoots(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Index.ListTags(r.Context(), []string{rootsComponent})
	if err != nil {
		if tgerror.Is(err, tgerror.CodeNotFound) {
			writeJSON(w, http.StatusOK, []index.TagRow{})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePutRemote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, tgerror.New(tgerror.CodeInvalid, "malformed remote request: %v", err))
		return
	}
	s.remotesMu.Lock()
	s.remotes[r.PathValue("name")] = req.URL
	s.remotesMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListRemotes(w http.ResponseWriter, r *http.Request) {
	s.remotesMu.Lock()
	defer s.remotesMu.Unlock()
	writeJSON(w, http.StatusOK, s.remotes)
}
