package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/progress"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Role distinguishes which end of the stream this side plays.
type Role int

const (
	// RoleSource serves bytes: it seeds its queue with the roots (push)
	// and answers the peer's missing-item requests (pull).
	RoleSource Role = iota
	// RoleDestination stores bytes: it requests what it lacks and writes
	// what arrives.
	RoleDestination
)

// Options configures one sync session.
type Options struct {
	Role      Role
	Roots     []object.ID
	Eagerness Eagerness
	// QueueDepth bounds the inter-stage channels.
	QueueDepth int
	// ProgressTick is defaulted here but not read by the session; the
	// indicator interval is the tick of the progress handle passed in.
	ProgressTick time.Duration
	// BatchSize bounds index/store batches; backend tuning applies on
	// top.
	BatchSize int
}

// Session is one side of a bidirectional sync: an input task feeding a
// work task, in which the queue, index, and store stages run fused, over a
// bounded channel.
type Session struct {
	st     store.Store
	idx    index.Index
	opts   Options
	state  *graphState
	prog   *progress.Handle
	logger zerolog.Logger

	in  <-chan Item
	out chan<- Item

	pending  atomic.Int64
	peerDone atomic.Bool
	wake     chan struct{}

	workCh chan Item // queue -> index/store
}

// NewSession constructs a Session over the given channels. in carries the
// peer's items; out carries ours. prog may be nil.
func NewSession(st store.Store, idx index.Index, opts Options, in <-chan Item, out chan<- Item, prog *progress.Handle) *Session {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.ProgressTick <= 0 {
		opts.ProgressTick = 100 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	return &Session{
		st:     st,
		idx:    idx,
		opts:   opts,
		state:  newGraphState(),
		prog:   prog,
		logger: log.WithComponent("sync"),
		in:     in,
		out:    out,
		wake:   make(chan struct{}, 1),
		workCh: make(chan Item, opts.QueueDepth),
	}
}

// Run drives the session to completion: the pipeline finishes when its
// queue is empty, every root reports stored (destination) or sent
// (source), and the peer has signaled end.
func (s *Session) Run(ctx context.Context) error {
	if s.prog != nil {
		s.prog.Start("objects", "Objects", 0)
		s.prog.Start("processes", "Processes", 0)
		s.prog.Start("bytes", "Bytes", 0)
		defer func() {
			s.prog.Finish("objects")
			s.prog.Finish("processes")
			s.prog.Finish("bytes")
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.inputTask(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.workTask(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()

	// seed: a pushing source enqueues its roots; a pulling destination
	// requests them from the peer
	for _, root := range s.opts.Roots {
		if s.opts.Role == RoleSource {
			s.state.request(root)
			s.enqueue(ctx, Item{Kind: kindFor(root), ID: root})
		} else {
			if s.state.request(root) {
				s.send(ctx, Item{Kind: kindFor(root), ID: root, Missing: true})
				s.pending.Add(1)
				s.trackRequest(root)
			}
		}
	}

	// the initiating side (the one holding roots) ends as soon as its
	// queue drains; the responding side waits for the peer's end first,
	// then drains and answers with its own
	initiator := len(s.opts.Roots) > 0
	err := s.awaitDrain(ctx, !initiator)
	if err == nil {
		s.send(ctx, Item{Kind: ItemEnd})
		err = s.awaitPeerEnd(ctx)
	}
	cancel()
	wg.Wait()
	close(errCh)
	for taskErr := range errCh {
		// a task failure is the root cause even when it surfaced here as
		// a cancellation
		if taskErr != nil && !tgerror.Is(taskErr, tgerror.CodeCancelled) {
			if err == nil || tgerror.Is(err, tgerror.CodeCancelled) {
				err = taskErr
			}
		}
	}
	return err
}

func kindFor(id object.ID) ItemKind {
	if kind, err := id.Kind(); err == nil && kind == object.KindProcess {
		return ItemProcess
	}
	return ItemObject
}

// awaitDrain blocks until the pipeline is idle; when requirePeerEnd is
// set it additionally waits for the peer's end marker first.
func (s *Session) awaitDrain(ctx context.Context, requirePeerEnd bool) error {
	for {
		if s.pending.Load() == 0 && (!requirePeerEnd || s.peerDone.Load()) {
			return nil
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return tgerror.New(tgerror.CodeCancelled, "sync: %v", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// awaitPeerEnd blocks until the peer has signaled end.
func (s *Session) awaitPeerEnd(ctx context.Context) error {
	for {
		if s.peerDone.Load() {
			return nil
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return tgerror.New(tgerror.CodeCancelled, "sync: %v", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueue adds work to the pipeline, counting it as pending until the
// work task finishes it. The work task enqueues children of the items it
// is processing, so a full channel must not block the caller: overflow
// is handed to a goroutine instead of deadlocking the pipeline on its
// own input.
func (s *Session) enqueue(ctx context.Context, item Item) {
	s.pending.Add(1)
	select {
	case s.workCh <- item:
		return
	default:
	}
	go func() {
		select {
		case s.workCh <- item:
		case <-ctx.Done():
			s.pending.Add(-1)
			s.notify()
		}
	}()
}

func (s *Session) send(ctx context.Context, item Item) {
	select {
	case s.out <- item:
	case <-ctx.Done():
	}
}

// inputTask consumes the peer's stream: data items join
// the local queue, missing-item requests become source-side work, and
// end flips the termination flag.
func (s *Session) inputTask(ctx context.Context) error {
	for {
		select {
		case item, ok := <-s.in:
			if !ok {
				s.peerDone.Store(true)
				s.notify()
				return nil
			}
			switch {
			case item.Kind == ItemEnd:
				s.peerDone.Store(true)
				s.notify()
			case item.Missing:
				if s.opts.Role == RoleSource || s.state.stored(item.ID) {
					// the peer lacks this id; serve it
					s.enqueue(ctx, Item{Kind: item.Kind, ID: item.ID})
				} else {
					// the peer answered a request of ours with missing:
					// it cannot supply the id, so stop waiting for it
					s.logger.Warn().Str("object_id", string(item.ID)).Msg("peer cannot supply object")
					s.state.markStored(item.ID)
					s.notify()
				}
			default:
				s.enqueue(ctx, item)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// workTask is the queue, index, and store stages fused over one batch
// loop: collect a batch, consult the index in bulk
// to skip stored subtrees, then read-and-send or verify-and-write,
// enqueuing the next level of children on completion.
func (s *Session) workTask(ctx context.Context) error {
	for {
		batch := s.collectBatch(ctx)
		if batch == nil {
			return nil
		}
		var err error
		if s.opts.Role == RoleSource {
			err = s.serveBatch(ctx, batch)
		} else {
			err = s.storeBatch(ctx, batch)
		}
		for range batch {
			s.pending.Add(-1)
		}
		s.notify()
		if err != nil {
			return err
		}
	}
}

// collectBatch blocks for the first item, then drains up to BatchSize
// without waiting.
func (s *Session) collectBatch(ctx context.Context) []Item {
	var batch []Item
	select {
	case item := <-s.workCh:
		batch = append(batch, item)
	case <-ctx.Done():
		return nil
	}
	for len(batch) < s.opts.BatchSize {
		select {
		case item := <-s.workCh:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

// serveBatch reads local bytes for requested ids and sends them,
// then walks their children (source side).
func (s *Session) serveBatch(ctx context.Context, batch []Item) error {
	for _, item := range batch {
		if item.Kind == ItemProcess {
			if err := s.serveProcess(ctx, item.ID); err != nil {
				return err
			}
			continue
		}
		s.state.request(item.ID)
		entry, err := s.st.Get(ctx, item.ID)
		if err != nil {
			if tgerror.Is(err, tgerror.CodeNotFound) {
				s.send(ctx, Item{Kind: ItemObject, ID: item.ID, Missing: true})
				continue
			}
			return err
		}
		data, err := store.Dereference(entry)
		if err != nil {
			return err
		}
		// hot path: one round-trip to bump touched_at and read rollups
		if _, _, err := s.idx.TouchAndGetObject(ctx, item.ID, time.Now()); err != nil && !tgerror.Is(err, tgerror.CodeNotFound) {
			return err
		}
		s.send(ctx, Item{Kind: ItemObject, ID: item.ID, Bytes: data})
		s.count(ItemObject, len(data))

		children, err := childrenOf(item.ID, data)
		if err != nil {
			s.logger.Warn().Err(err).Str("object_id", string(item.ID)).Msg("child walk failed")
			continue
		}
		for _, child := range children {
			if s.state.request(child) {
				s.enqueue(ctx, Item{Kind: ItemObject, ID: child})
			}
		}
	}
	return nil
}

// serveProcess sends a process row and enqueues the subtrees the
// eagerness settings select.
func (s *Session) serveProcess(ctx context.Context, id object.ID) error {
	row, found, err := s.idx.TouchAndGetProcess(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if !found {
		s.send(ctx, Item{Kind: ItemProcess, ID: id, Missing: true})
		return nil
	}
	s.send(ctx, Item{Kind: ItemProcess, ID: id, Process: &row})
	s.count(ItemProcess, 0)

	e := s.opts.Eagerness
	var children []object.ID
	if e.Commands && row.Command != "" {
		children = append(children, row.Command)
	}
	if e.Errors && row.Error != "" {
		children = append(children, row.Error)
	}
	if e.Logs && row.Log != "" {
		children = append(children, row.Log)
	}
	if e.Outputs && row.Output != "" {
		children = append(children, row.Output)
	}
	for _, child := range children {
		if s.state.request(child) {
			s.enqueue(ctx, Item{Kind: ItemObject, ID: child})
		}
	}
	return nil
}

// storeBatch verifies and writes incoming items (destination side),
// requesting the children it lacks.
func (s *Session) storeBatch(ctx context.Context, batch []Item) error {
	var objects []Item
	for _, item := range batch {
		if item.Kind == ItemProcess {
			if err := s.storeProcess(ctx, item); err != nil {
				return err
			}
			continue
		}
		objects = append(objects, item)
	}
	if len(objects) == 0 {
		return nil
	}

	// skip what the index already has, in one bulk round-trip
	ids := make([]object.ID, 0, len(objects))
	for _, item := range objects {
		ids = append(ids, item.ID)
	}
	known, err := s.idx.TryGetObjectStoredBatch(ctx, ids)
	if err != nil {
		return err
	}

	now := time.Now()
	var puts []store.PutRequest
	for _, item := range objects {
		if _, stored := known[item.ID]; stored {
			s.state.markSubtree(item.ID)
			continue
		}
		if item.Bytes == nil {
			continue
		}
		// recompute, never trust: the id must match the rehashed bytes
		if err := item.ID.Verify(item.Bytes); err != nil {
			return tgerror.New(tgerror.CodeInvalid, "peer sent %s with mismatched bytes", item.ID)
		}
		puts = append(puts, store.PutRequest{ID: item.ID, Bytes: item.Bytes, TouchedAt: now})
	}
	if len(puts) > 0 {
		if err := s.st.PutBatch(ctx, puts); err != nil {
			return err
		}
	}

	for _, put := range puts {
		if err := s.idx.PutObject(ctx, index.ObjectRow{
			ID:           put.ID,
			NodeSize:     int64(len(put.Bytes)),
			SubtreeCount: 1,
			SubtreeSize:  int64(len(put.Bytes)),
			TouchedAt:    now,
		}); err != nil {
			return err
		}
		s.state.markStored(put.ID)
		s.count(ItemObject, len(put.Bytes))

		children, err := childrenOf(put.ID, put.Bytes)
		if err != nil {
			s.logger.Warn().Err(err).Str("object_id", string(put.ID)).Msg("child walk failed")
			continue
		}
		if len(children) > 0 {
			if err := s.idx.PutObjectChildren(ctx, put.ID, children); err != nil {
				return err
			}
		}
		for _, child := range children {
			if s.state.request(child) {
				s.send(ctx, Item{Kind: ItemObject, ID: child, Missing: true})
				s.pending.Add(1)
				s.trackRequest(child)
			}
		}
	}
	return nil
}

// trackRequest arranges for the pending count to drop when the requested
// id arrives (its data item goes through enqueue, which re-increments).
func (s *Session) trackRequest(id object.ID) {
	// the arrival path decrements via workTask; pair it here by watching
	// for storage
	go func() {
		for !s.state.stored(id) && !s.peerDone.Load() {
			time.Sleep(10 * time.Millisecond)
		}
		s.pending.Add(-1)
		s.notify()
	}()
}

func (s *Session) storeProcess(ctx context.Context, item Item) error {
	if item.Process == nil {
		return nil
	}
	row := *item.Process
	row.ID = item.ID
	// recompute metadata locally; the peer's rollups are untrusted
	row.Stored = index.StoredNode
	row.TouchedAt = time.Now()
	if err := s.idx.PutProcess(ctx, row); err != nil {
		return err
	}
	s.state.markStored(item.ID)
	s.count(ItemProcess, 0)
	return nil
}

func (s *Session) count(kind ItemKind, bytes int) {
	if kind == ItemProcess {
		metrics.SyncMessagesTotal.WithLabelValues("store", "process").Inc()
		if s.prog != nil {
			s.prog.Increment("processes", 1)
		}
		return
	}
	metrics.SyncMessagesTotal.WithLabelValues("store", "object").Inc()
	if s.prog != nil {
		s.prog.Increment("objects", 1)
		s.prog.Increment("bytes", uint64(bytes))
	}
}

// MarshalItem / UnmarshalItem are the wire codec for one sync item; the
// HTTP layer frames them as SSE events or JSON lines.
func MarshalItem(item Item) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal sync item: %w", err)
	}
	return data, nil
}

func UnmarshalItem(data []byte) (Item, error) {
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, tgerror.New(tgerror.CodeInvalid, "malformed sync item: %v", err)
	}
	return item, nil
}
