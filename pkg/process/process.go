// Package process implements tangram's process engine:
// the created→enqueued→dequeued→started→finished state machine, spawn with
// its cache consult, the queue atop the messenger, and the runner that
// holds the global concurrency semaphore and drives sandboxed execution.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/config"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/messenger"
	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// QueueStream is the messenger stream every enqueued process id lands on.
const QueueStream = "processes.queue"

// StatusTopic returns the pub/sub topic carrying a process's status
// transitions.
func StatusTopic(id object.ID) string { return "processes." + string(id) + ".status" }

// Engine owns process lifecycle state. All transitions go through it so
// they are serialized by the index's CAS and published exactly once.
type Engine struct {
	cfg    config.ProcessConfig
	idx    index.Index
	st     store.Store
	msgr   *messenger.Messenger
	logger zerolog.Logger
}

// NewEngine constructs an Engine over the shared handles.
func NewEngine(cfg config.ProcessConfig, idx index.Index, st store.Store, msgr *messenger.Messenger) *Engine {
	return &Engine{
		cfg:    cfg,
		idx:    idx,
		st:     st,
		msgr:   msgr,
		logger: log.WithComponent("process"),
	}
}

// SpawnRequest is the input to Spawn.
type SpawnRequest struct {
	Command          object.Command
	Network          bool
	Mounts           []object.Mount
	ExpectedChecksum string
	Retry            int
	Remote           string
	Parent           object.ID
	Cacheable        bool
	Stdin            *object.ID
}

// Spawn hashes and stores the command, consults the process cache, and on
// a miss creates and enqueues a fresh process, returning its id.
func (e *Engine) Spawn(ctx context.Context, req SpawnRequest) (object.ID, error) {
	metrics.ProcessSpawnedTotal.Inc()

	commandID, commandBytes, err := codec.HashCommand(req.Command)
	if err != nil {
		return "", fmt.Errorf("spawn: hash command: %w", err)
	}
	now := time.Now()
	if err := e.st.Put(ctx, store.PutRequest{ID: commandID, Bytes: commandBytes, TouchedAt: now}); err != nil {
		return "", fmt.Errorf("spawn: store command: %w", err)
	}
	if err := e.idx.PutObject(ctx, index.ObjectRow{
		ID:           commandID,
		NodeSize:     int64(len(commandBytes)),
		SubtreeCount: 1,
		SubtreeSize:  int64(len(commandBytes)),
		TouchedAt:    now,
	}); err != nil {
		return "", fmt.Errorf("spawn: index command: %w", err)
	}

	// Cache consult: an identical command + expected checksum that already
	// succeeded and is still cacheable short-circuits execution.
	if cached, ok, err := e.idx.FindCachedProcess(ctx, commandID, req.ExpectedChecksum); err != nil {
		return "", fmt.Errorf("spawn: cache lookup: %w", err)
	} else if ok {
		metrics.ProcessCacheHitsTotal.Inc()
		if _, _, err := e.idx.TouchAndGetProcess(ctx, cached, now); err != nil {
			return "", fmt.Errorf("spawn: touch cached process: %w", err)
		}
		e.logger.Debug().Str("process_id", string(cached)).Msg("spawn resolved by cache hit")
		return cached, nil
	}

	id, err := object.NewProcessID()
	if err != nil {
		return "", fmt.Errorf("spawn: %w", err)
	}

	mountsJSON, err := json.Marshal(req.Mounts)
	if err != nil {
		return "", fmt.Errorf("spawn: marshal mounts: %w", err)
	}

	row := index.ProcessRow{
		ID:               id,
		Status:           string(object.StatusCreated),
		Command:          commandID,
		ExpectedChecksum: req.ExpectedChecksum,
		Host:             req.Command.Host,
		Network:          req.Network,
		Cacheable:        req.Cacheable,
		Retry:            req.Retry,
		MountsJSON:       string(mountsJSON),
		Stored:           index.StoredNode | index.StoredCommand,
		CreatedAt:        now,
		TouchedAt:        now,
	}
	if err := e.idx.PutProcess(ctx, row); err != nil {
		return "", fmt.Errorf("spawn: create process: %w", err)
	}
	if req.Parent != "" {
		if err := e.idx.PutProcessChildren(ctx, req.Parent, []object.ID{id}); err != nil {
			return "", fmt.Errorf("spawn: link child: %w", err)
		}
	}

	if err := e.Enqueue(ctx, id, now); err != nil {
		return "", err
	}
	return id, nil
}

// Enqueue transitions a process to enqueued, appends it to the queue
// stream, and publishes the status event. Also used by the watchdog to
// requeue a reaped process with a bumped created_at.
func (e *Engine) Enqueue(ctx context.Context, id object.ID, at time.Time) error {
	ok, err := e.idx.UpdateProcessStatus(ctx, id, string(object.StatusCreated), string(object.StatusEnqueued), at)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	if !ok {
		// watchdog path: started -> enqueued
		ok, err = e.idx.UpdateProcessStatus(ctx, id, string(object.StatusStarted), string(object.StatusEnqueued), at)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
		if !ok {
			return tgerror.New(tgerror.CodeConflict, "process %s not in an enqueueable state", id)
		}
	}
	e.msgr.Stream(QueueStream).Append([]byte(id))
	metrics.QueueDepth.Inc()
	e.publishStatus(ctx, id, object.StatusEnqueued)
	return nil
}

// Dequeue pulls the next enqueued process for consumer, CASing its status
// enqueued→dequeued. A record whose CAS fails (someone else already holds
// it) is acked and discarded; Dequeue keeps pulling until the stream is
// empty.
func (e *Engine) Dequeue(ctx context.Context, consumer string) (*index.ProcessRow, error) {
	stream := e.msgr.Stream(QueueStream)
	for {
		if err := ctx.Err(); err != nil {
			return nil, tgerror.New(tgerror.CodeCancelled, "dequeue: %v", err)
		}
		records := stream.Pull(consumer, 1)
		if len(records) == 0 {
			return nil, nil
		}
		id := object.ID(records[0].Payload)
		now := time.Now()
		ok, err := e.idx.UpdateProcessStatus(ctx, id, string(object.StatusEnqueued), string(object.StatusDequeued), now)
		if err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", id, err)
		}
		if !ok {
			// already dequeued elsewhere; the pull above acted as the ack
			continue
		}
		metrics.QueueDepth.Dec()
		e.publishStatus(ctx, id, object.StatusDequeued)
		row, found, err := e.idx.GetProcess(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", id, err)
		}
		if !found {
			return nil, tgerror.New(tgerror.CodeNotFound, "process %s", id)
		}
		return &row, nil
	}
}

// Start transitions dequeued→started.
func (e *Engine) Start(ctx context.Context, id object.ID) error {
	now := time.Now()
	ok, err := e.idx.UpdateProcessStatus(ctx, id, string(object.StatusDequeued), string(object.StatusStarted), now)
	if err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	if !ok {
		return tgerror.New(tgerror.CodeConflict, "process %s is not dequeued", id)
	}
	e.publishStatus(ctx, id, object.StatusStarted)
	return nil
}

// Heartbeat records liveness for a started process. The watchdog reaps
// processes whose heartbeat goes stale.
func (e *Engine) Heartbeat(ctx context.Context, id object.ID) error {
	row, found, err := e.idx.GetProcess(ctx, id)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if !found {
		return tgerror.New(tgerror.CodeNotFound, "process %s", id)
	}
	if row.Status != string(object.StatusStarted) {
		return tgerror.New(tgerror.CodeFailedPrecondition, "process %s is %s, not started", id, row.Status)
	}
	now := time.Now()
	row.HeartbeatAt = &now
	row.TouchedAt = now
	return e.idx.PutProcess(ctx, row)
}

// FinishRequest is the input to Finish.
type FinishRequest struct {
	Exit           int
	Output         *object.Value
	OutputArtifact object.ID
	Error          *tgerror.Error
	Log            object.ID
	ActualChecksum string
}

// Finish marks a process finished with its outcome, validating the
// expected checksum when both sides are present. A checksum mismatch is
// fatal to the process but the output object is still stored.
func (e *Engine) Finish(ctx context.Context, id object.ID, req FinishRequest) error {
	row, found, err := e.idx.GetProcess(ctx, id)
	if err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	if !found {
		return tgerror.New(tgerror.CodeNotFound, "process %s", id)
	}
	if row.Status == string(object.StatusFinished) {
		return tgerror.New(tgerror.CodeConflict, "process %s already finished", id)
	}

	now := time.Now()
	exit := int32(req.Exit)
	row.Exit = &exit
	row.ActualChecksum = req.ActualChecksum
	row.Log = req.Log
	row.Stored |= index.StoredLog

	if req.Error != nil {
		errID, errBytes, herr := codec.HashError(req.Error)
		if herr != nil {
			return fmt.Errorf("finish %s: hash error: %w", id, herr)
		}
		if perr := e.st.Put(ctx, store.PutRequest{ID: errID, Bytes: errBytes, TouchedAt: now}); perr != nil {
			return fmt.Errorf("finish %s: store error object: %w", id, perr)
		}
		row.Error = errID
		row.Stored |= index.StoredError
	}

	if req.OutputArtifact != "" {
		row.Output = req.OutputArtifact
		row.Stored |= index.StoredOutput
	}

	// Checksum validation: expected present and differing is a checksum
	// failure; expected absent with actual present just records actual
	// for later use.
	if row.ExpectedChecksum != "" && req.ActualChecksum != "" && row.ExpectedChecksum != req.ActualChecksum {
		mismatch := tgerror.New(tgerror.CodeChecksum,
			"expected checksum %s, actual %s", row.ExpectedChecksum, req.ActualChecksum)
		errID, errBytes, herr := codec.HashError(mismatch)
		if herr != nil {
			return fmt.Errorf("finish %s: hash checksum error: %w", id, herr)
		}
		if perr := e.st.Put(ctx, store.PutRequest{ID: errID, Bytes: errBytes, TouchedAt: now}); perr != nil {
			return fmt.Errorf("finish %s: store checksum error: %w", id, perr)
		}
		row.Error = errID
		row.Stored |= index.StoredError
		if *row.Exit == 0 {
			exit = 1
			row.Exit = &exit
		}
	}

	row.Status = string(object.StatusFinished)
	row.FinishedAt = &now
	row.TouchedAt = now
	if err := e.idx.PutProcess(ctx, row); err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	if row.DequeuedAt != nil {
		metrics.ProcessDuration.Observe(now.Sub(*row.DequeuedAt).Seconds())
	}
	e.publishStatus(ctx, id, object.StatusFinished)
	return nil
}

// Cancel finishes a process early with the canceled outcome. Exit follows
// the 128+signal convention for SIGTERM.
func (e *Engine) Cancel(ctx context.Context, id object.ID) error {
	return e.Finish(ctx, id, FinishRequest{
		Exit:  128 + 15,
		Error: tgerror.New(tgerror.CodeCancelled, "process canceled"),
	})
}

// Get returns a process's current row.
func (e *Engine) Get(ctx context.Context, id object.ID) (index.ProcessRow, error) {
	row, found, err := e.idx.GetProcess(ctx, id)
	if err != nil {
		return index.ProcessRow{}, err
	}
	if !found {
		return index.ProcessRow{}, tgerror.New(tgerror.CodeNotFound, "process %s", id)
	}
	return row, nil
}

// Wait blocks until the process reaches finished, returning its final row.
// It subscribes before checking current status so a transition between
// check and subscribe is not missed.
func (e *Engine) Wait(ctx context.Context, id object.ID) (index.ProcessRow, error) {
	sub := e.msgr.Subscribe(StatusTopic(id))
	defer e.msgr.Unsubscribe(StatusTopic(id), sub)

	for {
		row, found, err := e.idx.GetProcess(ctx, id)
		if err != nil {
			return index.ProcessRow{}, err
		}
		if !found {
			return index.ProcessRow{}, tgerror.New(tgerror.CodeNotFound, "process %s", id)
		}
		if row.Status == string(object.StatusFinished) {
			return row, nil
		}
		select {
		case <-sub:
		case <-ctx.Done():
			return index.ProcessRow{}, tgerror.New(tgerror.CodeCancelled, "wait %s: %v", id, ctx.Err())
		}
	}
}

func (e *Engine) publishStatus(ctx context.Context, id object.ID, status object.Status) {
	e.msgr.Publish(ctx, StatusTopic(id), []byte(status))
	e.logger.Debug().Str("process_id", string(id)).Str("status", string(status)).Msg("status transition")
}

// Mounts decodes the mounts recorded on a process row.
func Mounts(row index.ProcessRow) ([]object.Mount, error) {
	if row.MountsJSON == "" {
		return nil, nil
	}
	var mounts []object.Mount
	if err := json.Unmarshal([]byte(row.MountsJSON), &mounts); err != nil {
		return nil, fmt.Errorf("decode mounts for %s: %w", row.ID, err)
	}
	return mounts, nil
}
