package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/config"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Result is what a Runtime reports when the sandboxed child exits.
type Result struct {
	Exit           int
	Output         *object.Value
	OutputArtifact object.ID
	Error          *tgerror.Error
	Log            object.ID
	ActualChecksum string
}

// Runtime executes one dequeued process for a particular host. The Linux
// and macOS sandboxes in pkg/sandbox implement this; tests register fakes.
type Runtime interface {
	Run(ctx context.Context, row index.ProcessRow, cmd object.Command) (Result, error)
}

// Runner dequeues processes and drives them through a Runtime, holding one
// permit of the global concurrency semaphore per run.
type Runner struct {
	cfg      config.ProcessConfig
	engine   *Engine
	st       store.Store
	runtimes map[string]Runtime
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner constructs a Runner. Register runtimes before Start.
func NewRunner(cfg config.ProcessConfig, engine *Engine, st store.Store) *Runner {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		cfg:      cfg,
		engine:   engine,
		st:       st,
		runtimes: make(map[string]Runtime),
		sem:      semaphore.NewWeighted(int64(concurrency)),
		logger:   log.WithComponent("runner"),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a Runtime to a command host string.
func (r *Runner) Register(host string, rt Runtime) {
	r.runtimes[host] = rt
}

// Start begins the dequeue loop.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop halts the loop and waits for in-flight runs to drain.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}
		for {
			row, err := r.engine.Dequeue(ctx, "runner")
			if err != nil {
				if !tgerror.Is(err, tgerror.CodeCancelled) {
					r.logger.Error().Err(err).Msg("dequeue failed")
				}
				break
			}
			if row == nil {
				break
			}
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return
			}
			r.wg.Add(1)
			go func(row index.ProcessRow) {
				defer r.wg.Done()
				defer r.sem.Release(1)
				r.run(ctx, row)
			}(*row)
		}
	}
}

// run executes one process end to end: start, heartbeat task, runtime
// launch, finish.
func (r *Runner) run(ctx context.Context, row index.ProcessRow) {
	logger := r.logger.With().Str("process_id", string(row.ID)).Logger()

	if err := r.engine.Start(ctx, row.ID); err != nil {
		logger.Error().Err(err).Msg("start failed")
		return
	}

	cmd, err := r.loadCommand(ctx, row.Command)
	if err != nil {
		logger.Error().Err(err).Msg("load command failed")
		r.finishInfra(ctx, row.ID, err)
		return
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go r.heartbeatLoop(hbCtx, row.ID)

	rt, ok := r.runtimes[cmd.Host]
	if !ok {
		r.finishInfra(ctx, row.ID, tgerror.New(tgerror.CodeFailedPrecondition, "no runtime for host %q", cmd.Host))
		return
	}

	result, err := rt.Run(ctx, row, cmd)
	hbCancel()
	if err != nil {
		logger.Error().Err(err).Msg("runtime failed")
		r.finishInfra(ctx, row.ID, err)
		return
	}

	if err := r.engine.Finish(ctx, row.ID, FinishRequest{
		Exit:           result.Exit,
		Output:         result.Output,
		OutputArtifact: result.OutputArtifact,
		Error:          result.Error,
		Log:            result.Log,
		ActualChecksum: result.ActualChecksum,
	}); err != nil {
		logger.Error().Err(err).Msg("finish failed")
	}
}

// heartbeatLoop calls Heartbeat at the configured interval until ctx is
// canceled.
func (r *Runner) heartbeatLoop(ctx context.Context, id object.ID) {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.engine.Heartbeat(ctx, id); err != nil {
				r.logger.Warn().Err(err).Str("process_id", string(id)).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (r *Runner) loadCommand(ctx context.Context, id object.ID) (object.Command, error) {
	entry, err := r.st.Get(ctx, id)
	if err != nil {
		return object.Command{}, fmt.Errorf("load command %s: %w", id, err)
	}
	v, err := codec.Decode(entry.Bytes)
	if err != nil {
		return object.Command{}, fmt.Errorf("decode command %s: %w", id, err)
	}
	return codec.ValueToCommand(v)
}

// finishInfra records an infrastructure failure as exit 125.
func (r *Runner) finishInfra(ctx context.Context, id object.ID, cause error) {
	if err := r.engine.Finish(ctx, id, FinishRequest{
		Exit:  125,
		Error: tgerror.Wrap(cause, "runner"),
	}); err != nil {
		r.logger.Error().Err(err).Str("process_id", string(id)).Msg("infra finish failed")
	}
}
