// Package cleaner implements tangram's background maintenance loops:
// the process watchdog (re-enqueue on missed heartbeat) and the
// object/cache garbage sweep (delete when touched_at + ttl < now and
// nothing still references the object).
package cleaner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/messenger"
	"github.com/tangramdev/tangram/pkg/metrics"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Config controls the cleaner's loop cadence and GC policy.
type Config struct {
	HeartbeatTTL     time.Duration
	WatchdogInterval time.Duration
	MaxRetries       int

	ObjectTTL      time.Duration
	SweepInterval  time.Duration
	CacheDirectory string
}

// Cleaner runs the watchdog and sweep loops against the shared
// Index/Store/Messenger handles.
type Cleaner struct {
	cfg       Config
	idx       index.Index
	st        store.Store
	msgr      *messenger.Messenger
	logger    zerolog.Logger
	mu        sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
	requeueFn func(ctx context.Context, id object.ID, at time.Time) error
}

// New constructs a Cleaner. requeueFn performs the started->enqueued
// transition with a bumped created_at; it is injected
// rather than imported directly to avoid a cleaner<->process import
// cycle (process already depends on index/store/messenger).
func New(cfg Config, idx index.Index, st store.Store, msgr *messenger.Messenger, requeueFn func(ctx context.Context, id object.ID, at time.Time) error) *Cleaner {
	return &Cleaner{
		cfg:       cfg,
		idx:       idx,
		st:        st,
		msgr:      msgr,
		logger:    log.WithComponent("cleaner"),
		stopCh:    make(chan struct{}),
		requeueFn: requeueFn,
	}
}

// Start begins both loops as background goroutines.
func (c *Cleaner) Start() {
	c.wg.Add(2)
	go c.watchdogLoop()
	go c.sweepLoop()
}

// Stop halts both loops and waits for them to return.
func (c *Cleaner) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cleaner) watchdogLoop() {
	defer c.wg.Done()
	interval := c.cfg.WatchdogInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("watchdog started")
	for {
		select {
		case <-ticker.C:
			if err := c.watchdogCycle(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("watchdog cycle failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("watchdog stopped")
			return
		}
	}
}

// watchdogCycle scans for started processes whose heartbeat has expired
// past the TTL and either re-enqueues them (bumping created_at) or, past
// MaxRetries, marks them finished with exit 125.
func (c *Cleaner) watchdogCycle(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CleanerDuration)
	metrics.CleanerCyclesTotal.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	before := time.Now().Add(-c.cfg.HeartbeatTTL)
	stale, err := c.idx.ScanStale(ctx, before)
	if err != nil {
		return err
	}

	for _, p := range stale {
		logger := c.logger.With().Str("process_id", string(p.ID)).Logger()
		if p.Retry >= c.cfg.MaxRetries {
			logger.Warn().Int("retry", p.Retry).Msg("process exceeded retry budget, failing as infra error")
			exit := int32(125)
			p.Exit = &exit
			p.Status = "finished"
			now := time.Now()
			p.FinishedAt = &now
			p.TouchedAt = now
			if err := c.idx.PutProcess(ctx, p); err != nil {
				logger.Error().Err(err).Msg("failed to mark process finished after watchdog exhaustion")
				continue
			}
			c.msgr.Publish(ctx, "processes."+string(p.ID)+".status", []byte("finished"))
			continue
		}

		logger.Warn().Msg("missed heartbeat past ttl, re-enqueuing")
		metrics.ProcessWatchdogRequeuesTotal.Inc()
		if err := c.requeueFn(ctx, p.ID, time.Now()); err != nil {
			logger.Error().Err(err).Msg("failed to requeue process")
			continue
		}
		c.msgr.Publish(ctx, "processes."+string(p.ID)+".status", []byte("enqueued"))
	}
	return nil
}

func (c *Cleaner) sweepLoop() {
	defer c.wg.Done()
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("sweep loop started")
	for {
		select {
		case <-ticker.C:
			if err := c.sweepCycle(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("sweep cycle failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("sweep loop stopped")
			return
		}
	}
}

// sweepCycle deletes objects whose touched_at + ttl < now. Referrer detection beyond touch-time
// liveness — walking object_children/process_children for live
// ancestors — is the province of the index's own roll-up columns
// (subtree_* on the parent keeps a parent's touch alive for its
// children via TouchBatch cascades issued by checkin/sync); this loop
// only needs to find candidates whose own touched_at already expired.
func (c *Cleaner) sweepCycle(ctx context.Context) error {
	if c.cfg.ObjectTTL <= 0 {
		return nil // GC disabled
	}
	cutoff := time.Now().Add(-c.cfg.ObjectTTL)

	candidates, err := c.idx.ScanStaleObjects(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	// ids pinned as roots (the "~roots" tag node) are never collected
	roots, err := c.idx.ListTags(ctx, []string{"~roots"})
	if err != nil && !tgerror.Is(err, tgerror.CodeNotFound) {
		return err
	}
	pinned := make(map[object.ID]bool, len(roots))
	for _, r := range roots {
		if r.Item != nil {
			pinned[*r.Item] = true
		}
	}
	ids := make([]object.ID, 0, len(candidates))
	for _, p := range candidates {
		if pinned[p.ID] {
			continue
		}
		ids = append(ids, p.ID)
	}
	if err := c.st.DeleteBatch(ctx, ids); err != nil {
		return err
	}
	metrics.CleanerObjectsRemovedTotal.Add(float64(len(ids)))
	c.logger.Info().Int("count", len(ids)).Msg("swept expired objects")
	return nil
}
