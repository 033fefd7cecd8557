// Package server wires tangram's subsystems into one long-running daemon:
// store, index, messenger, process engine, sandbox runtime, checkin/
// checkout/cache, sync, cleaner, and the HTTP surface, started in
// dependency order and stopped in reverse.
package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/tangramdev/tangram/pkg/api"
	"github.com/tangramdev/tangram/pkg/builtin"
	"github.com/tangramdev/tangram/pkg/cache"
	"github.com/tangramdev/tangram/pkg/checkin"
	"github.com/tangramdev/tangram/pkg/checkout"
	"github.com/tangramdev/tangram/pkg/cleaner"
	"github.com/tangramdev/tangram/pkg/config"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/messenger"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/sandbox"
	"github.com/tangramdev/tangram/pkg/store"
)

// Server owns every subsystem handle. There is no other global mutable
// state.
type Server struct {
	cfg    config.Config
	logger zerolog.Logger

	store   store.Store
	index   index.Index
	msgr    *messenger.Messenger
	engine  *process.Engine
	runner  *process.Runner
	cache   *cache.Cache
	checkin *checkin.Checkin
	chkout  *checkout.Checkout
	cleaner *cleaner.Cleaner
	api     *api.Server
}

// New builds every subsystem from cfg without starting anything.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	for _, dir := range []string{cfg.Directory, cfg.Store.ArtifactsDir, cfg.Process.SandboxRoot, filepath.Join(cfg.Directory, "tmp")} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("server: create %s: %w", dir, err)
		}
	}

	store.ArtifactsDir = cfg.Store.ArtifactsDir
	st, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	idx, err := newIndex(ctx, cfg.Index)
	if err != nil {
		st.Close()
		return nil, err
	}

	msgr := messenger.New()
	engine := process.NewEngine(cfg.Process, idx, st, msgr)

	artifactCache, err := cache.New(cfg.Store.ArtifactsDir, idx)
	if err != nil {
		st.Close()
		idx.Close()
		return nil, err
	}

	runner := process.NewRunner(cfg.Process, engine, st)
	sandboxRuntime := sandbox.New(cfg.Process, st, cfg.Store.ArtifactsDir, cfg.Server.Socket)
	runner.Register(hostString(), sandboxRuntime)
	// builtin commands (bundle, checksum, download, archive, extract)
	// run inside the server, selected by host like any other runtime
	runner.Register(builtin.Host, builtin.New(st))

	ci := checkin.New(st, idx)
	co := checkout.New(st, artifactCache)

	cl := cleaner.New(cleaner.Config{
		HeartbeatTTL:     cfg.Process.HeartbeatTTL,
		WatchdogInterval: cfg.Process.WatchdogInterval,
		MaxRetries:       cfg.Process.MaxRetries,
		ObjectTTL:        24 * time.Hour,
		SweepInterval:    time.Hour,
		CacheDirectory:   cfg.Store.ArtifactsDir,
	}, idx, st, msgr, func(ctx context.Context, id object.ID, at time.Time) error {
		return engine.Enqueue(ctx, id, at)
	})

	apiServer := api.New(cfg.Server, api.Deps{
		Store:    st,
		Index:    idx,
		Msgr:     msgr,
		Engine:   engine,
		Checkin:  ci,
		Checkout: co,
		Cache:    artifactCache,
		SyncCfg:  cfg.Sync,
	})

	return &Server{
		cfg:     cfg,
		logger:  log.WithComponent("server"),
		store:   st,
		index:   idx,
		msgr:    msgr,
		engine:  engine,
		runner:  runner,
		cache:   artifactCache,
		checkin: ci,
		chkout:  co,
		cleaner: cl,
		api:     apiServer,
	}, nil
}

// Start brings the subsystems up in dependency order.
func (s *Server) Start() error {
	s.msgr.Start()
	s.runner.Start()
	s.cleaner.Start()
	if err := s.api.Start(); err != nil {
		s.cleaner.Stop()
		s.runner.Stop()
		s.msgr.Stop()
		return err
	}
	s.logger.Info().Str("directory", s.cfg.Directory).Msg("server started")
	return nil
}

// Stop shuts down in reverse order: stop accepting requests, drain
// running processes, halt maintenance, flush the index.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error
	if err := s.api.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.runner.Stop()
	s.cleaner.Stop()
	s.msgr.Stop()
	if err := s.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info().Msg("server stopped")
	return firstErr
}

// Engine exposes the process engine, for embedding and tests.
func (s *Server) Engine() *process.Engine { return s.engine }

func hostString() string {
	return runtime.GOOS
}

func newStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreBackendMemory:
		return store.NewMemory(), nil
	case config.StoreBackendBolt, "":
		return store.NewBolt(cfg.BoltPath)
	case config.StoreBackendS3:
		return store.NewS3(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
	case config.StoreBackendScylla:
		return store.NewScylla(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
	case config.StoreBackendFDB:
		return store.NewFDB(cfg.FDBClusterFile)
	default:
		return nil, fmt.Errorf("server: unknown store backend %q", cfg.Backend)
	}
}

func newIndex(ctx context.Context, cfg config.IndexConfig) (index.Index, error) {
	switch cfg.Backend {
	case config.IndexBackendSQLite, "":
		return index.NewSQLite(cfg.SQLitePath)
	case config.IndexBackendPostgres:
		return index.NewPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("server: unknown index backend %q", cfg.Backend)
	}
}
