package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/config"
)

func TestServerLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Store.Backend = config.StoreBackendMemory
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.Socket = filepath.Join(dir, "socket")

	ctx := context.Background()
	srv, err := New(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, srv.Start())

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(stopCtx))
}

func TestServerRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Store.Backend = "etcd"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}
