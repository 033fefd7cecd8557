package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/object"
)

// ProcessHeader carries the sandboxed caller's identity on every proxied
// request.
const ProcessHeader = "X-Tangram-Process"

// Proxy is the per-process HTTP proxy: a Unix-socket listener mounted
// into the sandbox at TANGRAM_URL, forwarding to the server's own socket.
// It is the only bridge from a sandboxed child back to the server; no
// in-process handles cross the sandbox boundary.
type Proxy struct {
	listener net.Listener
	server   *http.Server
}

// StartProxy listens on socketPath and forwards every request to the
// server socket at serverSocket, stamping id into ProcessHeader.
func StartProxy(socketPath, serverSocket string, id object.ID) (*Proxy, error) {
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("proxy listen %s: %w", socketPath, err)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = "tangram"
			pr.Out.Header.Set(ProcessHeader, string(id))
		},
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", serverSocket)
			},
		},
		ErrorLog: nil,
	}

	srv := &http.Server{
		Handler:           rp,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p := &Proxy{listener: listener, server: srv}
	logger := log.WithComponent("proxy")
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("process_id", string(id)).Msg("proxy serve failed")
		}
	}()
	return p, nil
}

// URL returns the proxy's address in http+unix form.
func (p *Proxy) URL() string {
	return (&url.URL{Scheme: "http+unix", Path: p.listener.Addr().String()}).String()
}

// Stop shuts the proxy down, dropping in-flight requests after a short
// grace period.
func (p *Proxy) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.server.Shutdown(ctx)
}
