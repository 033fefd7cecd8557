// Package sandbox implements tangram's sandboxed runtime: Linux
// user+PID+mount namespaces with pivot_root, the macOS sandbox-exec path,
// the per-process Unix-socket proxy back to the server, and pipe/PTY IO.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/config"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Runtime executes dequeued processes inside an OS sandbox. It implements
// process.Runtime and is registered under the host strings it supports
// ("linux" or "darwin").
type Runtime struct {
	cfg          config.ProcessConfig
	st           store.Store
	artifactsDir string
	serverSocket string
	logger       zerolog.Logger
}

// New constructs a Runtime. serverSocket is the server's own Unix socket,
// the target every per-process proxy forwards to.
func New(cfg config.ProcessConfig, st store.Store, artifactsDir, serverSocket string) *Runtime {
	return &Runtime{
		cfg:          cfg,
		st:           st,
		artifactsDir: artifactsDir,
		serverSocket: serverSocket,
		logger:       log.WithComponent("sandbox"),
	}
}

// spec is the serialized description handed to the re-executed child:
// everything the child needs to set up its mount namespace and exec,
// with no in-process pointers.
type spec struct {
	Root       string        `json:"root"`
	Executable string        `json:"executable"`
	Args       []string      `json:"args"`
	Env        []string      `json:"env"`
	Cwd        string        `json:"cwd"`
	Mounts     []specs.Mount `json:"mounts"`
	Network    bool          `json:"network"`
}

// Run prepares the sandbox directory, starts the proxy, launches the
// namespaced child, and converts the declared OUTPUT path into an
// artifact.
func (r *Runtime) Run(ctx context.Context, row index.ProcessRow, cmd object.Command) (process.Result, error) {
	dir, err := os.MkdirTemp(r.cfg.SandboxRoot, "process-")
	if err != nil {
		return process.Result{}, fmt.Errorf("sandbox: create dir: %w", err)
	}
	defer os.RemoveAll(dir)

	rootDir := filepath.Join(dir, "root")
	outputDir := filepath.Join(dir, "output")
	proxyDir := filepath.Join(dir, "proxy")
	for _, d := range []string{rootDir, outputDir, proxyDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return process.Result{}, fmt.Errorf("sandbox: %w", err)
		}
	}

	proxySocket := filepath.Join(proxyDir, "socket")
	proxy, err := StartProxy(proxySocket, r.serverSocket, row.ID)
	if err != nil {
		return process.Result{}, fmt.Errorf("sandbox: start proxy: %w", err)
	}
	defer proxy.Stop()

	mounts, err := r.buildMounts(row, cmd, rootDir, outputDir, proxySocket)
	if err != nil {
		return process.Result{}, err
	}

	executable, args, err := r.resolveExecutable(ctx, cmd)
	if err != nil {
		return process.Result{}, err
	}

	env := buildEnv(cmd, row.ID, proxySocket)

	sp := spec{
		Root:       rootDir,
		Executable: executable,
		Args:       args,
		Env:        env,
		Cwd:        cmd.Cwd,
		Mounts:     mounts,
		Network:    row.Network,
	}

	logPath := filepath.Join(dir, "log")
	exit, runErr := r.exec(ctx, sp, logPath)

	result := process.Result{Exit: exit}
	if runErr != nil {
		result.Error = tgerror.Wrap(runErr, "sandbox.exec")
	}

	if logID, ok := r.ingestFile(ctx, logPath); ok {
		result.Log = logID
	}
	if outID, sum, ok := r.ingestOutput(ctx, outputDir); ok {
		result.OutputArtifact = outID
		result.ActualChecksum = sum
	}
	return result, nil
}

// buildEnv assembles the child environment: the command's declared env
// plus TANGRAM_URL, TANGRAM_PROCESS, and OUTPUT. The proxy socket's host directory is
// bind-mounted at sandboxProxyDir, so the socket's basename survives.
func buildEnv(cmd object.Command, id object.ID, proxySocket string) []string {
	env := []string{
		"TANGRAM_URL=http+unix://" + filepath.Join(sandboxProxyDir, filepath.Base(proxySocket)),
		"TANGRAM_PROCESS=" + string(id),
		"OUTPUT=" + sandboxOutputPath,
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}
	for k, v := range cmd.Env {
		if v.String != nil {
			env = append(env, k+"="+*v.String)
		}
	}
	return env
}

// Paths inside the sandbox where the host-side directories land.
const (
	sandboxOutputPath = "/output"
	sandboxProxyDir   = "/.tangram"
)

// buildMounts produces the child's mount table: the declared artifact
// mounts, /proc, a tmpfs /tmp, the output directory, and the proxy
// socket's parent directory.
func (r *Runtime) buildMounts(row index.ProcessRow, cmd object.Command, rootDir, outputDir, proxySocket string) ([]specs.Mount, error) {
	var mounts []specs.Mount

	declared, err := process.Mounts(row)
	if err != nil {
		return nil, err
	}
	declared = append(declared, cmd.Mounts...)
	for _, m := range declared {
		source := filepath.Join(r.artifactsDir, string(m.Source))
		if _, err := os.Stat(source); err != nil {
			return nil, tgerror.New(tgerror.CodeFailedPrecondition,
				"mount source %s is not materialized in the artifact cache", m.Source)
		}
		opts := []string{"bind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		}
		mounts = append(mounts, specs.Mount{
			Destination: m.Target,
			Type:        "bind",
			Source:      source,
			Options:     opts,
		})
	}

	mounts = append(mounts,
		specs.Mount{Destination: "/proc", Type: "proc", Source: "proc"},
		specs.Mount{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev"}},
		specs.Mount{Destination: sandboxOutputPath, Type: "bind", Source: outputDir, Options: []string{"bind"}},
		specs.Mount{Destination: sandboxProxyDir, Type: "bind", Source: filepath.Dir(proxySocket), Options: []string{"bind"}},
	)
	return mounts, nil
}

// resolveExecutable maps the command's executable variant to a concrete
// path inside the sandbox plus argv.
func (r *Runtime) resolveExecutable(ctx context.Context, cmd object.Command) (string, []string, error) {
	var exe string
	switch {
	case cmd.Executable.Path != "":
		exe = cmd.Executable.Path
	case cmd.Executable.Artifact != nil:
		edge := cmd.Executable.Artifact.Edge
		if edge.IsNode {
			return "", nil, tgerror.New(tgerror.CodeInvalid, "executable edge must be resolved before run")
		}
		exe = filepath.Join(r.artifactsDir, string(edge.Object), edge.Subpath)
	case cmd.Executable.Module != "":
		// module executables are handled by the language runtime, an
		// out-of-scope external collaborator; reject here
		return "", nil, tgerror.New(tgerror.CodeFailedPrecondition,
			"module executables require a language runtime for host %q", cmd.Host)
	default:
		return "", nil, tgerror.New(tgerror.CodeInvalid, "command has no executable")
	}

	args := []string{exe}
	for _, a := range cmd.Args {
		if a.String != nil {
			args = append(args, *a.String)
		}
	}
	return exe, args, nil
}

// ingestFile chunks a host-side file into the store as a blob, returning
// its root id. Missing or empty files report ok=false.
func (r *Runtime) ingestFile(ctx context.Context, path string) (object.ID, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	id, n, err := codec.ChunkReader(f, store.NewBlobSink(ctx, r.st, time.Now()))
	if err != nil || n == 0 {
		return "", false
	}
	return id, true
}

// ingestOutput converts the materialized OUTPUT directory into an
// artifact. A single file at the root becomes a file artifact; anything
// else becomes a directory artifact. The returned checksum is the
// artifact id itself (content-addressed ids double as checksums).
func (r *Runtime) ingestOutput(ctx context.Context, outputDir string) (object.ID, string, bool) {
	entries, err := os.ReadDir(outputDir)
	if err != nil || len(entries) == 0 {
		return "", "", false
	}

	now := time.Now()
	sink := store.NewBlobSink(ctx, r.st, now)

	var ingestPath func(path string) (object.ID, error)
	ingestPath = func(path string) (object.ID, error) {
		info, err := os.Lstat(path)
		if err != nil {
			return "", err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return "", err
			}
			id, bytes, err := codec.HashSymlink(object.Symlink{Kind: object.SymlinkTarget, Path: target})
			if err != nil {
				return "", err
			}
			return id, r.st.Put(ctx, store.PutRequest{ID: id, Bytes: bytes, TouchedAt: now})
		case info.IsDir():
			children, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			dir := object.Directory{}
			for _, c := range children {
				childID, err := ingestPath(filepath.Join(path, c.Name()))
				if err != nil {
					return "", err
				}
				dir.Entries = append(dir.Entries, object.DirectoryEntry{
					Name: c.Name(),
					Edge: object.ArtifactEdge{Edge: object.Edge{Object: childID}},
				})
			}
			id, bytes, err := codec.HashDirectory(dir)
			if err != nil {
				return "", err
			}
			return id, r.st.Put(ctx, store.PutRequest{ID: id, Bytes: bytes, TouchedAt: now})
		default:
			f, err := os.Open(path)
			if err != nil {
				return "", err
			}
			defer f.Close()
			blobID, _, err := codec.ChunkReader(f, sink)
			if err != nil {
				return "", err
			}
			file := object.File{Contents: blobID, Executable: info.Mode()&0o111 != 0}
			id, bytes, err := codec.HashFile(file)
			if err != nil {
				return "", err
			}
			return id, r.st.Put(ctx, store.PutRequest{ID: id, Bytes: bytes, TouchedAt: now})
		}
	}

	var rootID object.ID
	if len(entries) == 1 && !entries[0].IsDir() {
		rootID, err = ingestPath(filepath.Join(outputDir, entries[0].Name()))
	} else {
		rootID, err = ingestPath(outputDir)
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("output ingest failed")
		return "", "", false
	}
	return rootID, string(rootID), true
}
