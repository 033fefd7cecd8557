// Package builtin implements the builtin runtime: commands whose host is
// "builtin" run inside the server rather than in a sandbox. The builtin
// name is the command's executable ("bundle", "checksum", "download",
// "archive", "extract") and the operands are the command's args.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tangramdev/tangram/pkg/codec"
	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/log"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/process"
	"github.com/tangramdev/tangram/pkg/store"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Host is the command host string the runtime registers under.
const Host = "builtin"

// Runtime executes builtin commands against the store directly. It
// implements process.Runtime.
type Runtime struct {
	st     store.Store
	logger zerolog.Logger
}

// New constructs a Runtime over st.
func New(st store.Store) *Runtime {
	return &Runtime{st: st, logger: log.WithComponent("builtin")}
}

// Run dispatches on the builtin named by the command's executable.
func (r *Runtime) Run(ctx context.Context, row index.ProcessRow, cmd object.Command) (process.Result, error) {
	name := cmd.Executable.Path
	args := stringArgs(cmd.Args)
	r.logger.Debug().Str("process_id", string(row.ID)).Str("builtin", name).Msg("running builtin")

	var result process.Result
	var err error
	switch name {
	case "bundle":
		result, err = r.bundle(ctx, args)
	case "checksum":
		result, err = r.checksum(ctx, args)
	case "download":
		result, err = r.download(ctx, args)
	case "archive":
		result, err = r.archive(ctx, args)
	case "extract":
		result, err = r.extract(ctx, args)
	default:
		return process.Result{}, tgerror.New(tgerror.CodeFailedPrecondition, "unknown builtin %q", name)
	}
	if err != nil {
		// a builtin failure is the process's failure, not the runner's
		return process.Result{Exit: 1, Error: tgerror.Wrap(err, "builtin."+name)}, nil
	}
	return result, nil
}

func stringArgs(args []object.Value) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a.String != nil {
			out = append(out, *a.String)
		}
	}
	return out
}

// loadArtifact decodes the artifact stored under id.
func (r *Runtime) loadArtifact(ctx context.Context, id object.ID) (object.Artifact, error) {
	kind, err := id.Kind()
	if err != nil {
		return object.Artifact{}, err
	}
	entry, err := r.st.Get(ctx, id)
	if err != nil {
		return object.Artifact{}, err
	}
	raw, err := store.Dereference(entry)
	if err != nil {
		return object.Artifact{}, err
	}
	v, err := codec.Decode(raw)
	if err != nil {
		return object.Artifact{}, err
	}
	switch kind {
	case object.KindDirectory:
		dir, err := codec.ValueToDirectory(v)
		if err != nil {
			return object.Artifact{}, err
		}
		return object.Artifact{Directory: &dir}, nil
	case object.KindFile:
		file, err := codec.ValueToFile(v)
		if err != nil {
			return object.Artifact{}, err
		}
		return object.Artifact{File: &file}, nil
	case object.KindSymlink:
		link, err := codec.ValueToSymlink(v)
		if err != nil {
			return object.Artifact{}, err
		}
		return object.Artifact{Symlink: &link}, nil
	}
	return object.Artifact{}, tgerror.New(tgerror.CodeInvalid, "%s is not an artifact", id)
}

// storeArtifact hashes and stores an artifact, returning its id.
func (r *Runtime) storeArtifact(ctx context.Context, a object.Artifact) (object.ID, error) {
	var id object.ID
	var data []byte
	var err error
	switch {
	case a.Directory != nil:
		id, data, err = codec.HashDirectory(*a.Directory)
	case a.File != nil:
		id, data, err = codec.HashFile(*a.File)
	case a.Symlink != nil:
		id, data, err = codec.HashSymlink(*a.Symlink)
	default:
		return "", tgerror.New(tgerror.CodeInvalid, "empty artifact")
	}
	if err != nil {
		return "", err
	}
	if err := r.st.Put(ctx, store.PutRequest{ID: id, Bytes: data, TouchedAt: time.Now()}); err != nil {
		return "", fmt.Errorf("store artifact %s: %w", id, err)
	}
	return id, nil
}

// blobLength reads a blob's total length from its root node.
func (r *Runtime) blobLength(ctx context.Context, id object.ID) (int64, error) {
	entry, err := r.st.Get(ctx, id)
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
