package object

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Kind identifies the type of object (or process) an ID refers to.
type Kind string

const (
	KindBlob      Kind = "blob"
	KindDirectory Kind = "directory"
	KindFile      Kind = "file"
	KindSymlink   Kind = "symlink"
	KindGraph     Kind = "graph"
	KindCommand   Kind = "command"
	KindProcess   Kind = "process"
	KindError     Kind = "error"
	KindPipe      Kind = "pipe"
	KindPty       Kind = "pty"
	KindUser      Kind = "user"
)

var knownKinds = map[Kind]bool{
	KindBlob: true, KindDirectory: true, KindFile: true, KindSymlink: true,
	KindGraph: true, KindCommand: true, KindProcess: true, KindError: true,
	KindPipe: true, KindPty: true, KindUser: true,
}

// ID is a typed identifier of the form "<kind>_<base32>". Content-addressed
// kinds encode a blake3 digest of the object's canonical bytes; Process ids
// encode a UUIDv7 instead and are never rehashed.
type ID string

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID hashes data with blake3 and returns the ID for the given kind.
func NewID(kind Kind, data []byte) ID {
	sum := blake3.Sum256(data)
	return ID(string(kind) + "_" + strings.ToLower(b32.EncodeToString(sum[:])))
}

// NewProcessID mints a fresh time-ordered process id (UUIDv7).
func NewProcessID() (ID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate process id: %w", err)
	}
	return ID(string(KindProcess) + "_" + strings.ReplaceAll(u.String(), "-", "")), nil
}

// Kind returns the kind component of the id.
func (id ID) Kind() (Kind, error) {
	parts := strings.SplitN(string(id), "_", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: malformed id %q", tgerror.ErrInvalid, id)
	}
	k := Kind(parts[0])
	if !knownKinds[k] {
		return "", fmt.Errorf("%w: unknown kind in id %q", tgerror.ErrInvalid, id)
	}
	return k, nil
}

// Verify recomputes the hash of data and reports whether it matches id.
// Only meaningful for content-addressed kinds; callers must not call this
// for process ids.
func (id ID) Verify(data []byte) error {
	kind, err := id.Kind()
	if err != nil {
		return err
	}
	if NewID(kind, data) != id {
		return fmt.Errorf("%w: id %q does not match rehashed bytes", tgerror.ErrChecksum, id)
	}
	return nil
}

func (id ID) String() string { return string(id) }

// EmptyBlobID is the fixed, well-known id of the empty blob.
var EmptyBlobID = NewID(KindBlob, nil)
