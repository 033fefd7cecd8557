package sandbox

import (
	"io"
	"os"
	"sync"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Pty is a server-owned pseudo-terminal: the master side is read and
// written through the server (SSE on the wire), the slave side is handed
// to the sandboxed child as its controlling terminal.
type Pty struct {
	ID object.ID

	master *os.File
	slave  *os.File

	mu        sync.Mutex
	hasReader bool
}

// OpenPty allocates a PTY pair and registers it as owned by process.
func (r *Registry) OpenPty(process, id object.ID) (*Pty, error) {
	master, slave, err := openPtyFiles()
	if err != nil {
		return nil, tgerror.Wrap(err, "sandbox.OpenPty")
	}
	t := &Pty{ID: id, master: master, slave: slave}
	r.mu.Lock()
	r.ptys[id] = t
	r.owner[process] = append(r.owner[process], id)
	r.mu.Unlock()
	return t, nil
}

// Slave returns the child-side file, passed to the sandboxed process as
// stdin/stdout/stderr.
func (t *Pty) Slave() *os.File { return t.slave }

// Writer returns the server-side write end with the unconditional
// \n→\r\n translation applied.
func (t *Pty) Writer() io.Writer { return crlfWriter{w: t.master} }

// Reader claims the server-side read end; a second claim fails.
func (t *Pty) Reader() (io.Reader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasReader {
		return nil, tgerror.New(tgerror.CodeConflict, "pty %s already has a reader", t.ID)
	}
	t.hasReader = true
	return t.master, nil
}

// Close releases both sides.
func (t *Pty) Close() error {
	t.slave.Close()
	return t.master.Close()
}
