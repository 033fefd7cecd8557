package sandbox

import (
	"bytes"
	"io"
	"sync"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Pipe is a server-owned stdio pipe with a single writer and a single
// reader at a time; attaching a second reader fails.
type Pipe struct {
	ID object.ID

	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	taken  bool
}

// NewPipe creates a pipe owned by the given process-scoped registry
// caller.
func NewPipe(id object.ID) *Pipe {
	r, w := io.Pipe()
	return &Pipe{ID: id, reader: r, writer: w}
}

// Writer returns the write end.
func (p *Pipe) Writer() io.WriteCloser { return p.writer }

// Reader claims the read end. The second claim fails.
func (p *Pipe) Reader() (io.Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taken {
		return nil, tgerror.New(tgerror.CodeConflict, "pipe %s already has a reader", p.ID)
	}
	p.taken = true
	return p.reader, nil
}

// Close closes both ends.
func (p *Pipe) Close() error {
	p.writer.Close()
	return p.reader.Close()
}

// crlfWriter rewrites \n to \r\n on its way to a PTY master. The
// translation is unconditional.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	translated := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	if _, err := c.w.Write(translated); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Registry owns the live pipes and PTYs of running processes. Lifetimes
// are scoped to the owning process: Release drops everything the process
// opened.
type Registry struct {
	mu    sync.Mutex
	pipes map[object.ID]*Pipe
	ptys  map[object.ID]*Pty
	owner map[object.ID][]object.ID // process id -> owned pipe/pty ids
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		pipes: make(map[object.ID]*Pipe),
		ptys:  make(map[object.ID]*Pty),
		owner: make(map[object.ID][]object.ID),
	}
}

// OpenPipe creates and registers a pipe owned by process.
func (r *Registry) OpenPipe(process, id object.ID) *Pipe {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := NewPipe(id)
	r.pipes[id] = p
	r.owner[process] = append(r.owner[process], id)
	return p
}

// Pipe looks up a registered pipe.
func (r *Registry) Pipe(id object.ID) (*Pipe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipes[id]
	if !ok {
		return nil, tgerror.New(tgerror.CodeNotFound, "pipe %s", id)
	}
	return p, nil
}

// Pty looks up a registered PTY.
func (r *Registry) Pty(id object.ID) (*Pty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.ptys[id]
	if !ok {
		return nil, tgerror.New(tgerror.CodeNotFound, "pty %s", id)
	}
	return t, nil
}

// Release closes and forgets everything owned by process.
func (r *Registry) Release(process object.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.owner[process] {
		if p, ok := r.pipes[id]; ok {
			p.Close()
			delete(r.pipes, id)
		}
		if t, ok := r.ptys[id]; ok {
			t.Close()
			delete(r.ptys, id)
		}
	}
	delete(r.owner, process)
}
