package sandbox

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/tgerror"
)

func TestPipeSingleReader(t *testing.T) {
	reg := NewRegistry()
	p := reg.OpenPipe("process_a", "pipe_x")

	_, err := p.Reader()
	require.NoError(t, err)

	_, err = p.Reader()
	require.Error(t, err)
	assert.True(t, tgerror.Is(err, tgerror.CodeConflict))
}

func TestPipeRoundTrip(t *testing.T) {
	reg := NewRegistry()
	p := reg.OpenPipe("process_a", "pipe_y")

	r, err := p.Reader()
	require.NoError(t, err)

	go func() {
		w := p.Writer()
		io.Copy(w, strings.NewReader("hello"))
		w.Close()
	}()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReleaseDropsOwnership(t *testing.T) {
	reg := NewRegistry()
	reg.OpenPipe("process_a", "pipe_z")

	_, err := reg.Pipe("pipe_z")
	require.NoError(t, err)

	reg.Release("process_a")
	_, err = reg.Pipe("pipe_z")
	require.Error(t, err)
	assert.True(t, tgerror.Is(err, tgerror.CodeNotFound))
}

type captureWriter struct{ b strings.Builder }

func (c *captureWriter) Write(p []byte) (int, error) { return c.b.Write(p) }

func TestCRLFTranslationIsUnconditional(t *testing.T) {
	var cap captureWriter
	w := crlfWriter{w: &cap}

	n, err := w.Write([]byte("one\ntwo\n"))
	require.NoError(t, err)
	// reported count is the caller's byte count, not the translated one
	assert.Equal(t, 8, n)
	assert.Equal(t, "one\r\ntwo\r\n", cap.b.String())
}
