package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// compressionMiddleware applies zstd to responses of at least minBytes
// when the client accepts it and no Content-Encoding is already set.
// Event streams are never buffered, so they bypass compression.
func compressionMiddleware(minBytes int, next http.Handler) http.Handler {
	if minBytes <= 0 {
		minBytes = 32
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
			next.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, min: minBytes, status: http.StatusOK}
		next.ServeHTTP(cw, r)
		cw.finish()
	})
}

// compressWriter buffers small responses to apply the size threshold;
// anything streaming (Flush called) is passed through untouched.
type compressWriter struct {
	http.ResponseWriter
	min      int
	status   int
	buf      bytes.Buffer
	passthru bool
	wrote    bool
}

func (c *compressWriter) WriteHeader(status int) {
	c.status = status
	if strings.HasPrefix(c.Header().Get("Content-Type"), "text/event-stream") ||
		c.Header().Get("Content-Encoding") != "" {
		c.passthru = true
		c.ResponseWriter.WriteHeader(status)
	}
}

func (c *compressWriter) Write(p []byte) (int, error) {
	c.wrote = true
	if c.passthru {
		return c.ResponseWriter.Write(p)
	}
	return c.buf.Write(p)
}

func (c *compressWriter) Flush() {
	if !c.passthru {
		// a flushing handler is streaming; emit what we have uncompressed
		c.passthru = true
		c.ResponseWriter.WriteHeader(c.status)
		if c.buf.Len() > 0 {
			c.ResponseWriter.Write(c.buf.Bytes())
			c.buf.Reset()
		}
	}
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *compressWriter) finish() {
	if c.passthru {
		return
	}
	if !c.wrote {
		c.ResponseWriter.WriteHeader(c.status)
		return
	}
	if c.buf.Len() < c.min {
		c.ResponseWriter.WriteHeader(c.status)
		c.ResponseWriter.Write(c.buf.Bytes())
		return
	}
	c.Header().Set("Content-Encoding", "zstd")
	c.Header().Del("Content-Length")
	c.ResponseWriter.WriteHeader(c.status)
	enc, err := zstd.NewWriter(c.ResponseWriter)
	if err != nil {
		c.ResponseWriter.Write(c.buf.Bytes())
		return
	}
	enc.Write(c.buf.Bytes())
	enc.Close()
}
