package tgerror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesCode(t *testing.T) {
	base := New(CodeNotFound, "object %s absent", "blob_abc")
	wrapped := Wrap(base, "store.Get")

	assert.Equal(t, CodeNotFound, wrapped.Code)
	assert.Equal(t, "store.Get", wrapped.Location)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
}

func TestWrapOrdinaryErrorDefaultsToInternal(t *testing.T) {
	wrapped := Wrap(errors.New("boom"), "index.Put")
	assert.Equal(t, CodeInternal, wrapped.Code)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeNotFound:           http.StatusNotFound,
		CodeConflict:           http.StatusConflict,
		CodeFailedPrecondition: http.StatusPreconditionFailed,
		CodeExhausted:          http.StatusServiceUnavailable,
		CodeInternal:           http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, code.HTTPStatus())
	}
}

func TestIsMatchesByCodeNotIdentity(t *testing.T) {
	err := New(CodeChecksum, "expected a got b")
	assert.True(t, Is(err, CodeChecksum))
	assert.False(t, Is(err, CodeConflict))
}
