package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDDeterministic(t *testing.T) {
	a := NewID(KindBlob, []byte("hello"))
	b := NewID(KindBlob, []byte("hello"))
	assert.Equal(t, a, b)

	c := NewID(KindBlob, []byte("world"))
	assert.NotEqual(t, a, c)
}

func TestIDKindRoundTrips(t *testing.T) {
	id := NewID(KindDirectory, []byte("x"))
	kind, err := id.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, kind)
}

func TestKindRejectsMalformedID(t *testing.T) {
	_, err := ID("not-an-id").Kind()
	assert.Error(t, err)

	_, err = ID("bogus_abc123").Kind()
	assert.Error(t, err)
}

func TestVerifyDetectsMismatch(t *testing.T) {
	id := NewID(KindBlob, []byte("hello"))
	assert.NoError(t, id.Verify([]byte("hello")))
	assert.Error(t, id.Verify([]byte("goodbye")))
}

func TestNewProcessIDIsDistinctFromContentAddressedKinds(t *testing.T) {
	id, err := NewProcessID()
	require.NoError(t, err)
	kind, err := id.Kind()
	require.NoError(t, err)
	assert.Equal(t, KindProcess, kind)
}

func TestEmptyBlobIDIsWellKnown(t *testing.T) {
	assert.Equal(t, NewID(KindBlob, []byte{}), EmptyBlobID)
	assert.Equal(t, NewID(KindBlob, nil), EmptyBlobID)
}
