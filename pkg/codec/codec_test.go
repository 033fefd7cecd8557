package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangramdev/tangram/pkg/object"
)

func strp(s string) *string { return &s }
func u64p(u uint64) *uint64 { return &u }
func i64p(i int64) *int64   { return &i }

func TestEncodeDecodeBinaryRoundTrip(t *testing.T) {
	cases := []object.Value{
		{Null: true},
		{String: strp("hello, 世界")},
		{UInt: u64p(1 << 40)},
		{Int: i64p(-12345)},
		{Bytes: []byte{0x00, 0x01, 0xff}},
		{Array: []object.Value{{UInt: u64p(1)}, {UInt: u64p(2)}, {Null: true}}},
		{Struct: []object.FieldValue{
			{ID: 1, Value: object.Value{String: strp("args")}},
			{ID: 9999, Value: object.Value{Null: true}}, // unknown-field-style high id
		}},
		{Enum: &object.EnumValue{VariantID: 3, Payload: object.Value{UInt: u64p(7)}}},
	}

	for _, v := range cases {
		encoded, err := EncodeBinary(v)
		require.NoError(t, err)
		require.Equal(t, FormatBinary, encoded[0])

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assertValueEqual(t, v, decoded)
	}
}

func TestDecodeRejectsInvalidFormatByte(t *testing.T) {
	_, err := Decode([]byte{0x42, 0x00})
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedVarint(t *testing.T) {
	_, err := Decode([]byte{FormatBinary, byte(tagUVarint), 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80})
	assert.Error(t, err)
}

func TestChunkReaderEmptyBlobHasWellKnownID(t *testing.T) {
	sink := &memSink{}
	id, size, err := ChunkReader(bytes.NewReader(nil), sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
	assert.Equal(t, object.EmptyBlobID, id)
}

func TestChunkReaderConcatenatesToOriginal(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), LeafSize/4) // several leaves
	sink := &memSink{}
	root, size, err := ChunkReader(bytes.NewReader(data), sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), size)

	concatenated := sink.concat(root)
	assert.Equal(t, data, concatenated)
}

// memSink is a trivial in-memory BlobSink used only by tests.
type memSink struct {
	blobs map[object.ID]object.Blob
}

func (s *memSink) PutBlob(b object.Blob) (object.ID, error) {
	if s.blobs == nil {
		s.blobs = make(map[object.ID]object.Blob)
	}
	var data []byte
	if b.IsBranch() {
		for _, c := range b.Children {
			data = append(data, []byte(c.ID)...)
		}
	} else {
		data = b.Leaf
	}
	id := object.NewID(object.KindBlob, data)
	s.blobs[id] = b
	return id, nil
}

func (s *memSink) concat(id object.ID) []byte {
	b := s.blobs[id]
	if !b.IsBranch() {
		return b.Leaf
	}
	var out []byte
	for _, c := range b.Children {
		out = append(out, s.concat(c.ID)...)
	}
	return out
}

func assertValueEqual(t *testing.T, want, got object.Value) {
	t.Helper()
	wantEnc, err := EncodeBinary(want)
	require.NoError(t, err)
	gotEnc, err := EncodeBinary(got)
	require.NoError(t, err)
	assert.Equal(t, wantEnc, gotEnc)
}
