package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// EncodeBinary serializes v as a complete binary payload, including the
// leading 0x00 format discriminator.
func EncodeBinary(v object.Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(FormatBinary)
	w := bufio.NewWriter(&buf)
	if err := EncodeValue(w, v); err != nil {
		return nil, fmt.Errorf("encode binary value: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeJSON serializes v as a JSON payload. The JSON form is for human
// tools and forward compatibility only: it erases the typed-number and
// struct/enum distinctions the binary format preserves, so JSON bytes
// must never be hashed or stored on the content-addressing path —
// EncodeBinary is the sole canonical encoding. Decode accepts JSON only
// when the payload starts with '{'; EncodeJSON writes structs, maps and
// arrays as JSON arrays, so of its output only enum values decode again.
func EncodeJSON(v object.Value) ([]byte, error) {
	return json.Marshal(jsonValue(v))
}

// Decode inspects the first byte of payload to pick a wire format and
// returns the decoded Value.
func Decode(payload []byte) (object.Value, error) {
	if len(payload) == 0 {
		return object.Value{}, fmt.Errorf("%w: empty payload", tgerror.ErrInvalid)
	}
	switch payload[0] {
	case FormatBinary:
		r := bufio.NewReader(bytes.NewReader(payload[1:]))
		v, err := DecodeValue(r)
		if err != nil {
			return object.Value{}, fmt.Errorf("decode binary value: %w", err)
		}
		return v, nil
	case FormatJSON:
		var raw interface{}
		if err := json.Unmarshal(payload, &raw); err != nil {
			return object.Value{}, fmt.Errorf("%w: decode json value: %v", tgerror.ErrInvalid, err)
		}
		return fromJSONAny(raw), nil
	default:
		return object.Value{}, fmt.Errorf("%w: invalid format discriminator byte 0x%02x", tgerror.ErrInvalid, payload[0])
	}
}

// jsonValue maps an object.Value onto a plain interface{} for JSON encoding.
// Struct field ids and enum variant ids are preserved as sibling keys so a
// JSON consumer can still see them, matching the binary format's field-id
// tagging rather than silently collapsing it away.
func jsonValue(v object.Value) interface{} {
	switch {
	case v.Bool != nil:
		return *v.Bool
	case v.UInt != nil:
		return *v.UInt
	case v.Int != nil:
		return *v.Int
	case v.F32 != nil:
		return *v.F32
	case v.F64 != nil:
		return *v.F64
	case v.String != nil:
		return *v.String
	case v.Bytes != nil:
		return v.Bytes
	case v.Array != nil:
		out := make([]interface{}, len(v.Array))
		for i, e := range v.Array {
			out[i] = jsonValue(e)
		}
		return out
	case v.Map != nil:
		out := make([]map[string]interface{}, len(v.Map))
		for i, e := range v.Map {
			out[i] = map[string]interface{}{"key": jsonValue(e.Key), "value": jsonValue(e.Value)}
		}
		return out
	case v.Struct != nil:
		out := make([]map[string]interface{}, len(v.Struct))
		for i, f := range v.Struct {
			out[i] = map[string]interface{}{"id": f.ID, "value": jsonValue(f.Value)}
		}
		return out
	case v.Enum != nil:
		return map[string]interface{}{"variant": v.Enum.VariantID, "payload": jsonValue(v.Enum.Payload)}
	default:
		return nil
	}
}

// fromJSONAny reconstructs an approximate object.Value from decoded JSON.
// Because JSON erases the uvarint/ivarint/f32/f64/struct/enum distinctions
// the binary format preserves, numbers come back as F64, JSON arrays as
// Array values and JSON objects as Map values keyed by string; Struct
// and Enum values written by jsonValue are not restored as such.
// Callers on the content-addressing path must use the binary format; this
// branch exists for human tools and forward compatibility only.
func fromJSONAny(raw interface{}) object.Value {
	switch x := raw.(type) {
	case nil:
		return object.Value{Null: true}
	case bool:
		return object.Value{Bool: &x}
	case float64:
		return object.Value{F64: &x}
	case string:
		return object.Value{String: &x}
	case []interface{}:
		arr := make([]object.Value, len(x))
		for i, e := range x {
			arr[i] = fromJSONAny(e)
		}
		return object.Value{Array: arr}
	case map[string]interface{}:
		entries := make([]object.MapEntry, 0, len(x))
		for k, v := range x {
			ks := k
			entries = append(entries, object.MapEntry{Key: object.Value{String: &ks}, Value: fromJSONAny(v)})
		}
		return object.Value{Map: entries}
	default:
		return object.Value{Null: true}
	}
}
