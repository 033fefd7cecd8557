package codec

import (
	"bufio"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// valueTag is the binary-format discriminator for object.Value's variants.
// Each struct field and enum variant elsewhere in the codec reuses this
// same tagged-union approach.
type valueTag uint64

const (
	tagNull valueTag = iota
	tagBool
	tagUVarint
	tagIVarint
	tagF32
	tagF64
	tagString
	tagBytes
	tagArray
	tagMap
	tagStruct
	tagEnum
)

// EncodeValue writes v in the binary format (no leading format byte; callers
// writing a top-level payload should prefix it themselves via EncodeBinary).
func EncodeValue(w *bufio.Writer, v object.Value) error {
	switch {
	case v.Null:
		return WriteUvarint(w, uint64(tagNull))
	case v.Bool != nil:
		if err := WriteUvarint(w, uint64(tagBool)); err != nil {
			return err
		}
		b := byte(0)
		if *v.Bool {
			b = 1
		}
		return w.WriteByte(b)
	case v.UInt != nil:
		if err := WriteUvarint(w, uint64(tagUVarint)); err != nil {
			return err
		}
		return WriteUvarint(w, *v.UInt)
	case v.Int != nil:
		if err := WriteUvarint(w, uint64(tagIVarint)); err != nil {
			return err
		}
		return WriteIvarint(w, *v.Int)
	case v.F32 != nil:
		if err := WriteUvarint(w, uint64(tagF32)); err != nil {
			return err
		}
		return writeFixed32(w, math.Float32bits(*v.F32))
	case v.F64 != nil:
		if err := WriteUvarint(w, uint64(tagF64)); err != nil {
			return err
		}
		return writeFixed64(w, math.Float64bits(*v.F64))
	case v.String != nil:
		if !utf8.ValidString(*v.String) {
			return fmt.Errorf("%w: string is not valid utf-8", tgerror.ErrInvalid)
		}
		if err := WriteUvarint(w, uint64(tagString)); err != nil {
			return err
		}
		return writeLengthPrefixed(w, []byte(*v.String))
	case v.Bytes != nil:
		if err := WriteUvarint(w, uint64(tagBytes)); err != nil {
			return err
		}
		return writeLengthPrefixed(w, v.Bytes)
	case v.Array != nil:
		if err := WriteUvarint(w, uint64(tagArray)); err != nil {
			return err
		}
		if err := WriteUvarint(w, uint64(len(v.Array))); err != nil {
			return err
		}
		for _, e := range v.Array {
			if err := EncodeValue(w, e); err != nil {
				return err
			}
		}
		return nil
	case v.Map != nil:
		if err := WriteUvarint(w, uint64(tagMap)); err != nil {
			return err
		}
		if err := WriteUvarint(w, uint64(len(v.Map))); err != nil {
			return err
		}
		for _, e := range v.Map {
			if err := EncodeValue(w, e.Key); err != nil {
				return err
			}
			if err := EncodeValue(w, e.Value); err != nil {
				return err
			}
		}
		return nil
	case v.Struct != nil:
		if err := WriteUvarint(w, uint64(tagStruct)); err != nil {
			return err
		}
		if err := WriteUvarint(w, uint64(len(v.Struct))); err != nil {
			return err
		}
		for _, f := range v.Struct {
			if err := WriteUvarint(w, f.ID); err != nil {
				return err
			}
			if err := EncodeValue(w, f.Value); err != nil {
				return err
			}
		}
		return nil
	case v.Enum != nil:
		if err := WriteUvarint(w, uint64(tagEnum)); err != nil {
			return err
		}
		if err := WriteUvarint(w, v.Enum.VariantID); err != nil {
			return err
		}
		return EncodeValue(w, v.Enum.Payload)
	default:
		// The zero Value (no variant set) encodes as null.
		return WriteUvarint(w, uint64(tagNull))
	}
}

// DecodeValue reads a Value in the binary format. Unknown struct field ids
// and enum variant ids are preserved rather than rejected: the generic
// Value grammar lets higher layers decide whether to ignore them.
func DecodeValue(r *bufio.Reader) (object.Value, error) {
	tagU, err := ReadUvarint(r)
	if err != nil {
		return object.Value{}, err
	}
	switch valueTag(tagU) {
	case tagNull:
		return object.Value{Null: true}, nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return object.Value{}, err
		}
		bv := b != 0
		return object.Value{Bool: &bv}, nil
	case tagUVarint:
		u, err := ReadUvarint(r)
		if err != nil {
			return object.Value{}, err
		}
		return object.Value{UInt: &u}, nil
	case tagIVarint:
		i, err := ReadIvarint(r)
		if err != nil {
			return object.Value{}, err
		}
		return object.Value{Int: &i}, nil
	case tagF32:
		bits, err := readFixed32(r)
		if err != nil {
			return object.Value{}, err
		}
		f := math.Float32frombits(bits)
		return object.Value{F32: &f}, nil
	case tagF64:
		bits, err := readFixed64(r)
		if err != nil {
			return object.Value{}, err
		}
		f := math.Float64frombits(bits)
		return object.Value{F64: &f}, nil
	case tagString:
		b, err := readLengthPrefixed(r)
		if err != nil {
			return object.Value{}, err
		}
		if !utf8.Valid(b) {
			return object.Value{}, fmt.Errorf("%w: decoded string is not valid utf-8", tgerror.ErrInvalid)
		}
		s := string(b)
		return object.Value{String: &s}, nil
	case tagBytes:
		b, err := readLengthPrefixed(r)
		if err != nil {
			return object.Value{}, err
		}
		return object.Value{Bytes: b}, nil
	case tagArray:
		n, err := ReadUvarint(r)
		if err != nil {
			return object.Value{}, err
		}
		arr := make([]object.Value, n)
		for i := range arr {
			arr[i], err = DecodeValue(r)
			if err != nil {
				return object.Value{}, err
			}
		}
		return object.Value{Array: arr}, nil
	case tagMap:
		n, err := ReadUvarint(r)
		if err != nil {
			return object.Value{}, err
		}
		entries := make([]object.MapEntry, n)
		for i := range entries {
			k, err := DecodeValue(r)
			if err != nil {
				return object.Value{}, err
			}
			v, err := DecodeValue(r)
			if err != nil {
				return object.Value{}, err
			}
			entries[i] = object.MapEntry{Key: k, Value: v}
		}
		return object.Value{Map: entries}, nil
	case tagStruct:
		n, err := ReadUvarint(r)
		if err != nil {
			return object.Value{}, err
		}
		fields := make([]object.FieldValue, n)
		for i := range fields {
			id, err := ReadUvarint(r)
			if err != nil {
				return object.Value{}, err
			}
			v, err := DecodeValue(r)
			if err != nil {
				return object.Value{}, err
			}
			fields[i] = object.FieldValue{ID: id, Value: v}
		}
		return object.Value{Struct: fields}, nil
	case tagEnum:
		variant, err := ReadUvarint(r)
		if err != nil {
			return object.Value{}, err
		}
		payload, err := DecodeValue(r)
		if err != nil {
			return object.Value{}, err
		}
		return object.Value{Enum: &object.EnumValue{VariantID: variant, Payload: payload}}, nil
	default:
		return object.Value{}, fmt.Errorf("%w: unknown value tag %d", tgerror.ErrInvalid, tagU)
	}
}

func writeLengthPrefixed(w *bufio.Writer, b []byte) error {
	if err := WriteUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	n, err := ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, fmt.Errorf("read length-prefixed payload: %w", err)
	}
	return b, nil
}

func readFull(r *bufio.Reader, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := r.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeFixed32(w *bufio.Writer, v uint32) error {
	var b [4]byte
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	_, err := w.Write(b[:])
	return err
}

func readFixed32(r *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func writeFixed64(w *bufio.Writer, v uint64) error {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	_, err := w.Write(b[:])
	return err
}

func readFixed64(r *bufio.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, nil
}
