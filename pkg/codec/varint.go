package codec

import (
	"bufio"
	"fmt"

	"github.com/tangramdev/tangram/pkg/tgerror"
)

// WriteUvarint writes an unsigned LEB128 varint.
func WriteUvarint(w *bufio.Writer, v uint64) error {
	for v >= 0x80 {
		if err := w.WriteByte(byte(v) | 0x80); err != nil {
			return err
		}
		v >>= 7
	}
	return w.WriteByte(byte(v))
}

// ReadUvarint reads an unsigned LEB128 varint, up to 10 bytes (64 bits).
func ReadUvarint(r *bufio.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; i < 10; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("read uvarint: %w", err)
		}
		result |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return result, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("%w: varint too long (truncated or corrupt)", tgerror.ErrInvalid)
}

// WriteIvarint writes a signed integer as a ZigZag-encoded LEB128 varint,
// so small-magnitude negative numbers stay compact.
func WriteIvarint(w *bufio.Writer, v int64) error {
	return WriteUvarint(w, zigzagEncode(v))
}

// ReadIvarint reads a ZigZag-encoded LEB128 varint.
func ReadIvarint(r *bufio.Reader) (int64, error) {
	u, err := ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	return zigzagDecode(u), nil
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
