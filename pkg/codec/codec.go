// Package codec implements the engine's order-preserving key encoding
// (spec §4.1): keys are typed tuples of segments, encoded so that
// lexicographic byte comparison of the encoded form equals semantic
// order within a type, and types sort by a fixed type-byte prefix.
//
// The codec is deterministic, injective, and round-trippable:
// Decode(Encode(x)) == x for every supported segment type.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/strata/pkg/kverrors"
)

// Segment type bytes, in ascending sort order. 0x00 (the segment
// terminator) and 0xFF (the After sentinel) never appear as a segment's
// leading byte.
const (
	typeNull   byte = 0x01
	typeFalse  byte = 0x02
	typeTrue   byte = 0x03
	typeInt    byte = 0x04
	typeFloat  byte = 0x05
	typeBytes  byte = 0x06
	typeString byte = 0x07
	typeTime   byte = 0x08
)

const segmentTerminator = 0x00

// Before sorts less than any encoded key. After sorts greater than any
// encoded key. They exist only to express open range bounds (spec §4.1)
// and are never the encoding of a real segment tuple.
var (
	Before = []byte{}
	After  = []byte{0xFF}
)

// Null is a sentinel value encoders accept in place of a segment to mean
// SQL-style NULL, ordered below every other type.
type Null struct{}

// Encode encodes a tuple of segments into an order-preserving byte
// string. Supported segment Go types: nil / codec.Null{}, bool, int64
// (or any signed integer type, converted), float64, []byte, string,
// time.Time.
func Encode(segments ...any) ([]byte, error) {
	out := make([]byte, 0, 16*len(segments))
	for i, seg := range segments {
		raw, err := encodeSegment(seg)
		if err != nil {
			return nil, kverrors.New(kverrors.Conversion, "codec.Encode", "segment %d: %v", i, err)
		}
		out = append(out, escapeZeros(raw)...)
		out = append(out, segmentTerminator)
	}
	return out, nil
}

func encodeSegment(seg any) ([]byte, error) {
	switch v := seg.(type) {
	case nil, Null:
		return []byte{typeNull}, nil
	case bool:
		if v {
			return []byte{typeTrue}, nil
		}
		return []byte{typeFalse}, nil
	case int:
		return encodeInt(int64(v)), nil
	case int8:
		return encodeInt(int64(v)), nil
	case int16:
		return encodeInt(int64(v)), nil
	case int32:
		return encodeInt(int64(v)), nil
	case int64:
		return encodeInt(v), nil
	case float32:
		return encodeFloat(float64(v)), nil
	case float64:
		return encodeFloat(v), nil
	case []byte:
		return append([]byte{typeBytes}, v...), nil
	case string:
		return append([]byte{typeString}, []byte(v)...), nil
	case time.Time:
		return encodeInt2(typeTime, v.UnixNano()), nil
	default:
		return nil, fmt.Errorf("unsupported segment type %T", seg)
	}
}

func encodeInt(v int64) []byte {
	return encodeInt2(typeInt, v)
}

func encodeInt2(typ byte, v int64) []byte {
	buf := make([]byte, 9)
	buf[0] = typ
	// Flip the sign bit so two's-complement ordering matches unsigned
	// big-endian byte ordering: negative numbers sort before positive.
	binary.BigEndian.PutUint64(buf[1:], uint64(v)^(1<<63))
	return buf
}

func encodeFloat(v float64) []byte {
	bits := math.Float64bits(v)
	if bits>>63 == 1 {
		// Negative: flip all bits so larger magnitude sorts smaller.
		bits = ^bits
	} else {
		// Positive (or zero): flip only the sign bit.
		bits |= 1 << 63
	}
	buf := make([]byte, 9)
	buf[0] = typeFloat
	binary.BigEndian.PutUint64(buf[1:], bits)
	return buf
}

// escapeZeros doubles every 0x00 byte in raw so the single-0x00 segment
// terminator used by Encode/Decode remains unambiguous.
func escapeZeros(raw []byte) []byte {
	n := 0
	for _, b := range raw {
		if b == 0 {
			n++
		}
	}
	if n == 0 {
		return raw
	}
	out := make([]byte, 0, len(raw)+n)
	for _, b := range raw {
		out = append(out, b)
		if b == 0 {
			out = append(out, 0)
		}
	}
	return out
}

// Decode reverses Encode, returning one Go value per segment using the
// same type set Encode accepts (Null{} for NULL segments).
func Decode(b []byte) ([]any, error) {
	var out []any
	i := 0
	for i < len(b) {
		start := i
		raw := make([]byte, 0, 8)
		terminated := false
		for i < len(b) {
			if b[i] == segmentTerminator {
				if i+1 < len(b) && b[i+1] == segmentTerminator {
					raw = append(raw, 0)
					i += 2
					continue
				}
				i++
				terminated = true
				break
			}
			raw = append(raw, b[i])
			i++
		}
		if !terminated {
			return nil, kverrors.New(kverrors.Conversion, "codec.Decode", "unterminated segment starting at byte %d", start)
		}
		val, err := decodeSegment(raw)
		if err != nil {
			return nil, kverrors.New(kverrors.Conversion, "codec.Decode", "segment at byte %d: %v", start, err)
		}
		out = append(out, val)
	}
	return out, nil
}

func decodeSegment(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty segment")
	}
	typ, payload := raw[0], raw[1:]
	switch typ {
	case typeNull:
		return Null{}, nil
	case typeFalse:
		return false, nil
	case typeTrue:
		return true, nil
	case typeInt:
		v, err := decodeInt(payload)
		return v, err
	case typeFloat:
		return decodeFloat(payload)
	case typeBytes:
		return append([]byte(nil), payload...), nil
	case typeString:
		return string(payload), nil
	case typeTime:
		v, err := decodeInt(payload)
		if err != nil {
			return nil, err
		}
		return time.Unix(0, v).UTC(), nil
	default:
		return nil, fmt.Errorf("unknown type byte 0x%02x", typ)
	}
}

func decodeInt(payload []byte) (int64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("int segment length %d, want 8", len(payload))
	}
	bits := binary.BigEndian.Uint64(payload)
	return int64(bits ^ (1 << 63)), nil
}

func decodeFloat(payload []byte) (float64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("float segment length %d, want 8", len(payload))
	}
	bits := binary.BigEndian.Uint64(payload)
	if bits>>63 == 1 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), nil
}
