package sidx

import (
	"encoding/binary"
	"math"

	"github.com/bunbase/docstore/internal/document"
)

// typeTag orders value kinds the same way document.Compare does, so an
// order-preserving byte encoding of differently-typed values for the same
// field still sorts consistently with the query-level Compare semantics.
func typeTag(k document.Kind) byte {
	switch k {
	case document.KindNull:
		return 0
	case document.KindBool:
		return 1
	case document.KindInt, document.KindFloat:
		return 2
	case document.KindString:
		return 3
	default:
		return 4
	}
}

// encodeComponent writes an order-preserving byte encoding of a single
// scalar value, the way a B+Tree key for a range/composite index needs:
// bytes.Compare over the encoding must agree with document.Compare over
// the values. Arrays and objects are not supported as index key
// components (the spec scopes SIDX to scalar keys).
func encodeComponent(v document.Value) []byte {
	tag := typeTag(v.Kind())
	switch v.Kind() {
	case document.KindNull:
		return []byte{tag}
	case document.KindBool:
		b := byte(0)
		if v.AsBool() {
			b = 1
		}
		return []byte{tag, b}
	case document.KindInt, document.KindFloat:
		f, _ := v.Numeric()
		return append([]byte{tag}, encodeFloatOrdered(f)...)
	case document.KindString:
		s := v.AsString()
		out := make([]byte, 1+4+len(s))
		out[0] = tag
		binary.BigEndian.PutUint32(out[1:], uint32(len(s)))
		copy(out[5:], s)
		return out
	default:
		return []byte{tag}
	}
}

// encodeFloatOrdered maps a float64 to an 8-byte big-endian sequence whose
// unsigned-byte order matches IEEE-754 numeric order: flip the sign bit
// for non-negative numbers, flip every bit for negative numbers.
func encodeFloatOrdered(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, bits)
	return out
}

// EncodeKey concatenates the order-preserving encoding of each component
// of a (possibly composite) index key, each length-delimited by its own
// encoding so components never bleed into each other.
func EncodeKey(values []document.Value) []byte {
	var out []byte
	for _, v := range values {
		c := encodeComponent(v)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c)))
		out = append(out, lenBuf[:]...)
		out = append(out, c...)
	}
	return out
}
