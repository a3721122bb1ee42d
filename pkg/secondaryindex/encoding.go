package secondaryindex

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the type of an indexed column value.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindFloat
	KindString
)

const signBit = uint64(1) << 63

// Value is a typed column value. Its binary encoding preserves order within a
// kind, so range scans over the index are plain byte scans.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// Int builds an integer column value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float builds a floating-point column value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// String builds a string column value. Bytes compare raw, so case matters.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Kind reports the value's type. The zero Value has kind 0.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer payload. Valid only for KindInt.
func (v Value) Int() int64 { return v.i }

// Float returns the float payload. Valid only for KindFloat.
func (v Value) Float() float64 { return v.f }

// Text returns the string payload. Valid only for KindString.
func (v Value) Text() string { return v.s }

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	default:
		return "<zero>"
	}
}

// encode renders the value as kind tag + order-preserving payload. Integers
// flip the sign bit so negatives sort below positives in unsigned byte order;
// floats use the IEEE 754 total-order transform.
func (v Value) encode() []byte {
	switch v.kind {
	case KindInt:
		var out [9]byte
		out[0] = byte(KindInt)
		binary.BigEndian.PutUint64(out[1:], uint64(v.i)^signBit)
		return out[:]
	case KindFloat:
		var out [9]byte
		out[0] = byte(KindFloat)
		binary.BigEndian.PutUint64(out[1:], floatSortBits(v.f))
		return out[:]
	case KindString:
		out := make([]byte, 1+len(v.s))
		out[0] = byte(KindString)
		copy(out[1:], v.s)
		return out
	default:
		return nil
	}
}

// decodeValue reverses encode.
func decodeValue(data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, fmt.Errorf("secondaryindex: empty encoded value")
	}
	switch Kind(data[0]) {
	case KindInt:
		if len(data) != 9 {
			return Value{}, fmt.Errorf("secondaryindex: bad int encoding length %d", len(data))
		}
		return Int(int64(binary.BigEndian.Uint64(data[1:]) ^ signBit)), nil
	case KindFloat:
		if len(data) != 9 {
			return Value{}, fmt.Errorf("secondaryindex: bad float encoding length %d", len(data))
		}
		return Float(floatFromSortBits(binary.BigEndian.Uint64(data[1:]))), nil
	case KindString:
		return String(string(data[1:])), nil
	default:
		return Value{}, fmt.Errorf("secondaryindex: unknown value kind %d", data[0])
	}
}

// floatSortBits maps a float64 onto a uint64 whose unsigned order matches the
// float order: positives get the sign bit set, negatives are bit-inverted so
// larger magnitudes sort lower.
func floatSortBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&signBit != 0 {
		return ^bits
	}
	return bits | signBit
}

func floatFromSortBits(bits uint64) float64 {
	if bits&signBit != 0 {
		return math.Float64frombits(bits &^ signBit)
	}
	return math.Float64frombits(^bits)
}
