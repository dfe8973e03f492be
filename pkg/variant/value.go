// Package variant implements the self-describing tagged values carried in
// replication packets, together with the primitive big-endian encodings they
// are built from.
package variant

import (
	"fmt"
)

// Type is the 32-bit tag that precedes every variant on the wire.
type Type uint32

const (
	TypeInvalid   Type = 0
	TypeBool      Type = 1
	TypeInt       Type = 2
	TypeUInt      Type = 3
	TypeDouble    Type = 6
	TypeString    Type = 10
	TypeByteArray Type = 12
	TypeUShort    Type = 36
	// TypeFloat is a 32-bit float that the source widens to a double on the wire.
	TypeFloat Type = 38
)

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeUInt:
		return "uint"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeByteArray:
		return "bytearray"
	case TypeUShort:
		return "ushort"
	case TypeFloat:
		return "float"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Known reports whether t is one of the tags this package can decode.
func (t Type) Known() bool {
	switch t {
	case TypeBool, TypeInt, TypeUInt, TypeDouble, TypeString, TypeByteArray, TypeUShort, TypeFloat:
		return true
	}
	return false
}

// Value is one decoded variant. V holds the Go representation of the payload:
//
//	TypeBool      bool
//	TypeInt       int32
//	TypeUInt      uint32
//	TypeDouble    float64
//	TypeFloat     float64
//	TypeString    string
//	TypeByteArray []byte
//	TypeUShort    uint16
//
// Type and Null are kept so a decoded value re-encodes to the same bytes.
type Value struct {
	Type Type
	Null bool
	V    any
}

func Bool(b bool) Value { return Value{Type: TypeBool, V: b} }
func Int(i int32) Value { return Value{Type: TypeInt, V: i} }
func UInt(u uint32) Value { return Value{Type: TypeUInt, V: u} }
func Double(f float64) Value { return Value{Type: TypeDouble, V: f} }
func Float(f float64) Value { return Value{Type: TypeFloat, V: f} }
func String(s string) Value { return Value{Type: TypeString, V: s} }
func ByteArray(b []byte) Value { return Value{Type: TypeByteArray, V: b} }
func UShort(u uint16) Value { return Value{Type: TypeUShort, V: u} }
func (v Value) String() string { return fmt.Sprint(v.V) }
func (v Value) Interface() any { return v.V }
func (v Value) IsValid() bool { return v.Type.Known() }
func (v Value) Equal(o Value) bool { return v.Type == o.Type && v.Null == o.Null && equalPayload(v.V, o.V) }

// Int64 returns the value as an integer when it holds one of the integer types.
func (v Value) Int64() (int64, bool) {
	switch x := v.V.(type) {
	case int32:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint16:
		return int64(x), true
	}
	return 0, false
}

// Float64 returns numeric values widened to float64.
func (v Value) Float64() (float64, bool) {
	if f, ok := v.V.(float64); ok {
		return f, true
	}
	if i, ok := v.Int64(); ok {
		return float64(i), true
	}
	return 0, false
}

// Text returns the string payload of a TypeString value.
func (v Value) Text() (string, bool) {
	s, ok := v.V.(string)
	return s, ok
}

func equalPayload(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok || bok {
		return aok && bok && string(ab) == string(bb)
	}
	return a == b
}
