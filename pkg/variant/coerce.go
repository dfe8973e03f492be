package variant

import (
	"errors"
	"fmt"
	"math"
)

// ErrCoerce is returned when a Go value cannot be represented as the declared type.
var ErrCoerce = errors.New("variant: cannot coerce")

// Coerce builds a Value of the declared type t from x. The declared type wins
// over the runtime type: an int passed for a float property is sent as a
// float, never as an int.
func Coerce(t Type, x any) (Value, error) {
	if v, ok := x.(Value); ok {
		if v.Type == t {
			return v, nil
		}
		x = v.V
	}
	fail := func() (Value, error) {
		return Value{}, fmt.Errorf("%w: %T(%v) to %s", ErrCoerce, x, x, t)
	}
	switch t {
	case TypeBool:
		b, ok := x.(bool)
		if !ok {
			return fail()
		}
		return Bool(b), nil
	case TypeInt:
		i, ok := toInt64(x)
		if !ok || i < math.MinInt32 || i > math.MaxInt32 {
			return fail()
		}
		return Int(int32(i)), nil
	case TypeUInt:
		i, ok := toInt64(x)
		if !ok || i < 0 || i > math.MaxUint32 {
			return fail()
		}
		return UInt(uint32(i)), nil
	case TypeUShort:
		i, ok := toInt64(x)
		if !ok || i < 0 || i > math.MaxUint16 {
			return fail()
		}
		return UShort(uint16(i)), nil
	case TypeDouble, TypeFloat:
		f, ok := toFloat64(x)
		if !ok {
			return fail()
		}
		return Value{Type: t, V: f}, nil
	case TypeString:
		s, ok := x.(string)
		if !ok {
			return fail()
		}
		return String(s), nil
	case TypeByteArray:
		switch b := x.(type) {
		case []byte:
			return ByteArray(b), nil
		case string:
			return ByteArray([]byte(b)), nil
		}
		return fail()
	}
	return Value{}, &UnsupportedTypeError{Tag: uint32(t)}
}

func toInt64(x any) (int64, bool) {
	switch n := x.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func toFloat64(x any) (float64, bool) {
	switch f := x.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	}
	if i, ok := toInt64(x); ok {
		return float64(i), true
	}
	return 0, false
}
