package variant

import (
	"bytes"
	"fmt"

	"github.com/juanpablocruz/roreplica/pkg/internal/bin"
)

// Encoder is the write-side mirror of Decoder.
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }
func (e *Encoder) Len() int      { return e.buf.Len() }

func (e *Encoder) U16(v uint16)     { _ = bin.PutU16(&e.buf, v) }
func (e *Encoder) U32(v uint32)     { _ = bin.PutU32(&e.buf, v) }
func (e *Encoder) S32(v int32)      { _ = bin.PutI32(&e.buf, v) }
func (e *Encoder) Double(v float64) { _ = bin.PutF64(&e.buf, v) }
func (e *Encoder) Raw(p []byte)     { e.buf.Write(p) }

func (e *Encoder) Bool(v bool) {
	var b uint8
	if v {
		b = 1
	}
	_ = bin.PutU8(&e.buf, b)
}

func (e *Encoder) ByteArray(p []byte) { _ = bin.PutBytes(&e.buf, p) }

func (e *Encoder) Text(s string) error {
	raw, err := EncodeUTF16(s)
	if err != nil {
		return err
	}
	e.ByteArray(raw)
	return nil
}

// Variant writes v using its own tag; the payload must match the tag.
func (e *Encoder) Variant(v Value) error {
	if !v.Type.Known() {
		return &UnsupportedTypeError{Tag: uint32(v.Type), Offset: e.buf.Len()}
	}
	mismatch := fmt.Errorf("variant: %s payload has Go type %T", v.Type, v.V)
	var payload func()
	switch v.Type {
	case TypeBool:
		x, ok := v.V.(bool)
		if !ok {
			return mismatch
		}
		payload = func() { e.Bool(x) }
	case TypeInt:
		x, ok := v.V.(int32)
		if !ok {
			return mismatch
		}
		payload = func() { e.S32(x) }
	case TypeUInt:
		x, ok := v.V.(uint32)
		if !ok {
			return mismatch
		}
		payload = func() { e.U32(x) }
	case TypeDouble, TypeFloat:
		x, ok := v.V.(float64)
		if !ok {
			return mismatch
		}
		payload = func() { e.Double(x) }
	case TypeString:
		x, ok := v.V.(string)
		if !ok {
			return mismatch
		}
		raw, err := EncodeUTF16(x)
		if err != nil {
			return err
		}
		payload = func() { e.ByteArray(raw) }
	case TypeByteArray:
		x, ok := v.V.([]byte)
		if !ok {
			return mismatch
		}
		payload = func() { e.ByteArray(x) }
	case TypeUShort:
		x, ok := v.V.(uint16)
		if !ok {
			return mismatch
		}
		payload = func() { e.U16(x) }
	}
	e.U32(uint32(v.Type))
	e.Bool(v.Null)
	payload()
	return nil
}

// Params writes a u32 count followed by each variant in order.
func (e *Encoder) Params(vs []Value) error {
	e.U32(uint32(len(vs)))
	for i, v := range vs {
		if err := e.Variant(v); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
	}
	return nil
}
