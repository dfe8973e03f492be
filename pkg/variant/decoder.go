package variant

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/juanpablocruz/roreplica/pkg/internal/bin"
	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrTruncatedFrame means a decode needed bytes past the end of the frame.
	ErrTruncatedFrame = errors.New("variant: truncated frame")
	// ErrUnsupportedType is matched by every *UnsupportedTypeError.
	ErrUnsupportedType = errors.New("variant: unsupported type")
	// ErrMalformedText is returned for text payloads that are not UTF-16 code units.
	ErrMalformedText = errors.New("variant: malformed text")
)

// UnsupportedTypeError carries the unknown tag and where it was found.
type UnsupportedTypeError struct {
	Tag    uint32
	Offset int
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("variant: unsupported type %d at offset %d", e.Tag, e.Offset)
}

func (e *UnsupportedTypeError) Is(target error) bool { return target == ErrUnsupportedType }

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Decoder is a read cursor over exactly one frame. It never reads past the
// buffer it was given and is not reused across frames.
type Decoder struct {
	r    *bytes.Reader
	size int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(b), size: len(b)}
}

// Offset is the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.size - d.r.Len() }

// Remaining is the number of unread bytes.
func (d *Decoder) Remaining() int { return d.r.Len() }

func (d *Decoder) truncated(need int) error {
	return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncatedFrame, need, d.Offset(), d.r.Len())
}

func (d *Decoder) U16() (uint16, error) {
	v, err := bin.GetU16(d.r)
	if err != nil {
		return 0, d.truncated(2)
	}
	return v, nil
}

func (d *Decoder) U32() (uint32, error) {
	v, err := bin.GetU32(d.r)
	if err != nil {
		return 0, d.truncated(4)
	}
	return v, nil
}

func (d *Decoder) S32() (int32, error) {
	v, err := bin.GetI32(d.r)
	if err != nil {
		return 0, d.truncated(4)
	}
	return v, nil
}

func (d *Decoder) Double() (float64, error) {
	v, err := bin.GetF64(d.r)
	if err != nil {
		return 0, d.truncated(8)
	}
	return v, nil
}

func (d *Decoder) Bool() (bool, error) {
	v, err := bin.GetU8(d.r)
	if err != nil {
		return false, d.truncated(1)
	}
	return v != 0, nil
}

// ByteArray reads a u32 byte length followed by that many raw bytes.
func (d *Decoder) ByteArray() ([]byte, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	b, err := bin.GetN(d.r, n)
	if err != nil {
		return nil, d.truncated(int(n))
	}
	return b, nil
}

// Text reads a u32 byte length followed by UTF-16BE code units.
func (d *Decoder) Text() (string, error) {
	off := d.Offset()
	raw, err := d.ByteArray()
	if err != nil {
		return "", err
	}
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("%w: odd byte length %d at offset %d", ErrMalformedText, len(raw), off)
	}
	return DecodeUTF16(raw)
}

// Variant reads a tag, a null flag and the tag-specific payload.
func (d *Decoder) Variant() (Value, error) {
	off := d.Offset()
	tag, err := d.U32()
	if err != nil {
		return Value{}, err
	}
	null, err := d.Bool()
	if err != nil {
		return Value{}, err
	}
	v := Value{Type: Type(tag), Null: null}
	switch v.Type {
	case TypeBool:
		v.V, err = d.Bool()
	case TypeInt:
		v.V, err = d.S32()
	case TypeUInt:
		v.V, err = d.U32()
	case TypeDouble, TypeFloat:
		v.V, err = d.Double()
	case TypeString:
		v.V, err = d.Text()
	case TypeByteArray:
		v.V, err = d.ByteArray()
	case TypeUShort:
		v.V, err = d.U16()
	default:
		return Value{}, &UnsupportedTypeError{Tag: tag, Offset: off}
	}
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

// minVariantSize is the tag plus the null flag.
const minVariantSize = 5

// Params reads a u32 count followed by that many variants.
func (d *Decoder) Params() ([]Value, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	if uint64(n)*minVariantSize > uint64(d.r.Len()) {
		return nil, d.truncated(int(n) * minVariantSize)
	}
	out := make([]Value, 0, n)
	for range n {
		v, err := d.Variant()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeUTF16 converts big-endian UTF-16 code units to a Go string.
// Unpaired surrogates are rejected rather than replaced with U+FFFD, so text
// that decodes always re-encodes to the same bytes.
func DecodeUTF16(b []byte) (string, error) {
	if err := checkSurrogates(b); err != nil {
		return "", err
	}
	out, err := utf16be.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedText, err)
	}
	return string(out), nil
}

func checkSurrogates(b []byte) error {
	for i := 0; i+1 < len(b); i += 2 {
		u := uint16(b[i])<<8 | uint16(b[i+1])
		switch {
		case u >= 0xD800 && u < 0xDC00:
			if i+3 >= len(b) {
				return fmt.Errorf("%w: unpaired high surrogate at byte %d", ErrMalformedText, i)
			}
			next := uint16(b[i+2])<<8 | uint16(b[i+3])
			if next < 0xDC00 || next >= 0xE000 {
				return fmt.Errorf("%w: unpaired high surrogate at byte %d", ErrMalformedText, i)
			}
			i += 2
		case u >= 0xDC00 && u < 0xE000:
			return fmt.Errorf("%w: unpaired low surrogate at byte %d", ErrMalformedText, i)
		}
	}
	return nil
}

// EncodeUTF16 converts s to big-endian UTF-16 code units without a BOM.
func EncodeUTF16(s string) ([]byte, error) {
	out, err := utf16be.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedText, err)
	}
	return out, nil
}
