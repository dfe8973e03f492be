package bin

import (
	"bytes"
	"errors"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	var b bytes.Buffer
	_ = PutU16(&b, 0xBEEF)
	_ = PutI32(&b, -7)
	_ = PutF64(&b, 99.5)
	_ = PutBytes(&b, []byte("abc"))

	r := bytes.NewReader(b.Bytes())
	if v, err := GetU16(r); err != nil || v != 0xBEEF {
		t.Fatalf("u16: %v %x", err, v)
	}
	if v, err := GetI32(r); err != nil || v != -7 {
		t.Fatalf("i32: %v %d", err, v)
	}
	if v, err := GetF64(r); err != nil || v != 99.5 {
		t.Fatalf("f64: %v %v", err, v)
	}
	if v, err := GetBytes(r); err != nil || string(v) != "abc" {
		t.Fatalf("bytes: %v %q", err, v)
	}
	if r.Len() != 0 {
		t.Fatalf("expected reader drained, %d left", r.Len())
	}
}

func TestShortReadsDoNotAdvance(t *testing.T) {
	r := bytes.NewReader([]byte{0x00, 0x01, 0x02})
	if _, err := GetU32(r); !errors.Is(err, ErrShort) {
		t.Fatalf("expected ErrShort, got %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("cursor moved on failed read: %d left", r.Len())
	}
	// length prefix claims more than remains
	r = bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x09, 'x'})
	if _, err := GetBytes(r); !errors.Is(err, ErrShort) {
		t.Fatalf("expected ErrShort, got %v", err)
	}
}
