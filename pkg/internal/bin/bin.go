// Package bin holds the big-endian primitives shared by the wire codecs.
package bin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// ErrShort is returned when a read needs more bytes than the reader holds.
var ErrShort = errors.New("bin: short buffer")

func PutU8(b *bytes.Buffer, v uint8) error   { return b.WriteByte(v) }
func PutU16(b *bytes.Buffer, v uint16) error { return binary.Write(b, binary.BigEndian, v) }
func PutU32(b *bytes.Buffer, v uint32) error { return binary.Write(b, binary.BigEndian, v) }
func PutI32(b *bytes.Buffer, v int32) error  { return binary.Write(b, binary.BigEndian, v) }
func PutU64(b *bytes.Buffer, v uint64) error { return binary.Write(b, binary.BigEndian, v) }

func PutF64(b *bytes.Buffer, v float64) error {
	return PutU64(b, math.Float64bits(v))
}

func GetU8(r *bytes.Reader) (uint8, error) {
	v, err := r.ReadByte()
	if err != nil {
		return 0, ErrShort
	}
	return v, nil
}

func GetU16(r *bytes.Reader) (uint16, error) {
	var v uint16
	err := read(r, 2, &v)
	return v, err
}

func GetU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	err := read(r, 4, &v)
	return v, err
}

func GetI32(r *bytes.Reader) (int32, error) {
	var v int32
	err := read(r, 4, &v)
	return v, err
}

func GetU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	err := read(r, 8, &v)
	return v, err
}

func GetF64(r *bytes.Reader) (float64, error) {
	u, err := GetU64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// PutBytes writes a u32 length followed by p.
func PutBytes(b *bytes.Buffer, p []byte) error {
	if err := PutU32(b, uint32(len(p))); err != nil {
		return err
	}
	if _, err := b.Write(p); err != nil {
		return err
	}
	return nil
}

// GetBytes reads a u32 length followed by that many bytes.
func GetBytes(r *bytes.Reader) ([]byte, error) {
	n32, err := GetU32(r)
	if err != nil {
		return nil, err
	}
	return GetN(r, n32)
}

// GetN reads exactly n bytes without reading past the end of r.
func GetN(r *bytes.Reader, n uint32) ([]byte, error) {
	if uint64(n) > uint64(r.Len()) {
		return nil, ErrShort
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrShort
	}
	return buf, nil
}

// read checks the remaining length first so a failed read never moves the cursor.
func read(r *bytes.Reader, n int, v any) error {
	if r.Len() < n {
		return ErrShort
	}
	return binary.Read(r, binary.BigEndian, v)
}
