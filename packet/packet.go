// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet encodes and decodes the fields of binary protocol messages.
//
// A [Builder] appends fields to a buffer, and a [Scanner] consumes them from
// the head of an input. Multi-byte integers are written and read in the byte
// order selected by SetOrder, which is big-endian unless changed, so that a
// decoder can follow the order a sender declares for each message part.
// Values cut short by the end of the input report [io.ErrUnexpectedEOF].
package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// ByteOrder is a byte order usable for both encoding and decoding.
// Both [binary.BigEndian] and [binary.LittleEndian] satisfy it.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func orDefault(o ByteOrder) ByteOrder { return value.Cond[ByteOrder](o == nil, binary.BigEndian, o) }

// A Builder accumulates encoded fields. The zero value is ready for use as an
// empty big-endian builder.
type Builder struct {
	buf   []byte
	order ByteOrder
}

// SetOrder sets the byte order for integers subsequently added to b. A nil
// order restores the default, big-endian.
func (b *Builder) SetOrder(o ByteOrder) { b.order = o }

// Put appends raw bytes to b.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends the bytes of s to b without framing.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// Bool appends a single byte to b, 1 if ok is true, otherwise 0.
func (b *Builder) Bool(ok bool) { b.Put(value.Cond[byte](ok, 1, 0)) }

// Vint30 appends v to b as a [Vint30].
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// VPutString appends s to b prefixed by its length as a [Vint30].
func (b *Builder) VPutString(s string) {
	b.Grow(Vint30(len(s)).Size() + len(s))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

func (b *Builder) Uint16(v uint16) { b.buf = orDefault(b.order).AppendUint16(b.buf, v) }
func (b *Builder) Uint32(v uint32) { b.buf = orDefault(b.order).AppendUint32(b.buf, v) }
func (b *Builder) Uint64(v uint64) { b.buf = orDefault(b.order).AppendUint64(b.buf, v) }
func (b *Builder) Int32(v int32)   { b.Uint32(uint32(v)) }
func (b *Builder) Int64(v int64)   { b.Uint64(uint64(v)) }

// Length16 appends a 2-byte length field followed by whatever body appends to
// b, and sets the field to the number of bytes body added. It panics if body
// adds more than 65535 bytes.
func (b *Builder) Length16(body func(*Builder)) {
	at := len(b.buf)
	b.Uint16(0)
	body(b)
	n := len(b.buf) - at - 2
	if n > 0xffff {
		panic(fmt.Sprintf("packet: body of %d bytes overflows a 16-bit length", n))
	}
	orDefault(b.order).PutUint16(b.buf[at:], uint16(n))
}

// Len reports the number of bytes in b.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the contents of b. The slice is owned by b, and is only valid
// until the next call to a method of b.
func (b *Builder) Bytes() []byte { return b.buf }

// Grow ensures that at least n more bytes can be added to b without another
// allocation.
func (b *Builder) Grow(n int) {
	if want := len(b.buf) + n; cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner consumes encoded fields from the head of an input. It does not
// modify the input, but values it returns may alias it.
type Scanner struct {
	rest  []byte
	order ByteOrder
}

// NewScanner returns a big-endian [Scanner] that consumes input.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// SetOrder sets the byte order for integers subsequently read from s. A nil
// order restores the default, big-endian.
func (s *Scanner) SetOrder(o ByteOrder) { s.order = o }

func truncated(have, want int) error {
	return fmt.Errorf("value truncated (%d < %d bytes): %w", have, want, io.ErrUnexpectedEOF)
}

// take consumes exactly n bytes from the head of the input.
func (s *Scanner) take(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, truncated(len(s.rest), n)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	return out, nil
}

func (s *Scanner) Byte() (byte, error) {
	v, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// Bool reads a single byte, reporting whether it is non-zero.
func (s *Scanner) Bool() (bool, error) {
	v, err := s.Byte()
	return v != 0, err
}

func (s *Scanner) Uint16() (uint16, error) {
	v, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return orDefault(s.order).Uint16(v), nil
}

func (s *Scanner) Uint32() (uint32, error) {
	v, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return orDefault(s.order).Uint32(v), nil
}

func (s *Scanner) Uint64() (uint64, error) {
	v, err := s.take(8)
	if err != nil {
		return 0, err
	}
	return orDefault(s.order).Uint64(v), nil
}

func (s *Scanner) Int32() (int32, error) { v, err := s.Uint32(); return int32(v), err }
func (s *Scanner) Int64() (int64, error) { v, err := s.Uint64(); return int64(v), err }

// Vint30 reads a single [Vint30] value. It reports [io.EOF] if the input is
// empty.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	v, err := s.take(int(s.rest[0]&3) + 1)
	if err != nil {
		return 0, err
	}
	var w uint32
	for i := len(v) - 1; i >= 0; i-- {
		w = w<<8 | uint32(v[i])
	}
	return int(w >> 2), nil
}

// Fill copies exactly len(dst) bytes from the head of the input into dst.
func (s *Scanner) Fill(dst []byte) error {
	v, err := s.take(len(dst))
	if err == nil {
		copy(dst, v)
	}
	return err
}

// Len reports the number of unconsumed input bytes.
func (s *Scanner) Len() int { return len(s.rest) }

// Rest returns the unconsumed input without consuming it.
func (s *Scanner) Rest() []byte { return s.rest }

// Get returns exactly n bytes from the head of the input. If fewer remain, it
// returns what is left along with an error.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	v, err := s.take(n)
	if err != nil {
		return Str(s.rest), err
	}
	return Str(v), nil
}

// VGet reads a string prefixed by its length as a [Vint30].
func VGet[Str ~string | ~[]byte](s *Scanner) (Str, error) {
	n, err := s.Vint30()
	if err != nil {
		var zero Str
		return zero, err
	}
	return Get[Str](s, n)
}

// Vint30 is an unsigned integer of at most 30 bits, encoded in 1 to 4 bytes.
// The value is shifted left 2 bits and the low 2 bits hold the number of bytes
// after the first; the result is written little-endian, omitting high-order
// zero bytes. A decoder learns the encoded length from the first byte.
//
//	v < 1<<6   1 byte
//	v < 1<<14  2 bytes
//	v < 1<<22  3 bytes
//	v < 1<<30  4 bytes
type Vint30 uint32

// Size reports the number of bytes needed to encode v, or -1 if v does not
// fit in 30 bits.
func (v Vint30) Size() int {
	for n := 1; n <= 4; n++ {
		if v < 1<<(8*n-2) {
			return n
		}
	}
	return -1
}

// Append appends the encoding of v to buf. It panics if v does not fit in 30
// bits.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic(fmt.Sprintf("packet: vint30 value %d out of range", v))
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}
