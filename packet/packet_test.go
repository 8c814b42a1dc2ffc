// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/rtps/packet"
	"github.com/google/go-cmp/cmp"
)

func TestVint30(t *testing.T) {
	tests := []struct {
		input packet.Vint30
		want  string
	}{
		{0, "\x00"},
		{1, "\x04"},
		{63, "\xfc"},
		{64, "\x01\x01"},
		{500, "\xd1\x07"},
		{16383, "\xfd\xff"},
		{16384, "\x02\x00\x01"},
		{65000, "\xa2\xf7\x03"},
		{4194303, "\xfe\xff\xff"},
		{4194304, "\x03\x00\x00\x01"},
		{62830181, "\x97\xd9\xfa\x0e"},
		{1<<30 - 1, "\xff\xff\xff\xff"},
	}

	// Encode each value separately, then scan them back from one buffer to
	// check that the encoding frames itself.
	var b packet.Builder
	for _, tc := range tests {
		got := tc.input.Append(nil)
		if string(got) != tc.want {
			t.Errorf("Append(%d): got %#x, want %#x", tc.input, got, tc.want)
		}
		if n := tc.input.Size(); n != len(tc.want) {
			t.Errorf("Size(%d): got %d, want %d", tc.input, n, len(tc.want))
		}
		b.Vint30(uint32(tc.input))
	}
	s := packet.NewScanner(b.Bytes())
	for _, tc := range tests {
		check(t, "Vint30", s.Vint30, int(tc.input))
	}
	if _, err := s.Vint30(); err != io.EOF {
		t.Errorf("Vint30 at end: got %v, want %v", err, io.EOF)
	}

	if n := packet.Vint30(1 << 30).Size(); n != -1 {
		t.Errorf("Size(1<<30): got %d, want -1", n)
	}
	mtest.MustPanic(t, func() { packet.Vint30(1 << 30).Append(nil) })
}

func TestFields(t *testing.T) {
	var b packet.Builder
	b.PutString("RTPS")
	b.Put(2, 3)
	b.Bool(true)
	b.Uint16(0x1501)
	b.Int32(-2)
	b.Int64(1 << 40)
	b.Uint64(0x0102030405060708)
	b.VPutString("sensor/temp")

	const want = "RTPS\x02\x03\x01\x15\x01\xff\xff\xff\xfe" +
		"\x00\x00\x01\x00\x00\x00\x00\x00" +
		"\x01\x02\x03\x04\x05\x06\x07\x08" +
		"\x2csensor/temp"
	if got := string(b.Bytes()); got != want {
		t.Errorf("Bytes:\ngot  %q\nwant %q", got, want)
	}
	if b.Len() != len(want) {
		t.Errorf("Len: got %d, want %d", b.Len(), len(want))
	}

	s := packet.NewScanner(want)
	check(t, "Magic", func() (string, error) { return packet.Get[string](s, 4) }, "RTPS")
	var version [2]byte
	check(t, "Version", func() ([2]byte, error) {
		err := s.Fill(version[:])
		return version, err
	}, [2]byte{2, 3})
	check(t, "Bool", s.Bool, true)
	check(t, "Uint16", s.Uint16, 0x1501)
	check(t, "Int32", s.Int32, -2)
	check(t, "Int64", s.Int64, 1<<40)
	check(t, "Uint64", s.Uint64, 0x0102030405060708)
	check(t, "VGet", func() (string, error) { return packet.VGet[string](s) }, "sensor/temp")
	if s.Len() != 0 {
		t.Errorf("Extra data at end (%d bytes): %q", s.Len(), s.Rest())
	}
}

func TestByteOrder(t *testing.T) {
	var b packet.Builder
	b.Uint32(1)
	b.SetOrder(binary.LittleEndian)
	b.Uint32(1)
	b.Uint16(0xabcd)
	b.SetOrder(nil)
	b.Uint16(0xabcd)

	const want = "\x00\x00\x00\x01\x01\x00\x00\x00\xcd\xab\xab\xcd"
	if got := string(b.Bytes()); got != want {
		t.Errorf("Bytes: got %#x, want %#x", got, want)
	}

	s := packet.NewScanner(want)
	check(t, "BE Uint32", s.Uint32, 1)
	s.SetOrder(binary.LittleEndian)
	check(t, "LE Uint32", s.Uint32, 1)
	check(t, "LE Uint16", s.Uint16, 0xabcd)
	s.SetOrder(binary.BigEndian)
	check(t, "BE Uint16", s.Uint16, 0xabcd)
}

func TestLength16(t *testing.T) {
	var b packet.Builder
	b.Uint16(0x0005)
	b.Length16(func(b *packet.Builder) {
		b.PutString("abc")
		b.Length16(func(*packet.Builder) {})
	})
	if got, want := string(b.Bytes()), "\x00\x05\x00\x05abc\x00\x00"; got != want {
		t.Errorf("Bytes: got %#x, want %#x", got, want)
	}

	b.SetOrder(binary.LittleEndian)
	b.Length16(func(b *packet.Builder) { b.Put(9) })
	if got, want := string(b.Bytes()[9:]), "\x01\x00\x09"; got != want {
		t.Errorf("LE length: got %#x, want %#x", got, want)
	}

	mtest.MustPanic(t, func() {
		b.Length16(func(b *packet.Builder) { b.Put(make([]byte, 1<<16)...) })
	})
}

func TestTruncated(t *testing.T) {
	tests := []struct {
		name  string
		input string
		scan  func(*packet.Scanner) error
	}{
		{"Byte", "", func(s *packet.Scanner) error { _, err := s.Byte(); return err }},
		{"Uint16", "\x01", func(s *packet.Scanner) error { _, err := s.Uint16(); return err }},
		{"Uint32", "\x01\x02\x03", func(s *packet.Scanner) error { _, err := s.Uint32(); return err }},
		{"Int64", "\x01\x02\x03\x04", func(s *packet.Scanner) error { _, err := s.Int64(); return err }},
		{"Vint30", "\x03\x01", func(s *packet.Scanner) error { _, err := s.Vint30(); return err }},
		{"Fill", "ab", func(s *packet.Scanner) error { return s.Fill(make([]byte, 3)) }},
		{"VGet", "\x10ab", func(s *packet.Scanner) error { _, err := packet.VGet[[]byte](s); return err }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := packet.NewScanner(tc.input)
			if err := tc.scan(s); !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("Scan %q: got %v, want %v", tc.input, err, io.ErrUnexpectedEOF)
			}
		})
	}

	// A short Get reports what remains, and consumes nothing.
	s := packet.NewScanner("xyz")
	got, err := packet.Get[string](s, 5)
	if !errors.Is(err, io.ErrUnexpectedEOF) || got != "xyz" {
		t.Errorf("Get: got (%q, %v), want (%q, %v)", got, err, "xyz", io.ErrUnexpectedEOF)
	}
	if s.Len() != 3 {
		t.Errorf("Len after short Get: got %d, want 3", s.Len())
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}
