package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/creachadair/rtps"
	"github.com/creachadair/rtps/proto"
	"github.com/google/go-cmp/cmp"
)

func TestFormatData(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
		want []byte
	}{
		{"", nil, nil},
		{"r", []string{"abc"}, []byte("abc")},
		{"q", []string{`a\tb`}, []byte("a\tb")},
		{"p s", []string{"hi", "yo"}, []byte("\x02hi\x08yo")},
		{"1 2 4", []string{"1", "2", "3"}, []byte{1, 0, 2, 0, 0, 0, 3}},
		{"< 2 > 2", []string{"1", "1"}, []byte{1, 0, 0, 1}},
		{"% %", []string{"true", "false"}, []byte{1, 0}},
		{"x", []string{"c0ffee"}, []byte{0xc0, 0xff, 0xee}},
		{"(r)", []string{"ab"}, []byte{0, 0, 0, 2, 'a', 'b'}},
		{"@(1 (r))", []string{"9", "z"}, []byte{0, 6, 9, 0, 0, 0, 1, 'z'}},
	}
	for _, tc := range tests {
		got, rest, err := formatData(tc.pat, tc.args)
		if err != nil {
			t.Errorf("formatData(%q, %q): unexpected error: %v", tc.pat, tc.args, err)
			continue
		}
		if len(rest) != 0 {
			t.Errorf("formatData(%q, %q): leftover arguments %q", tc.pat, tc.args, rest)
		}
		if !bytes.Equal(got, tc.want) {
			t.Errorf("formatData(%q, %q): got %#x, want %#x", tc.pat, tc.args, got, tc.want)
		}
	}
}

func TestFormatDataErrors(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
	}{
		{"r", nil},
		{"z", []string{"x"}},
		{"(r", []string{"x"}},
		{"1", []string{"256"}},
		{"%", []string{"maybe"}},
		{"x", []string{"xyz"}},
	}
	for _, tc := range tests {
		if got, _, err := formatData(tc.pat, tc.args); err == nil {
			t.Errorf("formatData(%q, %q): got %#x, want error", tc.pat, tc.args, got)
		}
	}
}

func TestPrintSample(t *testing.T) {
	w := proto.GUID{Entity: proto.MakeEntityID(1, proto.KindUserWriterNoKey)}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printSample(&buf, rtps.Sample{
		Data: []byte("hello"),
		Info: rtps.SampleInfo{Writer: w, Seq: 3, Kind: proto.Alive, SourceTimestamp: ts},
	})
	want := "2026-01-02T03:04:05Z " + w.String() + "#3 \"hello\"\n"
	if diff := cmp.Diff(buf.String(), want); diff != "" {
		t.Errorf("printSample (-got, +want):\n%s", diff)
	}
}
