// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package archive_test

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/creachadair/muxrpc/archive"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestWriter(t *testing.T) {
	w := archive.NewWriter(3)
	w.Bool(true)
	w.Uint8(5)
	w.Uint16(5000)
	w.Uint32(0xfc009a01)
	w.Int32(-2)
	w.String("apple")
	w.Bytes([]byte("pear"))
	w.Raw([]byte("xyzzy"))

	const want = "\x03\x01\x05\x13\x88\xfc\x00\x9a\x01\xff\xff\xff\xfe\x00\x00\x00\x05apple\x00\x00\x00\x04pearxyzzy"
	//             ^   ^   ^   ^------ ^--------------- ^--------------- ^-------------------- ^------------------- ^----
	//           ver  bool byte uint16  uint32          int32            string                bytes                raw

	if n := w.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if got := string(w.Encoded()); got != want {
		t.Errorf("Encoded = %q, want %q", got, want)
	}

	r, err := archive.NewReader(w.Encoded())
	if err != nil {
		t.Fatalf("NewReader: unexpected error: %v", err)
	}
	if v := r.Version(); v != 3 {
		t.Errorf("Version = %d, want 3", v)
	}
	check(t, "Bool", r.Bool, true)
	check(t, "Uint8", r.Uint8, 5)
	check(t, "Uint16", r.Uint16, 5000)
	check(t, "Uint32", r.Uint32, 0xfc009a01)
	check(t, "Int32", r.Int32, -2)
	check(t, "String", r.String, "apple")
	check(t, "Bytes", r.Bytes, []byte("pear"))
	check(t, "Raw", func() ([]byte, error) { return r.Raw(5) }, []byte("xyzzy"))

	if err := r.Done(); err != nil {
		t.Errorf("Done: unexpected error: %v", err)
	}
	if _, err := r.Uint8(); !errors.Is(err, archive.ErrTruncated) {
		t.Errorf("Uint8 at end: got %v, want %v", err, archive.ErrTruncated)
	}
}

func TestReset(t *testing.T) {
	w := archive.NewWriter(7)
	w.String("discarded")
	w.Reset()
	w.Uint16(1)
	if got, want := string(w.Encoded()), "\x07\x00\x01"; got != want {
		t.Errorf("After Reset: got %q, want %q", got, want)
	}
}

func TestNested(t *testing.T) {
	inner := archive.NewWriter(2)
	inner.Int64(-12345)
	inner.String("inner")

	outer := archive.NewWriter(1)
	outer.Uint8(9)
	outer.Nested(inner)
	outer.Bool(false)

	r, err := archive.NewReader(outer.Encoded(), 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	check(t, "Uint8", r.Uint8, 9)

	t.Run("WrongVersion", func(t *testing.T) {
		cp, _ := archive.NewReader(outer.Encoded())
		cp.Uint8()
		_, err := cp.Nested(1)
		var verr *archive.VersionError
		if !errors.As(err, &verr) {
			t.Fatalf("Nested: got %v, want VersionError", err)
		}
		if verr.Got != 2 {
			t.Errorf("VersionError.Got = %d, want 2", verr.Got)
		}
	})

	sub, err := r.Nested(2)
	if err != nil {
		t.Fatalf("Nested: %v", err)
	}
	check(t, "Inner Int64", sub.Int64, -12345)
	check(t, "Inner String", sub.String, "inner")
	if err := sub.Done(); err != nil {
		t.Errorf("Inner Done: %v", err)
	}
	check(t, "Bool", r.Bool, false)
	if err := r.Done(); err != nil {
		t.Errorf("Done: %v", err)
	}
}

func TestTruncated(t *testing.T) {
	w := archive.NewWriter(1)
	w.Uint32(10)
	w.String("hello, world")
	full := w.Encoded()

	// Every strict prefix of the encoding must fail cleanly, never panic.
	for n := 0; n < len(full); n++ {
		buf := bytes.Clone(full[:n])
		var a uint32
		var s string
		err := archive.Decode(buf, nil, &a, &s)
		if err == nil {
			t.Errorf("Decode(%q): unexpectedly succeeded", buf)
			continue
		}
		if !errors.Is(err, archive.ErrTruncated) {
			t.Errorf("Decode(%q): got %v, want %v", buf, err, archive.ErrTruncated)
		} else if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("Decode(%q): got %v, want %v", buf, err, io.ErrUnexpectedEOF)
		}
	}

	// Input that ends exactly at a field boundary is also truncated.
	data, err := archive.Encode(1, int32(2), int32(3))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var a, b int32
	if err := archive.Decode(data[:5], []byte{1}, &a, &b); !errors.Is(err, archive.ErrTruncated) {
		t.Errorf("Decode at field boundary: got %v, want %v", err, archive.ErrTruncated)
	}
	var p point
	if err := archive.Decode(data[:1], nil, &p); !errors.Is(err, archive.ErrTruncated) {
		t.Errorf("Decode empty unmarshaler: got %v, want %v", err, archive.ErrTruncated)
	}
}

func TestVersion(t *testing.T) {
	data, err := archive.Encode(99, int32(1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var v int32
	err = archive.Decode(data, []byte{archive.Version}, &v)
	if !errors.Is(err, archive.ErrVersion) {
		t.Errorf("Decode: got %v, want %v", err, archive.ErrVersion)
	}

	// With no accepted versions listed, any version is allowed.
	if err := archive.Decode(data, nil, &v); err != nil {
		t.Errorf("Decode: unexpected error: %v", err)
	} else if v != 1 {
		t.Errorf("Decode: got %d, want 1", v)
	}
}

type point struct {
	X, Y  int32
	Label string
}

func (p point) MarshalArchive(w *archive.Writer) {
	w.Int32(p.X)
	w.Int32(p.Y)
	w.String(p.Label)
}

func (p *point) UnmarshalArchive(r *archive.Reader) (err error) {
	if p.X, err = r.Int32(); err != nil {
		return err
	}
	if p.Y, err = r.Int32(); err != nil {
		return err
	}
	p.Label, err = r.String()
	return err
}

func TestRoundTrip(t *testing.T) {
	type values struct {
		U8  uint8
		I8  int8
		B   bool
		U16 uint16
		I16 int16
		U32 uint32
		I32 int32
		U64 uint64
		I64 int64
		I   int
		U   uint
		F   float64
		S   string
		Bs  []byte
		P   point
	}
	tests := []values{
		{},
		{U8: 255, I8: -128, B: true, U16: 65535, I16: -32768, U32: math.MaxUint32, I32: math.MinInt32,
			U64: math.MaxUint64, I64: math.MinInt64, I: -1, U: 1 << 40, F: math.Pi, S: "héllo",
			Bs: []byte{0, 1, 2, 255}, P: point{X: -3, Y: 4, Label: "pt"}},
		{S: string(make([]byte, 70000)), Bs: bytes.Repeat([]byte("x"), 1<<16)},
	}
	for _, in := range tests {
		enc, err := archive.Encode(archive.Version, in.U8, in.I8, in.B, in.U16, in.I16, in.U32, in.I32,
			in.U64, in.I64, in.I, in.U, in.F, in.S, in.Bs, in.P)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}

		// Encoding is deterministic.
		again, _ := archive.Encode(archive.Version, in.U8, in.I8, in.B, in.U16, in.I16, in.U32, in.I32,
			in.U64, in.I64, in.I, in.U, in.F, in.S, in.Bs, in.P)
		if !bytes.Equal(enc, again) {
			t.Error("Encode is not deterministic")
		}

		var out values
		if err := archive.Decode(enc, []byte{archive.Version}, &out.U8, &out.I8, &out.B, &out.U16, &out.I16,
			&out.U32, &out.I32, &out.U64, &out.I64, &out.I, &out.U, &out.F, &out.S, &out.Bs, &out.P); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if diff := cmp.Diff(in, out, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Round trip (-want, +got):\n%s", diff)
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := archive.Encode(1, struct{}{}); err == nil {
		t.Error("Encode struct{}: unexpectedly succeeded")
	}
	data, _ := archive.Encode(1, int32(0))
	if err := archive.Decode(data, nil, new(complex128)); err == nil {
		t.Error("Decode complex128: unexpectedly succeeded")
	}
	if err := archive.Decode(data, nil); err == nil {
		t.Error("Decode with leftover fields: unexpectedly succeeded")
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
