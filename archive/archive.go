// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package archive provides a versioned binary encoding for call arguments and
// results.
//
// An archive is a flat sequence of typed fields preceded by a single schema
// version byte. Fixed-width integers are written in big-endian order.
// Variable-length fields (strings, byte strings, nested archives) have a
// 4-byte unsigned big-endian length prefix followed by the raw bytes.
//
// Fields carry no type tags: a [Reader] must consume fields in the same order
// and with the same types as the [Writer] that produced them. The version byte
// is how a decoder detects that the writer used a layout it does not
// understand, in which case decoding fails with a [*VersionError] rather than
// misreading the data.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/creachadair/mds/value"
)

// Version is the default schema version written by [Encode].
const Version byte = 1

// MaxFieldLen is the largest variable-length field a Reader will accept.
const MaxFieldLen = 1<<30 - 1

var (
	// ErrTruncated is reported when the input ends before a complete value.
	// It wraps [io.ErrUnexpectedEOF].
	ErrTruncated = fmt.Errorf("archive truncated: %w", io.ErrUnexpectedEOF)

	// ErrVersion is the sentinel matched by a [*VersionError].
	ErrVersion = errors.New("unsupported archive version")
)

// VersionError reports an archive whose version tag the reader does not
// accept.
type VersionError struct {
	Got    byte   // the version found in the input
	Accept []byte // the versions the reader would accept
}

func (v *VersionError) Error() string {
	return fmt.Sprintf("unsupported archive version %d (accept %v)", v.Got, v.Accept)
}

// Is reports whether target is [ErrVersion].
func (v *VersionError) Is(target error) bool { return target == ErrVersion }

// A Writer accumulates fields into an archive. Use [NewWriter] to construct
// one; the zero value has no version tag.
type Writer struct {
	buf []byte
}

// NewWriter constructs a Writer whose output begins with the given schema
// version tag.
func NewWriter(version byte) *Writer { return &Writer{buf: []byte{version}} }

// Uint8 appends a single byte to w.
func (w *Writer) Uint8(v byte) { w.buf = append(w.buf, v) }

// Bool appends a Boolean to w. The encoding is a single byte with value 0 or 1.
func (w *Writer) Bool(ok bool) { w.buf = append(w.buf, value.Cond[byte](ok, 1, 0)) }

// Uint16 appends v to w in big-endian order.
func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

// Uint32 appends v to w in big-endian order.
func (w *Writer) Uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

// Uint64 appends v to w in big-endian order.
func (w *Writer) Uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

// Int32 appends v to w as a two's complement big-endian value.
func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }

// Int64 appends v to w as a two's complement big-endian value.
func (w *Writer) Int64(v int64) { w.Uint64(uint64(v)) }

// Float64 appends the IEEE 754 bits of v to w in big-endian order.
func (w *Writer) Float64(v float64) { w.Uint64(math.Float64bits(v)) }

// Bytes appends a length-prefixed byte string to w.
func (w *Writer) Bytes(vs []byte) {
	w.Grow(4 + len(vs))
	w.Uint32(uint32(len(vs)))
	w.buf = append(w.buf, vs...)
}

// String appends a length-prefixed string to w.
func (w *Writer) String(s string) {
	w.Grow(4 + len(s))
	w.Uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Raw appends vs to w without framing. The reader must know the length.
func (w *Writer) Raw(vs []byte) { w.buf = append(w.buf, vs...) }

// Nested appends the contents of sub to w as a length-prefixed field,
// including the version tag of sub.
func (w *Writer) Nested(sub *Writer) { w.Bytes(sub.buf) }

// Len reports the number of bytes currently in the archive, including the
// version tag.
func (w *Writer) Len() int { return len(w.buf) }

// Encoded reports the current contents of the archive. The writer retains
// ownership of the reported slice, and the caller must not retain or modify
// its contents unless w will no longer be accessed.
func (w *Writer) Encoded() []byte { return w.buf }

// Reset discards the fields of w, retaining its version tag.
func (w *Writer) Reset() {
	if len(w.buf) > 0 {
		w.buf = w.buf[:1]
	}
}

// Grow resizes the internal buffer of w if necessary to ensure that at least n
// more bytes can be added without triggering another allocation.
func (w *Writer) Grow(n int) {
	want := len(w.buf) + n
	if cap(w.buf) < want {
		r := make([]byte, len(w.buf), max(want, 2*cap(w.buf)))
		copy(r, w.buf)
		w.buf = r
	}
}

// A Reader consumes fields from an archive. The methods of a Reader report
// [ErrTruncated] when the input does not contain a complete value, including
// when a value is requested at the end of the input.
type Reader struct {
	version byte
	rest    []byte
	offset  int // of rest from the start of the input
}

// NewReader constructs a Reader over data. The first byte of data is the
// version tag. If accept is non-empty and does not contain that version,
// NewReader reports a [*VersionError]. The reader does not copy data, so the
// caller must not modify it while the reader is in use.
func NewReader(data []byte, accept ...byte) (*Reader, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("missing version tag: %w", ErrTruncated)
	}
	if len(accept) != 0 && !contains(accept, data[0]) {
		return nil, &VersionError{Got: data[0], Accept: accept}
	}
	return &Reader{version: data[0], rest: data[1:], offset: 1}, nil
}

func contains(vs []byte, v byte) bool {
	for _, b := range vs {
		if b == v {
			return true
		}
	}
	return false
}

// Version reports the version tag of the archive.
func (r *Reader) Version() byte { return r.version }

// Len reports the number of remaining unconsumed input bytes in r.
func (r *Reader) Len() int { return len(r.rest) }

// Offset reports the offset (0-based) of the next unconsumed input byte in r.
func (r *Reader) Offset() int { return r.offset }

// Done reports an error if r has unconsumed input.
func (r *Reader) Done() error {
	if len(r.rest) != 0 {
		return fmt.Errorf("extra data at offset %d (%d bytes)", r.offset, len(r.rest))
	}
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if len(r.rest) < n {
		return nil, fmt.Errorf("value at offset %d (%d < %d bytes): %w", r.offset, len(r.rest), n, ErrTruncated)
	}
	out := r.rest[:n]
	r.rest = r.rest[n:]
	r.offset += n
	return out, nil
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a single byte and converts it into a Boolean value (0 means
// false, non-zero means true).
func (r *Reader) Bool() (bool, error) {
	b, err := r.Uint8()
	return b != 0, err
}

// Uint16 reads a big-endian uint16 value.
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32 reads a big-endian uint32 value.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 reads a big-endian uint64 value.
func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Int32 reads a big-endian two's complement int32 value.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Int64 reads a big-endian two's complement int64 value.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Float64 reads a big-endian IEEE 754 value.
func (r *Reader) Float64() (float64, error) {
	v, err := r.Uint64()
	return math.Float64frombits(v), err
}

// Bytes reads a length-prefixed byte string. The result aliases the input,
// and the caller must not modify its contents.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	} else if n > MaxFieldLen {
		return nil, fmt.Errorf("field length %d exceeds limit", n)
	}
	return r.take(int(n))
}

// String reads a length-prefixed string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// Raw reads exactly n bytes without framing. The result aliases the input.
func (r *Reader) Raw(n int) ([]byte, error) { return r.take(n) }

// Nested reads a length-prefixed nested archive and returns a Reader for it.
// The accept versions apply to the nested archive as for [NewReader].
func (r *Reader) Nested(accept ...byte) (*Reader, error) {
	b, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return NewReader(b, accept...)
}
