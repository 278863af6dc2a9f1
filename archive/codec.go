// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package archive

import "fmt"

// A Marshaler is a value that can append its fields to an archive.
type Marshaler interface {
	MarshalArchive(w *Writer)
}

// An Unmarshaler is a value that can decode itself from the fields of an
// archive. It must consume exactly the fields its MarshalArchive writes.
type Unmarshaler interface {
	UnmarshalArchive(r *Reader) error
}

// Encode encodes the specified values into a new archive with the given
// version tag. Each value must be one of the types accepted by [Writer.Put].
func Encode(version byte, vs ...any) ([]byte, error) {
	w := NewWriter(version)
	for i, v := range vs {
		if err := w.Put(v); err != nil {
			return nil, fmt.Errorf("value %d: %w", i+1, err)
		}
	}
	return w.Encoded(), nil
}

// Decode decodes the fields of data into the specified pointers, in order.
// Each pointer must be one of the types accepted by [Reader.Get]. If accept is
// non-empty the archive version must be one of its elements. Decode reports
// an error if data has fields left over after the last pointer is filled.
func Decode(data []byte, accept []byte, ps ...any) error {
	r, err := NewReader(data, accept...)
	if err != nil {
		return err
	}
	for i, p := range ps {
		if err := r.Get(p); err != nil {
			return fmt.Errorf("value %d: %w", i+1, err)
		}
	}
	return r.Done()
}

// Put appends v to w. The concrete type of v must be a fixed-width integer
// type, bool, float64, string, []byte, *Writer (nested), or a [Marshaler].
// Platform-sized int and uint are encoded as 64-bit values.
func (w *Writer) Put(v any) error {
	switch t := v.(type) {
	case uint8:
		w.Uint8(t)
	case int8:
		w.Uint8(byte(t))
	case bool:
		w.Bool(t)
	case uint16:
		w.Uint16(t)
	case int16:
		w.Uint16(uint16(t))
	case uint32:
		w.Uint32(t)
	case int32:
		w.Int32(t)
	case uint64:
		w.Uint64(t)
	case int64:
		w.Int64(t)
	case int:
		w.Int64(int64(t))
	case uint:
		w.Uint64(uint64(t))
	case float64:
		w.Float64(t)
	case string:
		w.String(t)
	case []byte:
		w.Bytes(t)
	case *Writer:
		w.Nested(t)
	case Marshaler:
		t.MarshalArchive(w)
	default:
		return fmt.Errorf("cannot encode %T", v)
	}
	return nil
}

// Get decodes the next field of r into the value pointed to by p. The
// concrete type of p must be a pointer to one of the types accepted by
// [Writer.Put] (other than *Writer), or an [Unmarshaler].  A decoded []byte is
// a copy, and does not alias the input.
func (r *Reader) Get(p any) error {
	var err error
	switch t := p.(type) {
	case *uint8:
		*t, err = r.Uint8()
	case *int8:
		var v byte
		v, err = r.Uint8()
		*t = int8(v)
	case *bool:
		*t, err = r.Bool()
	case *uint16:
		*t, err = r.Uint16()
	case *int16:
		var v uint16
		v, err = r.Uint16()
		*t = int16(v)
	case *uint32:
		*t, err = r.Uint32()
	case *int32:
		*t, err = r.Int32()
	case *uint64:
		*t, err = r.Uint64()
	case *int64:
		*t, err = r.Int64()
	case *int:
		var v int64
		v, err = r.Int64()
		*t = int(v)
	case *uint:
		var v uint64
		v, err = r.Uint64()
		*t = uint(v)
	case *float64:
		*t, err = r.Float64()
	case *string:
		*t, err = r.String()
	case *[]byte:
		var v []byte
		v, err = r.Bytes()
		if err == nil {
			*t = append([]byte(nil), v...)
		}
	case Unmarshaler:
		err = t.UnmarshalArchive(r)
	default:
		return fmt.Errorf("cannot decode into %T", p)
	}
	return err
}
