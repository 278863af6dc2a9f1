// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the muxrpc.Handler type for functions
// with other signatures, and a matching typed wrapper for clients.
//
// Parameters may be []byte or string, or a type whose pointer implements
// archive.Unmarshaler, encoding.BinaryUnmarshaler, or
// encoding.TextUnmarshaler, in that order of preference.
//
// Results may be []byte or string, or any type that implements
// archive.Marshaler, encoding.BinaryMarshaler, or encoding.TextMarshaler, in
// that order of preference. Archive values are written with version
// archive.Version, and archive parameters must carry that version.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/archive"
)

// callContextKey is a context key for the call passed to a handler.
type callContextKey struct{}

// ContextCall returns the original call passed to the handler, or nil if ctx
// has no associated call. The context passed to a function wrapped by this
// package has this value.
func ContextCall(ctx context.Context) *muxrpc.Call {
	if v := ctx.Value(callContextKey{}); v != nil {
		return v.(*muxrpc.Call)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a muxrpc.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) muxrpc.Handler {
	return func(ctx context.Context, call *muxrpc.Call) ([]byte, error) {
		var p P
		if err := unmarshal(call.Args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, callContextKey{}, call)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a muxrpc.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) muxrpc.Handler {
	return func(ctx context.Context, call *muxrpc.Call) ([]byte, error) {
		var p P
		if err := unmarshal(call.Args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, callContextKey{}, call)
		return marshal(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a muxrpc.Handler.
func ParamError[P any](f func(context.Context, P) error) muxrpc.Handler {
	return func(ctx context.Context, call *muxrpc.Call) ([]byte, error) {
		var p P
		if err := unmarshal(call.Args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, callContextKey{}, call)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a muxrpc.Handler.
func ResultError[R any](f func(context.Context) (R, error)) muxrpc.Handler {
	return func(ctx context.Context, call *muxrpc.Call) ([]byte, error) {
		hctx := context.WithValue(ctx, callContextKey{}, call)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a muxrpc.Handler.
func ResultOnly[R any](f func(context.Context) R) muxrpc.Handler {
	return func(ctx context.Context, call *muxrpc.Call) ([]byte, error) {
		hctx := context.WithValue(ctx, callContextKey{}, call)
		return marshal(f(hctx))
	}
}

// Invoke calls the specified method on c with p as its argument, and decodes
// the result into a value of type R. The encodings of P and R follow the same
// rules as for handler parameters and results.
func Invoke[R, P any](ctx context.Context, c *muxrpc.Client, iid, mid uint16, p P) (R, error) {
	var r R
	args, err := marshal(p)
	if err != nil {
		return r, fmt.Errorf("encode argument: %w", err)
	}
	data, err := c.Invoke(ctx, iid, mid, args)
	if err != nil {
		return r, err
	}
	if err := unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement one of the archive.Unmarshaler,
// encoding.BinaryUnmarshaler, or encoding.TextUnmarshaler interfaces.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case archive.Unmarshaler:
		r, err := archive.NewReader(data, archive.Version)
		if err != nil {
			return err
		}
		if err := t.UnmarshalArchive(r); err != nil {
			return err
		}
		return r.Done()
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement one of the
// archive.Marshaler, encoding.BinaryMarshaler, or encoding.TextMarshaler
// interfaces.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case archive.Marshaler:
		w := archive.NewWriter(archive.Version)
		t.MarshalArchive(w)
		return w.Encoded(), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
