// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/archive"
	"github.com/creachadair/muxrpc/handler"
	"github.com/creachadair/muxrpc/rpctest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error)     { return []byte(v), nil }
func (v *tvText) UnmarshalText(data []byte) error { *v = tvText(data); return nil }

type tvBinary string

func (v tvBinary) MarshalBinary() ([]byte, error)     { return []byte(v), nil }
func (v *tvBinary) UnmarshalBinary(data []byte) error { *v = tvBinary(data); return nil }

type pair struct {
	A, B int32
}

func (p pair) MarshalArchive(w *archive.Writer) { w.Int32(p.A); w.Int32(p.B) }

func (p *pair) UnmarshalArchive(r *archive.Reader) (err error) {
	if p.A, err = r.Int32(); err != nil {
		return err
	}
	p.B, err = r.Int32()
	return err
}

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()
	loc := rpctest.NewLocal(nil, nil)
	defer loc.Stop()

	check := func(t *testing.T, want, etext string, h muxrpc.Handler) {
		t.Helper()
		loc.Server.Bind(1, 1, h)
		ctx := context.Background()
		rsp, err := loc.Client.Invoke(ctx, 1, 1, []byte("input"))
		if err != nil {
			if got := err.Error(); got != etext {
				t.Fatalf("Call: got error %v, want %q", err, etext)
			}
		} else if etext != "" {
			t.Fatalf("Call: got %q, want error %q", rsp, etext)
		} else if got := string(rsp); got != want {
			t.Errorf("Call result: got %q, want %q", got, want)
		}
	}
	checkCall := func(t *testing.T, ctx context.Context) {
		t.Helper()
		call := handler.ContextCall(ctx)
		if call == nil {
			t.Error("Context does not contain call")
		} else if call.InterfaceID != 1 || call.MethodID != 1 {
			t.Errorf("Context call: got %v, want 1.1", call)
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkCall(t, ctx)
					return s + "-ok", nil
				},
			))
		})
		t.Run("StringByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) ([]byte, error) {
					checkCall(t, ctx)
					return []byte(s + "-ok"), nil
				},
			))
		})
		t.Run("TextByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvText) ([]byte, error) {
					checkCall(t, ctx)
					return []byte(s + "-ok"), nil
				},
			))
		})
		t.Run("BinaryText", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s tvBinary) (tvText, error) {
					checkCall(t, ctx)
					return tvText(s + "-ok"), nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "", "bad robot", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkCall(t, ctx)
					return "", errors.New("bad robot")
				},
			))
		})
		t.Run("ArchiveMismatch", func(t *testing.T) {
			// "input" is not a valid archive of the required version.
			check(t, "", "unsupported archive version 105 (accept [1])", handler.ParamResultError(
				func(ctx context.Context, p pair) (string, error) { return "unreachable", nil },
			))
		})
	})

	t.Run("PR", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s string) string { checkCall(t, ctx); return s + "-ok" },
			))
		})
		t.Run("TextByte", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s tvText) []byte { checkCall(t, ctx); return []byte(s + "-ok") },
			))
		})
		t.Run("BinaryText", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResult(
				func(ctx context.Context, s tvBinary) tvText { checkCall(t, ctx); return tvText(s + "-ok") },
			))
		})
	})

	t.Run("PE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "", "ok", handler.ParamError(
				func(ctx context.Context, s string) error { checkCall(t, ctx); return errors.New("ok") },
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "", "ok", handler.ParamError(
				func(ctx context.Context, b []byte) error { checkCall(t, ctx); return errors.New("ok") },
			))
		})
		t.Run("RemoteError", func(t *testing.T) {
			check(t, "", "[code 100] ok", handler.ParamError(
				func(ctx context.Context, s tvBinary) error {
					checkCall(t, ctx)
					return muxrpc.RemoteError{Code: 100, Message: "ok"}
				},
			))
		})
	})

	t.Run("RE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "please", "", handler.ResultError(
				func(ctx context.Context) (string, error) {
					checkCall(t, ctx)
					return "please", nil
				},
			))
		})
		t.Run("Binary", func(t *testing.T) {
			check(t, "louder", "", handler.ResultError(
				func(ctx context.Context) (tvBinary, error) {
					checkCall(t, ctx)
					return "louder", nil
				},
			))
		})
		t.Run("Unmarshalable", func(t *testing.T) {
			check(t, "", "cannot marshal int", handler.ResultError(
				func(ctx context.Context) (int, error) { return 1, nil },
			))
		})
	})

	t.Run("RO", func(t *testing.T) {
		t.Run("Byte", func(t *testing.T) {
			check(t, "clap", "", handler.ResultOnly(
				func(ctx context.Context) []byte { checkCall(t, ctx); return []byte("clap") },
			))
		})
		t.Run("Text", func(t *testing.T) {
			check(t, "more", "", handler.ResultOnly(
				func(ctx context.Context) tvText { checkCall(t, ctx); return "more" },
			))
		})
	})
}

func TestInvoke(t *testing.T) {
	defer leaktest.Check(t)()
	loc := rpctest.NewLocal(nil, nil)
	defer loc.Stop()

	loc.Server.Bind(2, 1, handler.ParamResult(func(_ context.Context, p pair) pair {
		return pair{A: p.A + p.B, B: p.A * p.B}
	}))
	loc.Server.Bind(2, 2, handler.ParamResultError(func(_ context.Context, s string) (tvText, error) {
		if s == "" {
			return "", muxrpc.RemoteError{Code: 3, Message: "empty input"}
		}
		return tvText(s + s), nil
	}))

	ctx := context.Background()
	got, err := handler.Invoke[pair](ctx, loc.Client, 2, 1, pair{A: 3, B: 4})
	if err != nil {
		t.Fatalf("Invoke pair: unexpected error: %v", err)
	}
	if diff := cmp.Diff(pair{A: 7, B: 12}, got); diff != "" {
		t.Errorf("Invoke pair (-want, +got):\n%s", diff)
	}

	txt, err := handler.Invoke[tvText](ctx, loc.Client, 2, 2, "ab")
	if err != nil || txt != "abab" {
		t.Errorf("Invoke text: got %q, %v; want abab", txt, err)
	}

	_, err = handler.Invoke[tvText](ctx, loc.Client, 2, 2, "")
	var re *muxrpc.RemoteError
	if !errors.As(err, &re) || re.Code != 3 {
		t.Errorf("Invoke empty: got %v, want remote error code 3", err)
	}

	if _, err := handler.Invoke[string](ctx, loc.Client, 2, 2, 17); err == nil {
		t.Error("Invoke with unencodable argument: got nil, want error")
	}
}
