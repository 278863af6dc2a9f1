// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/catalog"
	"github.com/creachadair/muxrpc/rpctest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestCatalogUsage(t *testing.T) {
	defer leaktest.Check(t)()

	cat := catalog.New().Add(1, "test1", "test2").Set("test0", 1, muxrpc.AnyMethod)

	loc := rpctest.NewLocal(&muxrpc.ServerOptions{
		LogFrames: func(fi muxrpc.FrameInfo) { t.Logf("server: %v", fi) },
	}, nil)
	defer loc.Stop()

	srv := cat.Server(loc.Server)
	cli := cat.Client(loc.Client)
	ctx := context.Background()

	srv.
		Handle("test0", func(context.Context, *muxrpc.Call) ([]byte, error) {
			return []byte("default"), nil
		}).
		Handle("test1", func(context.Context, *muxrpc.Call) ([]byte, error) {
			return []byte("one"), nil
		})

	t.Run("HandleUnknown", func(t *testing.T) {
		mtest.MustPanic(t, func() { srv.Handle("nonesuch", nil) })
	})

	checkCall := func(t *testing.T, name, want string) {
		t.Helper()
		rsp, err := cli.Invoke(ctx, name, nil)
		if err != nil {
			t.Fatalf("Call %q unexpectedly failed: %v", name, err)
		} else if got := string(rsp); got != want {
			t.Fatalf("Call %q: got %q, want %q", name, got, want)
		}
	}

	t.Run("Call0", func(t *testing.T) { checkCall(t, "test0", "default") })
	t.Run("Call1", func(t *testing.T) { checkCall(t, "test1", "one") })
	t.Run("Call2", func(t *testing.T) { checkCall(t, "test2", "default") }) // fall through to wildcard

	t.Run("CallUnknown", func(t *testing.T) {
		if rsp, err := cli.Invoke(ctx, "nonesuch", nil); !errors.Is(err, muxrpc.ErrUnknownMethod) {
			t.Errorf("Call nonesuch: got %q, %v; want %v", rsp, err, muxrpc.ErrUnknownMethod)
		}
		if _, err := cli.Call(ctx, "nonesuch", nil, muxrpc.CallOptions{}); !errors.Is(err, muxrpc.ErrUnknownMethod) {
			t.Errorf("Call nonesuch: got %v, want %v", err, muxrpc.ErrUnknownMethod)
		}
	})

	// Add a new binding to the catalog and exercise it.
	cat.Set("test3", 1, 935)
	srv.Handle("test3", func(context.Context, *muxrpc.Call) ([]byte, error) {
		return []byte("three"), nil
	})
	t.Run("Call3_Defined", func(t *testing.T) {
		f, err := cli.Call(ctx, "test3", nil, muxrpc.CallOptions{})
		if err != nil {
			t.Fatalf("Call test3: %v", err)
		}
		if rsp, err := f.Wait(ctx); err != nil || string(rsp) != "three" {
			t.Errorf("Call test3: got %q, %v; want three", rsp, err)
		}
	})

	checkExec := func(t *testing.T, name, want string) {
		t.Helper()
		data, err := srv.Exec(ctx, name, nil)
		if err != nil {
			t.Fatalf("Exec %q unexpectedly failed: %v", name, err)
		} else if got := string(data); got != want {
			t.Fatalf("Exec %q: got %q, want %q", name, got, want)
		}
	}

	t.Run("Exec0", func(t *testing.T) { checkExec(t, "test0", "default") })
	t.Run("Exec1", func(t *testing.T) { checkExec(t, "test1", "one") })
	t.Run("ExecUnknown", func(t *testing.T) {
		if data, err := srv.Exec(ctx, "nonesuch", nil); err == nil {
			t.Errorf("Exec nonesuch: got %q, want error", data)
		}
	})
}

func TestCatalogEncoding(t *testing.T) {
	initCat := func() catalog.Catalog {
		return catalog.New().
			Set("minsc", 1, 101).
			Set("boo", 1, 102).
			Set("dynaheir", 2, 10098).
			Set("viconia", 3, 666)
	}
	checkEqual := func(t *testing.T, got, want catalog.Catalog) {
		t.Helper()
		if diff := cmp.Diff(want.Names(), got.Names()); diff != "" {
			t.Fatalf("Names (-want, +got):\n%s", diff)
		}
		for _, name := range want.Names() {
			wm, _ := want.Lookup(name)
			gm, ok := got.Lookup(name)
			if !ok || gm != wm {
				t.Errorf("Lookup %q: got %v, %v; want %v", name, gm, ok, wm)
			}
		}
	}

	t.Run("Lookup", func(t *testing.T) {
		want := map[string]catalog.Method{
			"minsc": {Interface: 1, Method: 101},
			"boo":   {Interface: 1, Method: 102},
		}
		cat := initCat()
		for name, m := range want {
			if got, ok := cat.Lookup(name); !ok || got != m {
				t.Errorf("Lookup %q: got %v, %v; want %v", name, got, ok, m)
			}
		}
		if got, ok := cat.Lookup("nonesuch"); ok {
			t.Errorf("Lookup nonesuch: got %v, want not found", got)
		}
	})

	t.Run("Add", func(t *testing.T) {
		cat := initCat().Add(1, "jaheira").Add(4, "khalid")
		if m, _ := cat.Lookup("jaheira"); m != (catalog.Method{Interface: 1, Method: 103}) {
			t.Errorf("Lookup jaheira: got %v, want 1.103", m)
		}
		if m, _ := cat.Lookup("khalid"); m != (catalog.Method{Interface: 4, Method: 1}) {
			t.Errorf("Lookup khalid: got %v, want 4.1", m)
		}
	})

	t.Run("AddAfterLast", func(t *testing.T) {
		cat := catalog.New().Set("one", 7, 1).Set("last", 7, 0xffff).Add(7, "next", "after")
		if m, _ := cat.Lookup("next"); m != (catalog.Method{Interface: 7, Method: 2}) {
			t.Errorf("Lookup next: got %v, want 7.2", m)
		}
		if m, _ := cat.Lookup("after"); m != (catalog.Method{Interface: 7, Method: 3}) {
			t.Errorf("Lookup after: got %v, want 7.3", m)
		}
	})

	t.Run("AddExhausted", func(t *testing.T) {
		cat := catalog.New()
		for id := 1; id <= 0xffff; id++ {
			cat.Set(fmt.Sprint("m", id), 3, uint16(id))
		}
		mtest.MustPanic(t, func() { cat.Add(3, "overflow") })
		if m, ok := cat.Lookup("overflow"); ok {
			t.Errorf("Lookup overflow: got %v, want not found", m)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		want := initCat()
		enc := want.Encode()
		t.Logf("Encoded catalog: %q", enc)
		var got catalog.Catalog
		if err := got.Decode(enc); err != nil {
			t.Fatalf("Decode catalog: unexpected error: %v", err)
		}
		checkEqual(t, got, want)
	})

	t.Run("Truncated", func(t *testing.T) {
		enc := initCat().Encode()
		var got catalog.Catalog
		if err := got.Decode(enc[:len(enc)-1]); err == nil {
			t.Error("Decode truncated: got nil, want error")
		}
	})

	t.Run("Handler", func(t *testing.T) {
		defer leaktest.Check(t)()
		loc := rpctest.NewLocal(nil, nil)
		defer loc.Stop()

		// Set up a catalog with a method to query the catalog itself.
		cat := initCat().Add(0xffff, "catalog")
		cat.Server(loc.Server).Handle("catalog", cat.Handler)

		rsp, err := cat.Client(loc.Client).Invoke(context.Background(), "catalog", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}

		// Make sure we got the same set back.
		var got catalog.Catalog
		if err := got.Decode(rsp); err != nil {
			t.Fatalf("Decode response: unexpected error: %v", err)
		}
		checkEqual(t, got, cat)
	})
}
