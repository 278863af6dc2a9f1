// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/archive"
	"github.com/creachadair/muxrpc/catalog"
	"github.com/creachadair/muxrpc/config"
	"github.com/creachadair/muxrpc/logging"
	"github.com/creachadair/muxrpc/rpctest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestPackArgs(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
		want string
	}{
		{"", nil, "\x01"},
		{"1 2 4", []string{"1", "2", "3"}, "\x01\x01\x00\x02\x00\x00\x00\x03"},
		{"8", []string{"4"}, "\x01\x00\x00\x00\x00\x00\x00\x00\x04"},
		{"i", []string{"-1"}, "\x01\xff\xff\xff\xff"},
		{"s", []string{"hi"}, "\x01\x00\x00\x00\x02hi"},
		{"r q", []string{"a", `b\x00`}, "\x01ab\x00"},
		{"%%", []string{"true", "false"}, "\x01\x01\x00"},
		{"1(1)", []string{"5", "6"}, "\x01\x05\x00\x00\x00\x02\x01\x06"},
		{"(s(1))", []string{"x", "7"}, "\x01\x00\x00\x00\x0c\x01\x00\x00\x00\x01x\x00\x00\x00\x02\x01\x07"},
	}
	for _, tc := range tests {
		got, err := packArgs(1, tc.pat, tc.args)
		if err != nil {
			t.Errorf("packArgs(%q, %q): unexpected error: %v", tc.pat, tc.args, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("packArgs(%q, %q): got %q, want %q", tc.pat, tc.args, got, tc.want)
		}
	}
}

func TestPackErrors(t *testing.T) {
	tests := []struct {
		pat  string
		args []string
		want string
	}{
		{"x", nil, "invalid pattern word"},
		{"1", nil, "missing argument"},
		{"1", []string{"256"}, "invalid byte"},
		{"%", []string{"maybe"}, "invalid bool"},
		{"(1", []string{"1"}, "missing close"},
		{"1", []string{"1", "2"}, "extra arguments"},
	}
	for _, tc := range tests {
		got, err := packArgs(1, tc.pat, tc.args)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("packArgs(%q, %q): got %q, %v; want error containing %q", tc.pat, tc.args, got, err, tc.want)
		}
	}
}

func TestBuiltins(t *testing.T) {
	defer leaktest.Check(t)()

	log := logging.Configure(logging.ProfileTest)
	loc := rpctest.NewLocal(&muxrpc.ServerOptions{Workers: 2, Logger: &log}, nil)
	defer loc.Stop()

	cat := catalog.New().Set("calc.add", 7, 1)
	bindBuiltins(loc.Server, cat)
	ctx := context.Background()

	t.Run("Echo", func(t *testing.T) {
		rsp, err := loc.Client.Invoke(ctx, sysInterface, 2, []byte("ping"))
		if err != nil || string(rsp) != "ping" {
			t.Errorf("sys.echo: got %q, %v; want ping", rsp, err)
		}
	})
	t.Run("Add", func(t *testing.T) {
		args, err := packArgs(1, "II", []string{"40", "2"})
		if err != nil {
			t.Fatalf("Pack: %v", err)
		}
		rsp, err := loc.Client.Invoke(ctx, sysInterface, 3, args)
		if err != nil {
			t.Fatalf("sys.add: %v", err)
		}
		var got int64
		if err := archive.Decode(rsp, []byte{1}, &got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != 42 {
			t.Errorf("sys.add: got %d, want 42", got)
		}
	})
	t.Run("Sessions", func(t *testing.T) {
		rsp, err := loc.Client.Invoke(ctx, sysInterface, 4, nil)
		if err != nil {
			t.Fatalf("sys.sessions: %v", err)
		}
		if want := "\x01\x00\x00\x00\x01"; string(rsp) != want {
			t.Errorf("sys.sessions: got %q, want %q", rsp, want)
		}
	})
	t.Run("Catalog", func(t *testing.T) {
		rsp, err := loc.Client.Invoke(ctx, sysInterface, 1, nil)
		if err != nil {
			t.Fatalf("sys.catalog: %v", err)
		}
		var got catalog.Catalog
		if err := got.Decode(rsp); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		want := []string{"calc.add", "sys.add", "sys.catalog", "sys.echo", "sys.sessions"}
		if diff := cmp.Diff(want, got.Names()); diff != "" {
			t.Errorf("Catalog names (-want, +got):\n%s", diff)
		}
	})
}

func TestResolveMethod(t *testing.T) {
	cfg := config.Default()
	cfg.Methods = map[string]string{"calc.add": "7.1"}
	tests := []struct {
		name string
		want catalog.Method
		ok   bool
	}{
		{"3.4", catalog.Method{Interface: 3, Method: 4}, true},
		{"calc.add", catalog.Method{Interface: 7, Method: 1}, true},
		{"sys.echo", catalog.Method{Interface: sysInterface, Method: 2}, true},
		{"nonesuch", catalog.Method{}, false},
	}
	for _, tc := range tests {
		got, err := resolveMethod(cfg, tc.name)
		if ok := err == nil; ok != tc.ok || got != tc.want {
			t.Errorf("resolveMethod(%q): got %v, %v; want %v, ok=%v", tc.name, got, err, tc.want, tc.ok)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	hs := httptest.NewServer(metricsHandler(metricsRegistry()))
	defer hs.Close()

	rsp, err := hs.Client().Get(hs.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get metrics: %v", err)
	}
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		t.Fatalf("Read body: %v", err)
	}
	if !strings.Contains(string(body), `muxrpc_counter{name="calls_in"}`) {
		t.Errorf("Metrics output is missing the calls_in counter:\n%s", body)
	}
}
