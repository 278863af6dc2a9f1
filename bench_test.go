// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muxrpc_test

import (
	"context"
	"testing"

	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/rpctest"
	"github.com/creachadair/muxrpc/transport"
	"github.com/creachadair/taskgroup"
)

func noop(context.Context, *muxrpc.Call) ([]byte, error)        { return nil, nil }
func echo(_ context.Context, call *muxrpc.Call) ([]byte, error) { return call.Args, nil }

func BenchmarkCall(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Direct-noop", func(b *testing.B) {
		loc := rpctest.NewLocal(nil, nil)
		defer loc.Stop()

		loc.Server.Bind(1, 1, noop)
		runBench(b, loc.Client, nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := rpctest.NewLocal(nil, nil)
		defer loc.Stop()

		loc.Server.Bind(1, 1, echo)
		runBench(b, loc.Client, payload)
	})

	b.Run("TCP-noop", func(b *testing.B) {
		srv, cli := tcpPair(b)
		srv.Bind(1, 1, noop)
		runBench(b, cli, nil)
	})
	b.Run("TCP-echo", func(b *testing.B) {
		srv, cli := tcpPair(b)
		srv.Bind(1, 1, echo)
		runBench(b, cli, payload)
	})
}

func runBench(b *testing.B, cli *muxrpc.Client, data []byte) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		_, err := cli.Invoke(ctx, 1, 1, data)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func tcpPair(tb testing.TB) (*muxrpc.Server, *muxrpc.Client) {
	lst, err := transport.Listen("tcp://127.0.0.1:0", nil)
	if err != nil {
		tb.Fatalf("Listen: %v", err)
	}
	srv := muxrpc.NewServer(nil)
	serve := taskgroup.Go(func() error { return srv.Serve(context.Background(), lst) })
	cli := muxrpc.NewClient(transport.Dialer(transport.MustParseEndpoint(lst.Addr()), nil), nil)
	tb.Cleanup(func() {
		if err := cli.Close(); err != nil {
			tb.Errorf("Client close: %v", err)
		}
		srv.Shutdown(false)
		if err := serve.Wait(); err != nil {
			tb.Errorf("Serve: %v", err)
		}
	})
	return srv, cli
}
