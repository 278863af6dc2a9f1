// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package muxrpc implements a multiplexed remote procedure call protocol.
//
// A client and a server exchange binary frames over a connection. Each frame
// carries a fixed header naming the wire version, a target interface and
// method, a correlation ID, and flags, followed by an opaque payload. Many
// calls may be outstanding on one connection at once; replies may arrive in
// any order and are matched to their calls by correlation ID.
//
// # Servers
//
// A [Server] owns a [Dispatcher] mapping (interface, method) pairs to
// handlers, and a worker pool on which handlers run. To define a handler:
//
//	func echo(ctx context.Context, call *muxrpc.Call) ([]byte, error) {
//	   return call.Args, nil
//	}
//
//	srv := muxrpc.NewServer(nil)
//	srv.Bind(1, 1, echo)
//
// To accept connections, pass a [Listener] to [Server.Serve], or start a
// session directly on a connection with [Server.Start]. Each connection is
// served by a [Session], which decodes frames, dispatches calls to the pool,
// and encodes replies. A handler may use [ContextSession] to find the session
// that delivered its call.
//
// Call [Server.Shutdown] to stop the server. With draining, calls already
// received run to completion and their replies are sent, while new calls are
// rejected with a shutdown fault.
//
// # Clients
//
// A [Client] issues calls over a connection obtained from a [Dialer]. The
// transport package provides dialers and listeners for TCP, UDP, Unix sockets,
// named pipes, HTTP tunnels, and in-process connections.
//
//	cli := muxrpc.NewClient(transport.Dialer(ep, nil), nil)
//	defer cli.Close()
//
//	rsp, err := cli.Invoke(ctx, 1, 1, []byte("hello"))
//
// [Client.Call] sends a call and returns a [Future] that settles when the
// reply arrives, the call times out, or it is cancelled. Oneway calls settle as
// soon as they are sent.
//
// [Client.Ping] sends a keepalive that the server's session answers itself,
// without running a handler; set ClientOptions.PingInterval to ping the open
// connection periodically so that an idle server does not close it. With
// ClientOptions.BatchBytes set, oneway calls are collected and written
// together, and [Client.Flush] writes any that are waiting.
//
// # Errors
//
// A handler error is reported to the caller as a fault, which the client
// returns as a [*RemoteError]. Faults have a kind, a numeric code, a message,
// and optional data; use [errors.Is] with the sentinel errors of this package,
// such as [ErrUnknownMethod] and [ErrVersion], to classify them. Transport
// failures are reported as [*TransportError], and [IsRetryable] reports
// whether a failed call may be retried.
//
// # Archives
//
// Payloads are opaque to the protocol. The archive package provides a
// versioned binary encoding for call arguments and results, and the handler
// package adapts typed functions to handlers using it.
package muxrpc
