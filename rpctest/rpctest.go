// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package rpctest provides support code for testing servers and clients.
package rpctest

import (
	"context"
	"errors"

	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/transport"
)

// Local is a server and a client connected in memory, suitable for testing.
type Local struct {
	Server *muxrpc.Server
	Client *muxrpc.Client
}

// NewLocal creates a server with the given options and a client that reaches
// it through in-memory pipes, without encoding frames. Each connection the
// client dials starts a new session on the server.
func NewLocal(sopts *muxrpc.ServerOptions, copts *muxrpc.ClientOptions) *Local {
	srv := muxrpc.NewServer(sopts)
	return &Local{
		Server: srv,
		Client: muxrpc.NewClient(Dialer(srv), copts),
	}
}

// Stop closes the client and shuts down the server without draining, and
// blocks until both have exited.
func (l *Local) Stop() error {
	cerr := l.Client.Close()
	l.Server.Shutdown(false)
	return cerr
}

// Dialer returns a muxrpc.Dialer that connects to srv through an in-memory
// pipe, starting a new session for each connection.
func Dialer(srv *muxrpc.Server) muxrpc.Dialer {
	return func(ctx context.Context) (muxrpc.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cc, sc := transport.Pipe()
		if _, err := srv.Start(sc); err != nil {
			cc.Close()
			sc.Close()
			return nil, err
		}
		return cc, nil
	}
}

// Conn is a muxrpc.Conn whose behavior can be controlled by a test. It wraps
// another Conn, and lets the test fail sends or drop received frames.
type Conn struct {
	muxrpc.Conn

	// If non-nil, called before each Send. If it reports an error, the frame
	// is not sent and the error is returned.
	OnSend func(*muxrpc.Frame) error
}

// Send implements a method of the [muxrpc.Conn] interface.
func (c *Conn) Send(f *muxrpc.Frame) error {
	if c.OnSend != nil {
		if err := c.OnSend(f); err != nil {
			return err
		}
	}
	return c.Conn.Send(f)
}

// ErrInjected is a sentinel error for failures injected by a test.
var ErrInjected = errors.New("injected failure")
