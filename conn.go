// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muxrpc

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// A Conn is a bidirectional channel of frames between a client and a server.
// Implementations are provided by the transport package.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver. Closing a Conn is terminal: a closed Conn is never
// reopened, and all further operations on it must report an error.
type Conn interface {
	// Send the frame to the remote end. A send error that did not deliver any
	// part of the frame should be reported as a retryable *TransportError.
	Send(*Frame) error

	// Recv returns the next available frame from the remote end. If timeout
	// is positive and no frame arrives within that interval, Recv reports a
	// *TransportError wrapping os.ErrDeadlineExceeded. A malformed frame is
	// reported as a *ProtocolError. After the remote end closes, Recv reports
	// an error matching io.EOF or net.ErrClosed.
	Recv(timeout time.Duration) (*Frame, error)

	// Close the connection, causing any pending send or receive operations to
	// terminate and report an error.
	Close() error
}

// A BatchConn is a Conn that can write several frames at once. A client
// that batches oneway calls writes each batch with SendBatch when its
// connection provides it, and otherwise sends the frames one at a time.
type BatchConn interface {
	Conn

	// SendBatch sends the frames in order. The error conventions are the
	// same as for Send.
	SendBatch([]*Frame) error
}

// A Listener accepts inbound connections for a server.
type Listener interface {
	// Accept blocks until a new connection is available or ctx ends. After
	// the listener is closed, Accept reports an error matching net.ErrClosed.
	Accept(ctx context.Context) (Conn, error)

	// Close stops the listener. Connections already accepted are not affected.
	Close() error

	// Addr reports a human-readable address for the listener.
	Addr() string
}

// A Dialer opens a new connection to a server.
type Dialer func(ctx context.Context) (Conn, error)

// treatErrorAsSuccess reports whether err indicates an orderly close rather
// than a failure.
func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
