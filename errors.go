// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package muxrpc

import (
	"errors"
	"fmt"

	"github.com/creachadair/muxrpc/archive"
	"github.com/creachadair/muxrpc/pool"
)

// Error kinds. Every error reported for a call matches (via errors.Is) exactly
// one of these sentinels, which callers can use to decide how to react.
var (
	// ErrTransport is matched by connect, send, and receive failures. These
	// are fatal to the connection on which they occur.
	ErrTransport = errors.New("transport error")

	// ErrProtocol is matched by malformed or truncated frames. These are
	// fatal to the connection on which they occur.
	ErrProtocol = errors.New("protocol error")

	// ErrVersion is matched by frame or archive version mismatches. These are
	// reported to the caller in a fault reply and do not affect the connection.
	ErrVersion = archive.ErrVersion

	// ErrRemote is matched by errors reported by a method handler.
	ErrRemote = errors.New("remote exception")

	// ErrUnknownMethod is matched by calls to a method with no handler.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrTimeout is matched when a call deadline expires before its reply
	// arrives. The connection is not affected.
	ErrTimeout = errors.New("call timed out")

	// ErrShutdown is matched by work rejected because a pool, session, server,
	// or client is shutting down.
	ErrShutdown = pool.ErrShutdown
)

// ErrBackpressure is wrapped by the retryable *TransportError reported when a
// send is refused by a non-blocking bandwidth quota. Unlike other send
// failures, it does not affect the connection.
var ErrBackpressure = errors.New("bandwidth quota exceeded")

// TransportError reports a failure to connect, send, or receive.
type TransportError struct {
	Op  string // the operation that failed, e.g., "dial", "send", "recv"
	Err error  // the underlying error

	// Retryable reports whether the failed operation is known not to have
	// delivered any part of a request, so that it is safe to try it again.
	Retryable bool
}

// Error satisfies the error interface.
func (t *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", t.Op, t.Err)
}

// Unwrap supports error matching against ErrTransport and the underlying error.
func (t *TransportError) Unwrap() []error { return []error{ErrTransport, t.Err} }

// ProtocolError reports a malformed, truncated, or otherwise unreadable frame.
type ProtocolError struct {
	Err error
}

func protocolError(err error) *ProtocolError { return &ProtocolError{Err: err} }

// Error satisfies the error interface.
func (p *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %v", p.Err) }

// Unwrap supports error matching against ErrProtocol and the underlying error.
func (p *ProtocolError) Unwrap() []error { return []error{ErrProtocol, p.Err} }

// RemoteError is the concrete type of errors carried by a fault reply.
//
// A method handler may return a *RemoteError (or RemoteError) to control the
// code and auxiliary data reported to the caller; any other error reported by
// a handler is sent with code 0 and the text of the error as its message.
type RemoteError struct {
	Kind    FaultKind // zero is treated as FaultApplication
	Code    uint16
	Message string
	Data    []byte
}

// Error satisfies the error interface.
func (r RemoteError) Error() string {
	if r.Code != 0 {
		return fmt.Sprintf("[code %d] %s", r.Code, r.Message)
	}
	return r.Message
}

// Unwrap supports error matching against the sentinel for the fault kind.
func (r RemoteError) Unwrap() error {
	switch r.Kind {
	case FaultVersion:
		return ErrVersion
	case FaultUnknownMethod:
		return ErrUnknownMethod
	case FaultProtocol:
		return ErrProtocol
	case FaultShutdown:
		return ErrShutdown
	default:
		return ErrRemote
	}
}

func (r RemoteError) fault() Fault {
	kind := r.Kind
	if kind == 0 {
		kind = FaultApplication
	}
	return Fault{Kind: kind, Code: r.Code, Message: r.Message, Data: r.Data}
}

func remoteError(f Fault) *RemoteError {
	return &RemoteError{Kind: f.Kind, Code: f.Code, Message: f.Message, Data: f.Data}
}

// IsRetryable reports whether err is a transport failure that is known not to
// have delivered a request.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}

// faultFor converts an error reported during dispatch into a fault payload.
func faultFor(err error) Fault {
	var rp *RemoteError
	var rv RemoteError
	var perr *pool.PanicError
	switch {
	case errors.As(err, &rp):
		return rp.fault()
	case errors.As(err, &rv):
		return rv.fault()
	case errors.As(err, &perr):
		return Fault{Kind: FaultApplication, Message: fmt.Sprintf("handler panicked (recovered): %v", perr.Value)}
	case errors.Is(err, ErrVersion):
		return Fault{Kind: FaultVersion, Message: err.Error()}
	case errors.Is(err, ErrUnknownMethod):
		return Fault{Kind: FaultUnknownMethod, Message: err.Error()}
	case errors.Is(err, ErrShutdown):
		return Fault{Kind: FaultShutdown, Message: err.Error()}
	default:
		return Fault{Kind: FaultApplication, Message: err.Error()}
	}
}
