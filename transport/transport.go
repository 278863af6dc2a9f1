// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the muxrpc.Conn and
// muxrpc.Listener interfaces.
//
// Stream transports (tcp, unix, pipe) write each frame with its own length
// prefix on a reliable byte stream. The datagram transport (udp) sends one
// frame per packet. The tunneled transports (http, https) carry frames in the
// bodies of HTTP requests and responses. The in-process transport (inproc,
// and the Pipe function) passes frames directly without encoding.
//
// All of them present the same contract, so servers and clients do not need
// to know which is in use.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"time"

	"github.com/creachadair/muxrpc"
)

// ErrBackpressure is reported, wrapped in a retryable *muxrpc.TransportError,
// by a Send refused by a non-blocking bandwidth quota.
var ErrBackpressure = muxrpc.ErrBackpressure

// Options are settings for Dial and Listen. A nil *Options provides default
// values as described.
type Options struct {
	// TLS settings for the https scheme. Required by Listen for https.
	// If nil, Dial uses a default configuration.
	TLSConfig *tls.Config

	// If positive, the maximum time to wait for Dial to connect. This applies
	// in addition to any deadline on the context.
	ConnectTimeout time.Duration

	// How long the HTTP tunnel server holds an empty poll request open while
	// waiting for frames to deliver. If zero, it defaults to 1s.
	PollWait time.Duration

	// If non-nil, wrap each connection with a bandwidth quota.
	Quota *QuotaOptions
}

func (o *Options) pollWait() time.Duration {
	if o == nil || o.PollWait <= 0 {
		return time.Second
	}
	return o.PollWait
}

func (o *Options) wrap(c muxrpc.Conn) muxrpc.Conn {
	if o == nil || o.Quota == nil {
		return c
	}
	return Throttle(c, *o.Quota)
}

// Dial connects to the specified endpoint string. See ParseEndpoint for the
// format. Failure to connect is reported as a retryable *muxrpc.TransportError.
func Dial(ctx context.Context, endpoint string, opts *Options) (muxrpc.Conn, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return DialEndpoint(ctx, ep, opts)
}

// DialEndpoint connects to ep.
func DialEndpoint(ctx context.Context, ep Endpoint, opts *Options) (muxrpc.Conn, error) {
	if opts != nil && opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	var conn muxrpc.Conn
	var err error
	switch ep.Scheme {
	case SchemeTCP, SchemeUnix, SchemePipe:
		conn, err = dialStream(ctx, ep)
	case SchemeUDP:
		conn, err = dialDatagram(ctx, ep)
	case SchemeHTTP, SchemeHTTPS:
		conn, err = dialTunnel(ctx, ep, opts)
	case SchemeInproc:
		conn, err = dialInproc(ctx, ep)
	default:
		err = errors.New("unknown scheme " + ep.Scheme)
	}
	if err != nil {
		return nil, dialError(err)
	}
	return opts.wrap(conn), nil
}

// Dialer returns a muxrpc.Dialer that connects to ep with the given options.
func Dialer(ep Endpoint, opts *Options) muxrpc.Dialer {
	return func(ctx context.Context) (muxrpc.Conn, error) {
		return DialEndpoint(ctx, ep, opts)
	}
}

// Listen creates a listener for the specified endpoint string.
func Listen(endpoint string, opts *Options) (muxrpc.Listener, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return ListenEndpoint(ep, opts)
}

// ListenEndpoint creates a listener for ep.
func ListenEndpoint(ep Endpoint, opts *Options) (muxrpc.Listener, error) {
	var lst muxrpc.Listener
	var err error
	switch ep.Scheme {
	case SchemeTCP, SchemeUnix, SchemePipe:
		lst, err = listenStream(ep)
	case SchemeUDP:
		lst, err = listenDatagram(ep)
	case SchemeHTTP, SchemeHTTPS:
		lst, err = listenTunnel(ep, opts)
	case SchemeInproc:
		lst, err = listenInproc(ep)
	default:
		err = errors.New("unknown scheme " + ep.Scheme)
	}
	if err != nil {
		return nil, err
	}
	if opts != nil && opts.Quota != nil {
		return quotaListener{Listener: lst, opts: *opts.Quota}, nil
	}
	return lst, nil
}

func dialError(err error) error {
	var te *muxrpc.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &muxrpc.TransportError{Op: "dial", Err: err, Retryable: true}
}

func sendError(err error, retryable bool) error {
	return &muxrpc.TransportError{Op: "send", Err: err, Retryable: retryable}
}

func recvError(err error) error {
	var pe *muxrpc.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &muxrpc.TransportError{Op: "recv", Err: err}
}

// timeoutError is reported by Recv when its timeout expires.
func timeoutError() error { return recvError(os.ErrDeadlineExceeded) }

// acceptContext runs accept until it returns or ctx ends. If ctx ends first,
// cancel is called to unblock accept, and the context error is reported.
func acceptContext[T any](ctx context.Context, accept func() (T, error), cancel func()) (T, error) {
	stop := context.AfterFunc(ctx, cancel)
	v, err := accept()
	stop()
	if err != nil && ctx.Err() != nil {
		var zero T
		return zero, ctx.Err()
	}
	return v, err
}
