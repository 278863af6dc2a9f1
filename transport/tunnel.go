// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/muxrpc"
	"github.com/creachadair/taskgroup"
	"github.com/gin-gonic/gin"
)

// Headers used by the HTTP tunnel.
const (
	sessionHeader = "Muxrpc-Session" // identifies the tunnel session
	openHeader    = "Muxrpc-Open"    // the request opens a new session
	closeHeader   = "Muxrpc-Close"   // the session is closed (either direction)
)

// maxTunnelBody bounds the size of a tunnel request or response body.
const maxTunnelBody = 4 * muxrpc.MaxFrameSize

// The HTTP tunnel carries frames in the bodies of POST requests. Every
// request and response body is a concatenation of zero or more encoded
// frames. The client sends each frame in its own request, and keeps an empty
// "poll" request outstanding, which the server holds open until it has
// frames to deliver or the poll wait expires. Any response may carry frames.
//
// A session is opened by a request with the open header, and identified in
// all requests by the session header. A request for an unknown or closed
// session is answered with 410 Gone.

func listenTunnel(ep Endpoint, opts *Options) (muxrpc.Listener, error) {
	var cfg *tls.Config
	if ep.Scheme == SchemeHTTPS {
		if opts == nil || opts.TLSConfig == nil {
			return nil, errors.New("https listener requires a TLS config")
		}
		cfg = opts.TLSConfig
	}
	ln, err := net.Listen("tcp", ep.Address)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		ln = tls.NewListener(ln, cfg)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	tl := &tunnelListener{
		ep:       ep,
		ln:       ln,
		srv:      &http.Server{Handler: r},
		tasks:    taskgroup.New(nil),
		pollWait: opts.pollWait(),
		accept:   make(chan *tunnelConn),
		done:     newLatch(),
		conns:    make(map[string]*tunnelConn),
	}
	r.POST(ep.Path, tl.handle)
	tl.tasks.Go(func() error {
		tl.srv.Serve(ln)
		return nil
	})
	return tl, nil
}

type tunnelListener struct {
	ep       Endpoint
	ln       net.Listener
	srv      *http.Server
	tasks    *taskgroup.Group
	pollWait time.Duration
	accept   chan *tunnelConn
	done     *latch

	μ     sync.Mutex
	conns map[string]*tunnelConn
}

func (tl *tunnelListener) handle(c *gin.Context) {
	id := c.GetHeader(sessionHeader)
	if id == "" {
		c.String(http.StatusBadRequest, "missing %s header", sessionHeader)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTunnelBody))
	if err != nil {
		c.String(http.StatusBadRequest, "reading body: %v", err)
		return
	}

	tc, err := tl.session(c.Request.Context(), id, c.GetHeader(openHeader) != "")
	if err != nil {
		c.String(http.StatusServiceUnavailable, "%v", err)
		return
	} else if tc == nil {
		c.String(http.StatusGone, "unknown session")
		return
	}
	if c.GetHeader(closeHeader) != "" {
		tc.remote.set()
		tl.remove(tc)
		c.Status(http.StatusOK)
		return
	}

	for len(body) > 0 {
		f, n, err := muxrpc.DecodeFrame(body)
		if err != nil {
			tc.deliver(inbound{err: err})
			c.String(http.StatusBadRequest, "%v", err)
			return
		}
		f.Payload = bytes.Clone(f.Payload)
		if !tc.deliver(inbound{f: f}) {
			break
		}
		body = body[n:]
	}

	// Requests that carried frames return at once; empty polls wait.
	var wait time.Duration
	if c.Request.ContentLength == 0 && c.GetHeader(openHeader) == "" {
		wait = tl.pollWait
	}
	frames, closed := tc.takeOutbound(c.Request.Context(), wait)
	if closed {
		c.Header(closeHeader, "1")
	}
	var buf bytes.Buffer
	for _, f := range frames {
		f.WriteTo(&buf)
	}
	c.Data(http.StatusOK, "application/octet-stream", buf.Bytes())
}

// session returns the session for id. If open is true and no session exists,
// a new one is created and handed to Accept. It returns nil if there is no
// session for id and open is false.
func (tl *tunnelListener) session(ctx context.Context, id string, open bool) (*tunnelConn, error) {
	tl.μ.Lock()
	tc, ok := tl.conns[id]
	if ok || !open {
		tl.μ.Unlock()
		return tc, nil
	}
	tc = &tunnelConn{
		lst:    tl,
		id:     id,
		in:     make(chan inbound),
		ready:  make(chan struct{}, 1),
		done:   newLatch(),
		remote: newLatch(),
	}
	tl.conns[id] = tc
	tl.μ.Unlock()

	select {
	case tl.accept <- tc:
		return tc, nil
	case <-tl.done.ch:
		tl.remove(tc)
		return nil, net.ErrClosed
	case <-ctx.Done():
		tl.remove(tc)
		return nil, ctx.Err()
	}
}

func (tl *tunnelListener) remove(tc *tunnelConn) {
	tl.μ.Lock()
	defer tl.μ.Unlock()
	if tl.conns[tc.id] == tc {
		delete(tl.conns, tc.id)
	}
}

// Accept implements a method of the [muxrpc.Listener] interface.
func (tl *tunnelListener) Accept(ctx context.Context) (muxrpc.Conn, error) {
	select {
	case tc := <-tl.accept:
		return tc, nil
	case <-tl.done.ch:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements a method of the [muxrpc.Listener] interface. Closing the
// listener stops the HTTP server, which ends all its tunnel sessions.
func (tl *tunnelListener) Close() error {
	tl.done.set()
	tl.μ.Lock()
	for id, tc := range tl.conns {
		tc.remote.set()
		delete(tl.conns, id)
	}
	tl.μ.Unlock()
	err := tl.srv.Close()
	tl.tasks.Wait()
	return err
}

// Addr implements a method of the [muxrpc.Listener] interface.
func (tl *tunnelListener) Addr() string {
	return tl.ep.Scheme + "://" + tl.ln.Addr().String() + tl.ep.Path
}

// A tunnelConn is the server side of a tunnel session.
type tunnelConn struct {
	lst    *tunnelListener
	id     string
	in     chan inbound
	ready  chan struct{} // signaled when out becomes non-empty
	done   *latch        // closed by the server
	remote *latch        // closed by the client

	μ   sync.Mutex
	out []*muxrpc.Frame
}

// deliver passes an inbound frame to Recv, and reports whether the session
// is still open.
func (tc *tunnelConn) deliver(in inbound) bool {
	select {
	case tc.in <- in:
		return true
	case <-tc.done.ch:
		return false
	case <-tc.remote.ch:
		return false
	}
}

// takeOutbound returns the frames queued for the client, waiting up to wait
// for at least one to arrive. It also reports whether the server has closed
// the session.
func (tc *tunnelConn) takeOutbound(ctx context.Context, wait time.Duration) ([]*muxrpc.Frame, bool) {
	var expire <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		expire = t.C
	}
	for {
		tc.μ.Lock()
		out := tc.out
		tc.out = nil
		tc.μ.Unlock()
		if len(out) > 0 || wait <= 0 {
			return out, tc.done.isSet()
		}
		select {
		case <-tc.ready:
		case <-tc.done.ch:
			wait = 0
		case <-expire:
			wait = 0
		case <-ctx.Done():
			wait = 0
		}
	}
}

func (tc *tunnelConn) Send(f *muxrpc.Frame) error {
	if tc.done.isSet() {
		return sendError(net.ErrClosed, false)
	} else if tc.remote.isSet() {
		return sendError(io.EOF, false)
	}
	tc.μ.Lock()
	tc.out = append(tc.out, f)
	tc.μ.Unlock()
	select {
	case tc.ready <- struct{}{}:
	default:
	}
	return nil
}

func (tc *tunnelConn) Recv(timeout time.Duration) (*muxrpc.Frame, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case in := <-tc.in:
		if in.err != nil {
			return nil, recvError(in.err)
		}
		return in.f, nil
	case <-tc.done.ch:
		return nil, recvError(net.ErrClosed)
	case <-tc.remote.ch:
		return nil, recvError(io.EOF)
	case <-expire:
		return nil, timeoutError()
	}
}

// Close ends the session. Frames already queued are delivered by the next
// poll, whose response tells the client the session is closed.
func (tc *tunnelConn) Close() error {
	tc.done.set()
	time.AfterFunc(2*tc.lst.pollWait, func() { tc.lst.remove(tc) })
	return nil
}

func dialTunnel(ctx context.Context, ep Endpoint, opts *Options) (muxrpc.Conn, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if ep.Scheme == SchemeHTTPS && opts != nil && opts.TLSConfig != nil {
		tr.TLSClientConfig = opts.TLSConfig
	}
	cctx, cancel := context.WithCancel(context.Background())
	tc := &tunnelClient{
		url:    ep.String(),
		id:     hex.EncodeToString(buf[:]),
		hc:     &http.Client{Transport: tr},
		in:     make(chan *muxrpc.Frame, 64),
		ctx:    cctx,
		cancel: cancel,
		tasks:  taskgroup.New(nil),
		failed: newLatch(),
	}
	if err := tc.post(ctx, nil, openHeader); err != nil {
		cancel()
		tr.CloseIdleConnections()
		return nil, err
	}
	tc.tasks.Go(func() error {
		for tc.ctx.Err() == nil {
			if err := tc.post(tc.ctx, nil, ""); err != nil {
				tc.fail(err)
				return nil
			}
		}
		return nil
	})
	return tc, nil
}

// A tunnelClient is the client side of a tunnel session.
type tunnelClient struct {
	url    string
	id     string
	hc     *http.Client
	in     chan *muxrpc.Frame
	ctx    context.Context // ends when the conn is closed
	cancel context.CancelFunc
	tasks  *taskgroup.Group // the poller

	failed *latch
	μ      sync.Mutex
	err    error
}

func (tc *tunnelClient) fail(err error) {
	tc.μ.Lock()
	defer tc.μ.Unlock()
	if tc.err == nil {
		tc.err = err
		tc.failed.set()
	}
}

func (tc *tunnelClient) failure() error {
	tc.μ.Lock()
	defer tc.μ.Unlock()
	return tc.err
}

// post sends one tunnel request with the given body, and delivers any frames
// in the response. It reports io.EOF if the server has closed the session.
func (tc *tunnelClient) post(ctx context.Context, body []byte, header string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, tc.id)
	req.Header.Set("Content-Type", "application/octet-stream")
	if header != "" {
		req.Header.Set(header, "1")
	}
	rsp, err := tc.hc.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()
	switch rsp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return io.EOF
	default:
		return fmt.Errorf("tunnel request: %s", rsp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(rsp.Body, maxTunnelBody))
	if err != nil {
		return err
	}
	for len(data) > 0 {
		f, n, err := muxrpc.DecodeFrame(data)
		if err != nil {
			return err
		}
		f.Payload = bytes.Clone(f.Payload)
		select {
		case tc.in <- f:
		case <-tc.ctx.Done():
			return net.ErrClosed
		}
		data = data[n:]
	}
	if rsp.Header.Get(closeHeader) != "" {
		return io.EOF
	}
	return nil
}

func (tc *tunnelClient) Send(f *muxrpc.Frame) error {
	if err := tc.failure(); err != nil {
		return sendError(err, false)
	} else if tc.ctx.Err() != nil {
		return sendError(net.ErrClosed, false)
	}
	if err := tc.post(tc.ctx, f.Encode(), ""); err != nil {
		var oe *net.OpError
		retryable := errors.As(err, &oe) && oe.Op == "dial"
		if !retryable {
			tc.fail(err)
		}
		return sendError(err, retryable)
	}
	return nil
}

func (tc *tunnelClient) Recv(timeout time.Duration) (*muxrpc.Frame, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	// Deliver frames already received before reporting a failure.
	select {
	case f := <-tc.in:
		return f, nil
	default:
	}
	select {
	case f := <-tc.in:
		return f, nil
	case <-tc.failed.ch:
		return nil, recvError(tc.failure())
	case <-tc.ctx.Done():
		return nil, recvError(net.ErrClosed)
	case <-expire:
		return nil, timeoutError()
	}
}

func (tc *tunnelClient) Close() error {
	if tc.ctx.Err() != nil {
		return nil
	}
	tc.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tc.post(ctx, nil, closeHeader) // best effort
	tc.tasks.Wait()
	tc.hc.CloseIdleConnections()
	return nil
}
