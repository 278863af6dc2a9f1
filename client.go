// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package muxrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ClientOptions are settings for a Client. A nil *ClientOptions provides
// default values as described.
type ClientOptions struct {
	// How long to wait for a connection to be established.
	// If zero, it defaults to 2s.
	ConnectTimeout time.Duration

	// The default deadline for a call to receive its reply, used when the
	// call does not set its own. If zero, it defaults to 10s. If negative,
	// calls have no default deadline.
	CallTimeout time.Duration

	// The default number of times to retry a call that fails with a retryable
	// transport error. Zero means calls are not retried by default.
	MaxRetries int

	// The minimum interval between retry attempts across the client.
	// If zero, it defaults to 50ms.
	RetryInterval time.Duration

	// If true, do not replace a connection after it fails. Calls issued after
	// the failure report the error that ended the connection.
	NoReconnect bool

	// If positive, send a keepalive ping on the open connection at this
	// interval, so that the server does not close it as idle. A ping that is
	// not answered within the call timeout (or the interval, if calls have no
	// default timeout) fails the connection.
	PingInterval time.Duration

	// If positive, oneway calls are not sent individually. Their frames are
	// collected and written together once the collected frames reach this
	// many bytes, before the next two-way call on the connection is sent, or
	// when Flush is called. A batched oneway call is not retried, and its
	// future settles when its batch is written.
	BatchBytes int

	// If non-nil, write operational logs here.
	Logger *zerolog.Logger

	// If non-nil, invoke this callback for each frame sent or received.
	LogFrames FrameLogger
}

func (o *ClientOptions) connectTimeout() time.Duration {
	if o == nil || o.ConnectTimeout <= 0 {
		return 2 * time.Second
	}
	return o.ConnectTimeout
}

func (o *ClientOptions) callTimeout() time.Duration {
	if o == nil || o.CallTimeout == 0 {
		return 10 * time.Second
	}
	return o.CallTimeout
}

func (o *ClientOptions) maxRetries() int {
	if o == nil || o.MaxRetries < 0 {
		return 0
	}
	return o.MaxRetries
}

func (o *ClientOptions) retryInterval() time.Duration {
	if o == nil || o.RetryInterval <= 0 {
		return 50 * time.Millisecond
	}
	return o.RetryInterval
}

func (o *ClientOptions) pingInterval() time.Duration {
	if o == nil || o.PingInterval <= 0 {
		return 0
	}
	return o.PingInterval
}

func (o *ClientOptions) batchBytes() int {
	if o == nil || o.BatchBytes <= 0 {
		return 0
	}
	return o.BatchBytes
}

func (o *ClientOptions) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// CallOptions are per-call settings for Client.Call.
type CallOptions struct {
	// If positive, the deadline for the reply, overriding the client default.
	// If negative, the call has no deadline other than its context.
	Timeout time.Duration

	// If true, send the call without expecting a reply. The future settles as
	// soon as the request is sent.
	Oneway bool

	// If positive, the number of times to retry the call on a retryable
	// transport error, overriding the client default. If negative, the call
	// is not retried.
	MaxRetries int
}

// A Client issues calls to a server over a connection obtained from a Dialer.
// A Client owns at most one connection at a time. If that connection fails,
// every call pending on it fails, and unless NoReconnect is set, the next call
// dials a fresh connection.
//
// Calls may be issued concurrently. Replies are matched to their calls by
// correlation ID, and may arrive in any order.
type Client struct {
	dial     Dialer
	opts     *ClientOptions
	log      zerolog.Logger
	logFrame func(*Frame, bool)
	retry    *rate.Limiter
	tasks    *taskgroup.Group // receive and keepalive loops

	dialμ sync.Mutex // held while dialing

	μ       sync.Mutex
	cur     *clientConn // the current connection, or nil
	lastErr error       // the error that ended the last connection
	closed  bool
}

// clientConn is the state of a single connection owned by a client.
// Its fields other than conn, done, and those guarded by sendμ are guarded by
// the client's lock.
type clientConn struct {
	conn Conn
	done chan struct{} // closed when the connection fails

	sendμ     sync.Mutex
	batch     []*Frame  // oneway frames not yet written
	batchFuts []*Future // the futures for batch
	batchSize int       // total encoded size of batch
	stopped   bool      // the connection has failed; do not batch

	nextID  uint32
	pending map[uint32]*Future // outstanding calls, including abandoned ones
	sending map[uint32]bool    // pending calls whose request is being sent
	err     error              // non-nil once the connection has failed
}

// NewClient constructs a client that uses dial to obtain connections. The
// first connection is dialed by the first call.
func NewClient(dial Dialer, opts *ClientOptions) *Client {
	c := &Client{
		dial:     dial,
		opts:     opts,
		log:      opts.logger().With().Str("component", "client").Logger(),
		logFrame: func(*Frame, bool) {},
		retry:    rate.NewLimiter(rate.Every(opts.retryInterval()), 1),
		tasks:    taskgroup.New(nil),
	}
	if opts != nil && opts.LogFrames != nil {
		lf := opts.LogFrames
		c.logFrame = func(f *Frame, sent bool) { lf(FrameInfo{Frame: f, Sent: sent}) }
	}
	return c
}

// Call issues a call of the specified method with the given argument data,
// and returns a Future for its result. Call blocks until the request has been
// sent (or has failed), but does not wait for the reply.
//
// If ctx ends or the call deadline expires before the reply arrives, the
// future is rejected with an error matching ErrTimeout (for a deadline) or
// the context error. The request is not retracted.
func (c *Client) Call(ctx context.Context, iid, mid uint16, args []byte, opts CallOptions) *Future {
	rootMetrics.callOut.Add(1)
	if opts.Oneway && c.opts.batchBytes() > 0 {
		f := newFuture()
		c.enqueue(ctx, f, iid, mid, args)
		return f
	}
	var flags Flags
	if opts.Oneway {
		flags = FlagOneway
	}
	return c.call(ctx, iid, mid, args, opts, flags)
}

// call issues a request with the given header flags and returns its future.
func (c *Client) call(ctx context.Context, iid, mid uint16, args []byte, opts CallOptions, flags Flags) *Future {
	f := newFuture()

	retries := c.opts.maxRetries()
	if opts.MaxRetries > 0 {
		retries = opts.MaxRetries
	} else if opts.MaxRetries < 0 {
		retries = 0
	}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			f.settle(nil, err)
			return f
		}
		if i > 0 {
			rootMetrics.callRetried.Add(1)
			if err := c.retry.Wait(ctx); err != nil {
				f.settle(nil, err)
				return f
			}
		}
		err := c.attempt(ctx, f, iid, mid, args, flags)
		if err == nil {
			break
		} else if f.Settled() {
			return f // a reply arrived despite the error
		} else if !IsRetryable(err) || i >= retries {
			f.settle(nil, err)
			return f
		}
		c.log.Debug().Err(err).Int("attempt", i+1).Msg("retrying call")
	}
	if flags.Has(FlagOneway) {
		f.settle(nil, nil)
		return f
	}

	timeout := c.opts.callTimeout()
	if opts.Timeout != 0 {
		timeout = opts.Timeout
	}
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			f.settle(nil, fmt.Errorf("no reply after %v: %w", timeout, ErrTimeout))
		})
	}
	stop := context.AfterFunc(ctx, func() {
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		f.settle(nil, err)
	})
	f.onSettle(func() {
		if timer != nil {
			timer.Stop()
		}
		stop()
	})
	return f
}

// Invoke issues a call with default options and blocks until it settles.
func (c *Client) Invoke(ctx context.Context, iid, mid uint16, args []byte) ([]byte, error) {
	f := c.Call(ctx, iid, mid, args, CallOptions{})
	<-f.Done()
	return f.Result()
}

// Ping sends a keepalive to the server and waits for its answer, dialing a
// connection if none is open. The server answers a ping without running a
// handler, so pings are answered even while all its workers are busy. A ping
// counts as activity on the connection, keeping the server from closing it
// as idle.
func (c *Client) Ping(ctx context.Context) error {
	rootMetrics.callOut.Add(1)
	_, err := c.call(ctx, 0, 0, nil, CallOptions{}, FlagPing).Wait(ctx)
	return err
}

// Flush writes the oneway calls batched on the open connection, if any, and
// reports the result. Their futures settle before Flush returns.
func (c *Client) Flush() error {
	c.μ.Lock()
	cc := c.cur
	c.μ.Unlock()
	if cc == nil {
		return nil
	}
	cc.sendμ.Lock()
	err := cc.flushLocked(c.logFrame)
	cc.sendμ.Unlock()
	c.checkSend(cc, err)
	return err
}

// attempt makes one attempt to send the request for f. If the request is sent
// and is not oneway, f is registered to receive the reply.
func (c *Client) attempt(ctx context.Context, f *Future, iid, mid uint16, args []byte, flags Flags) error {
	cc, err := c.connect(ctx)
	if err != nil {
		return err
	}
	return c.attemptOn(cc, f, iid, mid, args, flags)
}

// attemptOn sends the request for f on cc.
//
// While the request is being sent, f is marked in cc.sending, and failConn
// does not settle it. The attempt reports the outcome itself: a failed send
// is returned to the caller, who may retry it, and a request sent on a
// connection that failed meanwhile is settled with the connection's error.
func (c *Client) attemptOn(cc *clientConn, f *Future, iid, mid uint16, args []byte, flags Flags) error {
	oneway := flags.Has(FlagOneway)

	// Phase 1: Allocate a correlation ID and register the call.
	c.μ.Lock()
	if cc.err != nil {
		c.μ.Unlock()
		return &TransportError{Op: "send", Err: cc.err, Retryable: true}
	}
	id := cc.allocIDLocked()
	if !oneway {
		cc.pending[id] = f
		cc.sending[id] = true
		rootMetrics.callPending.Add(1)
	}
	c.μ.Unlock()

	// Send the request. We MUST NOT hold the client lock while doing this, as
	// that will block the receiver from delivering replies.
	req := &Frame{
		Version:       WireVersion,
		InterfaceID:   iid,
		MethodID:      mid,
		CorrelationID: id,
		Flags:         flags,
		Payload:       args,
	}
	err := cc.send(req, c.logFrame)

	// Phase 2: Clear the sending mark. If the send failed, release the ID.
	c.μ.Lock()
	if !oneway {
		delete(cc.sending, id)
		if err != nil && cc.pending[id] == f {
			delete(cc.pending, id)
			rootMetrics.callPending.Add(-1)
		}
	}
	connErr := cc.err
	c.μ.Unlock()

	if err == nil {
		if !oneway && connErr != nil {
			f.settle(nil, connErr) // a no-op if the reply already arrived
		}
		return nil
	}
	c.checkSend(cc, err)
	return err
}

// checkSend fails cc if err is a send error that leaves it unusable.
func (c *Client) checkSend(cc *clientConn, err error) {
	if err != nil && !errors.Is(err, ErrBackpressure) {
		c.failConn(cc, err)
	}
}

// enqueue adds a oneway request for f to the batch of the open connection,
// and writes the batch once it reaches the size limit.
func (c *Client) enqueue(ctx context.Context, f *Future, iid, mid uint16, args []byte) {
	cc, err := c.connect(ctx)
	if err != nil {
		f.settle(nil, err)
		return
	}
	c.μ.Lock()
	id := cc.allocIDLocked()
	c.μ.Unlock()

	req := &Frame{
		Version:       WireVersion,
		InterfaceID:   iid,
		MethodID:      mid,
		CorrelationID: id,
		Flags:         FlagOneway,
		Payload:       args,
	}
	cc.sendμ.Lock()
	if cc.stopped {
		cc.sendμ.Unlock()
		f.settle(nil, &TransportError{Op: "send", Err: net.ErrClosed, Retryable: true})
		return
	}
	cc.batch = append(cc.batch, req)
	cc.batchFuts = append(cc.batchFuts, f)
	cc.batchSize += req.Size()
	if cc.batchSize >= c.opts.batchBytes() {
		err = cc.flushLocked(c.logFrame)
	}
	cc.sendμ.Unlock()
	c.checkSend(cc, err)
}

// allocIDLocked returns a correlation ID not currently in use on cc.
// The caller must hold the client lock.
func (cc *clientConn) allocIDLocked() uint32 {
	for {
		cc.nextID++
		if cc.nextID == 0 {
			continue
		}
		if _, ok := cc.pending[cc.nextID]; !ok && !cc.sending[cc.nextID] {
			return cc.nextID
		}
	}
}

// send writes f to the connection, after any batched oneway frames.
func (cc *clientConn) send(f *Frame, logFrame func(*Frame, bool)) error {
	cc.sendμ.Lock()
	defer cc.sendμ.Unlock()
	if err := cc.flushLocked(logFrame); err != nil {
		return err
	}
	rootMetrics.frameSent.Add(1)
	logFrame(f, true)
	return cc.conn.Send(f)
}

// flushLocked writes the batched frames of cc, and settles each of their
// futures with the result of writing its frame. The caller must hold
// cc.sendμ.
func (cc *clientConn) flushLocked(logFrame func(*Frame, bool)) error {
	if len(cc.batch) == 0 {
		return nil
	}
	frames, futs := cc.batch, cc.batchFuts
	cc.batch, cc.batchFuts, cc.batchSize = nil, nil, 0
	rootMetrics.batchSent.Add(1)
	rootMetrics.frameSent.Add(int64(len(frames)))
	for _, f := range frames {
		logFrame(f, true)
	}

	if bc, ok := cc.conn.(BatchConn); ok {
		err := bc.SendBatch(frames)
		for _, f := range futs {
			f.settle(nil, err)
		}
		return err
	}
	for i, f := range frames {
		if err := cc.conn.Send(f); err != nil {
			for _, rest := range futs[i:] {
				rest.settle(nil, err)
			}
			return err
		}
		futs[i].settle(nil, nil)
	}
	return nil
}

// connect returns the current connection, dialing a new one if necessary.
func (c *Client) connect(ctx context.Context) (*clientConn, error) {
	c.μ.Lock()
	cur := c.cur
	c.μ.Unlock()
	if cur != nil {
		return cur, nil
	}

	// Only one caller dials at a time; the rest use its connection.
	c.dialμ.Lock()
	defer c.dialμ.Unlock()

	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return nil, fmt.Errorf("client is closed: %w", ErrShutdown)
	} else if c.cur != nil {
		defer c.μ.Unlock()
		return c.cur, nil
	} else if c.lastErr != nil && c.opts != nil && c.opts.NoReconnect {
		defer c.μ.Unlock()
		return nil, c.lastErr
	}
	c.μ.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout())
	defer cancel()
	conn, err := c.dial(dctx)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "dial", Err: err, Retryable: true}
		}
		c.log.Debug().Err(err).Msg("dial failed")
		return nil, err
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		conn.Close()
		return nil, fmt.Errorf("client is closed: %w", ErrShutdown)
	}
	cc := &clientConn{
		conn:    conn,
		done:    make(chan struct{}),
		pending: make(map[uint32]*Future),
		sending: make(map[uint32]bool),
	}
	c.cur = cc
	c.log.Debug().Msg("connected")
	c.tasks.Go(func() error { c.receive(cc); return nil })
	if d := c.opts.pingInterval(); d > 0 {
		c.tasks.Go(func() error { c.keepalive(cc, d); return nil })
	}
	return cc, nil
}

// keepalive pings the server on cc every d until cc fails.
func (c *Client) keepalive(cc *clientConn, d time.Duration) {
	wait := c.opts.callTimeout()
	if wait <= 0 {
		wait = d
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-cc.done:
			return
		case <-t.C:
		}

		f := newFuture()
		if err := c.attemptOn(cc, f, 0, 0, nil, FlagPing); err != nil {
			c.log.Debug().Err(err).Msg("ping failed")
			continue // a failed send has already failed cc, unless it was throttled
		}
		select {
		case <-cc.done:
			return
		case <-f.Done():
			if _, err := f.Result(); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
			}
		case <-time.After(wait):
			f.settle(nil, ErrTimeout)
			c.failConn(cc, &TransportError{
				Op:        "ping",
				Err:       fmt.Errorf("no answer after %v: %w", wait, ErrTimeout),
				Retryable: true,
			})
			return
		}
	}
}

// receive delivers replies from cc to their pending calls until cc fails.
func (c *Client) receive(cc *clientConn) {
	for {
		rsp, err := cc.conn.Recv(0)
		if err != nil {
			c.failConn(cc, err)
			return
		}
		rootMetrics.frameRecv.Add(1)
		c.logFrame(rsp, false)
		if !rsp.Flags.Has(FlagReply) {
			rootMetrics.frameDropped.Add(1)
			continue
		}

		c.μ.Lock()
		f, ok := cc.pending[rsp.CorrelationID]
		if ok {
			delete(cc.pending, rsp.CorrelationID)
			rootMetrics.callPending.Add(-1)
		}
		c.μ.Unlock()
		if !ok {
			// No call is waiting for this reply.
			rootMetrics.frameDropped.Add(1)
			continue
		}

		switch {
		case rsp.CheckVersion() != nil:
			f.settle(nil, rsp.CheckVersion())

		case rsp.Flags.Has(FlagFault):
			var ft Fault
			if err := ft.UnmarshalBinary(rsp.Payload); err != nil {
				perr := protocolError(fmt.Errorf("invalid fault payload: %w", err))
				f.settle(nil, perr)
				c.failConn(cc, perr)
				return
			}
			f.settle(nil, remoteError(ft))

		default:
			if !f.settle(rsp.Payload, nil) {
				rootMetrics.frameDropped.Add(1) // abandoned by the caller
			}
		}
	}
}

// failConn marks cc as failed with err, closes it, and rejects all the calls
// still pending on it.
func (c *Client) failConn(cc *clientConn, err error) {
	var te *TransportError
	var pe *ProtocolError
	if !errors.As(err, &te) && !errors.As(err, &pe) {
		err = &TransportError{Op: "recv", Err: err}
	}

	c.μ.Lock()
	if cc.err != nil {
		c.μ.Unlock()
		return
	}
	cc.err = err
	pending, sending := cc.pending, cc.sending
	cc.pending, cc.sending = nil, nil
	close(cc.done)
	if c.cur == cc {
		c.cur = nil
		c.lastErr = err
	}
	closed := c.closed
	c.μ.Unlock()

	if !closed {
		c.log.Warn().Err(err).Int("pending", len(pending)).Msg("connection failed")
	}
	cc.conn.Close()
	for id, f := range pending {
		rootMetrics.callPending.Add(-1)
		if !sending[id] {
			f.settle(nil, err)
		}
	}

	// Closing the connection unblocks a send in progress.
	cc.sendμ.Lock()
	batched := cc.batchFuts
	cc.batch, cc.batchFuts, cc.batchSize = nil, nil, 0
	cc.stopped = true
	cc.sendμ.Unlock()
	for _, f := range batched {
		f.settle(nil, err)
	}
}

// Close closes the client and its connection, if any. Calls still pending
// are rejected with a *TransportError. After Close, all calls fail with
// ErrShutdown.
func (c *Client) Close() error {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return nil
	}
	c.closed = true
	cc := c.cur
	c.μ.Unlock()

	if cc != nil {
		cc.sendμ.Lock()
		err := cc.flushLocked(c.logFrame)
		cc.sendμ.Unlock()
		if err != nil {
			c.log.Debug().Err(err).Msg("flushing batched calls failed")
		}
		c.failConn(cc, &TransportError{Op: "close", Err: net.ErrClosed})
	}
	c.tasks.Wait()
	return nil
}
