// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/creachadair/muxrpc"
	"golang.org/x/time/rate"
)

// QuotaOptions configure a bandwidth quota.
type QuotaOptions struct {
	// The sustained number of frame bytes per second permitted to be sent.
	BytesPerSecond int

	// The largest number of bytes that may be sent in a burst. If zero, it
	// defaults to BytesPerSecond.
	Burst int

	// If true, a Send that would exceed the quota fails at once with a
	// retryable error wrapping ErrBackpressure, instead of blocking.
	NonBlocking bool
}

func (q QuotaOptions) burst() int {
	if q.Burst > 0 {
		return q.Burst
	}
	return max(q.BytesPerSecond, 1)
}

// Throttle wraps c with a token-bucket bandwidth quota on sends. Receives
// are not limited. The quota is private to the returned Conn.
//
// If q.BytesPerSecond is not positive, Throttle returns c unchanged.
func Throttle(c muxrpc.Conn, q QuotaOptions) muxrpc.Conn {
	if q.BytesPerSecond <= 0 {
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Quota{
		Conn:   c,
		lim:    rate.NewLimiter(rate.Limit(q.BytesPerSecond), q.burst()),
		nb:     q.NonBlocking,
		ctx:    ctx,
		cancel: cancel,
	}
}

// A Quota is a muxrpc.Conn whose sends are limited by a token bucket.
type Quota struct {
	muxrpc.Conn

	lim    *rate.Limiter
	nb     bool
	ctx    context.Context // ends when the Conn is closed
	cancel context.CancelFunc
}

// Send implements a method of the [muxrpc.Conn] interface. It waits until the
// quota permits the full size of the encoded frame to be sent. A frame larger
// than the burst size is paced in burst-sized steps.
func (q *Quota) Send(f *muxrpc.Frame) error {
	n := f.Size()
	burst := q.lim.Burst()
	if q.nb {
		if n > burst {
			return sendError(fmt.Errorf("frame size %d exceeds quota burst %d", n, burst), false)
		} else if !q.lim.AllowN(time.Now(), n) {
			return sendError(fmt.Errorf("send %d bytes: %w", n, ErrBackpressure), true)
		}
		return q.Conn.Send(f)
	}
	for left := n; left > 0; {
		step := min(left, burst)
		if err := q.lim.WaitN(q.ctx, step); err != nil {
			return sendError(fmt.Errorf("waiting for quota: %w", err), true)
		}
		left -= step
	}
	return q.Conn.Send(f)
}

// Close implements a method of the [muxrpc.Conn] interface. It unblocks any
// Send waiting for quota.
func (q *Quota) Close() error {
	q.cancel()
	return q.Conn.Close()
}

type quotaListener struct {
	muxrpc.Listener
	opts QuotaOptions
}

func (q quotaListener) Accept(ctx context.Context) (muxrpc.Conn, error) {
	c, err := q.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return Throttle(c, q.opts), nil
}
