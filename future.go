// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package muxrpc

import (
	"context"
	"sync"
)

// A Future is the pending result of a call issued by a Client. It settles
// exactly once, either with the reply data or with an error. Any number of
// goroutines may wait for a Future, but only the Client that created it
// settles it.
type Future struct {
	done chan struct{}

	μ       sync.Mutex
	settled bool
	data    []byte
	err     error
	cleanup func() // release timers when the future settles
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// Done returns a channel that is closed when f has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until f settles or ctx ends, and reports the result. If ctx ends
// first, Wait reports the context error and f is unaffected.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result reports the result of a settled future without blocking. If f has
// not settled, Result reports nil, nil; use Done or Settled to check first.
func (f *Future) Result() ([]byte, error) {
	f.μ.Lock()
	defer f.μ.Unlock()
	return f.data, f.err
}

// Settled reports whether f has settled.
func (f *Future) Settled() bool {
	f.μ.Lock()
	defer f.μ.Unlock()
	return f.settled
}

// Cancel rejects f with context.Canceled if it has not already settled.
//
// Cancellation is local: the request is not retracted, and if the server has
// already begun to handle it, the handler runs to completion. Any reply that
// arrives later is discarded.
func (f *Future) Cancel() { f.settle(nil, context.Canceled) }

// settle records the result of f if it has not already settled, and reports
// whether it did so.
func (f *Future) settle(data []byte, err error) bool {
	f.μ.Lock()
	if f.settled {
		f.μ.Unlock()
		return false
	}
	f.settled = true
	f.data, f.err = data, err
	cleanup := f.cleanup
	f.cleanup = nil
	f.μ.Unlock()

	if err != nil {
		rootMetrics.callOutErr.Add(1)
	}
	if cleanup != nil {
		cleanup()
	}
	close(f.done)
	return true
}

// onSettle arranges for cleanup to run when f settles. If f has already
// settled, cleanup runs immediately.
func (f *Future) onSettle(cleanup func()) {
	f.μ.Lock()
	if !f.settled {
		f.cleanup = cleanup
		f.μ.Unlock()
		return
	}
	f.μ.Unlock()
	cleanup()
}
