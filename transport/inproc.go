// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/muxrpc"
)

// Pipe constructs a connected pair of in-memory connections that pass frames
// directly without encoding into binary. Frames sent to A are received by B
// and vice versa. Closing either end causes the other to report io.EOF.
func Pipe() (A, B muxrpc.Conn) {
	a2b := make(chan *muxrpc.Frame)
	b2a := make(chan *muxrpc.Frame)
	aDone, bDone := newLatch(), newLatch()
	A = &direct{out: a2b, in: b2a, self: aDone, peer: bDone}
	B = &direct{out: b2a, in: a2b, self: bDone, peer: aDone}
	return
}

// latch is a channel closed at most once.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch { return &latch{ch: make(chan struct{})} }

func (l *latch) set() { l.once.Do(func() { close(l.ch) }) }

func (l *latch) isSet() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

type direct struct {
	out  chan<- *muxrpc.Frame
	in   <-chan *muxrpc.Frame
	self *latch // closed by this end
	peer *latch // closed by the other end
}

// Send implements a method of the [muxrpc.Conn] interface.
func (d *direct) Send(f *muxrpc.Frame) error {
	if d.self.isSet() {
		return sendError(net.ErrClosed, false)
	}
	select {
	case d.out <- f:
		return nil
	case <-d.self.ch:
		return sendError(net.ErrClosed, false)
	case <-d.peer.ch:
		return sendError(io.EOF, false)
	}
}

// Recv implements a method of the [muxrpc.Conn] interface.
func (d *direct) Recv(timeout time.Duration) (*muxrpc.Frame, error) {
	if d.self.isSet() {
		return nil, recvError(net.ErrClosed)
	}
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case f := <-d.in:
		return f, nil
	case <-d.self.ch:
		return nil, recvError(net.ErrClosed)
	case <-d.peer.ch:
		return nil, recvError(io.EOF)
	case <-expire:
		return nil, timeoutError()
	}
}

// Close implements a method of the [muxrpc.Conn] interface.
func (d *direct) Close() error { d.self.set(); return nil }

var inproc struct {
	sync.Mutex
	listeners map[string]*inprocListener
}

func listenInproc(ep Endpoint) (muxrpc.Listener, error) {
	inproc.Lock()
	defer inproc.Unlock()
	if _, ok := inproc.listeners[ep.Address]; ok {
		return nil, fmt.Errorf("inproc listener %q already exists", ep.Address)
	}
	if inproc.listeners == nil {
		inproc.listeners = make(map[string]*inprocListener)
	}
	lst := &inprocListener{name: ep.Address, conns: make(chan muxrpc.Conn), done: newLatch()}
	inproc.listeners[ep.Address] = lst
	return lst, nil
}

func dialInproc(ctx context.Context, ep Endpoint) (muxrpc.Conn, error) {
	inproc.Lock()
	lst, ok := inproc.listeners[ep.Address]
	inproc.Unlock()
	if !ok {
		return nil, fmt.Errorf("no inproc listener %q", ep.Address)
	}
	client, server := Pipe()
	select {
	case lst.conns <- server:
		return client, nil
	case <-lst.done.ch:
		return nil, fmt.Errorf("inproc listener %q: %w", ep.Address, net.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// An inprocListener hands the server end of a Pipe to Accept for each Dial.
type inprocListener struct {
	name  string
	conns chan muxrpc.Conn
	done  *latch
}

func (l *inprocListener) Accept(ctx context.Context) (muxrpc.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done.ch:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *inprocListener) Close() error {
	inproc.Lock()
	defer inproc.Unlock()
	if inproc.listeners[l.name] == l {
		delete(inproc.listeners, l.name)
	}
	l.done.set()
	return nil
}

func (l *inprocListener) Addr() string { return SchemeInproc + "://" + l.name }
