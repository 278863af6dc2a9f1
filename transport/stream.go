// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/muxrpc"
)

func dialStream(ctx context.Context, ep Endpoint) (muxrpc.Conn, error) {
	network, addr := ep.network()
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewStream(nc), nil
}

// NewStream constructs a muxrpc.Conn that sends and receives length-prefixed
// frames on nc. The Conn takes ownership of nc.
func NewStream(nc net.Conn) *Stream {
	// N.B. The bufio package will reuse existing buffers if possible.
	cw := &countingWriter{w: nc}
	return &Stream{nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(cw), cw: cw}
}

// A Stream sends and receives frames on a reliable byte stream.
type Stream struct {
	nc net.Conn

	rμ sync.Mutex
	r  *bufio.Reader

	wμ sync.Mutex
	w  *bufio.Writer
	cw *countingWriter
}

// Send implements a method of the [muxrpc.Conn] interface. If the send fails
// before any byte of the frame reached the connection, the error is
// retryable.
func (s *Stream) Send(f *muxrpc.Frame) error {
	s.wμ.Lock()
	defer s.wμ.Unlock()
	s.cw.n = 0
	if _, err := f.WriteTo(s.w); err != nil {
		return sendError(err, s.cw.n == 0)
	}
	if err := s.w.Flush(); err != nil {
		return sendError(err, s.cw.n == 0)
	}
	return nil
}

// SendBatch implements a method of the [muxrpc.BatchConn] interface. The
// frames are encoded together and written to the connection in one write.
func (s *Stream) SendBatch(fs []*muxrpc.Frame) error {
	var buf []byte
	for _, f := range fs {
		buf = append(buf, f.Encode()...)
	}
	s.wμ.Lock()
	defer s.wμ.Unlock()
	s.cw.n = 0
	if _, err := s.w.Write(buf); err != nil {
		return sendError(err, s.cw.n == 0)
	}
	if err := s.w.Flush(); err != nil {
		return sendError(err, s.cw.n == 0)
	}
	return nil
}

// Recv implements a method of the [muxrpc.Conn] interface.
//
// The timeout bounds the wait for the start of a frame. Once a frame has
// begun to arrive, Recv reads the rest of it without a deadline, so a timeout
// never leaves the stream positioned in the middle of a frame.
func (s *Stream) Recv(timeout time.Duration) (*muxrpc.Frame, error) {
	s.rμ.Lock()
	defer s.rμ.Unlock()
	if timeout > 0 && s.r.Buffered() == 0 {
		s.nc.SetReadDeadline(time.Now().Add(timeout))
		_, err := s.r.Peek(1)
		s.nc.SetReadDeadline(time.Time{})
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, timeoutError()
		} else if err != nil {
			return nil, recvError(err)
		}
	}
	var f muxrpc.Frame
	if _, err := f.ReadFrom(s.r); err != nil {
		return nil, recvError(err)
	}
	return &f, nil
}

// Close implements a method of the [muxrpc.Conn] interface.
func (s *Stream) Close() error { return s.nc.Close() }

// countingWriter counts the bytes written to w.
type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(data []byte) (int, error) {
	nw, err := c.w.Write(data)
	c.n += nw
	return nw, err
}

func listenStream(ep Endpoint) (muxrpc.Listener, error) {
	network, addr := ep.network()
	if network == "unix" {
		// Remove a stale socket left by a previous listener.
		if err := removeStaleSocket(addr); err != nil {
			return nil, err
		}
	}
	lst, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return NewStreamListener(ep.Scheme, lst), nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	} else if fi.Mode()&os.ModeSocket == 0 {
		return &os.PathError{Op: "listen", Path: path, Err: errors.New("file exists and is not a socket")}
	}
	if c, err := net.Dial("unix", path); err == nil {
		c.Close()
		return &os.PathError{Op: "listen", Path: path, Err: errors.New("socket is in use")}
	}
	return os.Remove(path)
}

// NewStreamListener adapts lst to a muxrpc.Listener that accepts Stream
// connections. The scheme is used to render the address.
func NewStreamListener(scheme string, lst net.Listener) muxrpc.Listener {
	return streamListener{scheme: scheme, lst: lst}
}

type streamListener struct {
	scheme string
	lst    net.Listener
}

type deadliner interface{ SetDeadline(time.Time) error }

// Accept implements a method of the [muxrpc.Listener] interface.
func (s streamListener) Accept(ctx context.Context) (muxrpc.Conn, error) {
	dl, ok := s.lst.(deadliner)
	if !ok {
		nc, err := s.lst.Accept()
		if err != nil {
			return nil, err
		}
		return NewStream(nc), nil
	}
	dl.SetDeadline(time.Time{})
	nc, err := acceptContext(ctx, s.lst.Accept, func() { dl.SetDeadline(time.Now()) })
	if err != nil {
		return nil, err
	}
	return NewStream(nc), nil
}

// Close implements a method of the [muxrpc.Listener] interface.
func (s streamListener) Close() error { return s.lst.Close() }

// Addr implements a method of the [muxrpc.Listener] interface.
func (s streamListener) Addr() string {
	if s.scheme == SchemePipe {
		// Report the pipe name rather than its socket path.
		path := s.lst.Addr().String()
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "muxrpc-"), ".sock")
		return s.scheme + "://" + name
	}
	return s.scheme + "://" + s.lst.Addr().String()
}
