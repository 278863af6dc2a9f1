// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/muxrpc"
	"github.com/creachadair/taskgroup"
)

// MaxDatagramSize is the largest encoded frame the udp transport will send.
const MaxDatagramSize = 65507

func dialDatagram(ctx context.Context, ep Endpoint) (muxrpc.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "udp", ep.Address)
	if err != nil {
		return nil, err
	}
	return &Datagram{nc: nc, buf: make([]byte, MaxDatagramSize+1)}, nil
}

// A Datagram sends and receives one frame per packet on a connected
// datagram socket. Frames are neither acknowledged nor retransmitted.
type Datagram struct {
	nc net.Conn

	rμ  sync.Mutex
	buf []byte
}

// Send implements a method of the [muxrpc.Conn] interface. A frame whose
// encoding exceeds MaxDatagramSize is rejected without sending.
func (d *Datagram) Send(f *muxrpc.Frame) error {
	if err := checkDatagram(f); err != nil {
		return err
	}
	if _, err := d.nc.Write(f.Encode()); err != nil {
		return sendError(err, true)
	}
	return nil
}

// Recv implements a method of the [muxrpc.Conn] interface.
func (d *Datagram) Recv(timeout time.Duration) (*muxrpc.Frame, error) {
	d.rμ.Lock()
	defer d.rμ.Unlock()
	if timeout > 0 {
		d.nc.SetReadDeadline(time.Now().Add(timeout))
		defer d.nc.SetReadDeadline(time.Time{})
	}
	nr, err := d.nc.Read(d.buf)
	if err != nil {
		if isTimeout(err) {
			return nil, timeoutError()
		}
		return nil, recvError(err)
	}
	return decodeDatagram(d.buf[:nr])
}

// Close implements a method of the [muxrpc.Conn] interface.
func (d *Datagram) Close() error { return d.nc.Close() }

func checkDatagram(f *muxrpc.Frame) error {
	if n := f.Size(); n > MaxDatagramSize {
		return sendError(fmt.Errorf("frame size %d exceeds datagram limit %d", n, MaxDatagramSize), false)
	}
	return nil
}

// decodeDatagram decodes a packet that must hold exactly one frame. The
// result does not alias pkt.
func decodeDatagram(pkt []byte) (*muxrpc.Frame, error) {
	f, n, err := muxrpc.DecodeFrame(pkt)
	if err != nil {
		return nil, err
	}
	if n != len(pkt) {
		return nil, &muxrpc.ProtocolError{Err: fmt.Errorf("datagram has %d bytes after frame", len(pkt)-n)}
	}
	f.Payload = append([]byte(nil), f.Payload...)
	return f, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func listenDatagram(ep Endpoint) (muxrpc.Listener, error) {
	pc, err := net.ListenPacket("udp", ep.Address)
	if err != nil {
		return nil, err
	}
	dl := &datagramListener{
		pc:     pc,
		tasks:  taskgroup.New(nil),
		accept: make(chan *datagramPeer, 16),
		peers:  make(map[string]*datagramPeer),
	}
	dl.tasks.Go(func() error { dl.demux(); return nil })
	return dl, nil
}

// A datagramListener reads packets from a single socket and routes them to a
// virtual connection for each remote address. A packet from an address not
// seen before creates a new connection, delivered by Accept.
//
// Closing the listener closes the socket shared by all its connections.
type datagramListener struct {
	pc     net.PacketConn
	tasks  *taskgroup.Group
	accept chan *datagramPeer

	μ     sync.Mutex
	peers map[string]*datagramPeer
}

// peerQueueSize is the number of inbound frames buffered per peer. Packets
// arriving while the queue is full are dropped.
const peerQueueSize = 64

type inbound struct {
	f   *muxrpc.Frame
	err error
}

func (dl *datagramListener) demux() {
	buf := make([]byte, MaxDatagramSize+1)
	for {
		nr, addr, err := dl.pc.ReadFrom(buf)
		if err != nil {
			dl.μ.Lock()
			peers := dl.peers
			dl.peers = nil
			dl.μ.Unlock()
			for _, p := range peers {
				p.closeLocal()
			}
			close(dl.accept)
			return
		}
		f, err := decodeDatagram(buf[:nr])

		key := addr.String()
		dl.μ.Lock()
		p, ok := dl.peers[key]
		if !ok {
			p = &datagramPeer{
				lst:  dl,
				addr: addr,
				in:   make(chan inbound, peerQueueSize),
				done: make(chan struct{}),
			}
			dl.peers[key] = p
		}
		dl.μ.Unlock()

		if !ok {
			select {
			case dl.accept <- p:
			default:
				// Accept backlog is full; forget the peer.
				dl.remove(p)
				continue
			}
		}
		select {
		case p.in <- inbound{f: f, err: err}:
		default:
		}
	}
}

func (dl *datagramListener) remove(p *datagramPeer) {
	dl.μ.Lock()
	defer dl.μ.Unlock()
	if dl.peers[p.addr.String()] == p {
		delete(dl.peers, p.addr.String())
	}
}

// Accept implements a method of the [muxrpc.Listener] interface.
func (dl *datagramListener) Accept(ctx context.Context) (muxrpc.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-dl.accept:
		if !ok {
			return nil, net.ErrClosed
		}
		return p, nil
	}
}

// Close implements a method of the [muxrpc.Listener] interface.
func (dl *datagramListener) Close() error {
	err := dl.pc.Close()
	dl.tasks.Wait()
	return err
}

// Addr implements a method of the [muxrpc.Listener] interface.
func (dl *datagramListener) Addr() string { return SchemeUDP + "://" + dl.pc.LocalAddr().String() }

// A datagramPeer is the server side of the exchange with one remote address.
type datagramPeer struct {
	lst  *datagramListener
	addr net.Addr
	in   chan inbound

	once sync.Once
	done chan struct{}
}

func (p *datagramPeer) Send(f *muxrpc.Frame) error {
	select {
	case <-p.done:
		return sendError(net.ErrClosed, false)
	default:
	}
	if err := checkDatagram(f); err != nil {
		return err
	}
	if _, err := p.lst.pc.WriteTo(f.Encode(), p.addr); err != nil {
		return sendError(err, true)
	}
	return nil
}

func (p *datagramPeer) Recv(timeout time.Duration) (*muxrpc.Frame, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-p.done:
		return nil, recvError(net.ErrClosed)
	case in := <-p.in:
		if in.err != nil {
			return nil, recvError(in.err)
		}
		return in.f, nil
	case <-expire:
		return nil, timeoutError()
	}
}

func (p *datagramPeer) Close() error {
	p.lst.remove(p)
	p.closeLocal()
	return nil
}

func (p *datagramPeer) closeLocal() { p.once.Do(func() { close(p.done) }) }
