// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package muxrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// SessionState is the lifecycle state of a server session.
type SessionState int32

const (
	StateAccepting   SessionState = iota // connection accepted, not yet registered
	StateIdle                            // waiting for a request, no handlers active
	StateDispatching                     // one or more handlers active
	StateClosing                         // shutting down, waiting for handlers
	StateClosed                          // connection closed and unregistered
)

func (s SessionState) String() string {
	switch s {
	case StateAccepting:
		return "ACCEPTING"
	case StateIdle:
		return "IDLE"
	case StateDispatching:
		return "DISPATCHING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("state %d", int32(s))
	}
}

// errIdle is the close reason for sessions reaped by the idle timer.
var errIdle = errors.New("session idle timeout")

// A Session is the server side of a single connection. It receives request
// frames, dispatches them to handlers on the server's worker pool, and sends
// the replies. A Session is the only sender of replies on its connection.
//
// Many calls may be active on a session at once: the session does not wait
// for a handler to finish before reading the next request, and replies are
// sent in completion order, not request order.
type Session struct {
	id   uint64
	srv  *Server
	conn Conn
	log  zerolog.Logger

	tasks    *taskgroup.Group // the receive loop and finalizer
	inflight sync.WaitGroup   // handlers dispatched and not yet finished
	closed   chan struct{}    // closed when the session reaches StateClosed

	sendμ sync.Mutex // held while sending a frame

	μ        sync.Mutex
	state    SessionState
	calls    map[uint32]context.CancelFunc // pending two-way calls by correlation ID
	active   int                           // handlers dispatched and not yet finished
	last     time.Time                     // time of the most recent frame received
	draining bool                          // reject new calls with a shutdown fault
	err      error                         // the reason the session closed
}

// ID reports the server-assigned identifier of s.
func (s *Session) ID() uint64 { return s.id }

// State reports the current state of s.
func (s *Session) State() SessionState {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.state
}

// Active reports the number of handlers currently active for s.
func (s *Session) Active() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.active
}

// Close shuts down s without waiting for active handlers to complete. Their
// results are discarded. Close blocks until s has closed and reports the
// same status as Wait.
func (s *Session) Close() error {
	s.fail(ErrShutdown)
	return s.Wait()
}

// Done returns a channel that is closed when s reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Wait blocks until s is closed and reports the error that caused it to close.
// If s closed because the remote end disconnected or the session was shut
// down, Wait reports nil.
func (s *Session) Wait() error {
	<-s.closed
	s.μ.Lock()
	defer s.μ.Unlock()
	if treatErrorAsSuccess(s.err) || errors.Is(s.err, ErrShutdown) || errors.Is(s.err, errIdle) {
		return nil
	}
	return s.err
}

// start registers the session with its server and starts its receive loop.
func (s *Session) start() {
	s.μ.Lock()
	s.state = StateIdle
	s.last = time.Now()
	s.μ.Unlock()

	s.log.Debug().Msg("session open")
	s.tasks.Go(func() error {
		for {
			f, err := s.conn.Recv(0)
			if err != nil {
				s.fail(err)
				return nil
			}
			rootMetrics.frameRecv.Add(1)
			if err := s.dispatchFrame(f); err != nil {
				s.fail(err)
				return nil
			}
		}
	})
}

// dispatchFrame routes an inbound frame. Any error it reports is fatal to
// the session.
func (s *Session) dispatchFrame(f *Frame) error {
	s.srv.logFrame(f, false)
	if f.Flags.Has(FlagReply) {
		// Clients do not send replies; discard it.
		rootMetrics.frameDropped.Add(1)
		return nil
	}
	if f.Flags.Has(FlagPing) {
		return s.pong(f)
	}

	oneway := f.Flags.Has(FlagOneway)
	rootMetrics.callIn.Add(1)
	if err := f.CheckVersion(); err != nil {
		rootMetrics.callInErr.Add(1)
		if !oneway {
			return s.sendFault(f, Fault{Kind: FaultVersion, Message: err.Error()})
		}
		return nil
	}

	call := &Call{
		CorrelationID: f.CorrelationID,
		InterfaceID:   f.InterfaceID,
		MethodID:      f.MethodID,
		Args:          f.Payload,
		Oneway:        oneway,
	}
	base := context.WithValue(s.srv.baseContext(), sessionContextKey{}, s)
	var ctx context.Context
	var cancel context.CancelFunc
	if d := s.srv.opts.handlerTimeout(); d > 0 {
		call.Deadline = time.Now().Add(d)
		ctx, cancel = context.WithDeadline(base, call.Deadline)
	} else {
		ctx, cancel = context.WithCancel(base)
	}

	s.μ.Lock()
	s.last = time.Now()
	switch {
	case s.state >= StateClosing:
		s.μ.Unlock()
		cancel()
		return nil

	case s.draining:
		s.μ.Unlock()
		cancel()
		rootMetrics.callInErr.Add(1)
		if !oneway {
			return s.sendFault(f, Fault{Kind: FaultShutdown, Message: "server is shutting down"})
		}
		return nil
	}
	if !oneway {
		// Report a duplicate ID without failing the existing call.
		if _, ok := s.calls[call.CorrelationID]; ok {
			s.μ.Unlock()
			cancel()
			rootMetrics.callInErr.Add(1)
			return s.sendFault(f, Fault{
				Kind:    FaultProtocol,
				Message: fmt.Sprintf("duplicate correlation ID %d", call.CorrelationID),
			})
		}
		s.calls[call.CorrelationID] = cancel
	}
	s.active++
	s.state = StateDispatching
	s.inflight.Add(1)
	s.μ.Unlock()
	rootMetrics.callActive.Add(1)

	err := s.srv.pool.Submit(func() {
		data, err := s.srv.disp.Dispatch(ctx, call)
		s.finish(call, cancel, data, err)
	}, func(err error) {
		s.finish(call, cancel, nil, err)
	})
	if err != nil {
		s.finish(call, cancel, nil, err)
	}
	return nil
}

// pong answers the keepalive frame f directly, without using the worker
// pool. A ping counts as activity for idle reaping, but does not change the
// state of the session.
func (s *Session) pong(f *Frame) error {
	if err := f.CheckVersion(); err != nil {
		return s.sendFault(f, Fault{Kind: FaultVersion, Message: err.Error()})
	}
	s.μ.Lock()
	s.last = time.Now()
	closing := s.state >= StateClosing
	s.μ.Unlock()
	rootMetrics.pingIn.Add(1)
	if closing || f.Flags.Has(FlagOneway) {
		return nil
	}
	err := s.send(&Frame{
		Version:       WireVersion,
		InterfaceID:   f.InterfaceID,
		MethodID:      f.MethodID,
		CorrelationID: f.CorrelationID,
		Flags:         FlagReply | FlagPing,
		Payload:       f.Payload,
	})
	if errors.Is(err, ErrBackpressure) {
		rootMetrics.frameDropped.Add(1)
		return nil
	}
	return err
}

// finish records the completion of a call and sends its reply, unless the
// call is oneway or the session is closing.
func (s *Session) finish(call *Call, cancel context.CancelFunc, data []byte, err error) {
	defer s.inflight.Done()
	defer rootMetrics.callActive.Add(-1)
	defer cancel()
	if err != nil {
		rootMetrics.callInErr.Add(1)
		s.log.Debug().Err(err).Uint32("id", call.CorrelationID).
			Uint16("iface", call.InterfaceID).Uint16("method", call.MethodID).Msg("call failed")
	}

	// Release the correlation ID before replying, so that the client may
	// reuse it as soon as it sees the reply.
	s.μ.Lock()
	if !call.Oneway && s.calls != nil {
		delete(s.calls, call.CorrelationID)
	}
	s.active--
	if s.active == 0 && s.state == StateDispatching {
		s.state = StateIdle
	}
	closing := s.state >= StateClosing
	s.μ.Unlock()

	if call.Oneway || closing {
		return
	}
	rsp := &Frame{
		Version:       WireVersion,
		InterfaceID:   call.InterfaceID,
		MethodID:      call.MethodID,
		CorrelationID: call.CorrelationID,
		Flags:         FlagReply,
		Payload:       data,
	}
	if err != nil {
		rsp.Flags |= FlagFault
		rsp.Payload = faultFor(err).Encode()
	}
	if err := s.send(rsp); errors.Is(err, ErrBackpressure) {
		rootMetrics.frameDropped.Add(1)
		s.log.Warn().Err(err).Uint32("id", call.CorrelationID).Msg("reply dropped")
	} else if err != nil {
		s.fail(err)
	}
}

// sendFault sends a fault reply to the request frame f.
func (s *Session) sendFault(f *Frame, ft Fault) error {
	return s.send(&Frame{
		Version:       WireVersion,
		InterfaceID:   f.InterfaceID,
		MethodID:      f.MethodID,
		CorrelationID: f.CorrelationID,
		Flags:         FlagReply | FlagFault,
		Payload:       ft.Encode(),
	})
}

func (s *Session) send(f *Frame) error {
	s.sendμ.Lock()
	defer s.sendμ.Unlock()
	rootMetrics.frameSent.Add(1)
	s.srv.logFrame(f, true)
	return s.conn.Send(f)
}

// drain stops s from accepting new calls and blocks until its active
// handlers have finished and their replies have been sent.
func (s *Session) drain() {
	s.μ.Lock()
	s.draining = true
	s.μ.Unlock()
	s.inflight.Wait()
}

// reapIfIdle closes s with errIdle if it has been idle, with no active
// handlers, since before t. The check and the transition to StateClosing
// happen under one lock, so a frame arriving concurrently either refreshes s
// in time or finds it closing. It reports whether s was reaped.
func (s *Session) reapIfIdle(t time.Time) bool {
	s.μ.Lock()
	ok := s.state == StateIdle && s.last.Before(t) && s.closeLocked(errIdle)
	s.μ.Unlock()
	if ok {
		s.shutdown(errIdle)
	}
	return ok
}

// fail moves s to StateClosing for the given reason. All pending calls are
// cancelled and their results will be discarded. Once the active handlers
// have finished (or the abandon timeout elapses) the session is closed and
// removed from the server.
func (s *Session) fail(err error) {
	s.μ.Lock()
	ok := s.closeLocked(err)
	s.μ.Unlock()
	if ok {
		s.shutdown(err)
	}
}

// closeLocked moves s to StateClosing and cancels its pending calls. It
// reports false if s was already closing. The caller must hold s.μ.
func (s *Session) closeLocked(err error) bool {
	if s.state >= StateClosing {
		return false
	}
	s.state = StateClosing
	s.err = err
	for _, stop := range s.calls {
		stop()
	}
	s.calls = nil
	return true
}

// shutdown closes the connection of s and finalizes the session once its
// handlers are done. It is called once, after closeLocked succeeds.
func (s *Session) shutdown(err error) {
	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		rootMetrics.protocolFailed.Add(1)
		s.log.Warn().Err(err).Msg("closing session after protocol error")
	case treatErrorAsSuccess(err), errors.Is(err, ErrShutdown):
		s.log.Debug().Msg("session closing")
	case errors.Is(err, errIdle):
		s.log.Info().Msg("closing idle session")
	default:
		s.log.Warn().Err(err).Msg("closing session after transport error")
	}

	// Closing the connection unblocks the receive loop.
	s.conn.Close()

	s.tasks.Go(func() error {
		done := make(chan struct{})
		go func() { s.inflight.Wait(); close(done) }()

		select {
		case <-done:
		case <-time.After(s.srv.opts.abandonTimeout()):
			s.log.Warn().Int("active", s.Active()).Msg("abandoning active handlers")
		}

		s.μ.Lock()
		s.state = StateClosed
		s.μ.Unlock()
		s.srv.removeSession(s)
		s.log.Debug().Msg("session closed")
		close(s.closed)
		return nil
	})
}

type sessionContextKey struct{}

// ContextSession returns the Session associated with the given context, or
// nil if none is defined. The context passed to a method Handler has this
// value.
func ContextSession(ctx context.Context) *Session {
	if v := ctx.Value(sessionContextKey{}); v != nil {
		return v.(*Session)
	}
	return nil
}
