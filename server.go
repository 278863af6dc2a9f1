// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package muxrpc

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/creachadair/muxrpc/pool"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// ServerOptions are settings for a Server. A nil *ServerOptions provides
// default values as described.
type ServerOptions struct {
	// The number of worker goroutines that run method handlers.
	// If zero, it defaults to runtime.NumCPU().
	Workers int

	// If set, run method handlers on this pool instead of creating one.
	// The server does not shut down a pool it did not create.
	Pool *pool.Pool

	// If positive, sessions with no active handlers that have not received a
	// frame for this long are closed.
	IdleTimeout time.Duration

	// How often to check for idle sessions. If zero, it defaults to half the
	// IdleTimeout, but not less than 10ms.
	ReapInterval time.Duration

	// If positive, the context passed to each handler has this deadline.
	HandlerTimeout time.Duration

	// How long a closing session waits for its active handlers to finish
	// before abandoning them. If zero, it defaults to 5s.
	AbandonTimeout time.Duration

	// If non-nil, create a base context for each call. Otherwise a background
	// context is used.
	NewContext func() context.Context

	// If non-nil, write operational logs here.
	Logger *zerolog.Logger

	// If non-nil, invoke this callback for each frame sent or received.
	LogFrames FrameLogger
}

func (o *ServerOptions) workers() int {
	if o == nil || o.Workers <= 0 {
		return runtime.NumCPU()
	}
	return o.Workers
}

func (o *ServerOptions) idleTimeout() time.Duration {
	if o == nil || o.IdleTimeout <= 0 {
		return 0
	}
	return o.IdleTimeout
}

func (o *ServerOptions) reapInterval() time.Duration {
	if o != nil && o.ReapInterval > 0 {
		return o.ReapInterval
	}
	return max(o.idleTimeout()/2, 10*time.Millisecond)
}

func (o *ServerOptions) handlerTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.HandlerTimeout
}

func (o *ServerOptions) abandonTimeout() time.Duration {
	if o == nil || o.AbandonTimeout <= 0 {
		return 5 * time.Second
	}
	return o.AbandonTimeout
}

func (o *ServerOptions) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// A Server accepts connections and serves calls on them with the handlers
// registered in its Dispatcher. Each connection is served by a Session.
type Server struct {
	disp     Dispatcher
	opts     *ServerOptions
	pool     *pool.Pool
	ownPool  bool
	log      zerolog.Logger
	newCtx   func() context.Context
	logFrame func(*Frame, bool)

	tasks *taskgroup.Group // the idle reaper
	stop  chan struct{}    // closed to stop the reaper

	μ         sync.Mutex
	started   bool
	stopped   bool
	nextID    uint64
	sessions  map[*Session]struct{} // the session registry, nil until started
	listeners map[Listener]struct{}
}

// NewServer constructs a new server with the given options.
// The server has no handlers registered; use Bind or Dispatcher to add them.
func NewServer(opts *ServerOptions) *Server {
	s := &Server{
		opts:   opts,
		log:    opts.logger().With().Str("component", "server").Logger(),
		newCtx: context.Background,
		tasks:  taskgroup.New(nil),
		stop:   make(chan struct{}),
	}
	if opts != nil && opts.Pool != nil {
		s.pool = opts.Pool
	} else {
		s.pool = pool.New(opts.workers())
		s.ownPool = true
	}
	if opts != nil && opts.NewContext != nil {
		s.newCtx = opts.NewContext
	}
	s.logFrame = func(*Frame, bool) {}
	if opts != nil && opts.LogFrames != nil {
		lf := opts.LogFrames
		s.logFrame = func(f *Frame, sent bool) { lf(FrameInfo{Frame: f, Sent: sent}) }
	}
	return s
}

// Bind registers h as the handler for the specified method, and returns s to
// permit chaining. It is shorthand for s.Dispatcher().Register.
func (s *Server) Bind(iid, mid uint16, h Handler) *Server {
	s.disp.Register(iid, mid, h)
	return s
}

// Dispatcher returns the dispatch table for s. Changes to the table take
// effect for subsequent calls on all sessions.
func (s *Server) Dispatcher() *Dispatcher { return &s.disp }

// Pool returns the worker pool that runs the handlers for s.
func (s *Server) Pool() *pool.Pool { return s.pool }

func (s *Server) baseContext() context.Context { return s.newCtx() }

// initLocked initializes the session registry and starts the idle reaper, if they
// are not already running. It reports ErrShutdown if s has been shut down.
// The caller must hold s.μ.
func (s *Server) initLocked() error {
	if s.stopped {
		return ErrShutdown
	} else if s.started {
		return nil
	}
	s.started = true
	s.sessions = make(map[*Session]struct{})
	s.listeners = make(map[Listener]struct{})
	if d := s.opts.idleTimeout(); d > 0 {
		s.tasks.Go(func() error { s.reap(d); return nil })
	}
	return nil
}

// reap periodically closes sessions that have been idle longer than d.
func (s *Server) reap(d time.Duration) {
	t := time.NewTicker(s.opts.reapInterval())
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			for _, sess := range s.Sessions() {
				if sess.reapIfIdle(now.Add(-d)) {
					rootMetrics.sessionReaped.Add(1)
				}
			}
		}
	}
}

// Start begins serving calls on conn in a new session, and returns the
// session. It reports ErrShutdown if s has been shut down, in which case the
// caller retains responsibility for conn.
func (s *Server) Start(conn Conn) (*Session, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if err := s.initLocked(); err != nil {
		return nil, err
	}
	s.nextID++
	sess := &Session{
		id:     s.nextID,
		srv:    s,
		conn:   conn,
		log:    s.log.With().Uint64("session", s.nextID).Logger(),
		tasks:  taskgroup.New(nil),
		closed: make(chan struct{}),
		calls:  make(map[uint32]context.CancelFunc),
		state:  StateAccepting,
	}
	s.sessions[sess] = struct{}{}
	rootMetrics.sessionActive.Add(1)
	sess.start()
	return sess, nil
}

func (s *Server) removeSession(sess *Session) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, ok := s.sessions[sess]; ok {
		delete(s.sessions, sess)
		rootMetrics.sessionActive.Add(-1)
	}
}

// Sessions returns a snapshot of the sessions currently registered with s.
func (s *Server) Sessions() []*Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Serve accepts connections from lst and starts a session for each, until
// lst is closed, ctx ends, or s is shut down. Serve closes lst before
// returning. Sessions started by Serve continue to run after it returns,
// until they close or s is shut down.
//
// Serve reports nil if it stopped because s was shut down or lst was closed.
// It is safe to call Serve concurrently with different listeners.
func (s *Server) Serve(ctx context.Context, lst Listener) error {
	s.μ.Lock()
	if err := s.initLocked(); err != nil {
		s.μ.Unlock()
		lst.Close()
		return err
	}
	s.listeners[lst] = struct{}{}
	s.μ.Unlock()

	defer func() {
		s.μ.Lock()
		delete(s.listeners, lst)
		s.μ.Unlock()
		lst.Close()
	}()

	s.log.Info().Str("addr", lst.Addr()).Msg("serving")
	for {
		conn, err := lst.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			} else if treatErrorAsSuccess(err) {
				return nil
			}
			return err
		}
		if _, err := s.Start(conn); err != nil {
			conn.Close()
			return nil // shut down
		}
	}
}

// Shutdown stops all listeners and sessions of s, and blocks until they have
// closed. If drain is true, calls already received are allowed to complete
// and send their replies before their sessions close, while new calls are
// rejected with a shutdown fault. Otherwise, active calls are cancelled and
// their results discarded. After Shutdown, s cannot be restarted.
func (s *Server) Shutdown(drain bool) {
	s.μ.Lock()
	if s.stopped {
		s.μ.Unlock()
		return
	}
	s.stopped = true
	var lsts []Listener
	for lst := range s.listeners {
		lsts = append(lsts, lst)
	}
	var sessions []*Session
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.μ.Unlock()

	s.log.Info().Bool("drain", drain).Int("sessions", len(sessions)).Msg("shutting down")
	close(s.stop)
	for _, lst := range lsts {
		lst.Close()
	}
	if drain {
		var wg sync.WaitGroup
		for _, sess := range sessions {
			wg.Go(sess.drain)
		}
		wg.Wait()
	}
	for _, sess := range sessions {
		sess.fail(ErrShutdown)
	}
	if s.ownPool {
		s.pool.Shutdown(drain)
	}
	for _, sess := range sessions {
		if err := sess.Wait(); err != nil && !errors.Is(err, ErrShutdown) {
			s.log.Debug().Err(err).Uint64("session", sess.ID()).Msg("session ended with error")
		}
	}
	s.tasks.Wait()

	s.μ.Lock()
	s.sessions = nil
	s.listeners = nil
	s.μ.Unlock()
}
