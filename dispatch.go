// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package muxrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/muxrpc/archive"
)

// A Handler processes a call from a client. A handler can obtain the session
// on which the call arrived from its context argument using ContextSession.
//
// By default, the error reported by a handler is returned to the caller as an
// application fault with code 0 and the text of the error as its message. A
// handler may return a value of concrete type RemoteError or *RemoteError to
// control the error code, message, and auxiliary data.
type Handler func(context.Context, *Call) ([]byte, error)

// Call is the state of a single call, as seen by a method handler.
type Call struct {
	CorrelationID uint32
	InterfaceID   uint16
	MethodID      uint16
	Args          []byte    // the argument archive
	Oneway        bool      // no reply will be sent
	Deadline      time.Time // zero if the call has no deadline
}

// String returns a human-friendly rendering of the call.
func (c *Call) String() string {
	return fmt.Sprintf("Call(ID=%d, %d.%d, oneway=%v, [%d bytes])",
		c.CorrelationID, c.InterfaceID, c.MethodID, c.Oneway, len(c.Args))
}

// AnyMethod is a wildcard method ID. A handler registered for AnyMethod on
// an interface receives calls to any method of that interface that does not
// have a more specific handler.
const AnyMethod = 0

// methodKey identifies a handler in the dispatch table.
type methodKey struct {
	iid, mid uint16
}

// method is a dispatch table entry.
type method struct {
	handler Handler
	schema  byte // if non-zero, the required argument archive version
}

// A Dispatcher maps (interface ID, method ID) pairs to handlers. A zero
// Dispatcher is ready for use, but must not be copied after first use.
// Its methods are safe for concurrent use.
type Dispatcher struct {
	μ     sync.RWMutex
	table map[methodKey]method
}

// Register registers a handler for the specified method. Passing a nil
// handler removes any handler for the method. Register returns d to permit
// chaining.
func (d *Dispatcher) Register(iid, mid uint16, h Handler) *Dispatcher {
	return d.RegisterSchema(iid, mid, 0, h)
}

// RegisterSchema registers a handler for the specified method that requires
// its argument archive to have the given version. Calls whose arguments have
// another version are rejected with a version fault without invoking h. A
// schema of 0 accepts any version.
func (d *Dispatcher) RegisterSchema(iid, mid uint16, schema byte, h Handler) *Dispatcher {
	d.μ.Lock()
	defer d.μ.Unlock()
	key := methodKey{iid, mid}
	if h == nil {
		delete(d.table, key)
		return d
	}
	if d.table == nil {
		d.table = make(map[methodKey]method)
	}
	d.table[key] = method{handler: h, schema: schema}
	return d
}

// Unregister removes any handler for the specified method.
func (d *Dispatcher) Unregister(iid, mid uint16) { d.Register(iid, mid, nil) }

// lookup returns the table entry for the specified method, falling back to
// the wildcard entry for the interface.
func (d *Dispatcher) lookup(iid, mid uint16) (method, bool) {
	d.μ.RLock()
	defer d.μ.RUnlock()
	if m, ok := d.table[methodKey{iid, mid}]; ok {
		return m, true
	}
	m, ok := d.table[methodKey{iid, AnyMethod}]
	return m, ok
}

// Lookup reports whether a handler is registered for the specified method,
// including via a wildcard.
func (d *Dispatcher) Lookup(iid, mid uint16) bool {
	_, ok := d.lookup(iid, mid)
	return ok
}

// Dispatch invokes the handler for call and returns its result.
//
// If no handler is registered, Dispatch reports an error matching
// ErrUnknownMethod. If the handler requires a schema version and the argument
// archive has another, Dispatch reports a *archive.VersionError. A panic in
// the handler is recovered and reported as an error. In all cases the error
// is suitable for conversion into a fault reply; Dispatch never reports a
// connection-fatal error.
func (d *Dispatcher) Dispatch(ctx context.Context, call *Call) (_ []byte, err error) {
	m, ok := d.lookup(call.InterfaceID, call.MethodID)
	if !ok {
		return nil, fmt.Errorf("method %d.%d: %w", call.InterfaceID, call.MethodID, ErrUnknownMethod)
	}
	if m.schema != 0 {
		if len(call.Args) == 0 {
			return nil, &archive.VersionError{Accept: []byte{m.schema}}
		} else if _, err := archive.NewReader(call.Args, m.schema); err != nil {
			return nil, err
		}
	}
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return m.handler(ctx, call)
}
