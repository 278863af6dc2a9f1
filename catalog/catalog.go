// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic string names to interface
// and method IDs. Method names are not exchanged on the wire, but a Catalog
// can be encoded as an archive and served by a method handler.
//
// # Usage
//
// Construct a new empty catalog and add the methods of an interface to it:
//
//	cat := catalog.New().Add(7, "calc.add", "calc.sub", "calc.mul")
//
// Add assigns method IDs to the specified names within the interface. To
// recover the assigned IDs use the Lookup method:
//
//	m, ok := cat.Lookup("calc.add") // m.Interface == 7
//
// If you want to choose the IDs, use Set:
//
//	cat.Set("calc.div", 7, 125)
//
// Method IDs are assigned systematically, so that repeating the same sequence
// of Add and Set calls will always result in the same method IDs.
//
// On a server that implements these methods, bind the catalog and use Handle:
//
//	cat.Server(srv).
//	  Handle("calc.add", handleAdd).
//	  Handle("calc.sub", handleSub)
//
// Note that Handle will panic if given a name not registered with the catalog.
//
// On a client that wants to call these methods, use Invoke:
//
//	rsp, err := cat.Client(cli).Invoke(ctx, "calc.add", args)
//
// A Catalog provides a Handler method that serves the catalog itself:
//
//	cat.Set("catalog", 0xffff, 1)
//	cat.Server(srv).Handle("catalog", cat.Handler)
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/archive"
)

// Method identifies a method by interface and method ID.
type Method struct {
	Interface uint16
	Method    uint16
}

func (m Method) String() string { return fmt.Sprintf("%d.%d", m.Interface, m.Method) }

// A Catalog associates a server or client with a static mapping from method
// names to IDs.
type Catalog struct {
	server  *muxrpc.Server
	client  *muxrpc.Client
	methods map[string]Method
}

// New creates a new empty, unbound catalog. It is safe to copy the resulting
// value, all copies share a reference to the same name mapping.
func New() Catalog { return Catalog{methods: make(map[string]Method)} }

// Add adds the specified names to c as methods of interface iid with fresh
// positive method IDs, and returns c to allow chaining. Add panics if iid has
// no unused positive method IDs left.
func (c Catalog) Add(iid uint16, names ...string) Catalog {
	for _, name := range names {
		c.Set(name, iid, c.pickUnusedID(iid))
	}
	return c
}

// Set maps name to the specified method in c, and returns c to allow
// chaining. If name was already mapped in c, the existing mapping is
// replaced.
//
// The name mapping of a catalog is shared among all copies of it. It is not
// safe to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(name string, iid, mid uint16) Catalog {
	c.methods[name] = Method{Interface: iid, Method: mid}
	return c
}

func (c Catalog) pickUnusedID(iid uint16) uint16 {
	var max uint16
	used := make(map[uint16]bool)
	for _, m := range c.methods {
		if m.Interface == iid {
			used[m.Method] = true
			max = value.Cond(m.Method > max, m.Method, max)
		}
	}
	if max < 0xffff {
		return max + 1
	}

	// The highest ID is taken; reuse the lowest gap. Zero is the wildcard.
	for id := uint16(1); id != 0; id++ {
		if !used[id] {
			return id
		}
	}
	panic(fmt.Sprintf("catalog: no unused method IDs in interface %d", iid))
}

// Server returns a copy of c bound to the specified server.
func (c Catalog) Server(srv *muxrpc.Server) Catalog {
	return Catalog{server: srv, client: c.client, methods: c.methods}
}

// Client returns a copy of c bound to the specified client.
func (c Catalog) Client(cli *muxrpc.Client) Catalog {
	return Catalog{server: c.server, client: cli, methods: c.methods}
}

// Lookup returns the method assigned to name, and reports whether it was
// found.
func (c Catalog) Lookup(name string) (Method, bool) {
	m, ok := c.methods[name]
	return m, ok
}

// Names returns the names defined in c in lexicographic order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of names defined in c.
func (c Catalog) Len() int { return len(c.methods) }

// Call calls the method bound to name on the client bound to c.
// If name is not known in the catalog, Call reports an error matching
// muxrpc.ErrUnknownMethod without contacting the server.
// Call will panic if c is not bound to a client.
func (c Catalog) Call(ctx context.Context, name string, args []byte, opts muxrpc.CallOptions) (*muxrpc.Future, error) {
	m, ok := c.methods[name]
	if !ok {
		return nil, fmt.Errorf("method %q: %w", name, muxrpc.ErrUnknownMethod)
	}
	return c.client.Call(ctx, m.Interface, m.Method, args, opts), nil
}

// Invoke calls the method bound to name on the client bound to c, and blocks
// until it settles. If name is not known in the catalog, Invoke reports an
// error matching muxrpc.ErrUnknownMethod.
// Invoke will panic if c is not bound to a client.
func (c Catalog) Invoke(ctx context.Context, name string, args []byte) ([]byte, error) {
	m, ok := c.methods[name]
	if !ok {
		return nil, fmt.Errorf("method %q: %w", name, muxrpc.ErrUnknownMethod)
	}
	return c.client.Invoke(ctx, m.Interface, m.Method, args)
}

// Exec calls the handler for the method bound to name on the server bound to
// c, without a connection. If name is not known in the catalog, Exec reports
// an error.
// Exec will panic if c is not bound to a server.
func (c Catalog) Exec(ctx context.Context, name string, args []byte) ([]byte, error) {
	m, ok := c.methods[name]
	if !ok {
		return nil, fmt.Errorf("method %q: %w", name, muxrpc.ErrUnknownMethod)
	}
	return c.server.Dispatcher().Dispatch(ctx, &muxrpc.Call{
		InterfaceID: m.Interface,
		MethodID:    m.Method,
		Args:        args,
	})
}

// Handle binds the specified method to the server associated with c,
// and returns c to permit chaining.
// Handle will panic if c is not bound to a server, or if name is not a method
// name known by the catalog.
func (c Catalog) Handle(name string, handler muxrpc.Handler) Catalog {
	m, ok := c.methods[name]
	if !ok {
		panic(fmt.Sprintf("method %q not known", name))
	}
	c.server.Bind(m.Interface, m.Method, handler)
	return c
}

// catalogVersion is the archive version of an encoded catalog.
const catalogVersion = 1

// MarshalArchive encodes c into w. It implements archive.Marshaler.
//
// The encoding is a count of entries followed by each name in lexicographic
// order with its interface and method IDs.
func (c Catalog) MarshalArchive(w *archive.Writer) {
	names := c.Names()
	w.Uint32(uint32(len(names)))
	for _, name := range names {
		m := c.methods[name]
		w.String(name)
		w.Uint16(m.Interface)
		w.Uint16(m.Method)
	}
}

// UnmarshalArchive decodes c from r, replacing its contents. It implements
// archive.Unmarshaler.
func (c *Catalog) UnmarshalArchive(r *archive.Reader) error {
	if c.methods == nil {
		c.methods = make(map[string]Method)
	} else {
		clear(c.methods)
	}
	n, err := r.Uint32()
	if err != nil {
		return fmt.Errorf("catalog size: %w", err)
	}
	for i := range n {
		name, err := r.String()
		if err != nil {
			return fmt.Errorf("entry %d name: %w", i+1, err)
		}
		iid, err := r.Uint16()
		if err != nil {
			return fmt.Errorf("entry %d interface: %w", i+1, err)
		}
		mid, err := r.Uint16()
		if err != nil {
			return fmt.Errorf("entry %d method: %w", i+1, err)
		}
		c.methods[name] = Method{Interface: iid, Method: mid}
	}
	return nil
}

// Encode encodes c as an archive.
func (c Catalog) Encode() []byte {
	w := archive.NewWriter(catalogVersion)
	c.MarshalArchive(w)
	return w.Encoded()
}

// Decode decodes data as an encoded catalog, replacing the contents of c.
func (c *Catalog) Decode(data []byte) error {
	r, err := archive.NewReader(data, catalogVersion)
	if err != nil {
		return err
	}
	if err := c.UnmarshalArchive(r); err != nil {
		return err
	}
	return r.Done()
}

// Handler is a muxrpc.Handler that reports the contents of the catalog.
func (c Catalog) Handler(context.Context, *muxrpc.Call) ([]byte, error) {
	return c.Encode(), nil
}
