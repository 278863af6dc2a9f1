// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package discovery announces server endpoints in etcd and resolves them for
// clients.
//
// A server announces each instance of a service under a key of the form
// prefix/service/instance, attached to a lease that it keeps alive for as
// long as the announcement is open. If the server exits without closing the
// announcement, the lease expires and the key is removed. A client resolves a
// service by listing the keys under prefix/service/.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"
	"time"

	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/archive"
	"github.com/creachadair/muxrpc/transport"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Backend is the subset of the etcd client API used by a Registry.
// A *clientv3.Client satisfies this interface.
type Backend interface {
	clientv3.KV
	clientv3.Lease
}

// Options are settings for a Registry. A nil *Options provides default
// values as described.
type Options struct {
	// The etcd endpoints to connect to. Used only by Dial.
	Endpoints []string

	// How long to wait to connect to etcd. If zero, it defaults to 5s.
	// Used only by Dial.
	DialTimeout time.Duration

	// The key prefix under which services are recorded.
	// If empty, it defaults to "/muxrpc/services".
	Prefix string

	// The lease TTL for announcements, in seconds. If zero, it defaults to 10.
	LeaseTTL int64

	// If non-nil, write operational logs here.
	Logger *zerolog.Logger
}

func (o *Options) prefix() string {
	if o == nil || o.Prefix == "" {
		return "/muxrpc/services"
	}
	return o.Prefix
}

func (o *Options) leaseTTL() int64 {
	if o == nil || o.LeaseTTL <= 0 {
		return 10
	}
	return o.LeaseTTL
}

func (o *Options) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return o.DialTimeout
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// A Registry announces and resolves service endpoints.
type Registry struct {
	be     Backend
	closer io.Closer // nil if the caller owns the backend
	opts   *Options
	log    zerolog.Logger
}

// New constructs a Registry that uses be to reach etcd. The caller remains
// responsible for closing be.
func New(be Backend, opts *Options) *Registry {
	return &Registry{be: be, opts: opts, log: opts.logger()}
}

// Dial connects to the etcd endpoints named in opts and returns a Registry
// that uses the connection. Close the registry to release it.
func Dial(opts *Options) (*Registry, error) {
	if opts == nil || len(opts.Endpoints) == 0 {
		return nil, errors.New("no etcd endpoints")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.dialTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	r := New(cli, opts)
	r.closer = cli
	return r, nil
}

// Close releases the etcd connection, if r created it.
func (r *Registry) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Registry) servicePrefix(service string) string {
	return path.Join(r.opts.prefix(), service) + "/"
}

// Record describes one announced instance of a service.
type Record struct {
	Service   string
	Instance  string
	Endpoints []string
	Started   time.Time
}

const recordVersion = 1

// MarshalArchive implements archive.Marshaler.
func (rec Record) MarshalArchive(w *archive.Writer) {
	w.String(rec.Service)
	w.String(rec.Instance)
	w.Uint32(uint32(len(rec.Endpoints)))
	for _, ep := range rec.Endpoints {
		w.String(ep)
	}
	w.Int64(rec.Started.UnixNano())
}

// UnmarshalArchive implements archive.Unmarshaler.
func (rec *Record) UnmarshalArchive(r *archive.Reader) (err error) {
	if rec.Service, err = r.String(); err != nil {
		return err
	}
	if rec.Instance, err = r.String(); err != nil {
		return err
	}
	n, err := r.Uint32()
	if err != nil {
		return err
	}
	rec.Endpoints = nil
	for range n {
		ep, err := r.String()
		if err != nil {
			return err
		}
		rec.Endpoints = append(rec.Endpoints, ep)
	}
	ns, err := r.Int64()
	if err != nil {
		return err
	}
	rec.Started = time.Unix(0, ns)
	return nil
}

// An Announcement is a service record kept alive in etcd.
type Announcement struct {
	reg    *Registry
	key    string
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	ka     *taskgroup.Single[error]
	lost   chan struct{}
	closed atomic.Bool
}

// Announce records that instance of service is reachable at the given
// endpoints, and keeps the record alive until the announcement is closed.
// Each endpoint must be valid for transport.ParseEndpoint.
func (r *Registry) Announce(ctx context.Context, service, instance string, endpoints ...string) (*Announcement, error) {
	if service == "" || instance == "" {
		return nil, errors.New("service and instance names are required")
	} else if len(endpoints) == 0 {
		return nil, errors.New("no endpoints to announce")
	}
	for _, ep := range endpoints {
		if _, err := transport.ParseEndpoint(ep); err != nil {
			return nil, err
		}
	}

	grant, err := r.be.Grant(ctx, r.opts.leaseTTL())
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	kctx, cancel := context.WithCancel(context.Background())
	kch, err := r.be.KeepAlive(kctx, grant.ID)
	if err != nil {
		cancel()
		r.revoke(grant.ID)
		return nil, fmt.Errorf("keep alive lease: %w", err)
	}

	rec := Record{Service: service, Instance: instance, Endpoints: endpoints, Started: time.Now()}
	w := archive.NewWriter(recordVersion)
	rec.MarshalArchive(w)
	key := r.servicePrefix(service) + instance
	if _, err := r.be.Put(ctx, key, string(w.Encoded()), clientv3.WithLease(grant.ID)); err != nil {
		cancel()
		r.revoke(grant.ID)
		return nil, fmt.Errorf("put record: %w", err)
	}

	a := &Announcement{
		reg:    r,
		key:    key,
		lease:  grant.ID,
		cancel: cancel,
		lost:   make(chan struct{}),
	}
	a.ka = taskgroup.Go(func() error {
		for range kch {
			// Drain keepalive responses until the channel closes.
		}
		if !a.closed.Load() {
			r.log.Warn().Str("key", key).Msg("announcement lease lost")
		}
		close(a.lost)
		return nil
	})
	r.log.Debug().Str("key", key).Strs("endpoints", endpoints).Int64("lease", int64(grant.ID)).Msg("announced")
	return a, nil
}

// Key returns the etcd key of the announced record.
func (a *Announcement) Key() string { return a.key }

// Lost returns a channel that is closed when the lease behind a is no longer
// being kept alive, either because a was closed or because the keepalive
// failed.
func (a *Announcement) Lost() <-chan struct{} { return a.lost }

// Close stops keeping the record alive and revokes its lease, removing the
// record.
func (a *Announcement) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	a.ka.Wait()
	return a.reg.revoke(a.lease)
}

func (r *Registry) revoke(id clientv3.LeaseID) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.dialTimeout())
	defer cancel()
	if _, err := r.be.Revoke(ctx, id); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

// Resolve returns the records currently announced for service. Records that
// cannot be decoded are logged and skipped.
func (r *Registry) Resolve(ctx context.Context, service string) ([]Record, error) {
	rsp, err := r.be.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	var out []Record
	for _, kv := range rsp.Kvs {
		var rec Record
		if err := archive.Decode(kv.Value, []byte{recordVersion}, &rec); err != nil {
			r.log.Warn().Err(err).Str("key", string(kv.Key)).Msg("invalid service record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Dialer returns a muxrpc.Dialer that resolves service on each dial and
// connects to one of its endpoints, rotating among them. Failures are
// reported as retryable *muxrpc.TransportError values.
func (r *Registry) Dialer(service string, opts *transport.Options) muxrpc.Dialer {
	var next atomic.Uint32
	return func(ctx context.Context) (muxrpc.Conn, error) {
		recs, err := r.Resolve(ctx, service)
		if err != nil {
			return nil, &muxrpc.TransportError{Op: "resolve", Err: err, Retryable: true}
		}
		var eps []string
		for _, rec := range recs {
			eps = append(eps, rec.Endpoints...)
		}
		if len(eps) == 0 {
			return nil, &muxrpc.TransportError{
				Op:        "resolve",
				Err:       fmt.Errorf("no endpoints for service %q", service),
				Retryable: true,
			}
		}

		start := int(next.Add(1) - 1)
		var errs []error
		for i := range eps {
			ep := eps[(start+i)%len(eps)]
			conn, err := transport.Dial(ctx, ep, opts)
			if err == nil {
				return conn, nil
			}
			r.log.Debug().Err(err).Str("endpoint", ep).Msg("dial failed")
			errs = append(errs, err)
		}
		return nil, &muxrpc.TransportError{Op: "dial", Err: errors.Join(errs...), Retryable: true}
	}
}
