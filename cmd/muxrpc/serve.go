// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/archive"
	"github.com/creachadair/muxrpc/catalog"
	"github.com/creachadair/muxrpc/config"
	"github.com/creachadair/muxrpc/discovery"
	"github.com/creachadair/muxrpc/handler"
	"github.com/creachadair/muxrpc/transport"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

const serveHelp = `Run a server on the given endpoints.

If no endpoints are given, the server listens on the endpoints named by the
configuration. The server exports the following built-in methods:

  sys.catalog   (65535.1)  : the method catalog, as an archive
  sys.echo      (65535.2)  : return the call arguments unchanged
  sys.add       (65535.3)  : add two int64 values ("II"), returning an int64
  sys.sessions  (65535.4)  : report the number of active sessions (uint32)

If --metrics or server.metrics_addr is set, Prometheus metrics are served over
HTTP at /metrics. If --announce or discovery.service is set along with etcd
endpoints, the listener addresses are announced for discovery.

The server runs until interrupted.`

var serveFlags struct {
	Metrics   string `flag:"metrics,HTTP address for serving metrics (overrides config)"`
	Announce  string `flag:"announce,Service name to announce in etcd (overrides config)"`
	Instance  string `flag:"instance,Instance name to announce (default is the hostname)"`
	Advertise string `flag:"advertise,Comma-separated endpoints to announce instead of the listener addresses"`
	Drain     bool   `flag:"drain,Allow active calls to complete on shutdown"`
}

// The interface ID of the built-in methods.
const sysInterface = 0xffff

func runServe(env *command.Env) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	endpoints := env.Args
	if len(endpoints) == 0 {
		endpoints = cfg.Server.Listen
	}
	if len(endpoints) == 0 {
		return env.Usagef("No endpoints to listen on")
	}
	topts, err := cfg.TransportOptions()
	if err != nil {
		return err
	}

	srv := muxrpc.NewServer(cfg.ServerOptions(&log))
	cat, err := cfg.Catalog()
	if err != nil {
		return err
	}
	bindBuiltins(srv, cat)

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var addrs []string
	g := taskgroup.New(nil)
	for _, ep := range endpoints {
		lst, err := transport.Listen(ep, topts)
		if err != nil {
			cancel()
			srv.Shutdown(false)
			g.Wait()
			return fmt.Errorf("listen %q: %w", ep, err)
		}
		addrs = append(addrs, lst.Addr())
		g.Go(func() error { return srv.Serve(ctx, lst) })
	}
	log.Info().Strs("endpoints", addrs).Int("methods", cat.Len()).Msg("server started")

	if addr := cmp.Or(serveFlags.Metrics, cfg.Server.MetricsAddr); addr != "" {
		ms, err := startMetrics(addr, log)
		if err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		} else {
			defer ms.Close()
		}
	}

	if service := cmp.Or(serveFlags.Announce, cfg.Discovery.Service); service != "" {
		if serveFlags.Advertise != "" {
			addrs = strings.Split(serveFlags.Advertise, ",")
		}
		a, err := announce(ctx, cfg, log, service, addrs)
		if err != nil {
			log.Error().Err(err).Str("service", service).Msg("announce failed")
		} else {
			defer a.Close()
		}
	}

	<-ctx.Done()
	log.Info().Bool("drain", serveFlags.Drain).Msg("shutting down")
	srv.Shutdown(serveFlags.Drain)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// announcement is a discovery announcement and the registry that owns it.
type announcement struct {
	reg *discovery.Registry
	a   *discovery.Announcement
}

func (a announcement) Close() error {
	return errors.Join(a.a.Close(), a.reg.Close())
}

func announce(ctx context.Context, cfg *config.Config, log zerolog.Logger, service string, addrs []string) (announcement, error) {
	instance := serveFlags.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return announcement{}, err
		}
		instance = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	reg, err := discovery.Dial(&discovery.Options{
		Endpoints:   cfg.Discovery.Endpoints,
		DialTimeout: cfg.Discovery.DialTimeout.Duration,
		Prefix:      cfg.Discovery.Prefix,
		LeaseTTL:    cfg.Discovery.LeaseTTL,
		Logger:      &log,
	})
	if err != nil {
		return announcement{}, err
	}
	a, err := reg.Announce(ctx, service, instance, addrs...)
	if err != nil {
		reg.Close()
		return announcement{}, err
	}
	log.Info().Str("key", a.Key()).Msg("announced")
	return announcement{reg: reg, a: a}, nil
}

// sum is an int64 encoded as an archive field.
type sum int64

func (s sum) MarshalArchive(w *archive.Writer) { w.Int64(int64(s)) }

// addArgs are the arguments to sys.add.
type addArgs struct{ A, B int64 }

func (a *addArgs) UnmarshalArchive(r *archive.Reader) (err error) {
	if a.A, err = r.Int64(); err != nil {
		return err
	}
	a.B, err = r.Int64()
	return err
}

// count is a uint32 encoded as an archive field.
type count uint32

func (c count) MarshalArchive(w *archive.Writer) { w.Uint32(uint32(c)) }

// addBuiltins adds the names of the built-in methods to cat.
func addBuiltins(cat catalog.Catalog) catalog.Catalog {
	return cat.Set("sys.catalog", sysInterface, 1).
		Set("sys.echo", sysInterface, 2).
		Set("sys.add", sysInterface, 3).
		Set("sys.sessions", sysInterface, 4)
}

// bindBuiltins adds the built-in methods to cat and binds their handlers on
// srv. The catalog served by sys.catalog includes the configured names too.
func bindBuiltins(srv *muxrpc.Server, cat catalog.Catalog) catalog.Catalog {
	addBuiltins(cat)
	return cat.Server(srv).
		Handle("sys.catalog", cat.Handler).
		Handle("sys.echo", func(_ context.Context, call *muxrpc.Call) ([]byte, error) {
			return call.Args, nil
		}).
		Handle("sys.add", handler.ParamResult(func(_ context.Context, a addArgs) sum {
			return sum(a.A + a.B)
		})).
		Handle("sys.sessions", handler.ResultOnly(func(context.Context) count {
			return count(len(srv.Sessions()))
		}))
}
