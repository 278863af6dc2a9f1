// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/catalog"
	"github.com/creachadair/muxrpc/config"
	"github.com/creachadair/muxrpc/discovery"
	"github.com/creachadair/muxrpc/transport"
	"github.com/rs/zerolog"
)

const callHelp = `Call a method on a server and print the result.

The method may be given as "iface.method" with numeric IDs, or as a name from
the configured method catalog or the server's built-in methods. If the endpoint
is "-", the endpoint named by the configuration is used. With --service, the
endpoint argument is omitted and the server is found by etcd discovery.

The call arguments, if any, are packed into an archive according to the
pattern as for the "pack" command. The result is printed as a quoted string,
or written to stdout verbatim with --raw.

A call that fails with a fault reports the fault kind, code, and message.`

var callFlags struct {
	Oneway  bool          `flag:"oneway,Send a oneway call and do not wait for a reply"`
	Timeout time.Duration `flag:"timeout,Call timeout (overrides config)"`
	Retries int           `flag:"retries,Retry limit for retryable errors (overrides config)"`
	Service string        `flag:"service,Find the server by discovery of this service name"`
	Raw     bool          `flag:"raw,Write the result to stdout without formatting"`
	Version int           `flag:"archive,default=1,Archive version for packed arguments"`
}

var pingFlags struct {
	Service string `flag:"service,Find the server by discovery of this service name"`
	Count   int    `flag:"count,default=1,Number of pings to send"`
}

func runCall(env *command.Env) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	dial, cleanup, args, err := callDialer(env, cfg, log, callFlags.Service)
	if err != nil {
		return err
	}
	defer cleanup()
	if len(args) == 0 {
		return env.Usagef("Missing method")
	}
	method, err := resolveMethod(cfg, args[0])
	if err != nil {
		return err
	}

	var data []byte
	if len(args) > 1 {
		data, err = packArgs(byte(callFlags.Version), args[1], args[2:])
		if err != nil {
			return err
		}
	}

	cli := muxrpc.NewClient(dial, cfg.ClientOptions(&log))
	defer cli.Close()

	ctx := env.Context()
	fut := cli.Call(ctx, method.Interface, method.Method, data, muxrpc.CallOptions{
		Timeout:    callFlags.Timeout,
		Oneway:     callFlags.Oneway,
		MaxRetries: callFlags.Retries,
	})
	if callFlags.Oneway {
		// With batching configured, the call is not sent until a flush.
		if err := cli.Flush(); err != nil {
			return fmt.Errorf("call %v: %w", method, err)
		}
	}
	rsp, err := fut.Wait(ctx)
	if err != nil {
		var re *muxrpc.RemoteError
		if errors.As(err, &re) {
			return fmt.Errorf("call %v: %v fault [code %d]: %s", method, re.Kind, re.Code, re.Message)
		}
		return fmt.Errorf("call %v: %w", method, err)
	}
	if callFlags.Oneway {
		return nil
	}
	if callFlags.Raw {
		_, err := os.Stdout.Write(rsp)
		return err
	}
	fmt.Printf("%q\n", rsp)
	return nil
}

const pingHelp = `Ping a server and print the round-trip time.

The server answers a ping without running a handler. The endpoint is chosen
as for the "call" command, including --service.`

func runPing(env *command.Env) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	dial, cleanup, args, err := callDialer(env, cfg, log, pingFlags.Service)
	if err != nil {
		return err
	}
	defer cleanup()
	if len(args) != 0 {
		return env.Usagef("Extra arguments after endpoint: %q", args)
	}

	cli := muxrpc.NewClient(dial, cfg.ClientOptions(&log))
	defer cli.Close()

	ctx := env.Context()
	for i := range max(pingFlags.Count, 1) {
		start := time.Now()
		if err := cli.Ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		fmt.Printf("ping %d: %v\n", i+1, time.Since(start).Round(time.Microsecond))
	}
	return nil
}

// callDialer returns a dialer for the endpoint named by the arguments of env,
// or for the named service if it is not empty, along with a cleanup function
// and the remaining arguments.
func callDialer(env *command.Env, cfg *config.Config, log zerolog.Logger, service string) (muxrpc.Dialer, func() error, []string, error) {
	args := env.Args
	nop := func() error { return nil }
	if service != "" {
		dial, cleanup, err := discoveryDialer(cfg, log, service)
		if err != nil {
			return nil, nop, nil, err
		}
		return dial, cleanup, args, nil
	} else if len(args) == 0 {
		return nil, nop, nil, env.Usagef("Missing endpoint")
	}
	dial, err := endpointDialer(cfg, args[0])
	if err != nil {
		return nil, nop, nil, err
	}
	return dial, nop, args[1:], nil
}

func endpointDialer(cfg *config.Config, endpoint string) (muxrpc.Dialer, error) {
	if endpoint == "-" {
		endpoint = cfg.Client.Endpoint
		if endpoint == "" {
			return nil, errors.New("no client endpoint is configured")
		}
	}
	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	topts, err := cfg.TransportOptions()
	if err != nil {
		return nil, err
	}
	return transport.Dialer(ep, topts), nil
}

func discoveryDialer(cfg *config.Config, log zerolog.Logger, service string) (muxrpc.Dialer, func() error, error) {
	topts, err := cfg.TransportOptions()
	if err != nil {
		return nil, nil, err
	}
	reg, err := discovery.Dial(&discovery.Options{
		Endpoints:   cfg.Discovery.Endpoints,
		DialTimeout: cfg.Discovery.DialTimeout.Duration,
		Prefix:      cfg.Discovery.Prefix,
		Logger:      &log,
	})
	if err != nil {
		return nil, nil, err
	}
	return reg.Dialer(service, topts), reg.Close, nil
}

// resolveMethod finds the method ID for name, which is either a numeric
// "iface.method" ID or a name from the configured or built-in catalog.
func resolveMethod(cfg *config.Config, name string) (catalog.Method, error) {
	if iid, mid, err := config.ParseMethod(name); err == nil {
		return catalog.Method{Interface: iid, Method: mid}, nil
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return catalog.Method{}, err
	}
	if m, ok := addBuiltins(cat).Lookup(name); ok {
		return m, nil
	}
	return catalog.Method{}, fmt.Errorf("unknown method %q", name)
}
