// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Schemes understood by ParseEndpoint.
const (
	SchemeTCP    = "tcp"
	SchemeUDP    = "udp"
	SchemePipe   = "pipe"
	SchemeUnix   = "unix"
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeInproc = "inproc"
)

// DefaultTunnelPath is the URL path used by the HTTP tunnel when an http or
// https endpoint does not specify one.
const DefaultTunnelPath = "/muxrpc"

// An Endpoint is a parsed transport address. Endpoints are values and are
// never modified after parsing.
type Endpoint struct {
	Scheme  string // one of the Scheme constants
	Address string // host:port, socket path, pipe name, or inproc name
	Path    string // URL path, for http and https only
}

// ParseEndpoint parses an endpoint string of the form scheme://address.
//
//	tcp://host:port
//	udp://host:port
//	pipe://name          (a local socket at a well-known path for name)
//	unix:///path/to/sock
//	http://host:port/path
//	https://host:port/path
//	inproc://name
func ParseEndpoint(s string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing scheme", s)
	}
	ep := Endpoint{Scheme: strings.ToLower(scheme)}
	switch ep.Scheme {
	case SchemeTCP, SchemeUDP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
		}
		ep.Address = rest

	case SchemeHTTP, SchemeHTTPS:
		host, path, _ := strings.Cut(rest, "/")
		if _, _, err := net.SplitHostPort(host); err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
		}
		ep.Address = host
		ep.Path = "/" + path
		if ep.Path == "/" {
			ep.Path = DefaultTunnelPath
		}

	case SchemeUnix, SchemePipe, SchemeInproc:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: empty address", s)
		} else if ep.Scheme == SchemePipe && strings.ContainsAny(rest, `/\`) {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid pipe name", s)
		}
		ep.Address = rest

	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unknown scheme %q", s, scheme)
	}
	return ep, nil
}

// MustParseEndpoint is as ParseEndpoint, but panics on error.
func MustParseEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// String renders ep in the format accepted by ParseEndpoint.
func (ep Endpoint) String() string {
	if ep.Scheme == SchemeHTTP || ep.Scheme == SchemeHTTPS {
		return ep.Scheme + "://" + ep.Address + ep.Path
	}
	return ep.Scheme + "://" + ep.Address
}

// IsStream reports whether ep uses a reliable byte-stream transport.
func (ep Endpoint) IsStream() bool {
	switch ep.Scheme {
	case SchemeTCP, SchemeUnix, SchemePipe:
		return true
	}
	return false
}

// network returns the net package network and address for a stream or
// datagram endpoint.
func (ep Endpoint) network() (string, string) {
	switch ep.Scheme {
	case SchemePipe:
		return "unix", PipePath(ep.Address)
	case SchemeHTTP, SchemeHTTPS:
		return "tcp", ep.Address
	}
	return ep.Scheme, ep.Address
}

// PipePath returns the filesystem path of the local socket used for the pipe
// endpoint with the given name.
func PipePath(name string) string {
	return filepath.Join(os.TempDir(), "muxrpc-"+name+".sock")
}
