// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads settings for muxrpc servers and clients from a TOML
// or YAML file, chosen by the file extension.
//
// Loading proceeds in order: defaults, then the file, then environment
// overrides, then validation. A minimal TOML file looks like:
//
//	[server]
//	listen = ["tcp://127.0.0.1:7001", "inproc://calc"]
//	workers = 8
//	idle_timeout = "5m"
//
//	[client]
//	endpoint = "tcp://127.0.0.1:7001"
//	call_timeout = "3s"
//
//	[methods]
//	"calc.add" = "7.1"
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/muxrpc"
	"github.com/creachadair/muxrpc/catalog"
	"github.com/creachadair/muxrpc/logging"
	"github.com/creachadair/muxrpc/transport"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Config.ApplyEnv.
const (
	EnvListen        = "MUXRPC_LISTEN"         // comma-separated endpoints
	EnvEndpoint      = "MUXRPC_ENDPOINT"       // client endpoint
	EnvWorkers       = "MUXRPC_WORKERS"        // server worker count
	EnvEtcdEndpoints = "MUXRPC_ETCD_ENDPOINTS" // comma-separated etcd addresses
)

// Config is the complete configuration of a muxrpc program.
type Config struct {
	Server    Server    `toml:"server" yaml:"server"`
	Client    Client    `toml:"client" yaml:"client"`
	Quota     Quota     `toml:"quota" yaml:"quota"`
	Logging   Logging   `toml:"logging" yaml:"logging"`
	Discovery Discovery `toml:"discovery" yaml:"discovery"`

	// Mnemonic method names, mapped to "interface.method" IDs.
	Methods map[string]string `toml:"methods" yaml:"methods"`
}

// Server holds server settings.
type Server struct {
	Listen         []string `toml:"listen" yaml:"listen"`
	Workers        int      `toml:"workers" yaml:"workers"`
	IdleTimeout    Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval   Duration `toml:"reap_interval" yaml:"reap_interval"`
	HandlerTimeout Duration `toml:"handler_timeout" yaml:"handler_timeout"`
	AbandonTimeout Duration `toml:"abandon_timeout" yaml:"abandon_timeout"`
	PollWait       Duration `toml:"poll_wait" yaml:"poll_wait"`
	MetricsAddr    string   `toml:"metrics_addr" yaml:"metrics_addr"`
	CertFile       string   `toml:"cert_file" yaml:"cert_file"`
	KeyFile        string   `toml:"key_file" yaml:"key_file"`
}

// Client holds client settings.
type Client struct {
	Endpoint       string   `toml:"endpoint" yaml:"endpoint"`
	ConnectTimeout Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	CallTimeout    Duration `toml:"call_timeout" yaml:"call_timeout"`
	MaxRetries     int      `toml:"max_retries" yaml:"max_retries"`
	RetryInterval  Duration `toml:"retry_interval" yaml:"retry_interval"`
	NoReconnect    bool     `toml:"no_reconnect" yaml:"no_reconnect"`
	PingInterval   Duration `toml:"ping_interval" yaml:"ping_interval"`
	BatchBytes     int      `toml:"batch_bytes" yaml:"batch_bytes"`
}

// Quota holds bandwidth quota settings. A zero rate disables the quota.
type Quota struct {
	BytesPerSecond int  `toml:"bytes_per_second" yaml:"bytes_per_second"`
	Burst          int  `toml:"burst" yaml:"burst"`
	NonBlocking    bool `toml:"non_blocking" yaml:"non_blocking"`
}

// Logging holds logger settings.
type Logging struct {
	Level     string `toml:"level" yaml:"level"`
	Console   bool   `toml:"console" yaml:"console"`
	Timestamp bool   `toml:"timestamp" yaml:"timestamp"`
}

// Discovery holds settings for endpoint announcement. Discovery is disabled
// if Endpoints is empty.
type Discovery struct {
	Endpoints   []string `toml:"endpoints" yaml:"endpoints"`
	DialTimeout Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	Prefix      string   `toml:"prefix" yaml:"prefix"`
	Service     string   `toml:"service" yaml:"service"`
	LeaseTTL    int64    `toml:"lease_ttl" yaml:"lease_ttl"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Client: Client{
			ConnectTimeout: Duration{2 * time.Second},
			CallTimeout:    Duration{10 * time.Second},
			RetryInterval:  Duration{50 * time.Millisecond},
		},
		Logging: Logging{Level: "info", Timestamp: true},
		Discovery: Discovery{
			DialTimeout: Duration{5 * time.Second},
			Prefix:      "/muxrpc/services",
			LeaseTTL:    10,
		},
	}
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides, and validates the result. Files ending in .toml are
// parsed as TOML, files ending in .yaml or .yml as YAML. Unknown keys are
// reported as errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := cfg.decode(filepath.Ext(path), data); err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}
	cfg.ApplyEnv(nil)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".toml":
		meta, err := toml.Decode(string(data), c)
		if err != nil {
			return err
		}
		if keys := meta.Undecoded(); len(keys) != 0 {
			return fmt.Errorf("unknown keys: %v", keys)
		}
		return nil

	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown config format %q", ext)
	}
}

// ApplyEnv updates c from the environment, using getenv to read variables.
// If getenv is nil, os.Getenv is used. Logging variables are applied when
// the logger is constructed; see LogConfig.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvListen); v != "" {
		c.Server.Listen = splitList(v)
	}
	if v := getenv(EnvEndpoint); v != "" {
		c.Client.Endpoint = strings.TrimSpace(v)
	}
	if v := getenv(EnvWorkers); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Server.Workers = n
		}
	}
	if v := getenv(EnvEtcdEndpoints); v != "" {
		c.Discovery.Endpoints = splitList(v)
	}
}

// Validate reports an error if c contains invalid settings.
func (c *Config) Validate() error {
	var errs []error
	for _, s := range c.Server.Listen {
		if _, err := transport.ParseEndpoint(s); err != nil {
			errs = append(errs, fmt.Errorf("server.listen: %w", err))
		}
	}
	if c.Server.Workers < 0 {
		errs = append(errs, fmt.Errorf("server.workers: negative value %d", c.Server.Workers))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server: cert_file and key_file must be set together"))
	}
	if c.Client.Endpoint != "" {
		if _, err := transport.ParseEndpoint(c.Client.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("client.endpoint: %w", err))
		}
	}
	if c.Client.BatchBytes < 0 {
		errs = append(errs, fmt.Errorf("client.batch_bytes: negative value %d", c.Client.BatchBytes))
	}
	if c.Quota.BytesPerSecond < 0 || c.Quota.Burst < 0 {
		errs = append(errs, errors.New("quota: negative rate or burst"))
	}
	if c.Logging.Level != "" {
		if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
		}
	}
	if len(c.Discovery.Endpoints) != 0 && c.Discovery.Service == "" {
		errs = append(errs, errors.New("discovery: service name is required"))
	}
	if _, err := c.Catalog(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ServerOptions returns server options reflecting c.
func (c *Config) ServerOptions(log *zerolog.Logger) *muxrpc.ServerOptions {
	return &muxrpc.ServerOptions{
		Workers:        c.Server.Workers,
		IdleTimeout:    c.Server.IdleTimeout.Duration,
		ReapInterval:   c.Server.ReapInterval.Duration,
		HandlerTimeout: c.Server.HandlerTimeout.Duration,
		AbandonTimeout: c.Server.AbandonTimeout.Duration,
		Logger:         log,
	}
}

// ClientOptions returns client options reflecting c.
func (c *Config) ClientOptions(log *zerolog.Logger) *muxrpc.ClientOptions {
	return &muxrpc.ClientOptions{
		ConnectTimeout: c.Client.ConnectTimeout.Duration,
		CallTimeout:    c.Client.CallTimeout.Duration,
		MaxRetries:     c.Client.MaxRetries,
		RetryInterval:  c.Client.RetryInterval.Duration,
		NoReconnect:    c.Client.NoReconnect,
		PingInterval:   c.Client.PingInterval.Duration,
		BatchBytes:     c.Client.BatchBytes,
		Logger:         log,
	}
}

// TransportOptions returns transport options reflecting c. It loads the TLS
// key pair if one is configured.
func (c *Config) TransportOptions() (*transport.Options, error) {
	opts := &transport.Options{
		ConnectTimeout: c.Client.ConnectTimeout.Duration,
		PollWait:       c.Server.PollWait.Duration,
	}
	if c.Quota.BytesPerSecond > 0 {
		opts.Quota = &transport.QuotaOptions{
			BytesPerSecond: c.Quota.BytesPerSecond,
			Burst:          c.Quota.Burst,
			NonBlocking:    c.Quota.NonBlocking,
		}
	}
	if c.Server.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.Server.CertFile, c.Server.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		opts.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return opts, nil
}

// LogConfig returns logger options reflecting c, with environment overrides
// applied on top.
func (c *Config) LogConfig() logging.Config {
	lc := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Logging.Level); ok {
		lc.Level = lvl
	}
	lc.Console = c.Logging.Console
	lc.Timestamp = c.Logging.Timestamp
	lc.ApplyEnv(nil)
	return lc
}

// Catalog returns a catalog of the methods named in c.
func (c *Config) Catalog() (catalog.Catalog, error) {
	cat := catalog.New()
	for name, spec := range c.Methods {
		iid, mid, err := ParseMethod(spec)
		if err != nil {
			return cat, fmt.Errorf("methods.%s: %w", name, err)
		}
		cat.Set(name, iid, mid)
	}
	return cat, nil
}

// ParseMethod parses a method ID of the form "interface.method", where both
// parts are unsigned 16-bit integers.
func ParseMethod(s string) (iid, mid uint16, _ error) {
	is, ms, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return 0, 0, fmt.Errorf("invalid method %q (want iface.method)", s)
	}
	i, err := strconv.ParseUint(is, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid interface ID %q: %w", is, err)
	}
	m, err := strconv.ParseUint(ms, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid method ID %q: %w", ms, err)
	}
	return uint16(i), uint16(m), nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Duration is a time.Duration that decodes from a string such as "1.5s".
type Duration struct{ time.Duration }

// UnmarshalText implements encoding.TextUnmarshaler, used by TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.Duration.String()), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}
