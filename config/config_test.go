// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/muxrpc/catalog"
	"github.com/creachadair/muxrpc/config"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
)

const tomlConfig = `
[server]
listen = ["tcp://127.0.0.1:7001", "inproc://calc"]
workers = 8
idle_timeout = "5m"
handler_timeout = "250ms"

[client]
endpoint = "tcp://127.0.0.1:7001"
call_timeout = "3s"
max_retries = 2
ping_interval = "30s"
batch_bytes = 4096

[quota]
bytes_per_second = 65536

[logging]
level = "debug"

[methods]
"calc.add" = "7.1"
"calc.sub" = "7.2"
`

const yamlConfig = `
server:
  listen: ["tcp://127.0.0.1:7001", "inproc://calc"]
  workers: 8
  idle_timeout: 5m
  handler_timeout: 250ms
client:
  endpoint: tcp://127.0.0.1:7001
  call_timeout: 3s
  max_retries: 2
  ping_interval: 30s
  batch_bytes: 4096
quota:
  bytes_per_second: 65536
logging:
  level: debug
methods:
  calc.add: "7.1"
  calc.sub: "7.2"
`

// clearEnv ensures the environment does not affect a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvListen, config.EnvEndpoint, config.EnvWorkers, config.EnvEtcdEndpoints,
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("Write config: %v", err)
	}
	return path
}

func wantConfig() *config.Config {
	want := config.Default()
	want.Server.Listen = []string{"tcp://127.0.0.1:7001", "inproc://calc"}
	want.Server.Workers = 8
	want.Server.IdleTimeout.Duration = 5 * time.Minute
	want.Server.HandlerTimeout.Duration = 250 * time.Millisecond
	want.Client.Endpoint = "tcp://127.0.0.1:7001"
	want.Client.CallTimeout.Duration = 3 * time.Second
	want.Client.MaxRetries = 2
	want.Client.PingInterval.Duration = 30 * time.Second
	want.Client.BatchBytes = 4096
	want.Quota.BytesPerSecond = 65536
	want.Logging.Level = "debug"
	want.Methods = map[string]string{"calc.add": "7.1", "calc.sub": "7.2"}
	return want
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	for _, tc := range []struct {
		name, file, data string
	}{
		{"TOML", "muxrpc.toml", tomlConfig},
		{"YAML", "muxrpc.yaml", yamlConfig},
		{"YML", "muxrpc.yml", yamlConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.Load(writeFile(t, tc.file, tc.data))
			if err != nil {
				t.Fatalf("Load: unexpected error: %v", err)
			}
			if diff := cmp.Diff(wantConfig(), cfg, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Config (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name, file, data, want string
	}{
		{"UnknownFormat", "muxrpc.ini", "x=1", "unknown config format"},
		{"UnknownKeyTOML", "a.toml", "[server]\nbogus = 1\n", "unknown keys"},
		{"UnknownKeyYAML", "a.yaml", "server:\n  bogus: 1\n", "bogus"},
		{"BadDuration", "a.toml", "[client]\ncall_timeout = \"soon\"\n", "invalid duration"},
		{"BadEndpoint", "a.toml", "[server]\nlisten = [\"carrier://pigeon\"]\n", "server.listen"},
		{"BadLevel", "a.yaml", "logging:\n  level: loud\n", "logging.level"},
		{"BadMethod", "a.toml", "[methods]\nx = \"7\"\n", "methods.x"},
		{"MissingService", "a.toml", "[discovery]\nendpoints = [\"localhost:2379\"]\n", "service name"},
		{"HalfTLS", "a.toml", "[server]\ncert_file = \"c.pem\"\n", "key_file"},
		{"NegativeBatch", "a.yaml", "client:\n  batch_bytes: -1\n", "client.batch_bytes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, tc.file, tc.data))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load: got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		config.EnvListen:        " tcp://:1, ,udp://:2 ",
		config.EnvEndpoint:      "pipe://svc",
		config.EnvWorkers:       "3",
		config.EnvEtcdEndpoints: "a:2379,b:2379",
	}
	cfg := config.Default()
	cfg.ApplyEnv(func(key string) string { return env[key] })

	want := config.Default()
	want.Server.Listen = []string{"tcp://:1", "udp://:2"}
	want.Client.Endpoint = "pipe://svc"
	want.Server.Workers = 3
	want.Discovery.Endpoints = []string{"a:2379", "b:2379"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Config (-want, +got):\n%s", diff)
	}
}

func TestOptions(t *testing.T) {
	cfg := wantConfig()
	log := zerolog.Nop()

	sopts := cfg.ServerOptions(&log)
	if sopts.Workers != 8 || sopts.IdleTimeout != 5*time.Minute || sopts.HandlerTimeout != 250*time.Millisecond {
		t.Errorf("ServerOptions: got %+v", sopts)
	}
	copts := cfg.ClientOptions(&log)
	if copts.CallTimeout != 3*time.Second || copts.ConnectTimeout != 2*time.Second || copts.MaxRetries != 2 {
		t.Errorf("ClientOptions: got %+v", copts)
	}
	if copts.PingInterval != 30*time.Second || copts.BatchBytes != 4096 {
		t.Errorf("ClientOptions keepalive and batching: got %+v", copts)
	}

	topts, err := cfg.TransportOptions()
	if err != nil {
		t.Fatalf("TransportOptions: %v", err)
	}
	if topts.Quota == nil || topts.Quota.BytesPerSecond != 65536 {
		t.Errorf("TransportOptions quota: got %+v", topts.Quota)
	}
	if topts.TLSConfig != nil {
		t.Error("TransportOptions: unexpected TLS config")
	}

	if lc := cfg.LogConfig(); lc.Level != zerolog.DebugLevel {
		t.Errorf("LogConfig level: got %v, want debug", lc.Level)
	}

	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if m, ok := cat.Lookup("calc.sub"); !ok || m != (catalog.Method{Interface: 7, Method: 2}) {
		t.Errorf("Lookup calc.sub: got %v, %v; want 7.2", m, ok)
	}
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		input    string
		iid, mid uint16
		ok       bool
	}{
		{"7.1", 7, 1, true},
		{" 65535.0 ", 65535, 0, true},
		{"7", 0, 0, false},
		{"7.x", 0, 0, false},
		{"70000.1", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range tests {
		iid, mid, err := config.ParseMethod(tc.input)
		if ok := err == nil; ok != tc.ok || iid != tc.iid || mid != tc.mid {
			t.Errorf("ParseMethod(%q): got %d, %d, %v; want %d, %d, ok=%v",
				tc.input, iid, mid, err, tc.iid, tc.mid, tc.ok)
		}
	}
}
