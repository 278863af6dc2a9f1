// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package logging configures zerolog loggers for muxrpc programs.
//
// A program chooses a profile (runtime or test), which sets default options,
// and the environment may override them:
//
//	MUXRPC_LOG_LEVEL      trace, debug, info, warn, error, or off
//	MUXRPC_LOG_CONSOLE    if true, write human-readable console output
//	MUXRPC_LOG_TIMESTAMP  if true, stamp each record with the time
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment variables consulted by Config.ApplyEnv.
const (
	EnvLogLevel     = "MUXRPC_LOG_LEVEL"
	EnvLogConsole   = "MUXRPC_LOG_CONSOLE"
	EnvLogTimestamp = "MUXRPC_LOG_TIMESTAMP"
)

// Profile selects a set of default logging options.
type Profile int

const (
	ProfileRuntime Profile = iota // info level, JSON with timestamps
	ProfileTest                   // debug level, console without timestamps
)

// Config holds options for constructing a logger.
type Config struct {
	Level     zerolog.Level
	Console   bool      // human-readable output instead of JSON
	Timestamp bool      // include a timestamp in each record
	Output    io.Writer // if nil, os.Stderr
}

// DefaultConfig returns the default options for the given profile.
func DefaultConfig(p Profile) Config {
	switch p {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Console: true}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

// ApplyEnv updates c from the environment variables named by EnvLogLevel,
// EnvLogConsole, and EnvLogTimestamp, using getenv to read them. If getenv is
// nil, os.Getenv is used. Unset or unparseable values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if lvl, ok := ParseLevel(getenv(EnvLogLevel)); ok {
		c.Level = lvl
	}
	if v, ok := parseBool(getenv(EnvLogConsole)); ok {
		c.Console = v
	}
	if v, ok := parseBool(getenv(EnvLogTimestamp)); ok {
		c.Timestamp = v
	}
}

// New constructs a logger with the options in c.
func New(c Config) zerolog.Logger {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}
	if c.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}
	ctx := zerolog.New(out).Level(c.Level).With()
	if c.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

var configureOnce sync.Once

// Configure installs a logger for the given profile, with environment
// overrides applied, as the global zerolog logger. Only the first call has
// any effect; every call returns the global logger.
func Configure(p Profile) zerolog.Logger {
	configureOnce.Do(func() {
		cfg := DefaultConfig(p)
		cfg.ApplyEnv(nil)
		log.Logger = New(cfg)
	})
	return log.Logger
}

// ParseLevel parses a level name. It reports false if s is empty or not a
// recognized level name.
func ParseLevel(s string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "none", "disabled":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(s string) (bool, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return v, true
}
