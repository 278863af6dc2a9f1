// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program muxrpc is a command-line utility for running and calling muxrpc
// servers.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/muxrpc/config"
	"github.com/creachadair/muxrpc/logging"
	"github.com/rs/zerolog"
)

var rootFlags struct {
	Config string `flag:"config,Configuration file (.toml, .yaml, or .yml)"`
	Level  string `flag:"log-level,Override the configured log level"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for running and calling muxrpc servers.",
		SetFlags: command.Flags(flax.MustBind, &rootFlags),
		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "[<endpoint>...]",
				Help:     serveHelp,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "<endpoint> <method> [<pattern> <argument>...]",
				Help:     callHelp,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:     "ping",
				Usage:    "<endpoint>",
				Help:     pingHelp,
				SetFlags: command.Flags(flax.MustBind, &pingFlags),
				Run:      runPing,
			},
			{
				Name:     "pack",
				Usage:    "<pattern> <argument>...",
				Help:     "Pack arguments into a binary archive.\n\n" + patternHelp,
				SetFlags: command.Flags(flax.MustBind, &packFlags),
				Run:      runPack,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig reads the configuration named by --config, or the defaults with
// environment overrides if none is named, and constructs a logger from it.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	var cfg *config.Config
	if rootFlags.Config != "" {
		c, err := config.Load(rootFlags.Config)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		cfg = c
	} else {
		cfg = config.Default()
		cfg.ApplyEnv(nil)
		if err := cfg.Validate(); err != nil {
			return nil, zerolog.Nop(), err
		}
	}
	lc := cfg.LogConfig()
	if rootFlags.Level != "" {
		lvl, ok := logging.ParseLevel(rootFlags.Level)
		if !ok {
			return nil, zerolog.Nop(), fmt.Errorf("invalid log level %q", rootFlags.Level)
		}
		lc.Level = lvl
	}
	return cfg, logging.New(lc), nil
}
