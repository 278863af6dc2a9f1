// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/creachadair/command"
	"github.com/creachadair/muxrpc/archive"
)

const patternHelp = `The pattern specifies the sequence of values to write into the archive, after
the version byte. Whitespace in the pattern is ignored; otherwise the pattern
specifies how the corresponding argument is processed:

  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string encoded without framing
  s  : a string with a 4-byte length prefix
  %  : a Boolean constant (true or false)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes)
  4  : a uint32 value (4 bytes)
  8  : a uint64 value (8 bytes)
  i  : an int32 value (4 bytes)
  I  : an int64 value (8 bytes)
  f  : a float64 value (8 bytes)

Integer values are written in big-endian order.

In addition, a "(" begins a subpattern, which goes until a matching ")".
Each subpattern is encoded as a nested archive with the same version, with a
4-byte length prefix. Subpatterns may be nested.
`

var packFlags struct {
	Version int `flag:"archive,default=1,Archive version byte"`
}

func runPack(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing format argument")
	}
	data, err := packArgs(byte(packFlags.Version), env.Args[0], env.Args[1:])
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	return nil
}

// packArgs encodes args as an archive of the given version according to pat.
// It is an error if any arguments are left over.
func packArgs(version byte, pat string, args []string) ([]byte, error) {
	w := archive.NewWriter(version)
	rest, err := formatArchive(w, pat, args)
	if err != nil {
		return nil, err
	} else if len(rest) != 0 {
		return nil, fmt.Errorf("extra arguments: %q", rest)
	}
	return w.Encoded(), nil
}

func formatArchive(w *archive.Writer, pat string, args []string) ([]string, error) {
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch c {
		case 'q', 'r', 's', '%', '1', '2', '4', '8', 'i', 'I', 'f':
			// OK, these need an argument (see below)
		case ' ', '\t', '\n':
			continue
		case '(':
			sub, ok := cutParen(pat[i+1:], '(', ')')
			if !ok {
				return nil, errors.New("missing close parenthesis")
			}
			sw := archive.NewWriter(w.Encoded()[0])
			sa, err := formatArchive(sw, sub, args)
			if err != nil {
				return nil, fmt.Errorf("invalid subpattern: %w", err)
			}
			w.Nested(sw)
			args = sa
			i += len(sub) + 1
			continue
		default:
			return nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, fmt.Errorf("missing argument for %c", c)
		}
		switch c {
		case 'q':
			dec, err := strconv.Unquote(`"` + args[0] + `"`)
			if err != nil {
				return nil, fmt.Errorf("invalid string: %w", err)
			}
			w.Raw([]byte(dec))
		case 'r':
			w.Raw([]byte(args[0]))
		case 's':
			w.String(args[0])
		case '%':
			v, err := strconv.ParseBool(args[0])
			if err != nil {
				return nil, fmt.Errorf("invalid bool: %w", err)
			}
			w.Bool(v)
		case '1':
			v, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid byte: %w", err)
			}
			w.Uint8(byte(v))
		case '2':
			v, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid uint16: %w", err)
			}
			w.Uint16(uint16(v))
		case '4':
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid uint32: %w", err)
			}
			w.Uint32(uint32(v))
		case '8':
			v, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid uint64: %w", err)
			}
			w.Uint64(v)
		case 'i':
			v, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid int32: %w", err)
			}
			w.Int32(int32(v))
		case 'I':
			v, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid int64: %w", err)
			}
			w.Int64(v)
		case 'f':
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid float64: %w", err)
			}
			w.Float64(v)
		default:
			panic("invalid code: " + string(c))
		}
		args = args[1:]
	}
	return args, nil
}

func cutParen(s string, l, r rune) (string, bool) {
	d := 1
	for i, c := range s {
		if c == l {
			d++
		} else if c == r {
			d--
			if d == 0 {
				return s[:i], true
			}
		}
	}
	return s, false
}
