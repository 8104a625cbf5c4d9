// Package config resolves luxld's command-line and environment-variable
// inputs into a single immutable Config value: output path, entry symbol,
// dynamic linker interpreter, library search paths, and the ordered list
// of archives/objects/shared objects to link (spec.md §6).
//
// Grounded on the original luxld.c's argument-parsing loop in main()
// (order-sensitive -l/-L processing, -l:NAME verbatim form, .so-then-.a
// search fallback) and on the teacher's use of github.com/xyproto/env/v2
// for environment-variable overrides in place of raw os.Getenv.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xyproto/env/v2"
	"github.com/xyproto/luxld/internal/elfconst"
)

// Input is one positional argument or -l library reference, in the order
// it appeared on the command line — order matters because luxld resolves
// symbols left to right, exactly like GNU ld in non-group mode.
type Input struct {
	Path    string
	IsLib   bool   // came from -lNAME or -l:NAME
	Verbatim string // set for -l:NAME (Path is left empty); Resolve searches for it as given
}

// Config is a fully resolved set of link-session parameters.
type Config struct {
	Output  string
	Entry   string
	Interp  string
	Verbose bool
	Static  bool // -static: -lNAME searches only for libNAME.a; a shared object input fails the link

	LibPaths []string
	Inputs   []Input
}

// Parse builds a Config from argv (excluding argv[0]) the same way the
// original luxld's main() walks its argument list: flags and positional
// inputs are processed in a single left-to-right pass, and -L/-l ordering
// relative to positional files matters for search-path resolution.
func Parse(args []string) (*Config, error) {
	cfg := &Config{
		Output: "a.out",
		Entry:  elfconst.DefaultEntry,
		Interp: env.Str("LUXLD_INTERP", elfconst.DefaultInterp),
	}
	cfg.Verbose = env.Bool("LUXLD_VERBOSE")

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-o requires an argument")
			}
			i++
			cfg.Output = args[i]
		case a == "-e":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-e requires an argument")
			}
			i++
			cfg.Entry = args[i]
		case a == "-I":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-I requires an argument")
			}
			i++
			cfg.Interp = args[i]
		case a == "-L":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-L requires an argument")
			}
			i++
			cfg.LibPaths = append(cfg.LibPaths, args[i])
		case len(a) > 2 && a[:2] == "-L":
			cfg.LibPaths = append(cfg.LibPaths, a[2:])
		case a == "-static":
			cfg.Static = true
		case a == "-v" || a == "--verbose":
			cfg.Verbose = true
		case a == "-h" || a == "--help":
			return nil, ErrHelp
		case len(a) > 3 && a[:3] == "-l:":
			cfg.Inputs = append(cfg.Inputs, Input{IsLib: true, Verbatim: a[3:]})
		case len(a) > 2 && a[:2] == "-l":
			cfg.Inputs = append(cfg.Inputs, Input{IsLib: true, Path: a[2:]})
		case len(a) > 0 && a[0] == '-':
			return nil, fmt.Errorf("unrecognized option `%s'", a)
		default:
			cfg.Inputs = append(cfg.Inputs, Input{Path: a})
		}
	}

	if len(cfg.Inputs) == 0 {
		return nil, fmt.Errorf("no input files")
	}
	return cfg, nil
}

// ErrHelp is returned by Parse when -h/--help was given, so the CLI can
// print usage and exit 0 instead of treating it as a parse failure.
var ErrHelp = fmt.Errorf("help requested")

// Resolve turns one -l reference into a concrete file path, searching
// LibPaths in order. A verbatim -l:NAME reference is searched for exactly
// as given; a plain -lNAME searches for libNAME.so first, falling back to
// libNAME.a (spec.md §6 library search order, grounded on luxld.c's
// find_library), or for libNAME.a only when Static is set.
func (c *Config) Resolve(in Input) (string, error) {
	if !in.IsLib {
		return in.Path, nil
	}
	var candidates []string
	if in.Verbatim != "" {
		candidates = []string{in.Verbatim}
	} else if c.Static {
		candidates = []string{"lib" + in.Path + ".a"}
	} else {
		candidates = []string{"lib" + in.Path + ".so", "lib" + in.Path + ".a"}
	}
	for _, dir := range c.LibPaths {
		for _, name := range candidates {
			p := filepath.Join(dir, name)
			if fileExists(p) {
				return p, nil
			}
		}
	}
	name := in.Verbatim
	if name == "" {
		name = in.Path
	}
	return "", fmt.Errorf("cannot find -l%s", name)
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
