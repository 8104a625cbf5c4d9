// Command luxld is a minimal ELF32/i386 static and dynamic linker for the
// LuxCC toolchain (spec.md §1). It combines one or more relocatable
// objects, System V archives, and shared objects into a single ELF32
// executable.
package main

import (
	"fmt"
	"os"

	"github.com/xyproto/luxld/internal/config"
	"github.com/xyproto/luxld/internal/link"
	"github.com/xyproto/luxld/internal/linkerror"
)

const progName = "luxld"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [options] file...

options:
  -o FILE        write the linked executable to FILE (default a.out)
  -e SYMBOL      set the entry point symbol (default _start)
  -I PATH        set the dynamic linker interpreter path
  -L DIR         add DIR to the library search path
  -lNAME         link against libNAME.so or libNAME.a
  -l:NAME        link against NAME exactly as given
  -static        search only libNAME.a for -lNAME; reject shared objects
  -v, --verbose  print each input as it is processed
  -h, --help     print this message
`, progName)
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err == config.ErrHelp {
		usage()
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, linkerror.Format(progName, err))
		usage()
		os.Exit(1)
	}

	if cfg.Verbose {
		for _, in := range cfg.Inputs {
			path, rerr := cfg.Resolve(in)
			if rerr != nil {
				continue
			}
			fmt.Fprintf(os.Stderr, "%s: %s\n", progName, path)
		}
	}

	if err := link.Run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, linkerror.Format(progName, err))
		os.Exit(1)
	}
}
