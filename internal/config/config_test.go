package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseBasicInputsAndOutput(t *testing.T) {
	cfg, err := Parse([]string{"-o", "prog", "a.o", "b.o"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Output != "prog" {
		t.Fatalf("Output = %q, want prog", cfg.Output)
	}
	if len(cfg.Inputs) != 2 || cfg.Inputs[0].Path != "a.o" || cfg.Inputs[1].Path != "b.o" {
		t.Fatalf("Inputs = %+v", cfg.Inputs)
	}
}

func TestParseLibraryReferencesPreserveOrder(t *testing.T) {
	cfg, err := Parse([]string{"a.o", "-lc", "-L/usr/lib", "b.o", "-l:libfoo.so.1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Inputs) != 4 {
		t.Fatalf("expected 4 inputs in order, got %d", len(cfg.Inputs))
	}
	if !cfg.Inputs[1].IsLib || cfg.Inputs[1].Path != "c" {
		t.Fatalf("Inputs[1] = %+v, want -lc", cfg.Inputs[1])
	}
	if !cfg.Inputs[3].IsLib || cfg.Inputs[3].Verbatim != "libfoo.so.1" {
		t.Fatalf("Inputs[3] = %+v, want verbatim libfoo.so.1", cfg.Inputs[3])
	}
	if len(cfg.LibPaths) != 1 || cfg.LibPaths[0] != "/usr/lib" {
		t.Fatalf("LibPaths = %v", cfg.LibPaths)
	}
}

func TestParseEntryAndInterpOverrides(t *testing.T) {
	cfg, err := Parse([]string{"-e", "main", "-I", "/lib/ld.so", "a.o"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Entry != "main" {
		t.Fatalf("Entry = %q, want main", cfg.Entry)
	}
	if cfg.Interp != "/lib/ld.so" {
		t.Fatalf("Interp = %q, want /lib/ld.so", cfg.Interp)
	}
}

func TestParseNoInputsErrors(t *testing.T) {
	if _, err := Parse([]string{"-o", "prog"}); err == nil {
		t.Fatal("expected an error with no input files")
	}
}

func TestParseUnrecognizedOptionErrors(t *testing.T) {
	if _, err := Parse([]string{"--bogus", "a.o"}); err == nil {
		t.Fatal("expected an error for an unrecognized option")
	}
}

func TestResolveVerbatimSkipsLibPrefixSearch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "libfoo.so"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &Config{LibPaths: []string{dir}}
	_, err := cfg.Resolve(Input{IsLib: true, Verbatim: "foo.so"})
	if err == nil {
		t.Fatal("expected a not-found error: -l:foo.so must not find libfoo.so")
	}
}

func TestResolveNonLibraryInputPassesThrough(t *testing.T) {
	cfg := &Config{}
	p, err := cfg.Resolve(Input{Path: "a.o"})
	if err != nil {
		t.Fatal(err)
	}
	if p != "a.o" {
		t.Fatalf("Resolve passthrough = %q, want a.o", p)
	}
}
