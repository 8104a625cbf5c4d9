// Package link wires every other package into the single end-to-end
// session spec.md §5 describes: load each input (object, archive, or
// shared object) in command-line order, resolve symbols, lay out load
// segments, apply relocations, and serialize the final ELF32 executable.
//
// Grounded on the original luxld.c's main() (the load-then-resolve-then-
// layout-then-relocate-then-write pipeline) and on spec.md §9's "package
// into one session value" design note, which this package's Session type
// implements directly.
package link

import (
	"fmt"
	"os"

	"github.com/xyproto/luxld/internal/archive"
	"github.com/xyproto/luxld/internal/config"
	"github.com/xyproto/luxld/internal/dynlink"
	"github.com/xyproto/luxld/internal/elfconst"
	"github.com/xyproto/luxld/internal/linkerror"
	"github.com/xyproto/luxld/internal/object"
	"github.com/xyproto/luxld/internal/reloc"
	"github.com/xyproto/luxld/internal/resolve"
	"github.com/xyproto/luxld/internal/section"
	"github.com/xyproto/luxld/internal/segment"
	"github.com/xyproto/luxld/internal/symtab"
	"github.com/xyproto/luxld/internal/writer"
)

// Session accumulates every input loaded over the lifetime of one link,
// and owns the section/symbol tables every later pass mutates in place.
type Session struct {
	cfg *config.Config

	tbl  *section.Table
	st   *symtab.Table
	dyn  *dynlink.Builder // nil until a shared object is linked
	bss  *section.Compound

	inputs     []*object.Input // every relocatable object loaded, in load order
	shared     []*object.Shared
	memberSeq  int // disambiguates archive-member diagnostic paths
	copyFixups []copyFixup
}

// Run executes a complete link session from cfg and writes the resulting
// executable to cfg.Output (spec.md §5). It is the single entry point
// cmd/luxld calls.
func Run(cfg *config.Config) error {
	s := &Session{cfg: cfg, tbl: section.New(), st: symtab.New()}

	for _, in := range cfg.Inputs {
		path, err := cfg.Resolve(in)
		if err != nil {
			return linkerror.New(linkerror.Input, "%s", err)
		}
		if err := s.loadFile(path); err != nil {
			return err
		}
	}

	s.st.ResolveWeakUndefs()

	sharedLinked := len(s.shared) > 0
	if sharedLinked {
		s.prepareDynamic()
		if err := s.prescanCopyRelocs(); err != nil {
			return err
		}
	}

	if s.st.NUndef > 0 {
		return s.reportUndefined()
	}

	nPhdr := segment.CountLoadSegments(s.tbl)
	if sharedLinked {
		nPhdr += 2 // PT_INTERP, PT_DYNAMIC
	}
	layout, err := segment.Build(s.tbl, nPhdr)
	if err != nil {
		return linkerror.New(linkerror.Link, "%s", err)
	}

	if sharedLinked {
		s.finalizeCopyRelocs()
	}

	resolve.Resolve(s.inputs, s.tbl, s.st, s.dyn, sharedLinked)

	engine := &reloc.Engine{Sections: s.tbl, Symbols: s.st, Shared: s.shared, Dyn: s.dyn, Bss: s.bss, HashName: symtab.ElfHash}
	if sharedLinked {
		engine.PLTAddr = s.tbl.Get(".plt").Header.Addr
		engine.GotPltAddr = s.tbl.Get(".got.plt").Header.Addr
	}
	for _, in := range s.inputs {
		if err := engine.Apply(in); err != nil {
			return linkerror.New(linkerror.Link, "%s", err)
		}
	}

	if sharedLinked {
		s.dyn.Finalize(s.tbl.Get(".dynamic").Header.Addr, symtab.ElfHash)
	}

	entry, err := s.resolveEntry()
	if err != nil {
		return err
	}

	w := &writer.Writer{Sections: s.tbl, Symbols: s.st, Layout: layout, Dyn: s.dyn, Entry: entry}
	out, err := w.Build()
	if err != nil {
		return linkerror.New(linkerror.Link, "%s", err)
	}

	if err := os.WriteFile(cfg.Output, out, 0o644); err != nil {
		return linkerror.New(linkerror.Input, "cannot write `%s': %s", cfg.Output, err)
	}
	if err := writer.MarkExecutable(cfg.Output); err != nil {
		return linkerror.New(linkerror.Input, "cannot mark `%s' executable: %s", cfg.Output, err)
	}
	return nil
}

// loadFile reads path and dispatches it to the object, archive, or shared-
// object loader according to its contents (spec.md §4.1: luxld determines
// an input's kind by inspection, not by file extension).
func (s *Session) loadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return linkerror.New(linkerror.Input, "cannot read file `%s': %s", path, err)
	}

	if len(buf) >= len(archive.Magic) && string(buf[:len(archive.Magic)]) == archive.Magic {
		return s.loadArchive(path, buf)
	}

	typ, ok := object.DetectType(buf)
	if !ok {
		return linkerror.New(linkerror.Input, "file `%s': truncated or unrecognized", path)
	}
	switch typ {
	case elfconst.ET_REL:
		in, err := object.ParseInput(path, buf)
		if err != nil {
			return linkerror.New(linkerror.Input, "%s", err)
		}
		return s.ingestInput(in)
	case elfconst.ET_DYN:
		so, err := object.ParseShared(path, buf, path)
		if err != nil {
			return linkerror.New(linkerror.Input, "%s", err)
		}
		if s.cfg.Static {
			return linkerror.New(linkerror.Input, "cannot link shared object `%s' with -static", path)
		}
		s.shared = append(s.shared, so)
		return nil
	default:
		return linkerror.New(linkerror.Input, "file `%s': unsupported ELF e_type %d", path, typ)
	}
}

func (s *Session) ingestInput(in *object.Input) error {
	s.inputs = append(s.inputs, in)
	if err := resolve.Ingest(in, s.tbl, s.st); err != nil {
		return linkerror.New(linkerror.Link, "%s", err)
	}
	return nil
}

// loadArchive parses path's symbol index and runs the fixed-point member-
// extraction loop (spec.md §4.1), pulling in whichever members currently
// resolve an undefined global.
func (s *Session) loadArchive(path string, buf []byte) error {
	idx, err := archive.ParseSymbolIndex(buf)
	if err != nil {
		return linkerror.New(linkerror.Input, "file `%s': %s", path, err)
	}
	sess := archive.Session{
		IsUndefined: func(name string) bool {
			g := s.st.Lookup(name)
			return g != nil && g.Shndx == elfconst.SHN_UNDEF && !g.Weak
		},
		UndefCount: func() int { return s.st.NUndef },
		ProcessMember: func(memberData []byte) error {
			s.memberSeq++
			memberPath := fmt.Sprintf("%s(#%d)", path, s.memberSeq)
			in, err := object.ParseInput(memberPath, memberData)
			if err != nil {
				return err
			}
			return s.ingestInput(in)
		},
	}
	return archive.Extract(buf, idx, sess)
}

// prepareDynamic creates the dynlink.Builder and registers every synthetic
// dynamic-link section into s.tbl, sized with an upper bound (spec.md
// §4.3) computed before layout runs: .plt, .rel.plt, .got.plt and .rel.dyn
// from the relocation count section merging accumulated (s.tbl.NReloc),
// since each PLT entry or COPY relocation is created by at least one
// relocation; .dynsym and .hash from the global symbol count. .dynstr is
// sized from every global's name plus
// every linked shared object's soname — the complete set of strings it
// can ever hold — so its sh_addr/sh_offset never has to move once
// dynlink.Finalize later shrinks its logical size to the real usage.
func (s *Session) prepareDynamic() {
	globals := s.st.Globals()
	nReloc := s.tbl.NReloc
	names := make([]string, 0, len(globals)+len(s.shared))
	for _, g := range globals {
		names = append(names, g.Name)
	}
	for _, so := range s.shared {
		names = append(names, so.Name)
	}
	dynstrSize := dynlink.SizeDynstr(names)
	s.dyn = dynlink.New(s.tbl, nReloc, len(globals), len(s.shared), dynstrSize, s.cfg.Interp)
	for _, so := range s.shared {
		s.dyn.AddNeeded(so.Name)
	}
}

// prescanCopyRelocs walks every relocation of every input object once,
// before segment layout, looking only for references to an external data
// object defined by a linked shared object. Each one is reserved a .bss
// slot immediately (spec.md §4.6 new_copy_reloc), since segment.Build
// reads every .bss compound's Header.Size at layout time: growing .bss
// afterward, during the real relocation-application pass, would leave the
// RW segment's p_memsz too small. PLT entries need no such pre-pass: .plt/
// .got.plt are already sized to nReloc's upper bound by prepareDynamic,
// and which names actually claim a slot doesn't affect layout.
func (s *Session) prescanCopyRelocs() error {
	reserved := make(map[string]bool)
	for _, in := range s.inputs {
		for _, relShdr := range in.Shdrs {
			if relShdr.Type != elfconst.SHT_REL {
				continue
			}
			for _, rel := range in.Rels(relShdr) {
				sym := in.Symbols[rel.Sym()]
				if sym.Bind() == elfconst.STB_LOCAL {
					continue
				}
				name := in.SymbolName(int(rel.Sym()))
				if g := s.st.Lookup(name); g != nil && g.Shndx != elfconst.SHN_UNDEF {
					continue // resolved within our own inputs
				}
				if reserved[name] {
					continue
				}
				for _, so := range s.shared {
					dsym, ok := so.LookupHash(symtab.ElfHash, name)
					if !ok || dsym.Type() != elfconst.STT_OBJECT {
						continue
					}
					bss := s.bssSection()
					off := s.dyn.NewCopyReloc(name, dsym.Size, 4, bss)
					s.copyFixups = append(s.copyFixups, copyFixup{name: name, bssOff: off})
					reserved[name] = true
					break
				}
			}
		}
	}
	return nil
}

// copyFixup records one external data symbol reserved a .bss slot by
// prescanCopyRelocs, before the .bss compound's final sh_addr was known.
type copyFixup struct {
	name   string
	bssOff uint32 // the slot's address as computed with Header.Addr == 0, i.e. its offset within .bss
}

// finalizeCopyRelocs runs once segment layout has assigned .bss its final
// sh_addr: every R_386_COPY entry and reserved global symbol recorded by
// prescanCopyRelocs gets its real run-time address, and a .dynsym entry.
// copyFixups and s.dyn.RelDyn correspond 1:1 in order, since prescanCopyRelocs
// is the only thing that appends to RelDyn before this point — so the index
// from ranging over copyFixups also names the RelDyn entry NewCopyReloc
// created for it, letting its Info be repatched now that the symbol has a
// real .dynsym index (it was STN_UNDEF when NewCopyReloc ran).
func (s *Session) finalizeCopyRelocs() {
	bss := s.bss
	if bss == nil {
		return
	}
	for i, f := range s.copyFixups {
		g := s.st.Lookup(f.name)
		if g == nil {
			continue
		}
		g.Value = bss.Header.Addr + f.bssOff
		g.Shndx = bss.OutputShndx
		s.dyn.AddDynsym(g)
		s.dyn.RelDyn[i].Info = elfconst.RInfo(s.dyn.DynsymIndex(f.name), elfconst.R_386_COPY)
	}
	for i := range s.dyn.RelDyn {
		s.dyn.RelDyn[i].Offset += bss.Header.Addr
	}
}

// bssSection returns the compound .bss section COPY relocations grow,
// creating it if no input object already contributed one.
func (s *Session) bssSection() *section.Compound {
	if s.bss != nil {
		return s.bss
	}
	if c := s.tbl.Get(".bss"); c != nil {
		s.bss = c
		return c
	}
	s.bss = s.tbl.AddSynthetic(".bss", section.Header{
		Type: elfconst.SHT_NOBITS, Flags: elfconst.SHF_ALLOC | elfconst.SHF_WRITE, AddrAlign: 4,
	}, nil)
	return s.bss
}

// reportUndefined builds a single one-line error naming every global
// symbol that remains unresolved after every input and archive has been
// processed (spec.md §4.1, §8 scenario 2).
func (s *Session) reportUndefined() error {
	var names []string
	for _, g := range s.st.Globals() {
		if g.Shndx == elfconst.SHN_UNDEF && !g.Weak {
			names = append(names, g.Name)
		}
	}
	if len(names) == 1 {
		return linkerror.Undefined(names[0])
	}
	return linkerror.New(linkerror.Link, "undefined references to: %v", names)
}

// resolveEntry looks up cfg.Entry (spec.md §6, default "_start") among
// both globals and locals, since a statically linked program's entry
// point is occasionally local.
func (s *Session) resolveEntry() (uint32, error) {
	if g := s.st.Lookup(s.cfg.Entry); g != nil && g.Shndx != elfconst.SHN_UNDEF {
		return g.Value, nil
	}
	for _, l := range s.st.Locals {
		if l.Name == s.cfg.Entry {
			return l.Value, nil
		}
	}
	return 0, linkerror.New(linkerror.Link, "undefined entry symbol `%s'", s.cfg.Entry)
}
