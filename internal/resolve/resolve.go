// Package resolve implements the two symbol-table passes spec.md §4.1/§4.5
// describe: an ingest pass (run while each input object is first loaded,
// merging its sections and installing placeholder symbol-table entries)
// and a resolve pass (run once, after every input is loaded and segment
// layout has assigned final section addresses, recomputing every symbol's
// run-time value and, once any shared object is linked, populating
// .dynsym/.hash with every global).
//
// Grounded on the original luxld.c's process_object_file (ingest) and the
// symbol-resolution loop inside main() (resolve), reshaped into two
// explicit functions operating on the object/section/symtab/dynlink
// package values instead of file-scope globals (spec.md §9).
package resolve

import (
	"github.com/xyproto/luxld/internal/dynlink"
	"github.com/xyproto/luxld/internal/elfconst"
	"github.com/xyproto/luxld/internal/object"
	"github.com/xyproto/luxld/internal/section"
	"github.com/xyproto/luxld/internal/symtab"
)

// Ingest merges every allocatable (and non-allocatable but named) section
// of in into tbl, and installs a placeholder entry for every symbol in
// in's symbol table into the global/local symbol table (spec.md §4.2,
// §4.1 via process_object_file). Placeholder global values are the raw
// st_value; Resolve recomputes real run-time values afterward.
func Ingest(in *object.Input, tbl *section.Table, st *symtab.Table) error {
	for i := 1; i < len(in.Shdrs); i++ {
		sh := in.Shdrs[i]
		if sh.Type == elfconst.SHT_SYMTAB || sh.Type == elfconst.SHT_STRTAB || sh.Type == elfconst.SHT_NULL {
			continue
		}
		name := in.SectionName(uint16(i))
		if name == "" {
			continue
		}
		tbl.Add(name, section.Header{
			Type: sh.Type, Flags: sh.Flags, Size: sh.Size, AddrAlign: sh.AddrAlign,
		}, in.ContributionData(sh), in.Path, uint16(i))
	}

	for i, sym := range in.Symbols {
		if i == 0 {
			continue // STN_UNDEF
		}
		name := in.SymbolName(i)
		switch sym.Type() {
		case elfconst.STT_FILE:
			continue // re-emitted by the writer, not tracked here
		}
		shname := ""
		if sym.Shndx < uint16(len(in.Shdrs)) {
			shname = in.SectionName(sym.Shndx)
		}
		// srcShdrIndex is sym.Shndx, the section this symbol's value is an
		// offset into — not i, the symbol's own symtab slot — since that
		// is what ties this symbol back to a section.Compound
		// Contribution (keyed the same way during section merging).
		if sym.Bind() == elfconst.STB_LOCAL {
			st.DefineLocal(name, sym.Value, sym.Info, sym.Shndx, shname, in.Path, sym.Shndx)
			continue
		}
		if err := st.DefineGlobal(name, sym.Value, sym.Info, sym.Shndx, shname, in.Path, sym.Shndx); err != nil {
			return err
		}
	}
	return nil
}

// Resolve recomputes every symbol's final run-time value once segment
// layout has assigned each compound section's sh_addr (spec.md §4.5).
// inputs must be the same slice (by Path) Ingest was called on, so their
// section contributions can be looked up by (ObjPath, SrcShdrIndex) — the
// same pair Ingest stashed on every Symbol for exactly this purpose.
//
// sharedLinked reports whether any shared object was linked; when true,
// every global symbol gets a .dynsym/.hash entry via dyn (spec.md §4.5:
// "if any shared object was linked ... append a new .dynsym entry").
func Resolve(inputs []*object.Input, tbl *section.Table, st *symtab.Table, dyn *dynlink.Builder, sharedLinked bool) {
	byPath := make(map[string]*object.Input, len(inputs))
	for _, in := range inputs {
		byPath[in.Path] = in
	}

	contribAddr := func(objPath string, shdrIndex uint16) (uint32, bool) {
		in, ok := byPath[objPath]
		if !ok {
			return 0, false
		}
		name := in.SectionName(shdrIndex)
		c := tbl.Get(name)
		if c == nil {
			return 0, false
		}
		for _, contrib := range c.Contributions {
			if contrib.ObjPath == objPath && contrib.SrcShdrIndex == shdrIndex {
				return contrib.Addr, true
			}
		}
		return 0, false
	}

	isSpecial := func(shndx uint16) bool {
		return shndx == elfconst.SHN_ABS || shndx == elfconst.SHN_COMMON
	}

	for _, l := range st.Locals {
		if isSpecial(l.Shndx) {
			continue
		}
		if addr, ok := contribAddr(l.ObjPath, l.SrcShdrIndex); ok {
			l.Value = addr + l.Value
		}
	}

	// Globals: recompute the value of the surviving definition, then
	// thread it into .dynsym/.hash whenever any shared object is linked.
	// An undefined global (e.g. a reference to puts resolved against a
	// shared object) still gets a .dynsym/.hash entry — luxld.c's
	// init_symtab adds every global, defined or not, with st_shndx left
	// as UND for the undefined ones — only its address recompute is
	// skipped, since it has no section contribution to recompute from.
	for _, g := range st.Globals() {
		if g.Shndx != elfconst.SHN_UNDEF && !isSpecial(g.Shndx) {
			if addr, ok := contribAddr(g.ObjPath, g.SrcShdrIndex); ok {
				g.Value = addr + g.Value
			}
		}
		if sharedLinked && !g.InDynsym {
			dyn.AddDynsym(g)
		}
	}
}
