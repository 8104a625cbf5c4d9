// Package reloc applies ELF32/i386 relocations (spec.md §4.6): walks
// every non-dynamic SHT_REL section of every input object, patches the
// computed value into that input's buffer in place, and lazily creates
// PLT entries and COPY relocations for symbols only defined in a linked
// shared object.
//
// Grounded on the original luxld.c's relocate_sections (the reloc-type
// switch, the S/A/P terms, and PLT/COPY lazy creation) and on the
// teacher's hashmap.go-style table lookups generalized to the object/
// symtab/dynlink package boundary this reimplementation uses instead of
// file-scope globals.
package reloc

import (
	"fmt"

	"github.com/xyproto/luxld/internal/dynlink"
	"github.com/xyproto/luxld/internal/elfconst"
	"github.com/xyproto/luxld/internal/object"
	"github.com/xyproto/luxld/internal/section"
	"github.com/xyproto/luxld/internal/symtab"
)

// Engine applies every relocation accumulated across a link session's
// input objects.
type Engine struct {
	Sections *section.Table
	Symbols  *symtab.Table
	Shared   []*object.Shared // loaded shared objects, in link order
	Dyn      *dynlink.Builder // nil unless at least one shared object was linked

	// PLTAddr/GotPltAddr are the final (post-layout) base addresses of
	// .plt and .got.plt; zero until segment layout has run, at which
	// point the caller must set them before Apply.
	PLTAddr    uint32
	GotPltAddr uint32

	// Bss is the compound section R_386_COPY relocations grow; created
	// lazily on first use if no input object already contributed one
	// (spec.md §4.6, grounded on luxld.c's new_copy_reloc).
	Bss *section.Compound

	// HashName computes the SysV elf_hash of a symbol name, used to probe
	// each loaded shared object's hash chain.
	HashName func(string) uint32
}

// Apply runs the relocation pass over every SHT_REL section of in
// (spec.md §4.6). tbl must already have final sh_addr values assigned by
// segment layout.
func (e *Engine) Apply(in *object.Input) error {
	for _, relShdr := range in.Shdrs {
		if relShdr.Type != elfconst.SHT_REL {
			continue
		}
		targetIx := uint16(relShdr.Info)
		targetName := in.SectionName(targetIx)
		targetSec := e.Sections.Get(targetName)
		if targetSec == nil {
			continue // target section carried no bytes into the output (e.g. stripped debug info)
		}
		contrib := findContribution(targetSec, in.Path, targetIx)
		if contrib == nil {
			continue
		}

		for _, rel := range in.Rels(relShdr) {
			if err := e.applyOne(in, relShdr, targetSec, contrib, rel); err != nil {
				return err
			}
		}
	}
	return nil
}

func findContribution(c *section.Compound, objPath string, shdrIndex uint16) *section.Contribution {
	for _, contrib := range c.Contributions {
		if contrib.ObjPath == objPath && contrib.SrcShdrIndex == shdrIndex {
			return contrib
		}
	}
	return nil
}

func (e *Engine) applyOne(in *object.Input, relShdr object.Shdr, targetSec *section.Compound, contrib *section.Contribution, rel object.Rel) error {
	symIdx := rel.Sym()
	sym := in.Symbols[symIdx]
	symname := in.SymbolName(int(symIdx))

	destFileOff := targetShdrFileOffset(in, uint16(relShdr.Info)) + rel.Offset

	S, err := e.resolveSymbol(in, sym, symname)
	if err != nil {
		return err
	}

	P := contrib.Addr + rel.Offset

	switch rel.Type() {
	case elfconst.R_386_8:
		A := int32(int8(in.ReadByte(destFileOff)))
		in.PatchByte(destFileOff, byte(int32(S)+A))
	case elfconst.R_386_16:
		A := int32(int16(in.ReadWord(destFileOff)))
		in.PatchWord(destFileOff, uint16(int32(S)+A))
	case elfconst.R_386_32:
		A := int32(in.ReadDword(destFileOff))
		in.PatchDword(destFileOff, uint32(int32(S)+A))
	case elfconst.R_386_PC8:
		A := int32(int8(in.ReadByte(destFileOff)))
		in.PatchByte(destFileOff, byte(int32(S)+A-int32(P)))
	case elfconst.R_386_PC16:
		A := int32(int16(in.ReadWord(destFileOff)))
		in.PatchWord(destFileOff, uint16(int32(S)+A-int32(P)))
	case elfconst.R_386_PC32:
		A := int32(in.ReadDword(destFileOff))
		in.PatchDword(destFileOff, uint32(int32(S)+A-int32(P)))
	case elfconst.R_386_GOT32, elfconst.R_386_PLT32, elfconst.R_386_GOTPC, elfconst.R_386_GOTOFF:
		// Non-goal (spec.md §1, §4.6): accepted as no-ops. The compiler
		// this linker is paired with never emits these.
	default:
		return fmt.Errorf("relocation type 0x%02x not supported", rel.Type())
	}
	return nil
}

// targetShdrFileOffset returns the file offset (within in.Buf) of section
// header index ix — the coordinate space R_386_* offsets are relative to
// before the output is laid out, since relocations patch the INPUT
// buffer in place (spec.md §9 design note, option a).
func targetShdrFileOffset(in *object.Input, ix uint16) uint32 {
	return in.Shdrs[ix].Offset
}

// resolveSymbol computes S for one relocation's referenced symbol
// (spec.md §4.6): local symbols resolve to their own already-final value;
// defined globals resolve to the global table's value; otherwise every
// loaded shared object is probed, lazily creating a PLT entry (function)
// or COPY relocation (data object).
func (e *Engine) resolveSymbol(in *object.Input, sym object.Sym, symname string) (uint32, error) {
	if sym.Bind() == elfconst.STB_LOCAL {
		// Local symbol values were already finalized by the resolve pass
		// (they live in st.Locals, not recomputable here without extra
		// bookkeeping); the common case — a section-relative reference —
		// uses the section's own final address plus the symbol's offset.
		return e.localValue(in, sym), nil
	}

	g := e.Symbols.Lookup(symname)
	if g != nil && g.Shndx != elfconst.SHN_UNDEF {
		return g.Value, nil
	}

	// Not defined by any relocatable input: probe shared objects.
	for _, so := range e.Shared {
		dsym, ok := so.LookupHash(e.HashName, symname)
		if !ok {
			continue
		}
		switch dsym.Type() {
		case elfconst.STT_FUNC:
			entry := e.Dyn.GetOrCreatePLT(symname, e.PLTAddr, e.GotPltAddr)
			// Function-address consistency (i386 psABI, spec.md §4.6):
			// the PLT address becomes this symbol's one canonical value,
			// reflected back into both .dynsym and the global table so
			// every later reference agrees.
			e.Dyn.UpdateDynsym(symname, entry.Addr, elfconst.STInfo(elfconst.STB_GLOBAL, elfconst.STT_FUNC), elfconst.SHN_UNDEF)
			if g != nil {
				g.Value = entry.Addr
			}
			return entry.Addr, nil
		case elfconst.STT_OBJECT:
			bss := e.bssSection()
			addr := e.Dyn.NewCopyReloc(symname, dsym.Size, 4, bss)
			if g != nil {
				g.Value = addr
				g.Shndx = bss.OutputShndx
			}
			return addr, nil
		}
	}

	if g != nil && g.Weak {
		return 0, nil // undefined weak reference resolves to 0 (spec.md §9)
	}
	return 0, fmt.Errorf("undefined reference to `%s'", symname)
}

// localValue resolves a relocation's LOCAL referenced symbol to its final
// address: the referenced section's compound base address (already laid
// out) plus the symbol's own st_value offset into that section. STT_
// SECTION symbols (st_value == 0 by convention) resolve to exactly the
// section's base address, matching spec.md §4.5's STT_SECTION rule.
func (e *Engine) localValue(in *object.Input, sym object.Sym) uint32 {
	if sym.Shndx == elfconst.SHN_ABS {
		return sym.Value
	}
	secName := in.SectionName(sym.Shndx)
	c := e.Sections.Get(secName)
	if c == nil {
		return sym.Value
	}
	contrib := findContribution(c, in.Path, sym.Shndx)
	if contrib == nil {
		return c.Header.Addr + sym.Value
	}
	return contrib.Addr + sym.Value
}

// bssSection returns the compound .bss section COPY relocations grow,
// creating it on first use; a section created here has no address
// assigned (Header.Addr stays 0).
func (e *Engine) bssSection() *section.Compound {
	if e.Bss != nil {
		return e.Bss
	}
	if c := e.Sections.Get(".bss"); c != nil {
		e.Bss = c
		return c
	}
	e.Bss = e.Sections.AddSynthetic(".bss", section.Header{
		Type: elfconst.SHT_NOBITS, Flags: elfconst.SHF_ALLOC | elfconst.SHF_WRITE, AddrAlign: 4,
	}, nil)
	return e.Bss
}
