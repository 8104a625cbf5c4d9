// Package dynlink synthesizes the nine dynamic-linking sections spec.md
// §4.3 names — .plt, .got.plt, .rel.plt, .rel.dyn, .dynstr, .dynsym,
// .hash, .dynamic, .interp — and implements PLT/GOT slot allocation and
// COPY-relocation .bss growth (spec.md §4.6).
//
// Grounded on the original luxld.c's new_gotplt_entry/get_plt_entry/
// new_copy_reloc (byte-exact PLT0/PLTn templates and GOT/REL wiring) and
// on the teacher's plt_got.go (DynamicSections: arch-templated PLT/GOT
// builder using bytes.Buffer, the general shape this package follows for
// its own byte-exact i386 templates).
package dynlink

import (
	"bytes"
	"encoding/binary"

	"github.com/xyproto/luxld/internal/arena"
	"github.com/xyproto/luxld/internal/elfconst"
	"github.com/xyproto/luxld/internal/section"
	"github.com/xyproto/luxld/internal/symtab"
)

// plt0Template is PLT0: push dword [got+4]; jmp dword [got+8]; 4 nops.
var plt0Template = [16]byte{
	0xff, 0x35, 0, 0, 0, 0,
	0xff, 0x25, 0, 0, 0, 0,
	0x90, 0x90, 0x90, 0x90,
}

// pltnTemplate is every PLT entry after PLT0: jmp dword [gotslot];
// push dword reloc_offset; jmp PLT0.
var pltnTemplate = [16]byte{
	0xff, 0x25, 0, 0, 0, 0,
	0x68, 0, 0, 0, 0,
	0xe9, 0, 0, 0, 0,
}

const pltEntrySize = 16

// SizePLT, SizeRelPlt, SizeGotPlt, SizeRelDyn, SizeDynsym, SizeHash and
// SizeDynamic implement the upper-bound formulas of spec.md §4.3's table;
// the relocation engine's actual usage is always ≤ these bounds, and
// Finalize shrinks sh_size to the true usage.
func SizePLT(nReloc uint32) uint32    { return pltEntrySize * (1 + nReloc) }
func SizeRelPlt(nReloc uint32) uint32 { return elfconst.RelSize * nReloc }
func SizeGotPlt(nReloc uint32) uint32 { return 4 * (3 + nReloc) }

// SizeRelDyn corrects spec.md §9's COPY-reloc-size Open Question: the
// original allocates sizeof(Sym)*nReloc for .rel.dyn but only ever
// populates sizeof(Rel) entries. This sizes it by Rel, not Sym.
func SizeRelDyn(nReloc uint32) uint32 { return elfconst.RelSize * nReloc }

func SizeDynsym(nGlobals int) uint32 { return elfconst.SymSize * uint32(1+nGlobals) }

func SizeHash(nGlobals int) uint32 {
	nBucket := symtab.NBucket(uint32(1 + nGlobals))
	return 4 * (2 + nBucket + uint32(1+nGlobals))
}

func SizeDynamic(nNeeded int) uint32 { return elfconst.DynSize * uint32(nNeeded+6+7) }

func SizeInterp(path string) uint32 { return section.RoundUp4(uint32(len(path) + 1)) }

// SizeDynstr is the upper bound on .dynstr's byte size: the leading NUL
// plus every name in names, each null terminated (spec.md §4.3). Callers
// pass every global symbol's name plus every DT_NEEDED soname — the
// complete set of strings .dynstr can ever hold, since only a subset of
// those globals actually end up threaded into .dynsym. New registers
// .dynstr at this size so segment.Build's frozen sh_addr/sh_offset never
// has to move once finalizeDynstrAndSym later shrinks only its logical
// Header.Size.
func SizeDynstr(names []string) uint32 {
	n := uint32(1)
	for _, s := range names {
		n += uint32(len(s)) + 1
	}
	return section.RoundUp4(n)
}

// RelEntry is one Elf32_Rel: a byte offset to patch plus ELF32_R_INFO.
type RelEntry struct {
	Offset uint32
	Info   uint32
}

// PLTEntry is one lazily-allocated PLT/GOT-plt slot pair for an external
// function symbol (spec.md §3 PLTEntry).
type PLTEntry struct {
	Name    string
	Addr    uint32 // PLT entry address (never PLT0's)
	GotSlot uint32 // .got.plt slot address this entry's jmp indirects through
	RelOff  uint32 // byte offset of this entry's R_386_JMP_SLOT within .rel.plt
}

// DynsymEntry mirrors one Elf32_Sym destined for .dynsym.
type DynsymEntry struct {
	Name  string
	Value uint32
	Size  uint32
	Info  byte
	Shndx uint16
}

// Builder accumulates every dynamic-link artifact produced while
// resolving symbols and applying relocations, then serializes them into
// the nine synthetic compound sections spec.md §4.3 names.
type Builder struct {
	Sections *section.Table

	Needed []string // DT_NEEDED entries, one per linked shared object

	Dynsym  []DynsymEntry // index 0 is always the reserved STN_UNDEF entry
	dynsymIdx map[string]int

	PLT       []*PLTEntry
	pltByName map[string]*PLTEntry
	RelPlt    []RelEntry

	RelDyn []RelEntry // R_386_COPY entries

	Interp string

	neededOffsets []uint32 // .dynstr offsets of Needed, filled by finalizeDynstrAndSym

	plt    *section.Compound
	gotplt *section.Compound
	relplt *section.Compound
	reldyn *section.Compound
	dynstr *section.Compound
	dynsym *section.Compound
	hash   *section.Compound
	dyn    *section.Compound
	interp *section.Compound

	arena *arena.Arena // owns every synthetic section buffer above except .interp's
}

// New builds every synthetic compound section at its upper-bound size
// (spec.md §4.3) and registers them into tbl. interp defaults to
// elfconst.DefaultInterp if empty. Every buffer except .interp's (which
// finalizeInterp creates) is allocated from a single arena released when
// the Builder is discarded, since these sections share the link session's
// lifetime (grounded on the teacher's arena.go
// bump allocator, generalized from codegen scratch buffers to these
// synthetic section buffers).
func New(tbl *section.Table, nReloc uint32, nGlobals int, nNeeded int, dynstrSize uint32, interp string) *Builder {
	if interp == "" {
		interp = elfconst.DefaultInterp
	}
	b := &Builder{
		Sections:  tbl,
		Dynsym:    []DynsymEntry{{}}, // STN_UNDEF placeholder
		dynsymIdx: make(map[string]int),
		pltByName: make(map[string]*PLTEntry),
		Interp:    interp,
		arena:     arena.New(4096),
	}

	b.plt = tbl.AddSynthetic(".plt", section.Header{
		Type: elfconst.SHT_PROGBITS, Flags: elfconst.SHF_ALLOC | elfconst.SHF_EXECINSTR,
		AddrAlign: 4, Size: SizePLT(nReloc),
	}, b.arena.Alloc(int(SizePLT(nReloc))))

	b.relplt = tbl.AddSynthetic(".rel.plt", section.Header{
		Type: elfconst.SHT_REL, Flags: elfconst.SHF_ALLOC, EntSize: elfconst.RelSize,
		AddrAlign: 4, Size: SizeRelPlt(nReloc),
	}, b.arena.Alloc(int(SizeRelPlt(nReloc))))

	b.gotplt = tbl.AddSynthetic(".got.plt", section.Header{
		Type: elfconst.SHT_PROGBITS, Flags: elfconst.SHF_ALLOC | elfconst.SHF_WRITE,
		AddrAlign: 4, Size: SizeGotPlt(nReloc),
	}, b.arena.Alloc(int(SizeGotPlt(nReloc))))

	b.reldyn = tbl.AddSynthetic(".rel.dyn", section.Header{
		Type: elfconst.SHT_REL, Flags: elfconst.SHF_ALLOC, EntSize: elfconst.RelSize,
		AddrAlign: 4, Size: SizeRelDyn(nReloc),
	}, b.arena.Alloc(int(SizeRelDyn(nReloc))))

	if dynstrSize == 0 {
		dynstrSize = section.RoundUp4(1) // at minimum the leading NUL byte
	}
	b.dynstr = tbl.AddSynthetic(".dynstr", section.Header{
		Type: elfconst.SHT_STRTAB, Flags: elfconst.SHF_ALLOC, AddrAlign: 1, Size: dynstrSize,
	}, b.arena.Alloc(int(dynstrSize))) // real bytes filled by Finalize, once every name is known

	b.dynsym = tbl.AddSynthetic(".dynsym", section.Header{
		Type: elfconst.SHT_DYNSYM, Flags: elfconst.SHF_ALLOC, EntSize: elfconst.SymSize,
		AddrAlign: 4, Size: SizeDynsym(nGlobals),
	}, b.arena.Alloc(int(SizeDynsym(nGlobals))))

	b.hash = tbl.AddSynthetic(".hash", section.Header{
		Type: elfconst.SHT_HASH, Flags: elfconst.SHF_ALLOC, EntSize: 4,
		AddrAlign: 4, Size: SizeHash(nGlobals),
	}, b.arena.Alloc(int(SizeHash(nGlobals))))

	b.dyn = tbl.AddSynthetic(".dynamic", section.Header{
		Type: elfconst.SHT_DYNAMIC, Flags: elfconst.SHF_ALLOC | elfconst.SHF_WRITE, EntSize: elfconst.DynSize,
		AddrAlign: 4, Size: SizeDynamic(nNeeded),
	}, b.arena.Alloc(int(SizeDynamic(nNeeded))))

	b.interp = tbl.AddSynthetic(".interp", section.Header{
		Type: elfconst.SHT_PROGBITS, Flags: elfconst.SHF_ALLOC, AddrAlign: 1, Size: SizeInterp(interp),
	}, nil)

	return b
}

// AddNeeded registers a DT_NEEDED dependency; duplicates are reduced to
// one entry (spec.md §7: "redundant DT_NEEDED... shrink silently to fit").
func (b *Builder) AddNeeded(soname string) {
	for _, n := range b.Needed {
		if n == soname {
			return
		}
	}
	b.Needed = append(b.Needed, soname)
}

// AddDynsym appends sym to .dynsym (unless already present), per spec.md
// §4.5; finalizeHash later threads every entry into the .hash bucket chain.
func (b *Builder) AddDynsym(sym *symtab.Symbol) int {
	if idx, ok := b.dynsymIdx[sym.Name]; ok {
		return idx
	}
	idx := len(b.Dynsym)
	b.Dynsym = append(b.Dynsym, DynsymEntry{
		Name: sym.Name, Value: sym.Value, Size: sym.Size, Info: sym.Info, Shndx: sym.Shndx,
	})
	b.dynsymIdx[sym.Name] = idx
	sym.InDynsym = true
	return idx
}

// UpdateDynsym rewrites the .dynsym entry for name (used by the PLT
// binding rule: a function whose address is taken must report the PLT
// address, shndx=UND, type=FUNC — spec.md §4.6 "function-address
// consistency").
func (b *Builder) UpdateDynsym(name string, value uint32, info byte, shndx uint16) {
	idx, ok := b.dynsymIdx[name]
	if !ok {
		return
	}
	b.Dynsym[idx].Value, b.Dynsym[idx].Info, b.Dynsym[idx].Shndx = value, info, shndx
}

// DynsymIndex returns name's index in .dynsym, or 0 (STN_UNDEF) if absent.
func (b *Builder) DynsymIndex(name string) uint32 {
	if idx, ok := b.dynsymIdx[name]; ok {
		return uint32(idx)
	}
	return 0
}

// GetOrCreatePLT returns fname's PLT entry, creating one if this is the
// first reference (PLT0 itself is written by finalizePLT) (spec.md §4.6:
// "deduplicated so one external function yields one PLT slot").
// pltAddr/gotpltAddr are the final (post-layout) base addresses of .plt
// and .got.plt.
func (b *Builder) GetOrCreatePLT(fname string, pltAddr, gotpltAddr uint32) *PLTEntry {
	if e, ok := b.pltByName[fname]; ok {
		return e
	}
	slot := len(b.PLT) // 0-based index into the entries *after* PLT0
	entryAddr := pltAddr + pltEntrySize*uint32(slot+1)

	gotSlot := gotpltAddr + 4*uint32(3+slot)
	relOff := uint32(len(b.RelPlt)) * elfconst.RelSize
	b.RelPlt = append(b.RelPlt, RelEntry{
		Offset: gotSlot,
		Info:   elfconst.RInfo(b.DynsymIndex(fname), elfconst.R_386_JMP_SLOT),
	})

	e := &PLTEntry{Name: fname, Addr: entryAddr, GotSlot: gotSlot, RelOff: relOff}
	b.PLT = append(b.PLT, e)
	b.pltByName[fname] = e
	return e
}

// NewCopyReloc allocates a .bss slot for the external data object symname
// (size/align taken from its shared-object definition) and appends its
// R_386_COPY entry to .rel.dyn. bssSec is the (possibly newly created by
// the caller) compound .bss section whose Header.Size this grows;
// it returns the slot's final address.
func (b *Builder) NewCopyReloc(symname string, size, align uint32, bssSec *section.Compound) uint32 {
	if align == 0 {
		align = 1
	}
	aligned := roundUp(bssSec.Header.Size, align)
	addr := bssSec.Header.Addr + aligned
	bssSec.Header.Size = aligned + size

	b.RelDyn = append(b.RelDyn, RelEntry{
		Offset: addr,
		Info:   elfconst.RInfo(b.DynsymIndex(symname), elfconst.R_386_COPY),
	})
	return addr
}

func roundUp(n, align uint32) uint32 { return (n + align - 1) &^ (align - 1) }

// Finalize serializes every accumulated PLT entry, GOT slot, Rel entry,
// dynsym/dynstr/hash content, interpreter path and dynamic-section entry
// into the arena-owned buffers created by New, once every address is
// final (after segment layout and relocation application). dynamicAddr
// is .dynamic's own final sh_addr (GOT[0] points at it).
func (b *Builder) Finalize(dynamicAddr uint32, hashSym func(string) uint32) {
	b.finalizePLT()
	b.finalizeGotPlt(dynamicAddr)
	b.finalizeRelPlt()
	b.finalizeRelDyn()
	b.finalizeDynstrAndSym()
	b.finalizeHash(hashSym)
	b.finalizeInterp()
	b.finalizeDynamic()
}

func (b *Builder) finalizePLT() {
	buf := b.plt.Contributions[0].Data
	if len(b.PLT) == 0 {
		b.plt.Header.Size = 0
		b.plt.Contributions[0].Size = 0
		return
	}
	copy(buf[0:16], plt0Template[:])
	gotplt := b.gotplt.Header.Addr
	putLE32(buf, 2, gotplt+4)
	putLE32(buf, 8, gotplt+8)

	pltBase := b.plt.Header.Addr
	for i, e := range b.PLT {
		off := pltEntrySize * (i + 1)
		copy(buf[off:off+16], pltnTemplate[:])
		putLE32(buf, off+2, e.GotSlot)
		putLE32(buf, off+7, e.RelOff)
		nextInsnAddr := pltBase + uint32(off) + pltEntrySize
		putLE32(buf, off+12, pltBase-nextInsnAddr)
	}
	used := pltEntrySize * uint32(1+len(b.PLT))
	b.plt.Header.Size = used
	b.plt.Contributions[0].Size = used
}

func (b *Builder) finalizeGotPlt(dynamicAddr uint32) {
	buf := b.gotplt.Contributions[0].Data
	binary.LittleEndian.PutUint32(buf[0:4], dynamicAddr)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	for i, e := range b.PLT {
		off := 12 + 4*i
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Addr+6)
	}
	used := 4 * uint32(3+len(b.PLT))
	b.gotplt.Header.Size = used
	b.gotplt.Contributions[0].Size = used
}

// finalizeRelPlt writes every PLT Rel entry into .rel.plt's arena buffer,
// allocated by New at the nReloc upper bound, and shrinks only the
// logical Header.Size to the real usage — never the buffer itself, so
// the bytes segment.Build already laid out keep their file length and
// every later section's sh_addr/sh_offset stays correct (luxld.c:1158:
// "written in the file so that previously computed offsets remain
// correct").
func (b *Builder) finalizeRelPlt() {
	used := elfconst.RelSize * uint32(len(b.RelPlt))
	buf := b.relplt.Contributions[0].Data
	for i, r := range b.RelPlt {
		binary.LittleEndian.PutUint32(buf[i*8:], r.Offset)
		binary.LittleEndian.PutUint32(buf[i*8+4:], r.Info)
	}
	b.relplt.Header.Size = used
}

// finalizeRelDyn serializes .rel.dyn the same buffer-preserving way as
// finalizeRelPlt.
func (b *Builder) finalizeRelDyn() {
	used := elfconst.RelSize * uint32(len(b.RelDyn))
	buf := b.reldyn.Contributions[0].Data
	for i, r := range b.RelDyn {
		binary.LittleEndian.PutUint32(buf[i*8:], r.Offset)
		binary.LittleEndian.PutUint32(buf[i*8+4:], r.Info)
	}
	b.reldyn.Header.Size = used
}

// finalizeDynstrAndSym fills .dynstr and .dynsym's arena buffers (each
// allocated by New at its upper bound: SizeDynstr's name-sum and
// SizeDynsym(nGlobals)) in place, shrinking only their logical
// Header.Size — see finalizeRelPlt's comment on why the buffer itself
// must keep its laid-out length.
func (b *Builder) finalizeDynstrAndSym() {
	var strs bytes.Buffer
	strs.WriteByte(0)

	b.neededOffsets = make([]uint32, len(b.Needed))
	for i, soname := range b.Needed {
		b.neededOffsets[i] = uint32(strs.Len())
		strs.WriteString(soname)
		strs.WriteByte(0)
	}

	nameOff := make([]uint32, len(b.Dynsym))
	for i, e := range b.Dynsym {
		if i == 0 {
			continue
		}
		nameOff[i] = uint32(strs.Len())
		strs.WriteString(e.Name)
		strs.WriteByte(0)
	}
	dynstrUsed := section.RoundUp4(uint32(strs.Len()))
	copy(b.dynstr.Contributions[0].Data, strs.Bytes())
	b.dynstr.Header.Size = dynstrUsed

	symBuf := b.dynsym.Contributions[0].Data
	for i, e := range b.Dynsym {
		off := i * int(elfconst.SymSize)
		binary.LittleEndian.PutUint32(symBuf[off:], nameOff[i])
		binary.LittleEndian.PutUint32(symBuf[off+4:], e.Value)
		binary.LittleEndian.PutUint32(symBuf[off+8:], e.Size)
		symBuf[off+12] = e.Info
		symBuf[off+13] = 0
		binary.LittleEndian.PutUint16(symBuf[off+14:], e.Shndx)
	}
	b.dynsym.Header.Size = elfconst.SymSize * uint32(len(b.Dynsym))
}

// finalizeHash builds the SysV .hash table: [nbucket][nchain][buckets...][chain...].
// hashSym computes elf_hash(name) for a dynsym index's name (injected so
// this package needn't depend on symtab.ElfHash directly).
func (b *Builder) finalizeHash(hashSym func(string) uint32) {
	nsym := uint32(len(b.Dynsym))
	nBucket := symtab.NBucket(nsym)
	buckets := make([]uint32, nBucket)
	chain := make([]uint32, nsym)
	for i := 1; i < len(b.Dynsym); i++ {
		h := hashSym(b.Dynsym[i].Name) % nBucket
		chain[i] = buckets[h]
		buckets[h] = uint32(i)
	}
	used := 4 * (2 + nBucket + nsym)
	buf := b.hash.Contributions[0].Data
	binary.LittleEndian.PutUint32(buf[0:], nBucket)
	binary.LittleEndian.PutUint32(buf[4:], nsym)
	o := 8
	for _, v := range buckets {
		binary.LittleEndian.PutUint32(buf[o:], v)
		o += 4
	}
	for _, v := range chain {
		binary.LittleEndian.PutUint32(buf[o:], v)
		o += 4
	}
	b.hash.Header.Size = used
}

func (b *Builder) finalizeInterp() {
	buf := make([]byte, SizeInterp(b.Interp))
	copy(buf, b.Interp)
	b.interp.Contributions[0].Data = buf
}

func (b *Builder) finalizeDynamic() {
	type dynEntry struct {
		Tag uint32
		Val uint32
	}
	var entries []dynEntry
	for _, off := range b.neededOffsets {
		entries = append(entries, dynEntry{elfconst.DT_NEEDED, off})
	}
	entries = append(entries,
		dynEntry{elfconst.DT_HASH, b.hash.Header.Addr},
		dynEntry{elfconst.DT_STRTAB, b.dynstr.Header.Addr},
		dynEntry{elfconst.DT_SYMTAB, b.dynsym.Header.Addr},
		dynEntry{elfconst.DT_STRSZ, b.dynstr.Header.Size},
		dynEntry{elfconst.DT_SYMENT, elfconst.SymSize},
	)
	if len(b.PLT) > 0 {
		entries = append(entries,
			dynEntry{elfconst.DT_PLTGOT, b.gotplt.Header.Addr},
			dynEntry{elfconst.DT_PLTRELSZ, b.relplt.Header.Size},
			dynEntry{elfconst.DT_PLTREL, elfconst.DT_REL},
			dynEntry{elfconst.DT_JMPREL, b.relplt.Header.Addr},
		)
	}
	if len(b.RelDyn) > 0 {
		entries = append(entries,
			dynEntry{elfconst.DT_REL, b.reldyn.Header.Addr},
			dynEntry{elfconst.DT_RELSZ, b.reldyn.Header.Size},
			dynEntry{elfconst.DT_RELENT, elfconst.RelSize},
		)
	}
	entries = append(entries, dynEntry{elfconst.DT_NULL, 0})

	used := elfconst.DynSize * uint32(len(entries))
	buf := b.dyn.Contributions[0].Data
	for i, e := range entries {
		off := i * int(elfconst.DynSize)
		binary.LittleEndian.PutUint32(buf[off:], e.Tag)
		binary.LittleEndian.PutUint32(buf[off+4:], e.Val)
	}
	b.dyn.Header.Size = used
}

func putLE32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
