// Package writer serializes a finished link session into the final
// ELF32/i386 executable (spec.md §4.7): the ELF header and program
// headers, every allocatable section's bytes in RO-then-RW segment
// order, then the non-allocatable .shstrtab/.symtab/.strtab, then the
// section header table.
//
// Grounded on the original luxld.c's write_executable (header/phdr field
// order, the RO-then-RW byte layout, and the e_shstrndx=1 convention) and
// on the teacher's ELFWriter/codegen_elf_writer.go byte-buffer helper
// style, generalized from ELF64/single-compile-unit output to ELF32 over
// however many compound sections a link session produced.
package writer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xyproto/luxld/internal/dynlink"
	"github.com/xyproto/luxld/internal/elfconst"
	"github.com/xyproto/luxld/internal/section"
	"github.com/xyproto/luxld/internal/segment"
	"github.com/xyproto/luxld/internal/strtab"
	"github.com/xyproto/luxld/internal/symtab"
)

// Writer holds everything a finished link session computed: merged
// sections with final addresses, the resolved symbol table, the segment
// layout, and (for a dynamically linked output) the dynlink builder that
// owns .interp/.dynamic's final contents.
type Writer struct {
	Sections *section.Table
	Symbols  *symtab.Table
	Layout   *segment.Layout
	Dyn      *dynlink.Builder // nil for a statically linked executable
	Entry    uint32
}

// buf is a little-endian byte-buffer builder, in the teacher's
// Write/Write2/Write4-style ELFWriter idiom, sized for ELF32 fields.
type buf struct{ b bytes.Buffer }

func (w *buf) u8(v byte) { w.b.WriteByte(v) }
func (w *buf) u16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.b.Write(tmp[:])
}
func (w *buf) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.b.Write(tmp[:])
}
func (w *buf) raw(p []byte)  { w.b.Write(p) }
func (w *buf) pad(n int)     { w.b.Write(make([]byte, n)) }
func (w *buf) Len() int      { return w.b.Len() }
func (w *buf) Bytes() []byte { return w.b.Bytes() }

// Build serializes the link session into a final ELF32 executable image.
func (w *Writer) Build() ([]byte, error) {
	layout := w.Layout
	if layout.RO == nil {
		return nil, fmt.Errorf("no read-only segment: every link needs at least one .text-like allocatable input")
	}
	nPhdr := layout.NPhdr
	headerSpace := segment.HeaderSpace(nPhdr)

	allocSections := append(append([]*section.Compound{}, layout.RO.Sections...), rwSections(layout)...)

	shstrtab := strtab.New()
	shstrtabNameOff := shstrtab.Append(".shstrtab")
	symtabNameOff := shstrtab.Append(".symtab")
	strtabNameOff := shstrtab.Append(".strtab")
	allocNameOff := make(map[*section.Compound]uint32, len(allocSections))
	for _, c := range allocSections {
		allocNameOff[c] = shstrtab.Append(c.Name)
	}

	strtabTab := strtab.New()
	symtabBuf := new(bytes.Buffer)
	symtabBuf.Write(make([]byte, elfconst.SymSize)) // STN_UNDEF

	writeSym := func(name string, value, size uint32, info byte, shndx uint16) {
		nameOff := uint32(0)
		if name != "" {
			nameOff = strtabTab.Append(name)
		}
		var e [elfconst.SymSize]byte
		binary.LittleEndian.PutUint32(e[0:], nameOff)
		binary.LittleEndian.PutUint32(e[4:], value)
		binary.LittleEndian.PutUint32(e[8:], size)
		e[12] = info
		e[13] = 0
		binary.LittleEndian.PutUint16(e[14:], shndx)
		symtabBuf.Write(e[:])
	}

	outShndx := func(shname string, fallback uint16) uint16 {
		if c := w.Sections.Get(shname); c != nil && c.OutputShndx != 0 {
			return c.OutputShndx
		}
		return fallback
	}

	for _, l := range w.Symbols.Locals {
		writeSym(l.Name, l.Value, l.Size, l.Info, outShndx(l.ShName, l.Shndx))
	}
	nLocal := len(w.Symbols.Locals) + 1 // + STN_UNDEF
	for _, g := range w.Symbols.Globals() {
		writeSym(g.Name, g.Value, g.Size, g.Info, outShndx(g.ShName, g.Shndx))
	}

	var out buf
	entries := 1 + len(allocSections) + 3 // null + allocatable + shstrtab/symtab/strtab

	out.pad(int(headerSpace))

	for _, c := range layout.RO.Sections {
		writeSectionData(&out, c)
	}
	if layout.RW != nil {
		for _, c := range layout.RW.Sections {
			writeSectionData(&out, c)
		}
	}

	shstrtabOff := out.Len()
	out.raw(shstrtab.Bytes())
	symtabOff := out.Len()
	out.raw(symtabBuf.Bytes())
	strtabOff := out.Len()
	out.raw(strtabTab.Bytes())

	for out.Len()%4 != 0 {
		out.pad(1)
	}
	shoff := out.Len()

	writeShdr(&out, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0) // SHT_NULL
	writeShdr(&out, shstrtabNameOff, elfconst.SHT_STRTAB, 0, 0, uint32(shstrtabOff), uint32(shstrtab.Size()), 0, 0, 1, 0)
	writeShdr(&out, symtabNameOff, elfconst.SHT_SYMTAB, 0, 0, uint32(symtabOff), uint32(symtabBuf.Len()), 3, uint32(nLocal), 1, elfconst.SymSize)
	writeShdr(&out, strtabNameOff, elfconst.SHT_STRTAB, 0, 0, uint32(strtabOff), uint32(strtabTab.Size()), 0, 0, 1, 0)
	for _, c := range allocSections {
		fileOff := c.Header.Offset
		if c.Header.Type == elfconst.SHT_NOBITS {
			fileOff = 0
		}
		writeShdr(&out, allocNameOff[c], c.Header.Type, c.Header.Flags, c.Header.Addr, fileOff, c.Header.Size, c.Header.Link, c.Header.Info, c.Header.AddrAlign, c.Header.EntSize)
	}

	header := w.buildELFHeader(nPhdr, uint32(shoff), uint32(entries))
	phdrs := w.buildProgramHeaders(headerSpace)

	final := make([]byte, 0, len(header)+len(phdrs)+out.Len())
	final = append(final, header...)
	final = append(final, phdrs...)
	final = append(final, out.Bytes()[len(header)+len(phdrs):]...)
	return final, nil
}

func rwSections(layout *segment.Layout) []*section.Compound {
	if layout.RW == nil {
		return nil
	}
	return layout.RW.Sections
}

func writeSectionData(out *buf, c *section.Compound) {
	if c.Header.Type == elfconst.SHT_NOBITS {
		return // .bss contributes no file bytes
	}
	for _, contrib := range c.Contributions {
		if contrib.Data != nil {
			out.raw(contrib.Data)
		}
		rounded := section.RoundUp4(contrib.Size)
		if pad := int(rounded) - len(contrib.Data); pad > 0 {
			out.pad(pad)
		}
	}
}

func writeShdr(out *buf, nameOff, typ, flags, addr, offset, size, link, info, align, entsize uint32) {
	out.u32(nameOff)
	out.u32(typ)
	out.u32(flags)
	out.u32(addr)
	out.u32(offset)
	out.u32(size)
	out.u32(link)
	out.u32(info)
	out.u32(align)
	out.u32(entsize)
}

func (w *Writer) buildELFHeader(nPhdr int, shoff, shnum uint32) []byte {
	var h buf
	h.u8(elfconst.ELFMAG0)
	h.u8(elfconst.ELFMAG1)
	h.u8(elfconst.ELFMAG2)
	h.u8(elfconst.ELFMAG3)
	h.u8(elfconst.ELFCLASS32)
	h.u8(elfconst.ELFDATA2LSB)
	h.u8(elfconst.EV_CURRENT)
	h.pad(elfconst.EI_NIDENT - 7)

	etype := uint16(elfconst.ET_EXEC)
	h.u16(etype)
	h.u16(elfconst.EM_386)
	h.u32(elfconst.EV_CURRENT)
	h.u32(w.Entry)
	h.u32(elfconst.EhdrSize)              // e_phoff
	h.u32(shoff)                          // e_shoff
	h.u32(0)                              // e_flags
	h.u16(elfconst.EhdrSize)              // e_ehsize
	h.u16(elfconst.PhdrSize)              // e_phentsize
	h.u16(uint16(nPhdr))                  // e_phnum
	h.u16(elfconst.ShdrSize)              // e_shentsize
	h.u16(uint16(shnum))                  // e_shnum
	h.u16(1)                              // e_shstrndx: .shstrtab is always index 1
	return h.Bytes()
}

func (w *Writer) buildProgramHeaders(headerSpace uint32) []byte {
	var p buf
	writePhdr := func(typ, flags, offset, vaddr, filesz, memsz, align uint32) {
		p.u32(typ)
		p.u32(offset)
		p.u32(vaddr)
		p.u32(vaddr) // p_paddr: unused, mirrors p_vaddr
		p.u32(filesz)
		p.u32(memsz)
		p.u32(flags)
		p.u32(align)
	}

	if w.Dyn != nil {
		if interp := w.Sections.Get(".interp"); interp != nil {
			writePhdr(elfconst.PT_INTERP, elfconst.PF_R, interp.Header.Offset, interp.Header.Addr, interp.Header.Size, interp.Header.Size, 1)
		}
	}

	ro := w.Layout.RO
	roFilesz := headerSpace + ro.FileSize
	writePhdr(elfconst.PT_LOAD, elfconst.PF_R|elfconst.PF_X, 0, elfconst.BaseAddr, roFilesz, roFilesz, elfconst.PageSize)

	if rw := w.Layout.RW; rw != nil {
		writePhdr(elfconst.PT_LOAD, elfconst.PF_R|elfconst.PF_W, rw.Offset, rw.VAddr, rw.FileSize, rw.MemSize, elfconst.PageSize)
	}

	if w.Dyn != nil {
		if dyn := w.Sections.Get(".dynamic"); dyn != nil {
			writePhdr(elfconst.PT_DYNAMIC, elfconst.PF_R|elfconst.PF_W, dyn.Header.Offset, dyn.Header.Addr, dyn.Header.Size, dyn.Header.Size, 4)
		}
	}

	return p.Bytes()
}
