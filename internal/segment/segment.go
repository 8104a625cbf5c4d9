// Package segment implements the load-segment layout algorithm spec.md
// §4.4 describes: partition allocatable compound sections into a
// read-only (R+X) and a read-write (R+W) PT_LOAD segment, then assign
// each section (and each contribution inside it) its final sh_addr and
// sh_offset.
//
// Grounded on the original luxld.c's layout_sections, adapted from its
// file-scope running-offset globals into the explicit Segment/Layout
// values spec.md §9's "package into one session value" design note calls
// for.
package segment

import (
	"fmt"

	"github.com/xyproto/luxld/internal/elfconst"
	"github.com/xyproto/luxld/internal/section"
)

// Segment is one ELF32 PT_LOAD program header plus the compound sections
// it carries, in layout order (spec.md §3 LoadSegment).
type Segment struct {
	Flags    uint32 // PF_R, PF_R|PF_X, or PF_R|PF_W
	VAddr    uint32
	Offset   uint32
	FileSize uint32 // p_filesz: bytes actually present in the file
	MemSize  uint32 // p_memsz: FileSize plus trailing .bss
	Sections []*section.Compound
}

// Layout is the complete result of laying out a link session's sections:
// at most one RO and one RW segment (spec.md §3: "there are exactly two").
type Layout struct {
	RO *Segment
	RW *Segment

	// NextShndx is the output section-header-table index one past the
	// last allocatable section assigned during layout.
	NextShndx uint16

	// NPhdr is the program-header count Build was called with, echoed back
	// so the writer can reproduce the exact HeaderSpace reservation without
	// recomputing it (and risking disagreement if the two ever drift).
	NPhdr int
}

// CountLoadSegments reports how many PT_LOAD segments Build will produce
// for tbl (1 if every allocatable section is read-only, 2 if any is
// writable) without running the rest of layout. Callers need
// this before Build to size nPhdr, since HeaderSpace depends on the final
// program-header count and Build takes that count as an input.
func CountLoadSegments(tbl *section.Table) int {
	haveRO, haveRW := false, false
	for _, c := range tbl.Ordered() {
		if c.Header.Flags&elfconst.SHF_ALLOC == 0 {
			continue
		}
		if c.Header.Flags&elfconst.SHF_WRITE != 0 {
			haveRW = true
		} else {
			haveRO = true
		}
	}
	n := 0
	if haveRO {
		n++
	}
	if haveRW {
		n++
	}
	if n == 0 {
		return 1 // Build will error out; still report a sane minimum
	}
	return n
}

// HeaderSpace is the byte size of the ELF header plus every program
// header the writer will emit, all mapped into the front of the RO
// segment so the loader need not map a second page for them (spec.md
// §4.4).
func HeaderSpace(nPhdr int) uint32 {
	return elfconst.EhdrSize + uint32(nPhdr)*elfconst.PhdrSize
}

// Build performs the full layout pass over every allocatable compound
// section in tbl, in first-seen order, per spec.md §4.4. nPhdr is the
// number of program headers that will precede the sections in the file
// (so their combined size can be reserved at the front of the RO
// segment).
func Build(tbl *section.Table, nPhdr int) (*Layout, error) {
	var roSections, rwProgbits, bss []*section.Compound
	for _, c := range tbl.Ordered() {
		if c.Header.Flags&elfconst.SHF_ALLOC == 0 {
			continue
		}
		switch {
		case c.Header.Flags&elfconst.SHF_WRITE != 0 && c.Header.Type == elfconst.SHT_NOBITS:
			bss = append(bss, c)
		case c.Header.Flags&elfconst.SHF_WRITE != 0:
			rwProgbits = append(rwProgbits, c)
		default:
			roSections = append(roSections, c)
		}
	}
	if len(roSections) == 0 && len(rwProgbits) == 0 && len(bss) == 0 {
		return nil, fmt.Errorf("no allocatable input: nothing to link")
	}

	shndx := uint16(section.FirstAllocatableIndex)
	// The ELF and program headers occupy the front of the RO segment, so
	// the first section's address is offset by the same HeaderSpace as its
	// file offset, keeping vaddr ≡ offset (mod PAGE_SIZE).
	vaddr := uint32(elfconst.BaseAddr) + HeaderSpace(nPhdr)
	offset := HeaderSpace(nPhdr)

	var layout Layout

	if len(roSections) > 0 {
		ro := &Segment{Flags: elfconst.PF_R | elfconst.PF_X, VAddr: vaddr, Offset: offset}
		placeSections(roSections, &vaddr, &offset, &shndx)
		ro.Sections = roSections
		ro.FileSize = vaddr - ro.VAddr
		ro.MemSize = ro.FileSize
		layout.RO = ro
	}

	if len(rwProgbits) > 0 || len(bss) > 0 {
		// Align so file-offset-mod-page equals vaddr-mod-page, the mmap
		// requirement spec.md §4.4/§8 both call out.
		vaddr = roundUpPage(vaddr) + (offset % elfconst.PageSize)
		rw := &Segment{Flags: elfconst.PF_R | elfconst.PF_W, VAddr: vaddr, Offset: offset}
		placeSections(rwProgbits, &vaddr, &offset, &shndx)
		rw.FileSize = vaddr - rw.VAddr
		rw.Sections = rwProgbits

		// .bss sections are deferred to the end of the RW segment and
		// contribute only to p_memsz, never p_filesz: they carry no file
		// offset, only a virtual address.
		bssStart := vaddr
		for _, c := range bss {
			c.Header.Addr = vaddr
			c.Header.Offset = offset // cosmetic only: SHT_NOBITS sections carry no file bytes
			c.OutputShndx = shndx
			shndx++
			running := vaddr
			for _, contrib := range c.Contributions {
				contrib.Addr = running
				running += section.RoundUp4(contrib.Size)
			}
			vaddr += c.Header.Size
		}
		rw.MemSize = rw.FileSize + (vaddr - bssStart)
		rw.Sections = append(rw.Sections, bss...)
		layout.RW = rw
	}

	layout.NextShndx = shndx
	layout.NPhdr = nPhdr
	return &layout, nil
}

// placeSections assigns sh_addr/sh_offset to each compound section in
// order, and the per-contribution address inside it, advancing vaddr,
// offset, and shndx in lockstep (spec.md §4.4).
func placeSections(sections []*section.Compound, vaddr, offset *uint32, shndx *uint16) {
	for _, c := range sections {
		c.Header.Addr = *vaddr
		c.Header.Offset = *offset
		c.OutputShndx = *shndx
		*shndx++

		running := *vaddr
		for _, contrib := range c.Contributions {
			contrib.Addr = running
			running += section.RoundUp4(contrib.Size)
		}
		*vaddr += c.Header.Size
		*offset += c.Header.Size
	}
}

func roundUpPage(n uint32) uint32 {
	return (n + elfconst.PageSize - 1) &^ (elfconst.PageSize - 1)
}
