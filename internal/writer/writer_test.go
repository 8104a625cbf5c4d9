package writer

import (
	"encoding/binary"
	"testing"

	"github.com/xyproto/luxld/internal/elfconst"
	"github.com/xyproto/luxld/internal/section"
	"github.com/xyproto/luxld/internal/segment"
	"github.com/xyproto/luxld/internal/symtab"
)

func TestBuildProducesValidELFHeader(t *testing.T) {
	tbl := section.New()
	tbl.Add(".text", section.Header{Type: elfconst.SHT_PROGBITS, Flags: elfconst.SHF_ALLOC | elfconst.SHF_EXECINSTR, Size: 4, AddrAlign: 4}, []byte{0x90, 0x90, 0x90, 0x90}, "a.o", 1)

	layout, err := segment.Build(tbl, 1)
	if err != nil {
		t.Fatal(err)
	}

	st := symtab.New()
	st.DefineGlobal("_start", layout.RO.VAddr, elfconst.STInfo(elfconst.STB_GLOBAL, elfconst.STT_FUNC), 1, ".text", "a.o", 1)
	// Resolve is not exercised here; seed the final value directly since
	// this test only checks the writer's own serialization.
	st.Lookup("_start").Value = layout.RO.VAddr

	w := &Writer{Sections: tbl, Symbols: st, Layout: layout, Entry: layout.RO.VAddr}
	out, err := w.Build()
	if err != nil {
		t.Fatal(err)
	}

	if len(out) < elfconst.EhdrSize {
		t.Fatalf("output too short: %d bytes", len(out))
	}
	if out[0] != elfconst.ELFMAG0 || out[1] != elfconst.ELFMAG1 || out[2] != elfconst.ELFMAG2 || out[3] != elfconst.ELFMAG3 {
		t.Fatal("missing ELF magic")
	}
	if out[4] != elfconst.ELFCLASS32 {
		t.Fatal("expected ELFCLASS32")
	}
	etype := binary.LittleEndian.Uint16(out[16:18])
	if etype != elfconst.ET_EXEC {
		t.Fatalf("e_type = %d, want ET_EXEC", etype)
	}
	entry := binary.LittleEndian.Uint32(out[24:28])
	if entry != layout.RO.VAddr {
		t.Fatalf("e_entry = %#x, want %#x", entry, layout.RO.VAddr)
	}
	phoff := binary.LittleEndian.Uint32(out[28:32])
	if phoff != elfconst.EhdrSize {
		t.Fatalf("e_phoff = %d, want %d", phoff, elfconst.EhdrSize)
	}
	shoff := binary.LittleEndian.Uint32(out[32:36])
	phnum := binary.LittleEndian.Uint16(out[44:46])
	shnum := binary.LittleEndian.Uint16(out[48:50])
	shstrndx := binary.LittleEndian.Uint16(out[50:52])
	if shstrndx != 1 {
		t.Fatalf("e_shstrndx = %d, want 1", shstrndx)
	}
	if int(shoff)+int(shnum)*elfconst.ShdrSize != len(out) {
		t.Fatalf("section header table does not end at EOF: shoff=%d shnum=%d len=%d", shoff, shnum, len(out))
	}
	if int(phnum) != layout.NPhdr {
		t.Fatalf("e_phnum = %d, want %d", phnum, layout.NPhdr)
	}

	// The first program header (PT_LOAD, RO) must start at file offset 0
	// and cover the ELF header plus program headers plus .text.
	phOff := int(phoff)
	ptype := binary.LittleEndian.Uint32(out[phOff : phOff+4])
	if ptype != elfconst.PT_LOAD {
		t.Fatalf("first phdr type = %d, want PT_LOAD", ptype)
	}
	pOffset := binary.LittleEndian.Uint32(out[phOff+4 : phOff+8])
	if pOffset != 0 {
		t.Fatalf("RO PT_LOAD p_offset = %d, want 0", pOffset)
	}
}

func TestBuildRejectsMissingROSegment(t *testing.T) {
	w := &Writer{Layout: &segment.Layout{}}
	if _, err := w.Build(); err == nil {
		t.Fatal("expected an error when there is no RO segment")
	}
}
