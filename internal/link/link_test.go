package link

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/xyproto/luxld/internal/config"
	"github.com/xyproto/luxld/internal/elfconst"
)

// minimalObject encodes a tiny but complete ET_REL ELF32 file by hand:
// one .text section (4 bytes of code, no relocations) and a symbol table
// exporting a single global, name, at .text offset 0. It exists so this
// package's tests can exercise Run end to end through real files on disk,
// the same boundary cmd/luxld calls through.
func minimalObject(name string, code []byte) []byte {
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	strtab := append([]byte{0}, append([]byte(name), 0)...)

	var symtab []byte
	symtab = append(symtab, make([]byte, elfconst.SymSize)...) // STN_UNDEF
	sym := make([]byte, elfconst.SymSize)
	binary.LittleEndian.PutUint32(sym[0:], 1) // name offset into strtab
	binary.LittleEndian.PutUint32(sym[4:], 0) // value: start of .text
	binary.LittleEndian.PutUint32(sym[8:], 0) // size
	sym[12] = elfconst.STInfo(elfconst.STB_GLOBAL, elfconst.STT_FUNC)
	sym[13] = 0
	binary.LittleEndian.PutUint16(sym[14:], 1) // shndx: .text
	symtab = append(symtab, sym...)

	// Layout: ehdr | .text | .symtab | .strtab | .shstrtab | shdrs
	textOff := uint32(elfconst.EhdrSize)
	symtabOff := textOff + uint32(len(code))
	strtabOff := symtabOff + uint32(len(symtab))
	shstrtabOff := strtabOff + uint32(len(strtab))
	shoff := shstrtabOff + uint32(len(shstrtab))

	shdrs := make([]byte, elfconst.ShdrSize*5)
	writeShdr := func(i int, nameOff, typ, flags, offset, size, link, info, entsize uint32) {
		b := shdrs[i*elfconst.ShdrSize:]
		binary.LittleEndian.PutUint32(b[0:], nameOff)
		binary.LittleEndian.PutUint32(b[4:], typ)
		binary.LittleEndian.PutUint32(b[8:], flags)
		binary.LittleEndian.PutUint32(b[12:], 0) // addr
		binary.LittleEndian.PutUint32(b[16:], offset)
		binary.LittleEndian.PutUint32(b[20:], size)
		binary.LittleEndian.PutUint32(b[24:], link)
		binary.LittleEndian.PutUint32(b[28:], info)
		binary.LittleEndian.PutUint32(b[32:], 1) // addralign
		binary.LittleEndian.PutUint32(b[36:], entsize)
	}
	// shstrtab offsets: "\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00"
	writeShdr(0, 0, elfconst.SHT_NULL, 0, 0, 0, 0, 0, 0)
	writeShdr(1, 1, elfconst.SHT_PROGBITS, elfconst.SHF_ALLOC|elfconst.SHF_EXECINSTR, textOff, uint32(len(code)), 0, 0, 0)
	writeShdr(2, 7, elfconst.SHT_SYMTAB, 0, symtabOff, uint32(len(symtab)), 3, 1, elfconst.SymSize)
	writeShdr(3, 15, elfconst.SHT_STRTAB, 0, strtabOff, uint32(len(strtab)), 0, 0, 0)
	writeShdr(4, 23, elfconst.SHT_STRTAB, 0, shstrtabOff, uint32(len(shstrtab)), 0, 0, 0)

	ehdr := make([]byte, elfconst.EhdrSize)
	ehdr[0], ehdr[1], ehdr[2], ehdr[3] = elfconst.ELFMAG0, elfconst.ELFMAG1, elfconst.ELFMAG2, elfconst.ELFMAG3
	ehdr[4] = elfconst.ELFCLASS32
	ehdr[5] = elfconst.ELFDATA2LSB
	ehdr[6] = elfconst.EV_CURRENT
	binary.LittleEndian.PutUint16(ehdr[16:], elfconst.ET_REL)
	binary.LittleEndian.PutUint16(ehdr[18:], elfconst.EM_386)
	binary.LittleEndian.PutUint32(ehdr[20:], elfconst.EV_CURRENT)
	binary.LittleEndian.PutUint32(ehdr[32:], shoff)
	binary.LittleEndian.PutUint16(ehdr[40:], elfconst.EhdrSize)
	binary.LittleEndian.PutUint16(ehdr[46:], elfconst.ShdrSize)
	binary.LittleEndian.PutUint16(ehdr[48:], 5)
	binary.LittleEndian.PutUint16(ehdr[50:], 4) // e_shstrndx

	out := append([]byte{}, ehdr...)
	out = append(out, code...)
	out = append(out, symtab...)
	out = append(out, strtab...)
	out = append(out, shstrtab...)
	out = append(out, shdrs...)
	return out
}

func TestRunStaticLinkProducesExecutable(t *testing.T) {
	dir := t.TempDir()
	objPath := filepath.Join(dir, "a.o")
	code := []byte{0x90, 0x90, 0x90, 0xc3} // nop; nop; nop; ret
	if err := os.WriteFile(objPath, minimalObject("_start", code), 0o644); err != nil {
		t.Fatal(err)
	}

	outPath := filepath.Join(dir, "a.out")
	cfg, err := config.Parse([]string{"-o", outPath, objPath})
	if err != nil {
		t.Fatal(err)
	}

	if err := Run(cfg); err != nil {
		t.Fatal(err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != elfconst.ELFMAG0 || out[1] != elfconst.ELFMAG1 {
		t.Fatal("output is not an ELF file")
	}
	etype := binary.LittleEndian.Uint16(out[16:18])
	if etype != elfconst.ET_EXEC {
		t.Fatalf("e_type = %d, want ET_EXEC", etype)
	}

	st, err := os.Stat(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode()&0o100 == 0 {
		t.Fatalf("output mode = %v, want owner-execute bit set", st.Mode())
	}
}

func TestRunUndefinedSymbolFails(t *testing.T) {
	dir := t.TempDir()
	objPath := filepath.Join(dir, "a.o")
	// Build an object whose single global is _start, so the link has no
	// undefined references and reaches entry resolution, then ask for an
	// entry name that doesn't exist to exercise the undefined-entry-symbol
	// path.
	code := []byte{0xc3, 0x90, 0x90, 0x90}
	if err := os.WriteFile(objPath, minimalObject("_start", code), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Parse([]string{"-o", filepath.Join(dir, "a.out"), "-e", "no_such_symbol", objPath})
	if err != nil {
		t.Fatal(err)
	}
	if err := Run(cfg); err == nil {
		t.Fatal("expected an error for an unresolved entry symbol")
	}
}

func TestRunMissingInputFileFails(t *testing.T) {
	cfg, err := config.Parse([]string{"-o", "a.out", "/nonexistent/path/a.o"})
	if err != nil {
		t.Fatal(err)
	}
	if err := Run(cfg); err == nil {
		t.Fatal("expected an error for a missing input file")
	}
}
