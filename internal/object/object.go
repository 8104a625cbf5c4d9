// Package object parses ELF32 relocatable objects and ELF32 DYN shared
// objects into the InputObject/SharedObject records spec.md §3 describes.
// Objects keep a mutable reference to the file's raw bytes: relocations
// are patched directly into that buffer (spec.md §9 design note, option a)
// and the buffer is later copied verbatim into the output by the writer.
//
// Grounded on the original luxld.c's process_object_file/
// process_shared_object_file and on the teacher's elf_sections.go constant
// set and encoding/binary-based field access style.
package object

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/luxld/internal/elfconst"
)

// Shdr is a decoded ELF32 section header.
type Shdr struct {
	NameOff   uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	AddrAlign uint32
	EntSize   uint32
}

// Sym is a decoded ELF32 symbol table entry.
type Sym struct {
	NameOff uint32
	Value   uint32
	Size    uint32
	Info    byte
	Other   byte
	Shndx   uint16
}

// Bind returns the symbol's STB_* binding.
func (s Sym) Bind() byte { return elfconst.STBind(s.Info) }

// Type returns the symbol's STT_* type.
func (s Sym) Type() byte { return elfconst.STType(s.Info) }

// Rel is a decoded ELF32 REL relocation entry.
type Rel struct {
	Offset uint32
	Info   uint32
}

func (r Rel) Sym() uint32  { return elfconst.RSym(r.Info) }
func (r Rel) Type() uint32 { return elfconst.RType(r.Info) }

// Input is a relocatable ELF32 object file (spec.md §3 InputObject).
type Input struct {
	Path      string
	Buf       []byte // raw file contents; relocations patch this in place
	Shdrs     []Shdr
	ShStrTab  []byte
	Symbols   []Sym
	StrTab    []byte
	SymShdrIx int // index of SHT_SYMTAB in Shdrs, or -1 if absent (e.g. crtn.o)
	FirstGlob int // index of the first STB_GLOBAL entry in Symbols
}

// SectionName returns the name of the section header at index ix.
func (in *Input) SectionName(ix uint16) string {
	if in.SymShdrIx < 0 && len(in.Shdrs) == 0 {
		return ""
	}
	if int(ix) >= len(in.Shdrs) {
		return ""
	}
	return cstr(in.ShStrTab, in.Shdrs[ix].NameOff)
}

// SymbolName returns the name of the i'th symbol table entry.
func (in *Input) SymbolName(i int) string {
	return cstr(in.StrTab, in.Symbols[i].NameOff)
}

func cstr(buf []byte, off uint32) string {
	if int(off) >= len(buf) {
		return ""
	}
	end := int(off)
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

func le32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
func le16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }

// putLE32 writes v as a little-endian dword into b at off.
func putLE32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

const (
	ehdrShoffOff   = 32
	ehdrShnumOff   = 48
	ehdrShstrndOff = 50
	ehdrTypeOff    = 16
)

// DetectType reports the ELF e_type field of buf (ET_REL/ET_EXEC/ET_DYN),
// so a caller deciding whether to parse a file as ParseInput or ParseShared
// doesn't need to duplicate the header-decoding logic. ok is false if buf
// is too short to hold an ELF header.
func DetectType(buf []byte) (typ uint16, ok bool) {
	if len(buf) < elfconst.EhdrSize {
		return 0, false
	}
	return ehdrType(buf), true
}

func ehdrType(buf []byte) uint16   { return le16(buf, ehdrTypeOff) }
func ehdrShoff(buf []byte) uint32  { return le32(buf, ehdrShoffOff) }
func ehdrShnum(buf []byte) uint16  { return le16(buf, ehdrShnumOff) }
func ehdrShstrnd(buf []byte) uint16 { return le16(buf, ehdrShstrndOff) }

func decodeShdr(buf []byte, off int) Shdr {
	return Shdr{
		NameOff:   le32(buf, off+0),
		Type:      le32(buf, off+4),
		Flags:     le32(buf, off+8),
		Addr:      le32(buf, off+12),
		Offset:    le32(buf, off+16),
		Size:      le32(buf, off+20),
		Link:      le32(buf, off+24),
		Info:      le32(buf, off+28),
		AddrAlign: le32(buf, off+32),
		EntSize:   le32(buf, off+36),
	}
}

func decodeShdrs(buf []byte) []Shdr {
	shoff := ehdrShoff(buf)
	shnum := ehdrShnum(buf)
	shdrs := make([]Shdr, shnum)
	for i := 0; i < int(shnum); i++ {
		shdrs[i] = decodeShdr(buf, int(shoff)+i*elfconst.ShdrSize)
	}
	return shdrs
}

func decodeSym(buf []byte, off int) Sym {
	return Sym{
		NameOff: le32(buf, off+0),
		Value:   le32(buf, off+4),
		Size:    le32(buf, off+8),
		Info:    buf[off+12],
		Other:   buf[off+13],
		Shndx:   le16(buf, off+14),
	}
}

// ParseInput classifies and parses a relocatable ELF32 object (e_type ==
// ET_REL). path is retained for diagnostics.
func ParseInput(path string, buf []byte) (*Input, error) {
	if len(buf) < elfconst.EhdrSize {
		return nil, fmt.Errorf("file `%s': truncated ELF header", path)
	}
	if ehdrType(buf) != elfconst.ET_REL {
		return nil, fmt.Errorf("file `%s': not a relocatable object", path)
	}
	shdrs := decodeShdrs(buf)
	shstrndx := ehdrShstrnd(buf)
	if int(shstrndx) >= len(shdrs) {
		return nil, fmt.Errorf("file `%s': invalid section name string table index", path)
	}
	shstrtab := buf[shdrs[shstrndx].Offset:]

	in := &Input{Path: path, Buf: buf, Shdrs: shdrs, ShStrTab: shstrtab, SymShdrIx: -1}

	for i := 1; i < len(shdrs); i++ {
		if shdrs[i].Type == elfconst.SHT_SYMTAB {
			in.SymShdrIx = i
			nsym := int(shdrs[i].Size) / elfconst.SymSize
			in.Symbols = make([]Sym, nsym)
			for j := 0; j < nsym; j++ {
				in.Symbols[j] = decodeSym(buf, int(shdrs[i].Offset)+j*elfconst.SymSize)
			}
			in.StrTab = buf[shdrs[shdrs[i].Link].Offset:]
			in.FirstGlob = int(shdrs[i].Info)
			break
		}
	}
	return in, nil
}

// ContributionData returns the raw bytes of section header sh within this
// input's buffer — the data a SimpleSection contribution points at.
func (in *Input) ContributionData(sh Shdr) []byte {
	if sh.Type == elfconst.SHT_NOBITS {
		return nil
	}
	return in.Buf[sh.Offset : sh.Offset+sh.Size]
}

// Rels decodes every Elf32_Rel entry of an SHT_REL section header.
func (in *Input) Rels(relShdr Shdr) []Rel {
	n := int(relShdr.Size) / elfconst.RelSize
	rels := make([]Rel, n)
	for i := 0; i < n; i++ {
		off := int(relShdr.Offset) + i*elfconst.RelSize
		rels[i] = Rel{Offset: le32(in.Buf, off), Info: le32(in.Buf, off+4)}
	}
	return rels
}

// PatchByte/PatchWord/PatchDword write a relocation result into the input
// buffer at a byte offset from the start of the file (Buf) — the "patch in place" design
// spec.md §9 calls option (a), chosen so the writer can copy each input's
// bytes straight into the output without a second owned buffer.
func (in *Input) PatchByte(fileOff uint32, v byte)    { in.Buf[fileOff] = v }
func (in *Input) PatchWord(fileOff uint32, v uint16)  { binary.LittleEndian.PutUint16(in.Buf[fileOff:], v) }
func (in *Input) PatchDword(fileOff uint32, v uint32) { binary.LittleEndian.PutUint32(in.Buf[fileOff:], v) }

// ReadByte/ReadWord/ReadDword read the addend currently stored at a
// byte offset from the start of the file (the relocation's implicit addend A).
func (in *Input) ReadByte(fileOff uint32) byte   { return in.Buf[fileOff] }
func (in *Input) ReadWord(fileOff uint32) uint16 { return le16(in.Buf, int(fileOff)) }
func (in *Input) ReadDword(fileOff uint32) uint32 { return le32(in.Buf, int(fileOff)) }

// Shared is an ELF32 DYN shared object (spec.md §3 SharedObject). Its bytes
// are never copied into the output; only its dynamic symbol table and hash
// chain are consulted during relocation.
type Shared struct {
	Name    string // SONAME if present, else the path supplied on the CLI
	DynSym  []Sym
	DynStr  []byte
	NBucket uint32
	Bucket  []uint32
	Chain   []uint32
}

// SymbolName returns the name of the i'th dynamic symbol table entry.
func (s *Shared) SymbolName(i int) string {
	return cstr(s.DynStr, s.DynSym[i].NameOff)
}

// ParseShared parses an ELF32 DYN shared object. fallbackName is used as
// the DT_NEEDED name when the object carries no DT_SONAME.
func ParseShared(path string, buf []byte, fallbackName string) (*Shared, error) {
	if len(buf) < elfconst.EhdrSize {
		return nil, fmt.Errorf("file `%s': truncated ELF header", path)
	}
	if ehdrType(buf) != elfconst.ET_DYN {
		return nil, fmt.Errorf("file `%s': not a shared object", path)
	}
	shdrs := decodeShdrs(buf)

	var dynsymShdr, dynamicShdr, hashShdr *Shdr
	for i := range shdrs {
		switch shdrs[i].Type {
		case elfconst.SHT_DYNSYM:
			dynsymShdr = &shdrs[i]
		case elfconst.SHT_DYNAMIC:
			dynamicShdr = &shdrs[i]
		case elfconst.SHT_HASH:
			hashShdr = &shdrs[i]
		}
	}
	if dynsymShdr == nil || dynamicShdr == nil || hashShdr == nil {
		return nil, fmt.Errorf("file `%s': missing .dynsym, .dynamic, or .hash (only .hash is supported, not .gnu.hash)", path)
	}

	so := &Shared{}
	so.DynStr = buf[shdrs[dynsymShdr.Link].Offset:]
	nsym := int(dynsymShdr.Size) / elfconst.SymSize
	so.DynSym = make([]Sym, nsym)
	for j := 0; j < nsym; j++ {
		so.DynSym[j] = decodeSym(buf, int(dynsymShdr.Offset)+j*elfconst.SymSize)
	}

	hashBuf := buf[hashShdr.Offset:]
	so.NBucket = le32(hashBuf, 0)
	nchain := le32(hashBuf, 4)
	so.Bucket = make([]uint32, so.NBucket)
	for i := 0; i < int(so.NBucket); i++ {
		so.Bucket[i] = le32(hashBuf, 8+i*4)
	}
	so.Chain = make([]uint32, nchain)
	for i := 0; i < int(nchain); i++ {
		so.Chain[i] = le32(hashBuf, 8+int(so.NBucket)*4+i*4)
	}

	dynBuf := buf[dynamicShdr.Offset:]
	dynStr := buf[shdrs[dynamicShdr.Link].Offset:]
	for off := 0; off+elfconst.DynSize <= int(dynamicShdr.Size); off += elfconst.DynSize {
		tag := le32(dynBuf, off)
		val := le32(dynBuf, off+4)
		if tag == elfconst.DT_NULL {
			break
		}
		if tag == elfconst.DT_SONAME {
			so.Name = cstr(dynStr, val)
			break
		}
	}
	if so.Name == "" {
		so.Name = fallbackName
	}
	return so, nil
}

// LookupHash walks the shared object's SysV hash chain for name and
// returns the matching dynamic symbol, or (Sym{}, false) if not found or
// found but itself undefined (spec.md §4.1 lookup_in_shared_object).
func (s *Shared) LookupHash(hash func(string) uint32, name string) (Sym, bool) {
	if s.NBucket == 0 {
		return Sym{}, false
	}
	ci := s.Bucket[hash(name)%s.NBucket]
	for ci != elfconst.STN_UNDEF {
		sn := s.SymbolName(int(ci))
		if sn == name {
			if s.DynSym[ci].Shndx != elfconst.SHN_UNDEF {
				return s.DynSym[ci], true
			}
			return Sym{}, false
		}
		ci = s.Chain[ci]
	}
	return Sym{}, false
}
