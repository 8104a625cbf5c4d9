// Package elfconst carries the ELF32/i386 constants luxld needs: the
// handful of e_type/sh_type/sh_flags/p_type/p_flags/DT_*/R_386_* values
// defined by the System V gABI and the i386 processor supplement. Field
// names and numeric values are bit-exact with those specifications; a
// reimplementation that gets one of these wrong produces an unloadable
// executable.
package elfconst

// Sizes of ELF32 on-disk structures, in bytes.
const (
	EhdrSize = 52
	PhdrSize = 32
	ShdrSize = 40
	SymSize  = 16
	RelSize  = 8
	DynSize  = 8
)

// e_ident indices and values.
const (
	EI_MAG0    = 0
	EI_MAG1    = 1
	EI_MAG2    = 2
	EI_MAG3    = 3
	EI_CLASS   = 4
	EI_DATA    = 5
	EI_VERSION = 6
	EI_NIDENT  = 16

	ELFMAG0 = 0x7f
	ELFMAG1 = 'E'
	ELFMAG2 = 'L'
	ELFMAG3 = 'F'

	ELFCLASS32  = 1
	ELFDATA2LSB = 1
	EV_CURRENT  = 1
)

// e_type.
const (
	ET_NONE = 0
	ET_REL  = 1
	ET_EXEC = 2
	ET_DYN  = 3
)

// e_machine.
const EM_386 = 3

// Special section indices.
const (
	SHN_UNDEF     = 0
	SHN_ABS       = 0xfff1
	SHN_COMMON    = 0xfff2
	SHN_LORESERVE = 0xff00
)

// sh_type.
const (
	SHT_NULL     = 0
	SHT_PROGBITS = 1
	SHT_SYMTAB   = 2
	SHT_STRTAB   = 3
	SHT_RELA     = 4
	SHT_HASH     = 5
	SHT_DYNAMIC  = 6
	SHT_NOTE     = 7
	SHT_NOBITS   = 8
	SHT_REL      = 9
	SHT_DYNSYM   = 11
)

// sh_flags.
const (
	SHF_WRITE     = 0x1
	SHF_ALLOC     = 0x2
	SHF_EXECINSTR = 0x4
)

// p_type.
const (
	PT_NULL    = 0
	PT_LOAD    = 1
	PT_DYNAMIC = 2
	PT_INTERP  = 3
)

// p_flags.
const (
	PF_X = 0x1
	PF_W = 0x2
	PF_R = 0x4
)

// st_info binding (high nibble).
const (
	STB_LOCAL  = 0
	STB_GLOBAL = 1
	STB_WEAK   = 2
)

// st_info type (low nibble).
const (
	STT_NOTYPE  = 0
	STT_OBJECT  = 1
	STT_FUNC    = 2
	STT_SECTION = 3
	STT_FILE    = 4
)

// STN_UNDEF is the chain terminator in a SysV hash table.
const STN_UNDEF = 0

// Relocation types (i386).
const (
	R_386_NONE     = 0
	R_386_32       = 1
	R_386_PC32     = 2
	R_386_GOT32    = 3
	R_386_PLT32    = 4
	R_386_COPY     = 5
	R_386_GLOB_DAT = 6
	R_386_JMP_SLOT = 7
	R_386_RELATIVE = 8
	R_386_GOTOFF   = 9
	R_386_GOTPC    = 10
	R_386_8        = 11
	R_386_PC8      = 12
	R_386_16       = 20
	R_386_PC16     = 21
)

// Dynamic section tags.
const (
	DT_NULL     = 0
	DT_NEEDED   = 1
	DT_PLTRELSZ = 2
	DT_PLTGOT   = 3
	DT_HASH     = 4
	DT_STRTAB   = 5
	DT_SYMTAB   = 6
	DT_RELA     = 7
	DT_RELASZ   = 8
	DT_RELAENT  = 9
	DT_STRSZ    = 10
	DT_SYMENT   = 11
	DT_SONAME   = 14
	DT_REL      = 17
	DT_RELSZ    = 18
	DT_RELENT   = 19
	DT_PLTREL   = 20
	DT_JMPREL   = 23
)

// ELF32_ST_BIND and ELF32_ST_TYPE / ELF32_ST_INFO helpers.
func STBind(info byte) byte { return info >> 4 }
func STType(info byte) byte { return info & 0xf }
func STInfo(bind, typ byte) byte { return bind<<4 | (typ & 0xf) }

// ELF32_R_SYM and ELF32_R_TYPE / ELF32_R_INFO helpers.
func RSym(info uint32) uint32          { return info >> 8 }
func RType(info uint32) uint32         { return info & 0xff }
func RInfo(sym, typ uint32) uint32     { return sym<<8 | (typ & 0xff) }

// PageSize is the loader's mmap granularity assumed by the segment layouter.
const PageSize = 0x1000

// BaseAddr is the starting virtual address of the first loadable segment.
const BaseAddr = 0x08048000

// DefaultInterp is the dynamic linker path used unless overridden by -I.
const DefaultInterp = "/lib/ld-linux.so.2"

// DefaultEntry is the entry symbol name used unless overridden by -e.
const DefaultEntry = "_start"
