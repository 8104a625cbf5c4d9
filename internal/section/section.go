// Package section implements compound-section merging (spec.md §3, §4.2):
// one CompoundSection per distinct output section name, each the
// concatenation of every input object's SimpleSection contribution of that
// name, 4-aligned, with flags unioned and alignment maxed.
package section

import "github.com/xyproto/luxld/internal/elfconst"

// FirstAllocatableIndex is the first output section-header-table index
// available to a compound section; indices 0..3 are reserved for the null
// entry, .shstrtab, .symtab, .strtab (spec.md §4.4, §9 shndx-seeding Open
// Question: made an explicit named constant rather than an implicit
// counter seeded to 4 by numeric coincidence).
const FirstAllocatableIndex = 4

func roundUp4(n uint32) uint32 { return (n + 3) &^ 3 }

// RoundUp4 rounds n up to the next multiple of 4 (exported for callers in
// segment/writer that need the same rounding rule on computed sizes).
func RoundUp4(n uint32) uint32 { return roundUp4(n) }

// Contribution is one input object's (or the linker's own synthesized)
// piece of an output section (spec.md §3 SimpleSection).
type Contribution struct {
	ObjPath string // empty for linker-generated contributions
	Data    []byte // nil for SHT_NOBITS
	Size    uint32 // contribution size before 4-rounding
	Addr    uint32 // assigned during layout

	// Source, present only for contributions coming from a real input
	// object's section header, lets the relocation engine and symbol
	// resolver map a symbol's st_shndx back to this contribution's final
	// address.
	SrcShdrIndex uint16
}

// Header mirrors the fields of an ELF32 section header that merging and
// layout compute; dynlink sets EntSize for the synthetic sections that
// have one. Link and Info are not set by any pass.
type Header struct {
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

// Compound is one output section: the merge of every same-named
// contribution (spec.md §3 CompoundSection).
type Compound struct {
	Name          string
	Header        Header
	OutputShndx   uint16 // assigned during layout; 0 until then
	Contributions []*Contribution

	// Synthetic is true for linker-generated sections (.plt, .got.plt,
	// .rel.plt, .rel.dyn, .dynstr, .dynsym, .hash, .dynamic, .interp, .bss).
	Synthetic bool
}

// Table is the set of all compound sections produced by merging, keyed by
// name for O(1) lookup and ordered by first-seen for deterministic output.
type Table struct {
	byName map[string]*Compound
	order  []*Compound

	// NReloc is the running count of SHT_REL entries across every
	// non-synthetic relocation section, used to size the dynamic-link
	// sections (spec.md §4.2, §4.3).
	NReloc uint32
}

func New() *Table { return &Table{byName: make(map[string]*Compound)} }

// Get returns the compound section named name, or nil.
func (t *Table) Get(name string) *Compound { return t.byName[name] }

// Ordered returns every compound section in first-seen order.
func (t *Table) Ordered() []*Compound { return t.order }

// Add merges one input object's contribution of a section named name into
// the matching (or newly created) compound section (spec.md §4.2
// add_section).
func (t *Table) Add(name string, hdr Header, data []byte, objPath string, srcShdrIndex uint16) *Compound {
	c, ok := t.byName[name]
	if !ok {
		c = &Compound{
			Name: name,
			Header: Header{
				Type:      hdr.Type,
				Flags:     hdr.Flags,
				AddrAlign: hdr.AddrAlign,
				Size:      roundUp4(hdr.Size),
			},
		}
		t.byName[name] = c
		t.order = append(t.order, c)
	} else {
		c.Header.Flags |= hdr.Flags
		c.Header.Size += roundUp4(hdr.Size)
		if hdr.AddrAlign > c.Header.AddrAlign {
			c.Header.AddrAlign = hdr.AddrAlign
		}
	}
	c.Contributions = append(c.Contributions, &Contribution{
		ObjPath:      objPath,
		Data:         data,
		Size:         hdr.Size,
		SrcShdrIndex: srcShdrIndex,
	})
	if hdr.Type == elfconst.SHT_REL {
		t.NReloc += hdr.Size / elfconst.RelSize
	}
	return c
}

// AddSynthetic installs a single-contribution, linker-generated compound
// section (spec.md §4.3: every dynamic-link section has exactly one
// synthetic SimpleSection whose buffer is arena-owned).
func (t *Table) AddSynthetic(name string, hdr Header, data []byte) *Compound {
	c := &Compound{Name: name, Header: hdr, Synthetic: true}
	c.Contributions = append(c.Contributions, &Contribution{Data: data, Size: hdr.Size})
	t.byName[name] = c
	t.order = append(t.order, c)
	return c
}
