// Package symtab implements the two keyed symbol collections spec.md §3/§4.5
// describes: a 1009-bucket hash table from name to global Symbol, and an
// insertion-ordered list of local symbols. It also implements the SysV
// elf_hash function and the DT_HASH bucket-count table, both compatibility
// contracts with GNU ld that must be reproduced verbatim (spec.md §9).
//
// The hash table's chained-bucket shape is grounded on the teacher's
// hashmap.go (Vibe67HashMap), generalized from a uint64-keyed numeric map to
// a string-keyed symbol table using the gABI's own hash function instead of
// FNV, per spec.md §4.5/§9.
package symtab

import "github.com/xyproto/luxld/internal/elfconst"

// NBuckets is the fixed size of the global symbol hash table (spec.md §3,
// §5 resource ceiling).
const NBuckets = 1009

// ElfHash is the standard System V hash function used both for the global
// symbol table's internal bucketing and for .hash section chains.
func ElfHash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g = h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// bucketCounts is the GNU ld compatibility table (spec.md §4.3, §9):
// reproduced verbatim, not recomputed.
var bucketCounts = [...]uint32{
	1, 3, 17, 37, 67, 97, 131, 197,
	263, 521, 1031, 2053, 4099, 8209,
	16411, 32771, 65537, 131101, 262147,
}

// NBucket returns the largest entry of bucketCounts not exceeding nsym,
// used to size .hash (spec.md §4.3 table, §9 bucket-count note).
func NBucket(nsym uint32) uint32 {
	best := bucketCounts[0]
	for _, c := range bucketCounts {
		if c > nsym {
			break
		}
		best = c
	}
	return best
}

// Symbol is a resolved linker symbol (spec.md §3 Symbol).
type Symbol struct {
	Name     string
	Value    uint32
	Size     uint32
	Info     byte // ELF32_ST_INFO(bind, type)
	Shndx    uint16
	ShName   string // name of the output section this symbol lives in, for reverse lookup
	InDynsym bool
	Weak     bool // the surviving definition (if any) is itself weak

	// ObjPath/SrcShdrIndex identify which input object and section header
	// the surviving definition came from, so the resolve pass (spec.md
	// §4.5, run after segment layout) can look up that section's final
	// compound-contribution address and recompute Value from it.
	ObjPath      string
	SrcShdrIndex uint16
}

func (s *Symbol) Bind() byte { return elfconst.STBind(s.Info) }
func (s *Symbol) Type() byte { return elfconst.STType(s.Info) }

// Table holds every symbol produced by a link session.
type Table struct {
	buckets [NBuckets][]*Symbol
	order   []*Symbol // insertion order, walked by ResolveWeakUndefs
	Locals  []*Symbol

	NUndef int // count of globals still unresolved
}

// New returns an empty symbol table.
func New() *Table { return &Table{} }

func (t *Table) bucket(name string) int { return int(ElfHash(name) % NBuckets) }

// Lookup returns the global symbol named name, or nil.
func (t *Table) Lookup(name string) *Symbol {
	for _, s := range t.buckets[t.bucket(name)] {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// DefineGlobal installs or updates a global symbol occurrence, exactly
// reproducing the original's define_global_symbol (spec.md §4.1 via
// process_object_file, §3 Symbol invariants, §8 scenario 5):
//
//   - first occurrence of the name: install it; if undefined, bump NUndef.
//   - existing entry still undefined: a later defining occurrence resolves
//     it (NUndef--, never negative); a later non-weak undefined occurrence
//     is silently deduplicated.
//   - existing entry already defined and the new occurrence also defines
//     the same name: a hard "multiple definition" error, UNLESS one of the
//     two occurrences is weak (spec.md §9 weak-symbol resolution: a strong
//     definition always wins over a weak one without error).
//
// Returns a non-nil error only for the multiple-strong-definition case.
// objPath/srcShdrIndex identify the input object and section header this
// occurrence's value came from, retained so the resolve pass can later
// recompute Value from that section's final layout address.
func (t *Table) DefineGlobal(name string, value uint32, info byte, shndx uint16, shname string, objPath string, srcShdrIndex uint16) error {
	weak := elfconst.STBind(info) == elfconst.STB_WEAK
	existing := t.Lookup(name)
	if existing == nil {
		sym := &Symbol{Name: name, Info: info, Shndx: shndx, ShName: shname, Weak: weak, ObjPath: objPath, SrcShdrIndex: srcShdrIndex}
		if shndx != elfconst.SHN_UNDEF {
			sym.Value = value
		} else if !weak {
			// an undefined weak reference does not count against closure
			// (spec.md §9: "undefined weak = 0"); only strong undefined
			// references must be resolved for the link to succeed.
			t.NUndef++
		}
		b := t.bucket(name)
		t.buckets[b] = append(t.buckets[b], sym)
		t.order = append(t.order, sym)
		return nil
	}

	defining := shndx != elfconst.SHN_UNDEF
	if existing.Shndx == elfconst.SHN_UNDEF {
		if defining {
			wasCountedUndef := !existing.Weak
			existing.Value, existing.Info, existing.Shndx, existing.ShName = value, info, shndx, shname
			existing.Weak = weak
			existing.ObjPath, existing.SrcShdrIndex = objPath, srcShdrIndex
			if wasCountedUndef {
				t.NUndef--
				if t.NUndef < 0 {
					panic("symtab: undefined counter went negative")
				}
			}
		}
		return nil
	}

	// existing is already defined.
	if !defining {
		return nil // redundant undefined occurrence: silently deduplicated
	}
	switch {
	case existing.Weak && !weak:
		// strong definition supersedes the earlier weak one.
		existing.Value, existing.Info, existing.Shndx, existing.ShName = value, info, shndx, shname
		existing.Weak = false
		existing.ObjPath, existing.SrcShdrIndex = objPath, srcShdrIndex
		return nil
	case !existing.Weak && weak:
		// existing strong definition wins; new weak definition is ignored.
		return nil
	case existing.Weak && weak:
		// both weak: first one wins, matching "skip" semantics for weak
		// symbols that spec.md §5/§9 calls for beyond the basic case.
		return nil
	default:
		return multipleDefinitionName(name)
	}
}

// multipleDefinitionName exists so symtab doesn't import linkerror (which
// would create an import cycle with higher-level packages that import
// both); link wraps it in a linkerror.Link error.
type MultipleDefinitionError struct{ Name string }

func (e *MultipleDefinitionError) Error() string { return "multiple definition of `" + e.Name + "'" }

func multipleDefinitionName(name string) error { return &MultipleDefinitionError{Name: name} }

// DefineLocal appends a local symbol in insertion order (spec.md §4.5
// define_local_symbol; locals are never deduplicated or resolved).
// objPath/srcShdrIndex identify the section this local's value is an
// offset into, so the resolve pass can recompute its final run-time value
// once that section's compound address is known.
func (t *Table) DefineLocal(name string, value uint32, info byte, shndx uint16, shname string, objPath string, srcShdrIndex uint16) *Symbol {
	sym := &Symbol{Name: name, Value: value, Info: info, Shndx: shndx, ShName: shname, ObjPath: objPath, SrcShdrIndex: srcShdrIndex}
	t.Locals = append(t.Locals, sym)
	return sym
}

// ResolveWeakUndefs assigns value 0 to every global still undefined at the
// end of resolution whose only occurrences were weak references (spec.md
// §9 weak-symbol Open Question: "undefined weak = 0" rather than a link
// error). Called once, after every input has been processed.
func (t *Table) ResolveWeakUndefs() {
	for _, s := range t.order {
		if s.Shndx == elfconst.SHN_UNDEF && s.Weak {
			s.Value = 0
		}
	}
}

// Globals returns every global symbol in hash-bucket order (the order
// spec.md §4.7 requires the writer to emit them in).
func (t *Table) Globals() []*Symbol {
	var out []*Symbol
	for _, b := range t.buckets {
		out = append(out, b...)
	}
	return out
}
