// Package archive parses System V (".a") archive symbol indexes and
// implements the fixed-point member-extraction loop spec.md §4.1 describes:
// repeatedly scan the symbol index, pulling in member objects that resolve
// a still-undefined global, until a full pass adds nothing new.
//
// Grounded on the original luxld.c's process_archive and on the general
// linker-extraction-loop shape in the pack's gmofishsauce-wut4 linker.go
// reference file (symbol-driven member pull-in), adapted to Go's slice/
// closure idioms instead of C's raw pointer walking.
package archive

import (
	"encoding/binary"
	"fmt"
)

const (
	magicLen = 8 // "!<arch>\n"
	hdrLen   = 60
)

// Magic is the leading bytes that identify a System V archive.
const Magic = "!<arch>\n"

// SymbolIndex is the parsed first member of an archive named "/ "
// (spec.md §4.1): a list of (symbol name, member offset) pairs produced by
// ar/ranlib.
type SymbolIndex struct {
	Names   []string
	Offsets []uint32
}

// ParseSymbolIndex reads the archive symbol index from buf, which must
// start with the 8-byte archive magic. It returns (nil, nil) — not an
// error — if the archive has no symbol index, matching the original's
// "archive without a symbol index is silently skipped" behavior
// (spec.md §7).
func ParseSymbolIndex(buf []byte) (*SymbolIndex, error) {
	if len(buf) < magicLen || string(buf[:magicLen]) != Magic {
		return nil, fmt.Errorf("not a System V archive")
	}
	if len(buf) < magicLen+hdrLen {
		return nil, nil
	}
	hdr := buf[magicLen : magicLen+hdrLen]
	// ar_hdr.ar_name is the first 16 bytes; the symbol-index member is
	// named "/ " (a single slash followed by a space, space-padded).
	if hdr[0] != '/' || hdr[1] != ' ' {
		return nil, nil
	}
	cp := magicLen + hdrLen
	if cp+4 > len(buf) {
		return nil, fmt.Errorf("truncated archive symbol index")
	}
	nsym := int(binary.BigEndian.Uint32(buf[cp:]))
	cp += 4
	if cp+4*nsym > len(buf) {
		return nil, fmt.Errorf("truncated archive symbol index")
	}
	offs := make([]uint32, nsym)
	for i := 0; i < nsym; i++ {
		offs[i] = binary.BigEndian.Uint32(buf[cp:])
		cp += 4
	}
	names := make([]string, nsym)
	for i := 0; i < nsym; i++ {
		end := cp
		for end < len(buf) && buf[end] != 0 {
			end++
		}
		names[i] = string(buf[cp:end])
		cp = end + 1
	}
	return &SymbolIndex{Names: names, Offsets: offs}, nil
}

// MemberData returns the archive bytes from the member at file offset off
// (an offset from SymbolIndex.Offsets) to the end of buf, skipping that
// member's own 60-byte ar_hdr; the member's ar_size is not consulted.
func MemberData(buf []byte, off uint32) []byte {
	start := int(off) + hdrLen
	if start > len(buf) {
		return nil
	}
	return buf[start:]
}

// Session is the small set of callbacks Extract needs from the link
// session, kept as an interface (rather than importing symtab/object
// directly) so archive has no dependency on the rest of the pipeline.
type Session struct {
	// IsUndefined reports whether name is currently an unresolved global
	// reference in the session's symbol table.
	IsUndefined func(name string) bool
	// UndefCount returns the current count of unresolved global symbols.
	UndefCount func() int
	// ProcessMember is invoked with the raw bytes of one archive member
	// that defines a needed symbol; it must parse the member as a
	// relocatable object and install its symbols, exactly as a standalone
	// input file would be.
	ProcessMember func(memberData []byte) error
}

// Extract runs the fixed-point archive resolution loop (spec.md §4.1):
//
//  1. added := false
//  2. walk the symbol index; for each name whose global entry is
//     undefined, pull in the member at the corresponding offset and set
//     added = true; stop early if UndefCount reaches 0.
//  3. if any member was pulled in this pass and undefineds remain, restart
//     from the top of the symbol index (a newly added member may itself
//     need a symbol defined by a later member).
//
// archives with no symbol index (idx == nil) or no outstanding undefined
// references are no-ops.
func Extract(buf []byte, idx *SymbolIndex, sess Session) error {
	if idx == nil || sess.UndefCount() == 0 {
		return nil
	}
	for {
		added := false
		for i, name := range idx.Names {
			if !sess.IsUndefined(name) {
				continue
			}
			member := MemberData(buf, idx.Offsets[i])
			if err := sess.ProcessMember(member); err != nil {
				return err
			}
			added = true
			if sess.UndefCount() == 0 {
				return nil
			}
		}
		if !added || sess.UndefCount() == 0 {
			return nil
		}
		// Some member(s) were added this pass and undefineds remain:
		// restart the scan in case a later member in the index resolves
		// a symbol that an earlier-pulled member introduced.
	}
}

// Idempotent re-runs Extract once more and reports whether UndefCount was
// left unchanged — exercising the "idempotence of archive pass" testable
// property from spec.md §8: a second pass over an already-resolved archive
// must add nothing.
func Idempotent(buf []byte, idx *SymbolIndex, sess Session) (bool, error) {
	before := sess.UndefCount()
	if err := Extract(buf, idx, sess); err != nil {
		return false, err
	}
	return sess.UndefCount() == before, nil
}
