// Package strtab implements the append-only byte stream backing every ELF
// string table luxld emits or reads: .strtab, .shstrtab, .dynstr. The first
// byte is always the empty string at offset 0, matching the gABI
// requirement that STN_UNDEF-like "no name" references resolve to offset 0.
package strtab

import "bytes"

// Table is an append-only string table. Identical strings are not
// deduplicated (spec.md §3: correctness does not depend on it, only final
// file size), but callers that want smaller output can still record and
// reuse the offset returned by Append.
type Table struct {
	buf bytes.Buffer
}

// New returns a Table already containing the mandatory leading NUL.
func New() *Table {
	t := &Table{}
	t.buf.WriteByte(0)
	return t
}

// Append writes s plus a terminating NUL and returns the byte offset at
// which s starts.
func (t *Table) Append(s string) uint32 {
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	return off
}

// Size returns the current length of the table in bytes.
func (t *Table) Size() int { return t.buf.Len() }

// Bytes returns the table's contents. The returned slice aliases the
// table's internal buffer and must not be retained across further Append
// calls.
func (t *Table) Bytes() []byte { return t.buf.Bytes() }

// StringAt returns the NUL-terminated string starting at byte offset off
// within buf, where buf is the raw bytes of a (possibly foreign, e.g. read
// from an input object) string table.
func StringAt(buf []byte, off uint32) string {
	if int(off) >= len(buf) {
		return ""
	}
	end := int(off)
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}
