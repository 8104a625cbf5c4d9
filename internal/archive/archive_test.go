package archive

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildArchive assembles a minimal System V archive with a symbol index
// naming two members, each containing whatever arbitrary payload is given;
// MemberData strips the synthetic 60-byte ar_hdr luxld's layout assumes.
func buildArchive(t *testing.T, members map[string][]byte, symOrder []string, symToMember map[string]int) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(Magic)

	memberNames := make([]string, 0, len(members))
	for name := range members {
		memberNames = append(memberNames, name)
	}
	// deterministic order for the test
	order := []string{"a.o", "b.o"}

	// Reserve space: write placeholder symbol-index header, fill offsets
	// after laying out members.
	var nameTab bytes.Buffer
	for _, s := range symOrder {
		nameTab.WriteString(s)
		nameTab.WriteByte(0)
	}

	symIdxHdr := make([]byte, hdrLen)
	copy(symIdxHdr, "/               ") // name "/ ", space padded to 16
	buf.Write(symIdxHdr)

	nsym := uint32(len(symOrder))
	var countAndOffs bytes.Buffer
	binary.Write(&countAndOffs, binary.BigEndian, nsym)
	offsPlaceholder := countAndOffs.Len()
	for range symOrder {
		binary.Write(&countAndOffs, binary.BigEndian, uint32(0))
	}
	countAndOffs.Write(nameTab.Bytes())

	startOfMembers := magicLen + hdrLen + countAndOffs.Len()
	memberOffsets := map[string]uint32{}
	cursor := startOfMembers
	var membersBuf bytes.Buffer
	for _, name := range order {
		data, ok := members[name]
		if !ok {
			continue
		}
		memberOffsets[name] = uint32(cursor)
		mhdr := make([]byte, hdrLen)
		membersBuf.Write(mhdr)
		membersBuf.Write(data)
		cursor += hdrLen + len(data)
	}

	// backfill offsets
	raw := countAndOffs.Bytes()
	for i, sym := range symOrder {
		off := memberOffsets[order[symToMember[sym]]]
		binary.BigEndian.PutUint32(raw[offsPlaceholder+i*4:], off)
	}

	buf.Write(raw)
	buf.Write(membersBuf.Bytes())
	_ = memberNames
	return buf.Bytes()
}

func TestParseSymbolIndex(t *testing.T) {
	buf := buildArchive(t,
		map[string][]byte{"a.o": []byte("AAAA"), "b.o": []byte("BBBB")},
		[]string{"g", "h"},
		map[string]int{"g": 0, "h": 1},
	)
	idx, err := ParseSymbolIndex(buf)
	if err != nil {
		t.Fatal(err)
	}
	if idx == nil {
		t.Fatal("expected a symbol index")
	}
	if len(idx.Names) != 2 || idx.Names[0] != "g" || idx.Names[1] != "h" {
		t.Fatalf("Names = %v", idx.Names)
	}
	if string(MemberData(buf, idx.Offsets[0])[:4]) != "AAAA" {
		t.Fatal("member 'a.o' data mismatch")
	}
	if string(MemberData(buf, idx.Offsets[1])[:4]) != "BBBB" {
		t.Fatal("member 'b.o' data mismatch")
	}
}

func TestParseSymbolIndexMissingIsNotError(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	hdr := make([]byte, hdrLen)
	copy(hdr, "notsymidx.o     ")
	buf.Write(hdr)
	idx, err := ParseSymbolIndex(buf.Bytes())
	if err != nil {
		t.Fatalf("missing symbol index must not be an error, got %v", err)
	}
	if idx != nil {
		t.Fatal("expected nil index when first member isn't '/'")
	}
}

// fakeSession drives Extract against an in-memory undefined-symbol set.
type fakeSession struct {
	undef   map[string]bool
	pulled  []string
	resolve map[string][]string // member name -> symbols it defines
}

func (s *fakeSession) build() Session {
	return Session{
		IsUndefined: func(name string) bool { return s.undef[name] },
		UndefCount: func() int {
			n := 0
			for _, v := range s.undef {
				if v {
					n++
				}
			}
			return n
		},
		ProcessMember: func(data []byte) error {
			// MemberData hands over everything from the member's payload to
			// the end of the archive, so identify the member by its prefix.
			name := string(data)
			for member := range s.resolve {
				if bytes.HasPrefix(data, []byte(member)) {
					name = member
				}
			}
			s.pulled = append(s.pulled, name)
			for _, defined := range s.resolve[name] {
				s.undef[defined] = false
			}
			return nil
		},
	}
}

func TestExtractFixedPoint(t *testing.T) {
	// "g" and "h" both start undefined; member "a.o" defines "g" and member
	// "b.o" defines "h". Extract must pull in each member exactly once and
	// stop once nothing remains undefined.
	buf := buildArchive(t,
		map[string][]byte{"a.o": []byte("a.o"), "b.o": []byte("b.o")},
		[]string{"g", "h"},
		map[string]int{"g": 0, "h": 1},
	)
	idx, err := ParseSymbolIndex(buf)
	if err != nil {
		t.Fatal(err)
	}

	fs := &fakeSession{
		undef:   map[string]bool{"g": true, "h": true},
		resolve: map[string][]string{"a.o": {"g"}, "b.o": {"h"}},
	}
	if err := Extract(buf, idx, fs.build()); err != nil {
		t.Fatal(err)
	}
	if fs.undef["g"] || fs.undef["h"] {
		t.Fatal("both symbols should be resolved")
	}
	if len(fs.pulled) != 2 {
		t.Fatalf("expected exactly 2 members pulled, got %v", fs.pulled)
	}
}

func TestExtractIdempotent(t *testing.T) {
	buf := buildArchive(t,
		map[string][]byte{"a.o": []byte("a.o"), "b.o": []byte("b.o")},
		[]string{"g", "h"},
		map[string]int{"g": 0, "h": 1},
	)
	idx, _ := ParseSymbolIndex(buf)
	fs := &fakeSession{
		undef:   map[string]bool{"g": true, "h": true},
		resolve: map[string][]string{"a.o": {"g"}, "b.o": {"h"}},
	}
	sess := fs.build()
	if err := Extract(buf, idx, sess); err != nil {
		t.Fatal(err)
	}
	unchanged, err := Idempotent(buf, idx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if !unchanged {
		t.Fatal("re-running extraction on a resolved archive must be a no-op")
	}
}

func TestExtractNoSymbolIndexIsNoop(t *testing.T) {
	fs := &fakeSession{undef: map[string]bool{"g": true}}
	if err := Extract(nil, nil, fs.build()); err != nil {
		t.Fatal(err)
	}
	if len(fs.pulled) != 0 {
		t.Fatal("archive without a symbol index must not pull in any member")
	}
}
