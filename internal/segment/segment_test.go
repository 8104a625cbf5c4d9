package segment

import (
	"testing"

	"github.com/xyproto/luxld/internal/elfconst"
	"github.com/xyproto/luxld/internal/section"
)

func TestBuildNoAllocatableInputFails(t *testing.T) {
	tbl := section.New()
	tbl.Add(".comment", section.Header{Type: elfconst.SHT_PROGBITS, Size: 4}, []byte("xxxx"), "a.o", 1)
	if _, err := Build(tbl, 2); err == nil {
		t.Fatal("expected an error when nothing is allocatable")
	}
}

func TestBuildROThenRW(t *testing.T) {
	tbl := section.New()
	tbl.Add(".text", section.Header{Type: elfconst.SHT_PROGBITS, Flags: elfconst.SHF_ALLOC | elfconst.SHF_EXECINSTR, Size: 16, AddrAlign: 4}, make([]byte, 16), "a.o", 1)
	tbl.Add(".data", section.Header{Type: elfconst.SHT_PROGBITS, Flags: elfconst.SHF_ALLOC | elfconst.SHF_WRITE, Size: 8, AddrAlign: 4}, make([]byte, 8), "a.o", 2)
	tbl.Add(".bss", section.Header{Type: elfconst.SHT_NOBITS, Flags: elfconst.SHF_ALLOC | elfconst.SHF_WRITE, Size: 4, AddrAlign: 4}, nil, "a.o", 3)

	layout, err := Build(tbl, 2)
	if err != nil {
		t.Fatal(err)
	}
	if layout.RO == nil || layout.RW == nil {
		t.Fatal("expected both an RO and RW segment")
	}
	if want := uint32(elfconst.BaseAddr) + HeaderSpace(2); layout.RO.VAddr != want {
		t.Fatalf("RO.VAddr = %#x, want %#x", layout.RO.VAddr, want)
	}
	wantOffset := HeaderSpace(2)
	if layout.RO.Offset != wantOffset {
		t.Fatalf("RO.Offset = %#x, want %#x", layout.RO.Offset, wantOffset)
	}

	textSec := tbl.Get(".text")
	if textSec.Header.Addr != layout.RO.VAddr {
		t.Fatalf(".text addr = %#x, want %#x", textSec.Header.Addr, layout.RO.VAddr)
	}
	if textSec.OutputShndx != section.FirstAllocatableIndex {
		t.Fatalf(".text shndx = %d, want %d", textSec.OutputShndx, section.FirstAllocatableIndex)
	}

	// file-offset-mod-page must equal vaddr-mod-page for the RW segment.
	if layout.RW.VAddr%elfconst.PageSize != layout.RW.Offset%elfconst.PageSize {
		t.Fatalf("RW segment violates the mmap alignment invariant: vaddr=%#x offset=%#x", layout.RW.VAddr, layout.RW.Offset)
	}

	dataSec := tbl.Get(".data")
	bssSec := tbl.Get(".bss")
	if dataSec.Header.Offset != layout.RW.Offset {
		t.Fatalf(".data offset = %#x, want %#x", dataSec.Header.Offset, layout.RW.Offset)
	}
	// .bss must not extend p_filesz but must extend p_memsz.
	if layout.RW.FileSize != dataSec.Header.Size {
		t.Fatalf("RW.FileSize = %d, want %d (bss must not count)", layout.RW.FileSize, dataSec.Header.Size)
	}
	if layout.RW.MemSize != dataSec.Header.Size+bssSec.Header.Size {
		t.Fatalf("RW.MemSize = %d, want %d", layout.RW.MemSize, dataSec.Header.Size+bssSec.Header.Size)
	}
	if bssSec.Header.Offset != layout.RW.Offset+layout.RW.FileSize {
		t.Fatal(".bss's Offset should be the RW segment's file end, used only cosmetically since it carries no bytes")
	}
}

func TestBuildContributionAddressesAdvance(t *testing.T) {
	tbl := section.New()
	tbl.Add(".text", section.Header{Type: elfconst.SHT_PROGBITS, Flags: elfconst.SHF_ALLOC, Size: 10}, make([]byte, 10), "a.o", 1)
	tbl.Add(".text", section.Header{Type: elfconst.SHT_PROGBITS, Flags: elfconst.SHF_ALLOC, Size: 6}, make([]byte, 6), "b.o", 1)

	layout, err := Build(tbl, 1)
	if err != nil {
		t.Fatal(err)
	}
	c := tbl.Get(".text")
	if len(c.Contributions) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(c.Contributions))
	}
	first, second := c.Contributions[0], c.Contributions[1]
	if first.Addr != layout.RO.VAddr {
		t.Fatalf("first contribution addr = %#x, want %#x", first.Addr, layout.RO.VAddr)
	}
	wantSecond := first.Addr + section.RoundUp4(first.Size)
	if second.Addr != wantSecond {
		t.Fatalf("second contribution addr = %#x, want %#x", second.Addr, wantSecond)
	}
}
