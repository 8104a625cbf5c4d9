package elfconst

import "testing"

func TestSTInfoRoundTrip(t *testing.T) {
	cases := []struct {
		bind, typ byte
	}{
		{STB_LOCAL, STT_NOTYPE},
		{STB_GLOBAL, STT_FUNC},
		{STB_WEAK, STT_OBJECT},
	}
	for _, c := range cases {
		info := STInfo(c.bind, c.typ)
		if got := STBind(info); got != c.bind {
			t.Errorf("STBind(STInfo(%d,%d)) = %d, want %d", c.bind, c.typ, got, c.bind)
		}
		if got := STType(info); got != c.typ {
			t.Errorf("STType(STInfo(%d,%d)) = %d, want %d", c.bind, c.typ, got, c.typ)
		}
	}
}

func TestRInfoRoundTrip(t *testing.T) {
	cases := []struct {
		sym  uint32
		typ  uint32
	}{
		{0, R_386_NONE},
		{1, R_386_32},
		{0xabcd, R_386_PLT32},
	}
	for _, c := range cases {
		info := RInfo(c.sym, c.typ)
		if got := RSym(info); got != c.sym {
			t.Errorf("RSym(RInfo(%d,%d)) = %d, want %d", c.sym, c.typ, got, c.sym)
		}
		if got := RType(info); got != c.typ {
			t.Errorf("RType(RInfo(%d,%d)) = %d, want %d", c.sym, c.typ, got, c.typ)
		}
	}
}

func TestStructSizesMatchGABI(t *testing.T) {
	if EhdrSize != 52 {
		t.Errorf("EhdrSize = %d, want 52", EhdrSize)
	}
	if PhdrSize != 32 {
		t.Errorf("PhdrSize = %d, want 32", PhdrSize)
	}
	if ShdrSize != 40 {
		t.Errorf("ShdrSize = %d, want 40", ShdrSize)
	}
	if SymSize != 16 {
		t.Errorf("SymSize = %d, want 16", SymSize)
	}
	if RelSize != 8 {
		t.Errorf("RelSize = %d, want 8", RelSize)
	}
	if DynSize != 8 {
		t.Errorf("DynSize = %d, want 8", DynSize)
	}
}

func TestMagicBytes(t *testing.T) {
	if ELFMAG0 != 0x7f || ELFMAG1 != 'E' || ELFMAG2 != 'L' || ELFMAG3 != 'F' {
		t.Fatal("ELF magic constants do not spell \\x7fELF")
	}
}
