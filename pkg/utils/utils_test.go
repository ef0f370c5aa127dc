package utils

import "testing"

func TestAlignTo(t *testing.T) {
	cases := []struct{ val, align, want uint64 }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 4096, 4096},
		{17, 0, 17},
	}
	for _, c := range cases {
		if got := AlignTo(c.val, c.align); got != c.want {
			t.Fatalf("AlignTo(%d, %d) = %d, want %d", c.val, c.align, got, c.want)
		}
	}
}

func TestSignExtend(t *testing.T) {
	if got := SignExtend(0x800, 11); got != 0xffff_ffff_ffff_f800 {
		t.Fatalf("SignExtend(0x800, 11) = %#x", got)
	}
	if got := SignExtend(0x7ff, 11); got != 0x7ff {
		t.Fatalf("SignExtend(0x7ff, 11) = %#x", got)
	}
}

func TestIsInt(t *testing.T) {
	if !IsInt(-(1<<20), 21) || IsInt(1<<20, 21) {
		t.Fatal("IsInt mismatch at the 21-bit boundary")
	}
	if !IsUint(255, 8) || IsUint(256, 8) {
		t.Fatal("IsUint mismatch at the 8-bit boundary")
	}
}

func TestAssertPanics(t *testing.T) {
	defer func() {
		r := recover()
		if _, ok := r.(*AssertionError); !ok {
			t.Fatalf("expected *AssertionError, got %v", r)
		}
	}()
	Assert(false, "boom")
}

func TestReadWrite(t *testing.T) {
	buf := make([]byte, 8)
	Write[uint32](buf[2:], 0xdeadbeef)
	if got := Read[uint32](buf[2:]); got != 0xdeadbeef {
		t.Fatalf("Read = %#x", got)
	}
	if Bits[uint32](0xdeadbeef, 15, 8) != 0xbe {
		t.Fatal("Bits")
	}
}

func TestMapSet(t *testing.T) {
	s := NewMapSet[string]()
	if !s.Insert("a") || s.Insert("a") {
		t.Fatal("Insert should report first insertion only")
	}
	if !s.Contains("a") || s.Contains("b") {
		t.Fatal("Contains")
	}
}
