package linker

import (
	"debug/elf"
	"testing"
)

func TestBinarySymbolPrefix(t *testing.T) {
	if got := BinarySymbolPrefix("assets/logo-1.png"); got != "_binary_assets_logo_1_png" {
		t.Fatalf("prefix = %q", got)
	}
}

func TestLinkBinaryInput(t *testing.T) {
	a := newTestObject(elf.EM_X86_64)
	a.text([]byte{0xc3})
	a.section(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, make([]byte, 8), 8,
		testRela{off: 0, typ: uint32(elf.R_X86_64_64), sym: "_binary_hello_txt_start"})
	a.function("_start", ".text", 0, 1)
	a.undef("_binary_hello_txt_start")

	blob := &Input{Name: "hello.txt", Kind: InputBinary, Contents: []byte("hello")}

	ctx := testContext(CodeGenExec)
	if !linkTest(ctx, a.input("a.o"), blob) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}

	start := findSym(ctx, "_binary_hello_txt_start").GetAddr()
	end := findSym(ctx, "_binary_hello_txt_end").GetAddr()
	size := findSym(ctx, "_binary_hello_txt_size").GetAddr()
	if end-start != 5 || size != 5 {
		t.Fatalf("start %#x end %#x size %d", start, end, size)
	}

	data := FindOutputSection(ctx, ".data")
	off := data.Offset + (start - data.Addr)
	if got := string(ctx.Image[off : off+5]); got != "hello" {
		t.Fatalf("blob contents %q", got)
	}
}
