package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/opentracing/opentracing-go/mocktracer"
)

// helloObjects is a two-file program: main.o calls foo and loads the
// address of data_var; lib.o defines both.
func helloObjects() (*testObject, *testObject) {
	main := newTestObject(elf.EM_X86_64)
	main.text([]byte{
		0xe8, 0, 0, 0, 0, // call foo
		0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, // movabs $data_var, %rax
		0x90,
	},
		testRela{off: 1, typ: uint32(elf.R_X86_64_PLT32), sym: "foo", addend: -4},
		testRela{off: 7, typ: uint32(elf.R_X86_64_64), sym: "data_var"})
	main.function("_start", ".text", 0, 16)
	main.undef("foo")
	main.undef("data_var")

	lib := newTestObject(elf.EM_X86_64)
	lib.text([]byte{0xc3})
	lib.section(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 8)
	lib.function("foo", ".text", 0, 1)
	lib.global(testSym{name: "data_var", typ: elf.STT_OBJECT, section: ".data", size: 8})
	return main, lib
}

func TestLinkExecutable(t *testing.T) {
	main, lib := helloObjects()
	ctx := testContext(CodeGenExec)
	ctx.Config.Output = filepath.Join(t.TempDir(), "a.out")

	if !linkTest(ctx, main.input("main.o"), lib.input("lib.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}

	f, err := elf.Open(ctx.Config.Output)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	start := findSym(ctx, "_start").GetAddr()
	if f.Type != elf.ET_EXEC || f.Machine != elf.EM_X86_64 || f.Entry != start {
		t.Fatalf("header: type %v machine %v entry %#x, want entry %#x", f.Type, f.Machine, f.Entry, start)
	}
	if start < 0x400000 {
		t.Fatalf("_start at %#x is below the image base", start)
	}

	var text, stack bool
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Flags&elf.PF_X != 0 && p.Vaddr <= start && start < p.Vaddr+p.Memsz {
				text = true
			}
			if p.Vaddr%4096 != p.Off%4096 {
				t.Fatalf("segment at %#x is not congruent with offset %#x", p.Vaddr, p.Off)
			}
		case elf.PT_GNU_STACK:
			stack = true
			if p.Flags&elf.PF_X != 0 {
				t.Fatal("stack should not be executable")
			}
		}
	}
	if !text || !stack {
		t.Fatalf("missing segments: text %v stack %v", text, stack)
	}

	sec := f.Section(".text")
	if sec == nil {
		t.Fatal("no .text")
	}
	code, err := sec.Data()
	if err != nil {
		t.Fatal(err)
	}
	off := start - sec.Addr
	call := int32(binary.LittleEndian.Uint32(code[off+1:]))
	if want := int64(findSym(ctx, "foo").GetAddr()) - int64(start+5); int64(call) != want {
		t.Fatalf("call displacement %d, want %d", call, want)
	}
	if got, want := binary.LittleEndian.Uint64(code[off+7:]), findSym(ctx, "data_var").GetAddr(); got != want {
		t.Fatalf("movabs immediate %#x, want %#x", got, want)
	}

	syms, err := f.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range syms {
		if s.Name == "data_var" {
			found = s.Value == findSym(ctx, "data_var").GetAddr()
		}
	}
	if !found {
		t.Fatal("data_var missing from .symtab")
	}
}

func TestLinkPhases(t *testing.T) {
	main, lib := helloObjects()
	tracer := mocktracer.New()
	ctx := testContext(CodeGenExec)
	ctx.Tracer = tracer

	if !linkTest(ctx, main.input("main.o"), lib.input("lib.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}

	want := []string{
		"create-inputs", "select-target", "read-headers", "read-symbols", "resolve",
		"read-sections", "scan-relocations", "layout", "apply-relocations", "write", "link",
	}
	spans := tracer.FinishedSpans()
	if len(spans) != len(want) {
		t.Fatalf("%d spans, want %d", len(spans), len(want))
	}
	root := spans[len(spans)-1]
	for i, span := range spans {
		if span.OperationName != want[i] {
			t.Fatalf("span %d is %q, want %q", i, span.OperationName, want[i])
		}
		if i < len(spans)-1 && span.ParentID != root.SpanContext.SpanID {
			t.Fatalf("span %q is not a child of link", span.OperationName)
		}
	}
}

func TestLinkFatalStopsPhases(t *testing.T) {
	tracer := mocktracer.New()
	ctx := testContext(CodeGenExec)
	ctx.Tracer = tracer

	if linkTest(ctx) {
		t.Fatal("linking nothing should fail")
	}
	if ctx.Diag.Count(DiagNoInputs) != 1 {
		t.Fatalf("diagnostics: %v", diagIDs(ctx))
	}

	spans := tracer.FinishedSpans()
	if len(spans) != 2 || spans[0].OperationName != "create-inputs" || spans[1].OperationName != "link" {
		t.Fatalf("unexpected spans after a fatal diagnostic: %d", len(spans))
	}
	if spans[1].Tag("error") != true {
		t.Fatal("link span should carry the error tag")
	}
}

func TestLinkMachineMismatch(t *testing.T) {
	a := newTestObject(elf.EM_X86_64)
	a.text([]byte{0xc3})
	b := newTestObject(elf.EM_RISCV)
	b.text([]byte{0x67, 0x80, 0x00, 0x00})

	ctx := testContext(CodeGenExec)
	if linkTest(ctx, a.input("a.o"), b.input("b.o")) {
		t.Fatal("link should fail")
	}
	if ctx.Diag.Count(DiagMachineMismatch) != 1 {
		t.Fatalf("diagnostics: %v", diagIDs(ctx))
	}
}

func TestLinkRelocOverflow(t *testing.T) {
	a := newTestObject(elf.EM_X86_64)
	a.text(make([]byte, 4), testRela{off: 0, typ: uint32(elf.R_X86_64_32), sym: "big"})
	a.global(testSym{name: "big", section: "*ABS*", value: 0x1_0000_0000})

	ctx := testContext(CodeGenExec)
	if linkTest(ctx, a.input("a.o")) {
		t.Fatal("link should fail")
	}
	if ctx.Diag.Count(DiagRelocOverflow) != 1 {
		t.Fatalf("diagnostics:\n%s", ctx.Diag.String())
	}
	if ctx.Image != nil {
		t.Fatal("an image was produced despite the overflow")
	}
}

func TestLinkExecStackNote(t *testing.T) {
	a := newTestObject(elf.EM_X86_64)
	a.text([]byte{0xc3})
	a.function("_start", ".text", 0, 1)
	a.noStackNote = true

	ctx := testContext(CodeGenExec)
	if !linkTest(ctx, a.input("a.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}
	if !ctx.ExecStack || ctx.Diag.Count(DiagExecStack) != 1 {
		t.Fatalf("exec stack %v, diagnostics %v", ctx.ExecStack, diagIDs(ctx))
	}

	ctx = testContext(CodeGenExec)
	if err := ctx.Config.ParseZOption("noexecstack"); err != nil {
		t.Fatal(err)
	}
	if !linkTest(ctx, a.input("a.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}
	if ctx.ExecStack || ctx.Diag.Count(DiagExecStack) != 0 {
		t.Fatalf("-z noexecstack ignored: %v %v", ctx.ExecStack, diagIDs(ctx))
	}
}

func TestLinkSyntheticSymbols(t *testing.T) {
	a := newTestObject(elf.EM_X86_64)
	a.text([]byte{0xc3})
	a.section(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, make([]byte, 16), 8,
		testRela{off: 0, typ: uint32(elf.R_X86_64_64), sym: "_end"},
		testRela{off: 8, typ: uint32(elf.R_X86_64_64), sym: "_etext"})
	a.section(".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, nil, 8).size = 32
	a.function("_start", ".text", 0, 1)
	a.undef("_end")
	a.undef("_etext")

	ctx := testContext(CodeGenExec)
	if !linkTest(ctx, a.input("a.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}

	bss := FindOutputSection(ctx, ".bss")
	text := FindOutputSection(ctx, ".text")
	if got := findSym(ctx, "_end").GetAddr(); got != bss.Addr+bss.Size {
		t.Fatalf("_end = %#x, want %#x", got, bss.Addr+bss.Size)
	}
	if got := findSym(ctx, "_etext").GetAddr(); got != text.Addr+text.Size {
		t.Fatalf("_etext = %#x", got)
	}
	if findSym(ctx, "_edata") != nil {
		t.Fatal("_edata is not referenced and should not exist")
	}
	if findSym(ctx, "_end").Visibility != uint8(elf.STV_HIDDEN) {
		t.Fatal("linker-provided symbols are hidden")
	}
}

func TestLinkDeterministic(t *testing.T) {
	var images [][]byte
	for i := 0; i < 2; i++ {
		main, lib := helloObjects()
		ctx := testContext(CodeGenExec)
		if !linkTest(ctx, main.input("main.o"), lib.input("lib.o")) {
			t.Fatalf("link failed:\n%s", ctx.Diag.String())
		}
		images = append(images, ctx.Image)
	}
	if len(images[0]) == 0 || !bytes.Equal(images[0], images[1]) {
		t.Fatal("two links of the same inputs produced different images")
	}
}

// ehFrameObject has one function at .text+0 described by a CIE with
// augmentation "zR" (pcrel|sdata4) and a single FDE.
func ehFrameObject() *testObject {
	cie := []byte{
		16, 0, 0, 0, // length
		0, 0, 0, 0, // CIE id
		1,           // version
		'z', 'R', 0, // augmentation
		1,    // code alignment
		0x78, // data alignment -8
		16,   // return address register
		1,    // augmentation data length
		0x1b, // FDE pointer encoding
		0, 0, 0,
	}
	fde := []byte{
		16, 0, 0, 0, // length
		24, 0, 0, 0, // CIE pointer
		0, 0, 0, 0, // pc_begin
		1, 0, 0, 0, // pc_range
		0, // augmentation data length
		0, 0, 0,
	}
	data := append(append(cie, fde...), 0, 0, 0, 0)

	o := newTestObject(elf.EM_X86_64)
	o.text([]byte{0xc3})
	o.section(".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, data, 8,
		testRela{off: 28, typ: uint32(elf.R_X86_64_PC32), sym: "_start"})
	o.function("_start", ".text", 0, 1)
	return o
}

func TestLinkEhFrameHdr(t *testing.T) {
	ctx := testContext(CodeGenExec)
	ctx.Config.EhFrameHdr = true
	if !linkTest(ctx, ehFrameObject().input("a.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}

	f, err := elf.NewFile(bytes.NewReader(ctx.Image))
	if err != nil {
		t.Fatal(err)
	}
	hdr, eh := f.Section(".eh_frame_hdr"), f.Section(".eh_frame")
	if hdr == nil || eh == nil {
		t.Fatal("missing .eh_frame_hdr or .eh_frame")
	}
	var seg *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_GNU_EH_FRAME {
			seg = p
		}
	}
	if seg == nil || seg.Vaddr != hdr.Addr || seg.Filesz != hdr.Size || seg.Off != hdr.Offset {
		t.Fatalf("PT_GNU_EH_FRAME = %+v, .eh_frame_hdr at %#x", seg, hdr.Addr)
	}

	data, err := hdr.Data()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 20 || data[0] != 1 || data[1] != 0x1b || data[2] != 0x03 || data[3] != 0x3b {
		t.Fatalf("header = % x", data)
	}
	rel := func(off int) uint64 {
		return hdr.Addr + uint64(int64(int32(binary.LittleEndian.Uint32(data[off:]))))
	}
	if got := rel(4) + 4; got != eh.Addr {
		t.Fatalf("eh_frame_ptr = %#x, want %#x", got, eh.Addr)
	}
	if n := binary.LittleEndian.Uint32(data[8:]); n != 1 {
		t.Fatalf("fde_count = %d", n)
	}
	if pc := rel(12); pc != findSym(ctx, "_start").GetAddr() {
		t.Fatalf("table pc = %#x, want _start", pc)
	}
	if fde := rel(16); fde != eh.Addr+20 {
		t.Fatalf("table fde = %#x, want %#x", fde, eh.Addr+20)
	}
}

func TestLinkNoEhFrameHdr(t *testing.T) {
	ctx := testContext(CodeGenExec)
	if !linkTest(ctx, ehFrameObject().input("a.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}
	if ctx.EhFrameHdr != nil || FindOutputSection(ctx, ".eh_frame_hdr") != nil {
		t.Fatal(".eh_frame_hdr built without --eh-frame-hdr")
	}
}
