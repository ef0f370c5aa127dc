package linker

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/ksco/elfld/pkg/utils"
)

func TestLinkAgainstSharedObject(t *testing.T) {
	dso := newTestDSO(elf.EM_X86_64,
		testSym{name: "dvar", typ: elf.STT_OBJECT, value: 8, size: 8},
		testSym{name: "dfunc", typ: elf.STT_FUNC, value: 16, size: 4})

	a := newTestObject(elf.EM_X86_64)
	a.text([]byte{
		0x8b, 0x05, 0, 0, 0, 0, // mov dvar(%rip), %eax
		0xe8, 0, 0, 0, 0, // call dfunc
	},
		testRela{off: 2, typ: uint32(elf.R_X86_64_PC32), sym: "dvar", addend: -4},
		testRela{off: 7, typ: uint32(elf.R_X86_64_PLT32), sym: "dfunc", addend: -4})
	a.function("_start", ".text", 0, 11)
	a.undef("dvar")
	a.undef("dfunc")

	ctx := testContext(CodeGenExec)
	if !linkTest(ctx, a.input("a.o"), dso.input("/usr/lib/libd.so")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}

	dvar := findSym(ctx, "dvar")
	if !dvar.CopyRel || dvar.OutputSectionOf().Name != ".bss" || dvar.GetAddr()%8 != 0 {
		t.Fatal("dvar should be copied into an 8-aligned .bss slot")
	}
	if ctx.RelaDyn == nil || len(ctx.RelaDyn.Relocs) != 1 ||
		ctx.RelaDyn.Relocs[0].Type != uint32(elf.R_X86_64_COPY) {
		t.Fatal("expected exactly one R_X86_64_COPY")
	}

	dfunc := findSym(ctx, "dfunc")
	ent := ctx.Plt.LookUp(dfunc)
	if ent == nil || len(ctx.Plt.RelaPlt.Relocs) != 1 {
		t.Fatal("dfunc needs a PLT entry and a JUMP_SLOT")
	}

	f, err := elf.NewFile(bytes.NewReader(ctx.Image))
	if err != nil {
		t.Fatal(err)
	}
	libs, err := f.ImportedLibraries()
	if err != nil || len(libs) != 1 || libs[0] != "libd.so" {
		t.Fatalf("needed = %v, %v", libs, err)
	}
	if interp := f.Section(".interp"); interp == nil {
		t.Fatal("a dynamic executable needs .interp")
	}

	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, s := range dynsyms {
		names[s.Name] = true
	}
	if !names["dvar"] || !names["dfunc"] {
		t.Fatalf("dynamic symbols = %v", names)
	}

	text := FindOutputSection(ctx, ".text")
	call := int32(uint32(ctx.Image[text.Offset+7]) | uint32(ctx.Image[text.Offset+8])<<8 |
		uint32(ctx.Image[text.Offset+9])<<16 | uint32(ctx.Image[text.Offset+10])<<24)
	if want := int64(ent.Addr(ctx)) - int64(text.Addr+11); int64(call) != want {
		t.Fatalf("call goes to %d, want the PLT entry at %d", call, want)
	}
}

func TestLinkSharedObjectOutput(t *testing.T) {
	a := newTestObject(elf.EM_X86_64)
	a.text([]byte{0xc3})
	a.section(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, make([]byte, 16), 8,
		testRela{off: 0, typ: uint32(elf.R_X86_64_64), sym: "api"})
	a.function("api", ".text", 0, 1)
	a.global(testSym{name: "secret", typ: elf.STT_FUNC, vis: elf.STV_HIDDEN, section: ".text"})

	ctx := testContext(CodeGenDynObj)
	ctx.Config.Soname = "libapi.so.1"
	if !linkTest(ctx, a.input("a.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}

	f, err := elf.NewFile(bytes.NewReader(ctx.Image))
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != elf.ET_DYN {
		t.Fatalf("type = %v", f.Type)
	}
	if soname, err := f.DynString(elf.DT_SONAME); err != nil || len(soname) != 1 || soname[0] != "libapi.so.1" {
		t.Fatalf("soname = %v, %v", soname, err)
	}

	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}
	exported := make(map[string]bool)
	for _, s := range dynsyms {
		exported[s.Name] = true
	}
	if !exported["api"] || exported["secret"] {
		t.Fatalf("exports = %v", exported)
	}

	// api is preemptible, so the pointer is patched by symbol at load time.
	if len(ctx.RelaDyn.Relocs) != 1 || ctx.RelaDyn.Relocs[0].Type != uint32(elf.R_X86_64_64) {
		t.Fatal("expected one R_X86_64_64 dynamic relocation")
	}
}

// gnuLookup walks .gnu.hash the way the dynamic loader does and returns
// the .dynsym index of name, or 0.
func gnuLookup(t *testing.T, table []byte, name string, dynsyms []elf.Symbol) uint32 {
	t.Helper()
	nbucket := utils.Read[uint32](table)
	symoffset := utils.Read[uint32](table[4:])
	nbloom := utils.Read[uint32](table[8:])
	shift := utils.Read[uint32](table[12:])

	bloom := table[16:]
	buckets := bloom[nbloom*8:]
	chains := buckets[nbucket*4:]

	h := gnuHash(name)
	word := utils.Read[uint64](bloom[(h/64)%nbloom*8:])
	if word&(1<<(h%64)) == 0 || word&(1<<((h>>shift)%64)) == 0 {
		return 0
	}

	idx := utils.Read[uint32](buckets[(h%nbucket)*4:])
	if idx == 0 {
		return 0
	}
	for ; ; idx++ {
		chain := utils.Read[uint32](chains[(idx-symoffset)*4:])
		if chain|1 == h|1 && dynsyms[idx-1].Name == name {
			return idx
		}
		if chain&1 != 0 {
			return 0
		}
	}
}

func TestLinkGnuHash(t *testing.T) {
	if gnuHash("") != 5381 {
		t.Fatalf("gnuHash(\"\") = %d", gnuHash(""))
	}

	dso := newTestDSO(elf.EM_X86_64, testSym{name: "ext", typ: elf.STT_OBJECT, value: 8, size: 8})

	exports := []string{"api", "alpha", "beta", "gamma", "delta", "epsilon"}
	a := newTestObject(elf.EM_X86_64)
	a.text(make([]byte, len(exports)))
	a.section(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, make([]byte, 8), 8,
		testRela{off: 0, typ: uint32(elf.R_X86_64_64), sym: "ext"})
	for i, name := range exports {
		a.function(name, ".text", uint64(i), 1)
	}
	a.undef("ext")

	ctx := testContext(CodeGenDynObj)
	if err := ctx.Config.ParseHashStyle("gnu"); err != nil {
		t.Fatal(err)
	}
	if !linkTest(ctx, a.input("a.o"), dso.input("/usr/lib/libd.so")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}

	f, err := elf.NewFile(bytes.NewReader(ctx.Image))
	if err != nil {
		t.Fatal(err)
	}
	if f.Section(".hash") != nil {
		t.Fatal("--hash-style=gnu must not emit .hash")
	}
	sec := f.Section(".gnu.hash")
	if sec == nil || sec.Type != elf.SHT_GNU_HASH {
		t.Fatal("missing .gnu.hash")
	}
	if addr, err := f.DynValue(elf.DT_GNU_HASH); err != nil || len(addr) != 1 || addr[0] != sec.Addr {
		t.Fatalf("DT_GNU_HASH = %v, %v, want %#x", addr, err, sec.Addr)
	}
	if v, _ := f.DynValue(elf.DT_HASH); len(v) != 0 {
		t.Fatal("DT_HASH present without .hash")
	}

	table, err := sec.Data()
	if err != nil {
		t.Fatal(err)
	}
	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}

	symoffset := utils.Read[uint32](table[4:])
	for i, s := range dynsyms {
		unhashed := s.Section == elf.SHN_UNDEF
		if unhashed != (uint32(i+1) < symoffset) {
			t.Fatalf("%s at index %d, symoffset %d", s.Name, i+1, symoffset)
		}
	}
	if symoffset != 2 || dynsyms[0].Name != "ext" {
		t.Fatalf("imports should lead .dynsym, symoffset = %d", symoffset)
	}

	for _, name := range exports {
		idx := gnuLookup(t, table, name, dynsyms)
		if idx == 0 {
			t.Fatalf("%s not found through .gnu.hash", name)
		}
		if findSym(ctx, name).DynIdx != int32(idx) {
			t.Fatalf("%s: hash says %d, DynIdx %d", name, idx, findSym(ctx, name).DynIdx)
		}
	}
	if gnuLookup(t, table, "ext", dynsyms) != 0 || gnuLookup(t, table, "missing", dynsyms) != 0 {
		t.Fatal("lookup found a symbol that is not hashed")
	}
}

func TestLinkHashStyleBoth(t *testing.T) {
	a := newTestObject(elf.EM_X86_64)
	a.text([]byte{0xc3})
	a.function("api", ".text", 0, 1)

	ctx := testContext(CodeGenDynObj)
	ctx.Config.HashStyle = HashSysV | HashGNU
	if !linkTest(ctx, a.input("a.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}
	f, err := elf.NewFile(bytes.NewReader(ctx.Image))
	if err != nil {
		t.Fatal(err)
	}
	if f.Section(".hash") == nil || f.Section(".gnu.hash") == nil {
		t.Fatal("both hash tables expected")
	}
	for _, tag := range []elf.DynTag{elf.DT_HASH, elf.DT_GNU_HASH} {
		if v, err := f.DynValue(tag); err != nil || len(v) != 1 {
			t.Fatalf("%v = %v, %v", tag, v, err)
		}
	}
}
