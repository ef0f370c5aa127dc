package linker

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/ksco/elfld/pkg/utils"
)

func TestPartialLinkRewritesSectionSymbols(t *testing.T) {
	a := newTestObject(elf.EM_X86_64)
	a.text(make([]byte, 8))
	a.local(testSym{name: ".text", typ: elf.STT_SECTION, section: ".text"})
	a.function("first", ".text", 0, 8)

	b := newTestObject(elf.EM_X86_64)
	b.text(make([]byte, 4), testRela{off: 0, typ: uint32(elf.R_X86_64_PC32), sym: ".text", addend: 2})
	b.local(testSym{name: ".text", typ: elf.STT_SECTION, section: ".text"})
	b.local(testSym{name: "helper", typ: elf.STT_FUNC, section: ".text", size: 4})
	b.global(testSym{name: "shared", section: "*COM*", value: 8, size: 16})

	ctx := testContext(CodeGenObject)
	if !linkTest(ctx, a.input("a.o"), b.input("b.o")) {
		t.Fatalf("link failed:\n%s", ctx.Diag.String())
	}

	f, err := elf.NewFile(bytes.NewReader(ctx.Image))
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != elf.ET_REL || f.Entry != 0 || len(f.Progs) != 0 {
		t.Fatalf("type %v entry %#x progs %d", f.Type, f.Entry, len(f.Progs))
	}
	if f.Section(".note.GNU-stack") == nil {
		t.Fatal("every input carried the stack note, so the output should too")
	}

	rsec := f.Section(".rela.text")
	if rsec == nil {
		t.Fatal("no .rela.text")
	}
	data, err := rsec.Data()
	if err != nil || uint64(len(data)) != RelaSize {
		t.Fatalf(".rela.text: %d bytes, %v", len(data), err)
	}
	rela := utils.Read[Rela](data)

	text := FindOutputSection(ctx, ".text")
	if rela.Offset != 8 || rela.Addend != 10 || rela.Type != uint32(elf.R_X86_64_PC32) {
		t.Fatalf("rela = %+v", rela)
	}
	if rela.Sym != uint32(text.Sym.SymtabIdx) {
		t.Fatalf("rela symbol %d, want the .text section symbol %d", rela.Sym, text.Sym.SymtabIdx)
	}

	syms, err := f.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	sec := syms[rela.Sym-1]
	if elf.ST_TYPE(sec.Info) != elf.STT_SECTION || int(sec.Section) != int(text.Index) {
		t.Fatalf("symbol %d is %+v", rela.Sym, sec)
	}

	var helper, shared bool
	for _, s := range syms {
		switch s.Name {
		case "helper":
			helper = elf.ST_BIND(s.Info) == elf.STB_LOCAL && s.Value == 8
		case "shared":
			shared = s.Section == elf.SHN_COMMON && s.Size == 16
		}
	}
	if !helper || !shared {
		t.Fatalf("helper kept %v, shared still common %v", helper, shared)
	}
}
