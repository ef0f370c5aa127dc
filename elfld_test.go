package main

import (
	"bytes"
	"debug/elf"
	"strings"
	"testing"

	"github.com/ksco/elfld/pkg/linker"
)

func TestPrintMap(t *testing.T) {
	ctx := linker.NewContext(nil)
	text := linker.NewLDSection(".text", linker.SectRegular, uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR))
	text.Addr = 0x401000
	ctx.OutputSections = append(ctx.OutputSections, text)

	seg := ctx.Segments.Produce(elf.PT_LOAD, elf.PF_R|elf.PF_X)
	seg.Append(text)
	seg.VAddr = 0x401000
	ctx.Segments.Produce(elf.PT_GNU_STACK, elf.PF_R|elf.PF_W)

	var buf bytes.Buffer
	printMap(&buf, ctx)
	out := buf.String()
	for _, want := range []string{".text", "0x401000", "segment PT_LOAD", "segment PT_GNU_STACK"} {
		if !strings.Contains(out, want) {
			t.Fatalf("map lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "%!") {
		t.Fatalf("bad format verb in map:\n%s", out)
	}
}
