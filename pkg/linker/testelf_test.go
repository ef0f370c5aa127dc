package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

type testSym struct {
	name    string
	bind    elf.SymBind
	typ     elf.SymType
	vis     elf.SymVis
	section string
	value   uint64
	size    uint64
}

type testRela struct {
	off    uint64
	typ    uint32
	sym    string
	addend int64
}

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	size    uint64
	align   uint64
	entsize uint64
	relas   []testRela
}

// testObject builds a little-endian ELF64 file in memory. Symbols name
// their section; "" is undefined, "*ABS*" absolute and "*COM*" common.
type testObject struct {
	machine  elf.Machine
	etype    elf.Type
	sections []*testSection
	locals   []testSym
	globals  []testSym
	// noStackNote leaves out .note.GNU-stack.
	noStackNote bool
	execStack   bool
}

func newTestObject(machine elf.Machine) *testObject {
	return &testObject{machine: machine, etype: elf.ET_REL}
}

func (o *testObject) text(data []byte, relas ...testRela) *testSection {
	return o.section(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, data, 4, relas...)
}

func (o *testObject) section(name string, typ elf.SectionType, flags elf.SectionFlag,
	data []byte, align uint64, relas ...testRela) *testSection {
	s := &testSection{
		name:  name,
		typ:   typ,
		flags: flags,
		data:  data,
		size:  uint64(len(data)),
		align: align,
		relas: relas,
	}
	o.sections = append(o.sections, s)
	return s
}

func (o *testObject) local(s testSym) *testObject {
	s.bind = elf.STB_LOCAL
	o.locals = append(o.locals, s)
	return o
}

func (o *testObject) global(s testSym) *testObject {
	if s.bind == elf.STB_LOCAL {
		s.bind = elf.STB_GLOBAL
	}
	o.globals = append(o.globals, s)
	return o
}

func (o *testObject) function(name, section string, value, size uint64) *testObject {
	return o.global(testSym{name: name, typ: elf.STT_FUNC, section: section, value: value, size: size})
}

func (o *testObject) undef(name string) *testObject {
	return o.global(testSym{name: name})
}

type strtab struct {
	buf []byte
}

func (t *strtab) add(s string) uint32 {
	if len(t.buf) == 0 {
		t.buf = []byte{0}
	}
	if s == "" {
		return 0
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	return off
}

func (o *testObject) bytes() []byte {
	sections := append([]*testSection(nil), o.sections...)
	if !o.noStackNote && o.etype == elf.ET_REL {
		flags := elf.SectionFlag(0)
		if o.execStack {
			flags = elf.SHF_EXECINSTR
		}
		sections = append(sections, &testSection{name: ".note.GNU-stack", typ: elf.SHT_PROGBITS,
			flags: flags, align: 1})
	}

	shndx := func(name string) uint16 {
		switch name {
		case "":
			return uint16(elf.SHN_UNDEF)
		case "*ABS*":
			return uint16(elf.SHN_ABS)
		case "*COM*":
			return uint16(elf.SHN_COMMON)
		}
		for i, s := range sections {
			if s.name == name {
				return uint16(i + 1)
			}
		}
		panic("unknown section " + name)
	}

	syms := append([]testSym{{}}, o.locals...)
	syms = append(syms, o.globals...)
	symIndex := func(name string) uint32 {
		for i := len(syms) - 1; i > 0; i-- {
			if syms[i].name == name {
				return uint32(i)
			}
		}
		panic("unknown symbol " + name)
	}

	var names strtab
	names.add("")
	esyms := make([]byte, uint64(len(syms))*SymSize)
	for i, s := range syms[1:] {
		name := names.add(s.name)
		if s.typ == elf.STT_SECTION {
			name = 0
		}
		utils.Write[Sym](esyms[uint64(i+1)*SymSize:], Sym{
			Name:  name,
			Info:  symInfo(s.bind, s.typ),
			Other: uint8(s.vis),
			Shndx: shndx(s.section),
			Val:   s.value,
			Size:  s.size,
		})
	}

	symtabType := elf.SHT_SYMTAB
	if o.etype == elf.ET_DYN {
		symtabType = elf.SHT_DYNSYM
	}

	type outSec struct {
		name  string
		shdr  Shdr
		data  []byte
		relOf int
	}
	var out []outSec
	for _, s := range sections {
		out = append(out, outSec{name: s.name, data: s.data, shdr: Shdr{
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Size:      s.size,
			AddrAlign: s.align,
			EntSize:   s.entsize,
		}})
	}
	symtabIdx := len(out) + 1
	strtabIdx := symtabIdx + 1
	out = append(out, outSec{name: ".symtab", data: esyms, shdr: Shdr{
		Type:      uint32(symtabType),
		Flags:     0,
		Size:      uint64(len(esyms)),
		Link:      uint32(strtabIdx),
		Info:      uint32(1 + len(o.locals)),
		AddrAlign: 8,
		EntSize:   SymSize,
	}})
	out = append(out, outSec{name: ".strtab", data: names.buf, shdr: Shdr{
		Type:      uint32(elf.SHT_STRTAB),
		Size:      uint64(len(names.buf)),
		AddrAlign: 1,
	}})
	if o.etype == elf.ET_DYN {
		out[symtabIdx-1].name = ".dynsym"
		out[strtabIdx-1].name = ".dynstr"
		out[symtabIdx-1].shdr.Flags = uint64(elf.SHF_ALLOC)
	}

	for i, s := range sections {
		if len(s.relas) == 0 {
			continue
		}
		buf := make([]byte, uint64(len(s.relas))*RelaSize)
		for j, r := range s.relas {
			utils.Write[Rela](buf[uint64(j)*RelaSize:], Rela{
				Offset: r.off,
				Type:   r.typ,
				Sym:    symIndex(r.sym),
				Addend: r.addend,
			})
		}
		out = append(out, outSec{name: ".rela" + s.name, data: buf, shdr: Shdr{
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_INFO_LINK),
			Size:      uint64(len(buf)),
			Link:      uint32(symtabIdx),
			Info:      uint32(i + 1),
			AddrAlign: 8,
			EntSize:   RelaSize,
		}})
	}

	var shnames strtab
	shnames.add("")
	for i := range out {
		out[i].shdr.Name = shnames.add(out[i].name)
	}
	shstrtabName := shnames.add(".shstrtab")
	out = append(out, outSec{name: ".shstrtab", data: shnames.buf, shdr: Shdr{
		Name:      shstrtabName,
		Type:      uint32(elf.SHT_STRTAB),
		Size:      uint64(len(shnames.buf)),
		AddrAlign: 1,
	}})

	off := EhdrSize
	for i := range out {
		if out[i].shdr.Type == uint32(elf.SHT_NOBITS) {
			out[i].shdr.Offset = off
			continue
		}
		off = utils.AlignTo(off, 8)
		out[i].shdr.Offset = off
		off += uint64(len(out[i].data))
	}
	shoff := utils.AlignTo(off, 8)
	buf := make([]byte, shoff+uint64(len(out)+1)*ShdrSize)

	ehdr := Ehdr{
		Type:      uint16(o.etype),
		Machine:   uint16(o.machine),
		Version:   uint32(elf.EV_CURRENT),
		ShOff:     shoff,
		EhSize:    uint16(EhdrSize),
		ShEntSize: uint16(ShdrSize),
		ShNum:     uint16(len(out) + 1),
		ShStrndx:  uint16(len(out)),
	}
	copy(ehdr.Ident[:], "\177ELF")
	ehdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	utils.Write[Ehdr](buf, ehdr)

	for i, s := range out {
		if s.shdr.Type != uint32(elf.SHT_NOBITS) {
			copy(buf[s.shdr.Offset:], s.data)
		}
		utils.Write[Shdr](buf[shoff+uint64(i+1)*ShdrSize:], s.shdr)
	}
	return buf
}

func (o *testObject) input(name string) *Input {
	kind := InputObject
	if o.etype == elf.ET_DYN {
		kind = InputDynObj
	}
	return &Input{Name: name, Kind: kind, Contents: o.bytes()}
}

// newTestDSO builds a shared object exporting the given symbols from a
// single .data section.
func newTestDSO(machine elf.Machine, syms ...testSym) *testObject {
	o := &testObject{machine: machine, etype: elf.ET_DYN}
	o.section(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, make([]byte, 64), 8)
	for _, s := range syms {
		if s.section == "" {
			s.section = ".data"
		}
		o.global(s)
	}
	return o
}

func testContext(codegen CodeGenType) *Context {
	cfg := NewConfig()
	cfg.CodeGen = codegen
	cfg.Output = ""
	return NewContext(cfg)
}

func linkTest(ctx *Context, inputs ...*Input) bool {
	return Link(ctx, inputs)
}

func findSym(ctx *Context, name string) *ResolveInfo {
	return ctx.SymbolMap[name]
}

func diagIDs(ctx *Context) []DiagID {
	ids := make([]DiagID, 0, len(ctx.Diag.List))
	for _, d := range ctx.Diag.List {
		ids = append(ids, d.ID)
	}
	return ids
}
