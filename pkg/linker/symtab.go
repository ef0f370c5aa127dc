package linker

import (
	"debug/elf"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
)

type stringTable struct {
	buf []byte
	off map[string]uint32
}

func newStringTable() *stringTable {
	return &stringTable{buf: []byte{0}, off: map[string]uint32{"": 0}}
}

func (t *stringTable) Add(s string) uint32 {
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.off[s] = off
	return off
}

// createNamePools adds .symtab, .strtab and .shstrtab. They are sized
// once the section order is fixed.
func createNamePools(ctx *Context) {
	ctx.SymTab = AddSyntheticSection(ctx, ".symtab", elf.SHT_SYMTAB, 0, 8)
	ctx.StrTab = AddSyntheticSection(ctx, ".strtab", elf.SHT_STRTAB, 0, 1)
	ctx.ShStrTab = AddSyntheticSection(ctx, ".shstrtab", elf.SHT_STRTAB, 0, 1)
	ctx.SymTab.EntSize = SymSize
	ctx.SymTab.Link = ctx.StrTab
	for _, osec := range []*LDSection{ctx.SymTab, ctx.StrTab, ctx.ShStrTab} {
		osec.keep = true
	}

	for _, osec := range ctx.OutputSections {
		if osec.RelocOf != nil && osec.Link == nil {
			osec.Link = ctx.SymTab
		}
	}
}

// addInternalSymbol appends esym to the internal file and returns its
// index.
func addInternalSymbol(ctx *Context, esym Sym) int32 {
	ctx.InternalEsyms = append(ctx.InternalEsyms, esym)
	ctx.InternalObj.ElfSyms = ctx.InternalEsyms
	ctx.InternalObj.Symbols = append(ctx.InternalObj.Symbols, nil)
	return int32(len(ctx.InternalEsyms) - 1)
}

// createSectionSymbols gives every content section of a partial link a
// local STT_SECTION symbol relocations can be rewritten against.
func createSectionSymbols(ctx *Context) {
	for _, osec := range ctx.OutputSections {
		if osec.Kind == SectNamePool || osec.Kind == SectRelocation {
			continue
		}
		sym := NewResolveInfo("")
		sym.IsLocal = true
		sym.File = ctx.InternalObj
		sym.SymIdx = addInternalSymbol(ctx, Sym{
			Info:  symInfo(elf.STB_LOCAL, elf.STT_SECTION),
			Shndx: uint16(elf.SHN_ABS),
		})
		sym.SetOutputSection(osec)
		osec.Sym = sym
	}
}

func isOutputLocal(ctx *Context, sym *ResolveInfo) bool {
	if sym.IsLocal {
		return true
	}
	return !ctx.Config.IsPartial() && sym.IsDefined() && !sym.IsDyn() &&
		sym.Visibility == uint8(elf.STV_HIDDEN)
}

func keepLocalSymbol(ctx *Context, sym *ResolveInfo) bool {
	esym := sym.ElfSym()
	if esym.Type() == uint8(elf.STT_SECTION) {
		return false
	}
	if !esym.IsAbs() && sym.OutputSectionOf() == nil {
		return false
	}
	if ctx.Config.IsPartial() {
		return true
	}
	return !strings.HasPrefix(sym.Name, ".L")
}

// CollectOutputSymbols decides the .symtab contents: locals first, then
// globals in symbol-table order.
func CollectOutputSymbols(ctx *Context) {
	var locals, globals []*ResolveInfo

	for _, osec := range ctx.OutputSections {
		if osec.Sym != nil {
			locals = append(locals, osec.Sym)
		}
	}

	for _, file := range ctx.Objs {
		if file.Kind == InputDynObj || file == ctx.InternalObj {
			continue
		}
		for i := int64(1); i < file.FirstGlobal; i++ {
			if sym := file.Symbols[i]; keepLocalSymbol(ctx, sym) {
				locals = append(locals, sym)
			}
		}
	}

	for _, sym := range ctx.Symbols {
		if sym.File == nil || !sym.File.IsAlive {
			continue
		}
		if sym.IsDyn() && sym.Flags == 0 {
			continue
		}
		if sym.File == ctx.InternalObj && sym.IsUndefined() {
			continue
		}
		if isOutputLocal(ctx, sym) {
			locals = append(locals, sym)
		} else {
			globals = append(globals, sym)
		}
	}

	ctx.OutSyms = append(locals, globals...)
	ctx.OutFirstGlobal = len(locals) + 1
	for i, sym := range ctx.OutSyms {
		sym.SymtabIdx = int32(i + 1)
	}
}

// SizeNamePools fills .shstrtab and .strtab and reserves .symtab.
func SizeNamePools(ctx *Context) {
	shstrtab := newStringTable()
	ctx.shstrOff = make(map[string]uint32)
	for _, osec := range ctx.OutputSections {
		ctx.shstrOff[osec.Name] = shstrtab.Add(osec.Name)
	}
	ctx.ShStrTab.Data.Append(NewRegionFragment(shstrtab.buf, uint64(len(shstrtab.buf))))

	if ctx.Config.IsPartial() {
		createSectionSymbols(ctx)
	}
	CollectOutputSymbols(ctx)

	strtab := newStringTable()
	ctx.symNameOff = make([]uint32, len(ctx.OutSyms))
	for i, sym := range ctx.OutSyms {
		ctx.symNameOff[i] = strtab.Add(sym.Name)
	}
	ctx.StrTab.Data.Append(NewRegionFragment(strtab.buf, uint64(len(strtab.buf))))

	ctx.SymTab.Info = uint32(ctx.OutFirstGlobal)
	ctx.symtabFrag = ctx.SymTab.Data.Append(
		NewTargetFragment(uint64(len(ctx.OutSyms)+1) * SymSize))
}

func outputSymbol(ctx *Context, sym *ResolveInfo) Sym {
	esym := Sym{Other: sym.Visibility}
	typ := elf.SymType(sym.Type())

	bind := elf.STB_GLOBAL
	switch {
	case isOutputLocal(ctx, sym):
		bind = elf.STB_LOCAL
	case sym.IsWeak || sym.IsUndefWeak():
		bind = elf.STB_WEAK
	}
	esym.Info = symInfo(bind, typ)

	switch {
	case sym.IsSectionSym():
		esym.Shndx = uint16(sym.OutputSection.Index)
		return esym
	case sym.IsUndefined() || sym.IsDyn():
		esym.Shndx = uint16(elf.SHN_UNDEF)
		if ent := ctx.Plt.LookUp(sym); ent != nil && sym.Flags&NEEDS_CANONPLT != 0 {
			esym.Val = ent.Addr(ctx)
		}
		return esym
	case sym.IsCommon() && sym.Ref.IsNull():
		esym.Shndx = uint16(elf.SHN_COMMON)
		esym.Val = sym.CommonAlign
		esym.Size = sym.CommonSize
		return esym
	}

	esym.Size = sym.Size()
	osec := sym.OutputSectionOf()
	if osec == nil {
		esym.Shndx = uint16(elf.SHN_ABS)
		esym.Val = sym.GetAddr()
		return esym
	}

	esym.Shndx = uint16(osec.Index)
	switch {
	case ctx.Config.IsPartial():
		esym.Val = sym.FragRef().SectionOffset()
		if sym.FragRef().IsNull() {
			esym.Val = sym.Value
		}
	case typ == elf.STT_TLS:
		esym.Val = sym.GetAddr()
		if tls := ctx.Segments.Find(elf.PT_TLS); tls != nil {
			esym.Val -= tls.VAddr
		}
	default:
		esym.Val = sym.GetAddr()
	}
	return esym
}

func writeSymtab(ctx *Context) {
	buf := ctx.SymTab.Data.Frag(ctx.symtabFrag).Contents
	for i, sym := range ctx.OutSyms {
		esym := outputSymbol(ctx, sym)
		esym.Name = ctx.symNameOff[i]
		utils.Write[Sym](buf[uint64(i+1)*SymSize:], esym)
	}
}
