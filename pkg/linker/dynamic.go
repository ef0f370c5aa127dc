package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

type dynEntry struct {
	Tag elf.DynTag
	Val func() uint64
}

// DynamicSection owns the dynamic-linking metadata: .dynsym, .dynstr,
// the hash tables and .dynamic.
type DynamicSection struct {
	Section *LDSection
	DynSym  *LDSection
	DynStr  *LDSection
	Hash    *LDSection
	GnuHash *LDSection

	Syms    []*ResolveInfo
	Needed  []string
	entries []dynEntry

	strtab []byte
	strOff map[string]uint32
	gnu    gnuHashTable

	symFrag, strFrag, hashFrag, gnuHashFrag, dynFrag FragID
}

func (d *DynamicSection) addString(s string) uint32 {
	if off, ok := d.strOff[s]; ok {
		return off
	}
	off := uint32(len(d.strtab))
	d.strtab = append(d.strtab, s...)
	d.strtab = append(d.strtab, 0)
	d.strOff[s] = off
	return off
}

// CreateInterp adds .interp to a dynamically linked executable.
func CreateInterp(ctx *Context) {
	if !ctx.Config.IsExec() || !ctx.IsDynamic() {
		return
	}
	path := ctx.Config.DynamicLinker
	if path == "" {
		path = ctx.Target.DynamicLinker
	}
	ctx.Interp = AddSyntheticSection(ctx, ".interp", elf.SHT_PROGBITS, elf.SHF_ALLOC, 1)
	contents := append([]byte(path), 0)
	ctx.Interp.Data.Append(NewRegionFragment(contents, uint64(len(contents))))
}

func isExportable(ctx *Context, sym *ResolveInfo) bool {
	if !ctx.Config.IsDynObj() || sym.IsUndefined() || sym.IsLocal {
		return false
	}
	if sym.File.Kind == InputDynObj || sym.File.Kind == InputInternal {
		return false
	}
	return sym.Visibility != uint8(elf.STV_HIDDEN)
}

// FinishDynamic builds the dynamic symbol table and sizes every dynamic
// section. Nothing may reserve dynamic relocations afterwards.
func FinishDynamic(ctx *Context) {
	if ctx.RelaDyn != nil {
		ctx.RelaDyn.Seal(ctx)
	}
	if ctx.Plt != nil {
		ctx.Plt.RelaPlt.Seal(ctx)
	}
	if !ctx.IsDynamic() {
		return
	}

	d := &DynamicSection{strtab: []byte{0}, strOff: map[string]uint32{"": 0}}
	ctx.Dynamic = d

	d.DynSym = AddSyntheticSection(ctx, ".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, 8)
	d.DynStr = AddSyntheticSection(ctx, ".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, 1)
	if ctx.Config.HashStyle&HashSysV != 0 {
		d.Hash = AddSyntheticSection(ctx, ".hash", elf.SHT_HASH, elf.SHF_ALLOC, 8)
		d.Hash.EntSize = 4
		d.Hash.Link = d.DynSym
	}
	if ctx.Config.HashStyle&HashGNU != 0 {
		d.GnuHash = AddSyntheticSection(ctx, ".gnu.hash", elf.SHT_GNU_HASH, elf.SHF_ALLOC, 8)
		d.GnuHash.Link = d.DynSym
	}
	d.Section = AddSyntheticSection(ctx, ".dynamic", elf.SHT_DYNAMIC,
		elf.SHF_ALLOC|elf.SHF_WRITE, 8)
	d.DynSym.EntSize = SymSize
	d.DynSym.Link = d.DynStr
	d.DynSym.Info = 1
	d.Section.EntSize = DynSize
	d.Section.Link = d.DynStr

	if ctx.__Dynamic != nil {
		ctx.__Dynamic.SetOutputSection(d.Section)
	}

	for _, dso := range ctx.Dsos {
		d.Needed = append(d.Needed, dso.Soname)
		d.addString(dso.Soname)
	}
	if ctx.Config.IsDynObj() && ctx.Config.Soname != "" {
		d.addString(ctx.Config.Soname)
	}

	for _, sym := range ctx.Symbols {
		if sym.Flags&(NEEDS_DYNSYM|NEEDS_COPYREL) != 0 || isExportable(ctx, sym) {
			d.Syms = append(d.Syms, sym)
		}
	}
	if d.GnuHash != nil {
		d.Syms, d.gnu = sortForGnuHash(d.Syms)
	}
	for i, sym := range d.Syms {
		sym.DynIdx = int32(i + 1)
		sym.IsExported = sym.IsDefined() && !sym.IsDyn()
		d.addString(sym.Name)
	}

	for _, rs := range []*DynRelocSection{ctx.RelaDyn, pltRela(ctx)} {
		if rs != nil {
			rs.Section.Link = d.DynSym
		}
	}
	if ctx.Plt != nil {
		ctx.Plt.RelaPlt.Section.Flags |= uint64(elf.SHF_INFO_LINK)
		ctx.Plt.RelaPlt.Section.RelocOf = ctx.Plt.GotPlt
	}

	nsyms := uint64(len(d.Syms) + 1)
	nbucket := nsyms/2 + 1
	d.symFrag = d.DynSym.Data.Append(NewTargetFragment(nsyms * SymSize))
	d.strFrag = d.DynStr.Data.Append(NewRegionFragment(d.strtab, uint64(len(d.strtab))))
	if d.Hash != nil {
		d.hashFrag = d.Hash.Data.Append(NewTargetFragment((2 + nbucket + nsyms) * 4))
	}
	if d.GnuHash != nil {
		d.gnuHashFrag = d.GnuHash.Data.Append(NewTargetFragment(d.gnu.size()))
	}

	d.buildEntries(ctx)
	d.dynFrag = d.Section.Data.Append(NewTargetFragment(uint64(len(d.entries)) * DynSize))
}

func pltRela(ctx *Context) *DynRelocSection {
	if ctx.Plt == nil {
		return nil
	}
	return ctx.Plt.RelaPlt
}

func (d *DynamicSection) buildEntries(ctx *Context) {
	add := func(tag elf.DynTag, val func() uint64) {
		d.entries = append(d.entries, dynEntry{tag, val})
	}
	constant := func(v uint64) func() uint64 {
		return func() uint64 { return v }
	}
	addrOf := func(s *LDSection) func() uint64 {
		return func() uint64 { return s.Addr }
	}
	sizeOf := func(s *LDSection) func() uint64 {
		return func() uint64 { return s.Size }
	}

	for _, name := range d.Needed {
		add(elf.DT_NEEDED, constant(uint64(d.strOff[name])))
	}
	if ctx.Config.IsDynObj() && ctx.Config.Soname != "" {
		add(elf.DT_SONAME, constant(uint64(d.strOff[ctx.Config.Soname])))
	}

	if d.Hash != nil {
		add(elf.DT_HASH, addrOf(d.Hash))
	}
	if d.GnuHash != nil {
		add(elf.DT_GNU_HASH, addrOf(d.GnuHash))
	}
	add(elf.DT_STRTAB, addrOf(d.DynStr))
	add(elf.DT_SYMTAB, addrOf(d.DynSym))
	add(elf.DT_STRSZ, sizeOf(d.DynStr))
	add(elf.DT_SYMENT, constant(SymSize))

	if ctx.RelaDyn != nil && len(ctx.RelaDyn.Relocs) > 0 {
		rela := ctx.RelaDyn.Section
		add(elf.DT_RELA, addrOf(rela))
		add(elf.DT_RELASZ, sizeOf(rela))
		add(elf.DT_RELAENT, constant(RelaSize))
		if n := ctx.RelaDyn.RelativeCount(ctx); ctx.Config.Z.CombReloc && n > 0 {
			add(elf.DT_RELACOUNT, constant(uint64(n)))
		}
	}

	if ctx.Plt != nil {
		add(elf.DT_PLTGOT, addrOf(ctx.Plt.GotPlt))
		add(elf.DT_PLTRELSZ, sizeOf(ctx.Plt.RelaPlt.Section))
		add(elf.DT_PLTREL, constant(uint64(elf.DT_RELA)))
		add(elf.DT_JMPREL, addrOf(ctx.Plt.RelaPlt.Section))
	}

	for _, osec := range ctx.OutputSections {
		switch elf.SectionType(osec.Type) {
		case elf.SHT_INIT_ARRAY:
			add(elf.DT_INIT_ARRAY, addrOf(osec))
			add(elf.DT_INIT_ARRAYSZ, sizeOf(osec))
		case elf.SHT_FINI_ARRAY:
			add(elf.DT_FINI_ARRAY, addrOf(osec))
			add(elf.DT_FINI_ARRAYSZ, sizeOf(osec))
		case elf.SHT_PREINIT_ARRAY:
			add(elf.DT_PREINIT_ARRAY, addrOf(osec))
			add(elf.DT_PREINIT_ARRAYSZ, sizeOf(osec))
		}
	}

	if sym, ok := ctx.SymbolMap["_init"]; ok && sym.IsDefined() && !sym.IsDyn() {
		add(elf.DT_INIT, sym.GetAddr)
	}
	if sym, ok := ctx.SymbolMap["_fini"]; ok && sym.IsDefined() && !sym.IsDyn() {
		add(elf.DT_FINI, sym.GetAddr)
	}

	if ctx.Config.Z.Now {
		add(elf.DT_FLAGS, constant(uint64(elf.DF_BIND_NOW)))
		add(elf.DT_FLAGS_1, constant(uint64(elf.DF_1_NOW)))
	}
	if ctx.Config.IsExec() {
		add(elf.DT_DEBUG, constant(0))
	}
	add(elf.DT_NULL, constant(0))
}

func dynSymValue(ctx *Context, sym *ResolveInfo) (uint64, uint16) {
	switch {
	case sym.IsUndefined() || sym.IsDyn():
		if ent := ctx.Plt.LookUp(sym); ent != nil && sym.Flags&NEEDS_CANONPLT != 0 {
			return ent.Addr(ctx), uint16(elf.SHN_UNDEF)
		}
		return 0, uint16(elf.SHN_UNDEF)
	case sym.IsAbs():
		return sym.GetAddr(), uint16(elf.SHN_ABS)
	}
	if osec := sym.OutputSectionOf(); osec != nil {
		return sym.GetAddr(), uint16(osec.Index)
	}
	return sym.GetAddr(), uint16(elf.SHN_ABS)
}

func (d *DynamicSection) Apply(ctx *Context) {
	symbuf := d.DynSym.Data.Frag(d.symFrag).Contents
	for i, sym := range d.Syms {
		bind := elf.STB_GLOBAL
		if sym.IsWeak || sym.IsUndefWeak() {
			bind = elf.STB_WEAK
		}
		typ := elf.SymType(sym.Type())
		val, shndx := dynSymValue(ctx, sym)
		size := sym.Size()
		if sym.IsUndefined() {
			size = 0
		}
		esym := Sym{
			Name:  d.strOff[sym.Name],
			Info:  symInfo(bind, typ),
			Other: sym.Visibility,
			Shndx: shndx,
			Val:   val,
			Size:  size,
		}
		utils.Write[Sym](symbuf[uint64(i+1)*SymSize:], esym)
	}

	if d.Hash != nil {
		d.writeHash()
	}
	if d.GnuHash != nil {
		d.gnu.write(d.GnuHash.Data.Frag(d.gnuHashFrag).Contents, d.Syms)
	}

	dynbuf := d.Section.Data.Frag(d.dynFrag).Contents
	for i, ent := range d.entries {
		utils.Write[Dyn](dynbuf[uint64(i)*DynSize:], Dyn{Tag: int64(ent.Tag), Val: ent.Val()})
	}
}

func (d *DynamicSection) writeHash() {
	nsyms := uint32(len(d.Syms) + 1)
	nbucket := nsyms/2 + 1
	hash := d.Hash.Data.Frag(d.hashFrag).Contents
	utils.Write[uint32](hash, nbucket)
	utils.Write[uint32](hash[4:], nsyms)
	buckets := hash[8:]
	chains := hash[8+4*nbucket:]
	for i, sym := range d.Syms {
		idx := uint32(i + 1)
		b := elfHash(sym.Name) % nbucket
		utils.Write[uint32](chains[idx*4:], utils.Read[uint32](buckets[b*4:]))
		utils.Write[uint32](buckets[b*4:], idx)
	}
}
