package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

type PltEntry struct {
	Sym        *ResolveInfo
	Idx        int
	Frag       FragID
	GotPltFrag FragID
	Rela       *DynReloc
}

func (e *PltEntry) Addr(ctx *Context) uint64 {
	return FragmentRef{Data: ctx.Plt.Section.Data, Frag: e.Frag}.Addr()
}

func (e *PltEntry) GotPltRef(ctx *Context) FragmentRef {
	return FragmentRef{Data: ctx.Plt.GotPlt.Data, Frag: e.GotPltFrag}
}

func (e *PltEntry) GotPltAddr(ctx *Context) uint64 {
	return e.GotPltRef(ctx).Addr()
}

// PltSection owns .plt, .got.plt and .rela.plt. The header and the
// reserved .got.plt words are created with the first entry.
type PltSection struct {
	Section *LDSection
	GotPlt  *LDSection
	RelaPlt *DynRelocSection

	header   FragID
	reserved FragID
	Entries  []*PltEntry
	index    map[*ResolveInfo]*PltEntry
}

func NewPltSection(ctx *Context) *PltSection {
	p := &PltSection{
		Section: AddSyntheticSection(ctx, ".plt", elf.SHT_PROGBITS,
			elf.SHF_ALLOC|elf.SHF_EXECINSTR, ctx.Target.PltAlign),
		GotPlt: AddSyntheticSection(ctx, ".got.plt", elf.SHT_PROGBITS,
			elf.SHF_ALLOC|elf.SHF_WRITE, 8),
		RelaPlt: NewDynRelocSection(ctx, ".rela.plt"),
		index:   make(map[*ResolveInfo]*PltEntry),
	}
	p.header = p.Section.Data.Append(NewTargetFragment(ctx.Target.PltHeaderSize))
	p.reserved = p.GotPlt.Data.Append(
		NewTargetFragment(ctx.Target.GotPltReserved * ctx.Target.WordSize))
	return p
}

func (ctx *Context) pltSection() *PltSection {
	if ctx.Plt == nil {
		ctx.Plt = NewPltSection(ctx)
	}
	return ctx.Plt
}

func (p *PltSection) Reserve(ctx *Context, sym *ResolveInfo) (*PltEntry, bool) {
	if ent, ok := p.index[sym]; ok {
		return ent, false
	}

	sym.Flags |= NEEDS_PLT
	ent := &PltEntry{
		Sym:        sym,
		Idx:        len(p.Entries),
		Frag:       p.Section.Data.Append(NewTargetFragment(ctx.Target.PltEntrySize)),
		GotPltFrag: p.GotPlt.Data.Append(NewTargetFragment(ctx.Target.WordSize)),
	}
	ent.Rela = p.RelaPlt.Reserve(&DynReloc{
		Type:  ctx.Target.RelJumpSlot,
		Place: ent.GotPltRef(ctx),
		Sym:   sym,
	})
	p.index[sym] = ent
	p.Entries = append(p.Entries, ent)
	return ent, true
}

func (p *PltSection) LookUp(sym *ResolveInfo) *PltEntry {
	if p == nil {
		return nil
	}
	return p.index[sym]
}

func (p *PltSection) Apply(ctx *Context) {
	ctx.Target.WritePltHeader(ctx, p.Section.Data.Frag(p.header).Contents)

	reserved := p.GotPlt.Data.Frag(p.reserved).Contents
	if ctx.Target.GotPltHoldsDynamic && ctx.Dynamic != nil {
		utils.Write[uint64](reserved, ctx.Dynamic.Section.Addr)
	}

	for _, ent := range p.Entries {
		ctx.Target.WritePltEntry(ctx, p.Section.Data.Frag(ent.Frag).Contents, ent)
		utils.Write[uint64](p.GotPlt.Data.Frag(ent.GotPltFrag).Contents,
			ctx.Target.LazyBindAddr(ctx, ent))
	}
}
