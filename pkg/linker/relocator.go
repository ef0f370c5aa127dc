package linker

import (
	"debug/elf"
	"fmt"

	"github.com/ksco/elfld/pkg/utils"
)

// relocValues collects the formula operands of r from the final layout.
func relocValues(ctx *Context, r *Relocation) RelocValues {
	sym := r.Sym
	h, _ := ctx.Target.Howto(r.Type)

	v := RelocValues{
		S:         sym.GetAddr(),
		A:         uint64(r.Addend),
		P:         r.Place().Addr(),
		TP:        ctx.TpAddr,
		UndefWeak: sym.IsUndefWeak(),
	}

	if r.Stub != nil {
		v.S = r.Stub.Addr()
		v.A = 0
	} else if ent := ctx.Plt.LookUp(sym); ent != nil &&
		(h.Class&RelCall != 0 || sym.Flags&NEEDS_CANONPLT != 0) {
		v.S = ent.Addr(ctx)
	}

	if ctx.Got != nil {
		var ent *GotEntry
		if h.Class&RelTLSGOT != 0 {
			ent = ctx.Got.LookUpTLS(sym)
		} else {
			ent = ctx.Got.LookUp(sym)
		}
		if ent != nil {
			v.G = ent.Addr(ctx.Got)
		}
		v.GOT = ctx.Got.Section.Addr
	}
	if ctx.Plt != nil {
		v.GOT = ctx.Plt.GotPlt.Addr
	}
	return v
}

func reportRelocResult(ctx *Context, r *Relocation, loc string, sym string) {
	name := ctx.Target.RelocName(r.Type)
	switch r.Result {
	case ResultOK:
	case ResultOverflow:
		ctx.Report(DiagRelocOverflow, loc, name, r.Range[0], r.Range[1], r.Range[2], sym)
	case ResultBadReloc:
		ctx.Report(DiagBadReloc, loc, name, sym)
	case ResultUnsupport:
		ctx.Report(DiagUnsupportedReloc, loc, name, sym)
	default:
		ctx.Report(DiagUnknownReloc, loc, r.Type)
	}
}

type placeKey struct {
	data *SectionData
	frag FragID
	off  uint64
}

// ApplyRelocations visits every pending relocation once. In a final
// link it computes the patched bytes; in a partial link it rewrites the
// relocation for re-emission.
func ApplyRelocations(ctx *Context) {
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive || len(isec.Relocs) == 0 {
				continue
			}
			if ctx.Config.IsPartial() {
				rewritePartialRelocations(isec)
				continue
			}
			applySectionRelocations(ctx, isec)
		}
	}

	if ctx.Islands != nil {
		applyStubFixups(ctx)
	}
}

func applySectionRelocations(ctx *Context, isec *InputSection) {
	chain := make(map[placeKey]*Relocation)
	for _, r := range isec.Relocs {
		if r.Result != ResultOK {
			continue
		}
		h, ok := ctx.Target.Howto(r.Type)
		if ok && h.Size == 0 {
			continue
		}
		if !ok {
			r.Result = ResultUnknown
			reportRelocResult(ctx, r, r.Location(), r.Sym.String())
			continue
		}

		place := r.Place()
		key := placeKey{place.Data, place.Frag, place.Offset}
		if prev, ok := chain[key]; ok {
			r.Data = prev.Data
		} else {
			copy(r.Data[:h.Size], place.Fragment().Contents[place.Offset:])
		}

		v := relocValues(ctx, r)
		r.Result = ctx.Target.Apply(ctx, r, &v, r.Data[:h.Size])
		reportRelocResult(ctx, r, r.Location(), r.Sym.String())
		chain[key] = r
	}
}

// rewritePartialRelocations moves section-symbol relocations onto the
// output section symbol.
func rewritePartialRelocations(isec *InputSection) {
	for _, r := range isec.Relocs {
		r.OutSym = r.Sym
		r.OutAddend = r.Addend
		if !r.Sym.IsSectionSym() {
			continue
		}

		target := r.Sym.InputSection
		if target == nil || target.Output == nil {
			r.OutSym = nil
			continue
		}
		r.OutSym = target.Output.Sym
		r.OutAddend += int64(target.OutputOffset())
	}
}

func applyStubFixups(ctx *Context) {
	for _, island := range ctx.Islands.Islands {
		for _, stub := range island.Stubs {
			frag := island.Data.Frag(stub.Frag)
			for _, fx := range ctx.Target.StubFixups {
				r := &Relocation{
					Type:   fx.Type,
					Addend: stub.Addend + fx.Addend,
					Sym:    stub.Sym,
				}
				v := RelocValues{
					S:         stub.Sym.GetAddr(),
					A:         uint64(r.Addend),
					P:         stub.Addr() + fx.Offset,
					TP:        ctx.TpAddr,
					UndefWeak: stub.Sym.IsUndefWeak(),
				}
				if ent := ctx.Plt.LookUp(stub.Sym); ent != nil {
					v.S = ent.Addr(ctx)
				}

				r.Result = ctx.Target.Apply(ctx, r, &v, frag.Contents[fx.Offset:])
				loc := fmt.Sprintf("<island>:(%s+%#x)", island.Data.Section.Name,
					stub.Ref().SectionOffset()+fx.Offset)
				reportRelocResult(ctx, r, loc, stub.Sym.String())
			}
		}
	}
}

// SyncRelocationResult copies every patched field into the output.
func SyncRelocationResult(ctx *Context, area *MemoryArea) {
	if ctx.Config.IsPartial() {
		return
	}
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive || isec.Output == nil || isec.Output.IsNoBits() {
				continue
			}
			for _, r := range isec.Relocs {
				h, ok := ctx.Target.Howto(r.Type)
				if !ok || h.Size == 0 || r.Result != ResultOK {
					continue
				}
				area.With(r.Place().FileOffset(), uint64(h.Size), func(buf []byte) {
					copy(buf, r.Data[:h.Size])
				})
			}
		}
	}
}

// CreatePartialRelocSections adds one .rela<name> section per output
// section that carries relocations in a partial link.
func CreatePartialRelocSections(ctx *Context) {
	if !ctx.Config.IsPartial() {
		return
	}

	relocs := make(map[*LDSection][]*Relocation)
	var order []*LDSection
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive || len(isec.Relocs) == 0 {
				continue
			}
			if _, ok := relocs[isec.Output]; !ok {
				order = append(order, isec.Output)
			}
			relocs[isec.Output] = append(relocs[isec.Output], isec.Relocs...)
		}
	}

	for _, osec := range order {
		rsec := AddSyntheticSection(ctx, ".rela"+osec.Name, elf.SHT_RELA, elf.SHF_INFO_LINK, 8)
		rsec.EntSize = RelaSize
		rsec.RelocOf = osec
		rsec.Relocs = relocs[osec]
		frag := rsec.Data.Append(NewTargetFragment(uint64(len(rsec.Relocs)) * RelaSize))
		rsec.writer = func(ctx *Context) {
			writePartialRelocations(rsec, rsec.Data.Frag(frag).Contents)
		}
	}
}

func writePartialRelocations(rsec *LDSection, buf []byte) {
	for i, r := range rsec.Relocs {
		rela := Rela{
			Offset: r.Place().SectionOffset(),
			Type:   r.Type,
			Addend: r.OutAddend,
		}
		if r.OutSym != nil && r.OutSym.SymtabIdx > 0 {
			rela.Sym = uint32(r.OutSym.SymtabIdx)
		}
		utils.Write[Rela](buf[uint64(i)*RelaSize:], rela)
	}
}
