package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

// isPreemptible reports whether the final value of sym may come from
// another module at load time.
func isPreemptible(ctx *Context, sym *ResolveInfo) bool {
	if sym.CopyRel {
		return false
	}
	if sym.IsDyn() {
		return true
	}
	if !ctx.Config.IsDynObj() || sym.File == ctx.InternalObj {
		return false
	}
	if sym.IsLocal || sym.Visibility != uint8(elf.STV_DEFAULT) {
		return false
	}
	return true
}

func reportUndefined(ctx *Context, isec *InputSection, sym *ResolveInfo) {
	if sym.IsLocal || sym.IsDefined() || sym.IsUndefWeak() {
		return
	}
	if !ctx.Config.IsExec() && !ctx.Config.Z.Defs {
		return
	}
	if !isec.IsAlloc() {
		return
	}
	if ctx.undefReported.Insert(sym.Name + "\x00" + isec.File.Name) {
		ctx.Report(DiagUndefinedReference, isec.File.Name, sym.Name)
	}
}

// ScanRelocations is the reservation pass: it creates every GOT, PLT,
// copy-relocation and dynamic-relocation entry the relocations need.
// Only fragments and sizes are produced; no value is computed here.
func ScanRelocations(ctx *Context) {
	if ctx.Config.IsPartial() {
		return
	}

	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive {
				continue
			}
			for _, r := range isec.Relocs {
				scanRelocation(ctx, isec, r)
			}
		}
	}

	if sym := ctx.__GlobalOffsetTable; sym != nil && sym.File == ctx.InternalObj {
		ctx.gotSection().Section.keep = true
	}
}

func scanRelocation(ctx *Context, isec *InputSection, r *Relocation) {
	h, ok := ctx.Target.Howto(r.Type)
	if !ok {
		ctx.Report(DiagUnknownReloc, r.Location(), r.Type)
		r.Result = ResultUnknown
		return
	}
	if h.Class&RelUnsupported != 0 {
		ctx.Report(DiagUnsupportedReloc, r.Location(), h.Name, r.Sym.String())
		r.Result = ResultUnsupport
		return
	}
	if h.Class&RelMarker != 0 {
		return
	}

	sym := r.Sym
	reportUndefined(ctx, isec, sym)
	if !isec.IsAlloc() {
		return
	}

	preempt := isPreemptible(ctx, sym)
	dynobj := ctx.Config.IsDynObj()

	if h.Class&RelGOT != 0 {
		if ent, created := ctx.gotSection().Reserve(ctx, sym); created {
			switch {
			case preempt:
				ent.Dyn = ctx.relaDyn().Reserve(&DynReloc{
					Type:  ctx.Target.RelGlobDat,
					Place: ent.Ref(ctx.Got),
					Sym:   sym,
				})
			case dynobj && !sym.IsAbs() && !sym.IsUndefWeak():
				ent.Dyn = ctx.relaDyn().Reserve(&DynReloc{
					Type:       ctx.Target.RelRelative,
					Place:      ent.Ref(ctx.Got),
					Sym:        sym,
					AddSymAddr: true,
				})
			}
		}
	}

	if h.Class&RelTLSGOT != 0 {
		if ent, created := ctx.gotSection().ReserveTLS(ctx, sym); created && (dynobj || preempt) {
			rel := &DynReloc{
				Type:  ctx.Target.RelTPOff64,
				Place: ent.Ref(ctx.Got),
				Sym:   sym,
			}
			if !preempt {
				rel.AddSymAddr = true
				rel.TPRelative = true
			}
			ent.Dyn = ctx.relaDyn().Reserve(rel)
		}
	}

	if h.Class&RelTPRel != 0 && dynobj {
		ctx.Report(DiagUnsupportedReloc, r.Location(), h.Name, sym.String())
		r.Result = ResultUnsupport
		return
	}

	if h.Class&RelGOTBase != 0 {
		ctx.gotSection()
	}

	if h.Class&RelCall != 0 && preempt {
		ctx.pltSection().Reserve(ctx, sym)
		return
	}

	if h.Class&(RelAbs|RelPCRel) == 0 || h.Class&(RelGOT|RelTLSGOT) != 0 {
		return
	}

	switch {
	case preempt && !dynobj:
		if elf.SymType(sym.Type()) == elf.STT_FUNC {
			ctx.pltSection().Reserve(ctx, sym)
			sym.Flags |= NEEDS_CANONPLT
			return
		}
		reserveCopyReloc(ctx, r, sym)
	case preempt:
		if h.Class&RelWord != 0 && h.Class&RelAbs != 0 {
			ctx.relaDyn().Reserve(&DynReloc{
				Type:   ctx.Target.RelAbs64,
				Place:  r.Place(),
				Sym:    sym,
				Addend: r.Addend,
			})
			return
		}
		ctx.Report(DiagNonPICReloc, r.Location(), h.Name, sym.String())
	case dynobj && h.Class&RelAbs != 0 && !sym.IsAbs() && !sym.IsUndefWeak():
		if h.Class&RelWord != 0 {
			ctx.relaDyn().Reserve(&DynReloc{
				Type:       ctx.Target.RelRelative,
				Place:      r.Place(),
				Sym:        sym,
				Addend:     r.Addend,
				AddSymAddr: true,
			})
			return
		}
		ctx.Report(DiagNonPICReloc, r.Location(), h.Name, sym.String())
	}
}

// reserveCopyReloc moves a shared-object data symbol into .bss of the
// executable and asks the dynamic loader to copy its initial value.
func reserveCopyReloc(ctx *Context, r *Relocation, sym *ResolveInfo) {
	if sym.CopyRel {
		return
	}
	if ctx.Config.Z.NoCopyReloc {
		ctx.Report(DiagCopyRelocDisabled, r.Location(), sym.String())
		return
	}

	align := uint64(1) << min(utils.CountrZero(sym.ElfSym().Val), 6)
	size := sym.Size()

	bss := GetOutputSectionInstance(ctx, ".bss", uint64(elf.SHT_NOBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE))
	bss.Data.Append(NewAlignmentFragment(align))
	id := bss.Data.Append(NewFillFragment(0, size))
	bss.raiseAlign(align)

	ref := FragmentRef{Data: bss.Data, Frag: id}
	sym.SetFragmentRef(ref)
	sym.Value = 0
	sym.CopyRel = true
	sym.Flags |= NEEDS_COPYREL

	ctx.relaDyn().Reserve(&DynReloc{
		Type:  ctx.Target.RelCopy,
		Place: ref,
		Sym:   sym,
	})
}
