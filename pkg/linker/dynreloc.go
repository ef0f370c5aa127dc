package linker

import (
	"debug/elf"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

// DynReloc is one entry of .rela.dyn or .rela.plt.
type DynReloc struct {
	Type  uint32
	Place FragmentRef
	// Sym is nil for relocations that only need the load bias.
	Sym    *ResolveInfo
	Addend int64
	// AddSymAddr folds the symbol address into the addend.
	AddSymAddr bool
	// TPRelative subtracts the TLS segment start from the addend.
	TPRelative bool

	Frag FragID
}

type DynRelocSection struct {
	Section *LDSection
	Relocs  []*DynReloc
	sealed  bool
}

func NewDynRelocSection(ctx *Context, name string) *DynRelocSection {
	s := &DynRelocSection{
		Section: AddSyntheticSection(ctx, name, elf.SHT_RELA, elf.SHF_ALLOC, 8),
	}
	s.Section.EntSize = RelaSize
	return s
}

func (ctx *Context) relaDyn() *DynRelocSection {
	if ctx.RelaDyn == nil {
		ctx.RelaDyn = NewDynRelocSection(ctx, ".rela.dyn")
	}
	return ctx.RelaDyn
}

func (s *DynRelocSection) Reserve(r *DynReloc) *DynReloc {
	utils.Assert(!s.sealed, "dynamic relocation reserved after sealing")
	r.Frag = NoFrag
	s.Relocs = append(s.Relocs, r)
	if r.Sym != nil && !r.AddSymAddr && !r.TPRelative {
		r.Sym.Flags |= NEEDS_DYNSYM
	}
	return r
}

// Seal fixes the entry order and creates one fragment per entry. With
// combreloc, RELATIVE entries go first.
func (s *DynRelocSection) Seal(ctx *Context) {
	if s.sealed {
		return
	}
	s.sealed = true

	if ctx.Config.Z.CombReloc {
		sort.SliceStable(s.Relocs, func(i, j int) bool {
			ri := s.Relocs[i].Type == ctx.Target.RelRelative
			rj := s.Relocs[j].Type == ctx.Target.RelRelative
			return ri && !rj
		})
	}

	for _, r := range s.Relocs {
		r.Frag = s.Section.Data.Append(NewTargetFragment(RelaSize))
	}
}

func (s *DynRelocSection) RelativeCount(ctx *Context) int {
	n := 0
	for _, r := range s.Relocs {
		if r.Type == ctx.Target.RelRelative {
			n++
		}
	}
	return n
}

func (s *DynRelocSection) Apply(ctx *Context) {
	for _, r := range s.Relocs {
		rela := Rela{
			Offset: r.Place.Addr(),
			Type:   r.Type,
			Addend: r.Addend,
		}
		if r.AddSymAddr && r.Sym != nil {
			rela.Addend += int64(r.Sym.GetAddr())
		}
		if r.TPRelative {
			if tls := ctx.Segments.Find(elf.PT_TLS); tls != nil {
				rela.Addend -= int64(tls.VAddr)
			}
		}
		if r.Sym != nil && !r.AddSymAddr && !r.TPRelative {
			rela.Sym = uint32(r.Sym.DynIdx)
		}
		utils.Write[Rela](s.Section.Data.Frag(r.Frag).Contents, rela)
	}
}
