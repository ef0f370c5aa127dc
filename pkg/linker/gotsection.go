package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

type GotSection struct {
	Section *LDSection
	Entries []*GotEntry

	index    map[gotKey]*GotEntry
	tlsIndex map[gotKey]*GotEntry
}

func NewGotSection(ctx *Context) *GotSection {
	return &GotSection{
		Section:  AddSyntheticSection(ctx, ".got", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 8),
		index:    make(map[gotKey]*GotEntry),
		tlsIndex: make(map[gotKey]*GotEntry),
	}
}

func (ctx *Context) gotSection() *GotSection {
	if ctx.Got == nil {
		ctx.Got = NewGotSection(ctx)
	}
	return ctx.Got
}

func (g *GotSection) reserve(ctx *Context, index map[gotKey]*GotEntry, sym *ResolveInfo, tls bool) (*GotEntry, bool) {
	key := gotKey{sym: sym}
	if ent, ok := index[key]; ok {
		return ent, false
	}

	ent := &GotEntry{
		Sym:  sym,
		TLS:  tls,
		Frag: g.Section.Data.Append(NewTargetFragment(ctx.Target.WordSize)),
	}
	index[key] = ent
	g.Entries = append(g.Entries, ent)
	return ent, true
}

// Reserve returns the GOT entry holding the address of sym, creating it
// on first use. The second result reports creation.
func (g *GotSection) Reserve(ctx *Context, sym *ResolveInfo) (*GotEntry, bool) {
	sym.Flags |= NEEDS_GOT
	return g.reserve(ctx, g.index, sym, false)
}

func (g *GotSection) ReserveTLS(ctx *Context, sym *ResolveInfo) (*GotEntry, bool) {
	sym.Flags |= NEEDS_GOTTP
	return g.reserve(ctx, g.tlsIndex, sym, true)
}

func (g *GotSection) LookUp(sym *ResolveInfo) *GotEntry {
	return g.index[gotKey{sym: sym}]
}

func (g *GotSection) LookUpTLS(sym *ResolveInfo) *GotEntry {
	return g.tlsIndex[gotKey{sym: sym}]
}

// Apply fills in the static value of every entry. Entries patched at
// load time keep zero or their RELATIVE addend.
func (g *GotSection) Apply(ctx *Context) {
	for _, ent := range g.Entries {
		buf := g.Section.Data.Frag(ent.Frag).Contents
		if ent.Dyn != nil && ent.Dyn.Type != ctx.Target.RelRelative {
			utils.Write[uint64](buf, 0)
			continue
		}

		val := ent.Sym.GetAddr()
		if ent.TLS {
			val -= ctx.TpAddr
		}
		if ent.Sym.IsUndefWeak() {
			val = 0
		}
		utils.Write[uint64](buf, val)
	}
}
