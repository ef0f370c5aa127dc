package linker

import (
	"debug/elf"
	"math"
	"sort"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
)

type ObjectFile struct {
	InputFile
	MergeableSections []*MergeableSection

	SymtabSec *Shdr
}

func NewObjectFile(in *Input) *ObjectFile {
	return &ObjectFile{InputFile: newInputFile(in)}
}

func (o *ObjectFile) File() *InputFile {
	return &o.InputFile
}

func (o *ObjectFile) ReadHeader(ctx *Context) {
	o.parseHeader(ctx, elf.ET_REL)

	for i := range o.ElfSections {
		shdr := &o.ElfSections[i]
		switch elf.SectionType(shdr.Type) {
		case elf.SHT_SYMTAB_SHNDX:
			o.FillUpSymtabShndxSec(ctx, shdr)
		case elf.SHT_REL:
			ctx.Report(DiagRelNotSupported, o.Name, o.SectionName(shdr))
		}
		if o.SectionName(shdr) == ".note.GNU-stack" {
			o.HasStackNote = true
			o.ExecStack = shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0
		}
	}

	o.SymtabSec = o.FindSection(uint32(elf.SHT_SYMTAB))
	if o.SymtabSec != nil {
		o.FirstGlobal = int64(o.SymtabSec.Info)
		o.FillUpElfSyms(ctx, o.SymtabSec)
		o.SymbolStrtab = o.GetBytesFromIdx(ctx, int64(o.SymtabSec.Link))
		if o.FirstGlobal > int64(len(o.ElfSyms)) {
			ctx.Report(DiagBadSymbolIndex, o.Name, o.FirstGlobal)
		}
	}
}

func (o *ObjectFile) ReadSymbols(ctx *Context) {
	if len(o.ElfSyms) == 0 {
		return
	}

	o.LocalSyms = make([]ResolveInfo, o.FirstGlobal)
	for i := 0; i < len(o.LocalSyms); i++ {
		o.LocalSyms[i] = *NewResolveInfo("")
		o.LocalSyms[i].IsLocal = true
	}
	o.LocalSyms[0].File = &o.InputFile
	o.LocalSyms[0].SymIdx = 0

	for i := int64(1); i < o.FirstGlobal; i++ {
		esym := &o.ElfSyms[i]
		if esym.IsCommon() {
			ctx.Report(DiagCommonLocal, o.Name, getName(o.SymbolStrtab, esym.Name))
		}

		name := getName(o.SymbolStrtab, esym.Name)
		if name == "" && esym.Type() == uint8(elf.STT_SECTION) {
			shndx := o.GetShndx(esym, i)
			if shndx > 0 && shndx < int64(len(o.ElfSections)) {
				name = o.SectionName(&o.ElfSections[shndx])
			}
		}

		sym := &o.LocalSyms[i]
		sym.Name = name
		sym.File = &o.InputFile
		sym.Value = esym.Val
		sym.SymIdx = int32(i)
		sym.Visibility = esym.StVisibility()
	}

	o.Symbols = make([]*ResolveInfo, len(o.ElfSyms))

	for i := int64(0); i < o.FirstGlobal; i++ {
		o.Symbols[i] = &o.LocalSyms[i]
	}

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		name := getName(o.SymbolStrtab, esym.Name)
		if esym.IsUndef() {
			if to, ok := ctx.Config.Script.RenameMap[name]; ok {
				name = to
			}
		}
		o.Symbols[i] = GetSymbolByName(ctx, name)
	}
}

func (o *ObjectFile) ReadSections(ctx *Context) {
	o.Sections = make([]*InputSection, len(o.ElfSections))
	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if !o.keepSection(ctx, shdr) {
			continue
		}

		name := o.SectionName(shdr)
		if name == ".note.GNU-stack" || strings.HasPrefix(name, ".gnu.warning.") {
			continue
		}

		o.Sections[i] = NewInputSection(ctx, &o.InputFile, int64(i))
	}

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if shdr.Type != uint32(elf.SHT_RELA) {
			continue
		}

		if shdr.Info >= uint32(len(o.Sections)) {
			ctx.Report(DiagBadSectionIndex, o.Name, shdr.Info)
		}

		if target := o.Sections[shdr.Info]; target != nil {
			utils.Assert(target.RelsecIdx == math.MaxUint32, "section has two relocation sections")
			target.RelsecIdx = uint32(i)
		}
	}

	if !ctx.Config.IsPartial() {
		o.initializeMergeableSections(ctx)
	}

	for _, isec := range o.Sections {
		if isec != nil && isec.IsAlive {
			isec.Place(ctx)
		}
	}

	for i := int64(1); i < o.FirstGlobal; i++ {
		esym := &o.ElfSyms[i]
		if esym.IsAbs() || esym.IsUndef() {
			continue
		}
		if isec := o.GetSection(esym, i); isec != nil && isec.IsAlive {
			o.LocalSyms[i].SetInputSection(isec)
		}
	}
}

func (o *ObjectFile) initializeMergeableSections(ctx *Context) {
	o.MergeableSections = make([]*MergeableSection, len(o.Sections))
	for i := 0; i < len(o.Sections); i++ {
		isec := o.Sections[i]
		if isec != nil && isec.IsAlive && isec.Shdr().Flags&uint64(elf.SHF_MERGE) != 0 &&
			isec.Size > 0 && isec.Shdr().EntSize > 0 &&
			isec.RelsecIdx == math.MaxUint32 {
			o.MergeableSections[i] = splitSection(ctx, isec)
			isec.IsAlive = false
		}
	}
}

func (o *ObjectFile) mergeableSectionOf(esym *Sym, idx int64) *MergeableSection {
	if o.MergeableSections == nil || esym.IsAbs() || esym.IsCommon() || esym.IsUndef() {
		return nil
	}
	shndx := o.GetShndx(esym, idx)
	if shndx < 0 || shndx >= int64(len(o.MergeableSections)) {
		return nil
	}
	return o.MergeableSections[shndx]
}

// RegisterSectionPieces interns the pieces of every mergeable section
// and points the symbols defined in them at their pieces.
func (o *ObjectFile) RegisterSectionPieces(ctx *Context) {
	for _, m := range o.MergeableSections {
		if m == nil {
			continue
		}
		m.Pieces = make([]*MergePiece, 0, len(m.Strs))
		for i := 0; i < len(m.Strs); i++ {
			m.Pieces = append(m.Pieces, m.Parent.Insert(m.Strs[i], m.Align))
		}
	}

	for i := int64(1); i < int64(len(o.ElfSyms)); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		m := o.mergeableSectionOf(esym, i)
		if m == nil {
			continue
		}
		if sym.File != &o.InputFile || sym.SymIdx != int32(i) {
			continue
		}

		piece, pieceOffset := m.GetPiece(uint32(esym.Val))
		if piece == nil {
			ctx.Report(DiagBadMergeSection, o.Name, sym.Name, "bad symbol value")
		}
		sym.SetPiece(piece)
		sym.Value = uint64(pieceOffset)
	}
}

func (o *ObjectFile) ReadRelocations(ctx *Context) {
	nFragSyms := 0
	relsOf := make([][]Rela, len(o.Sections))
	for i, isec := range o.Sections {
		if isec == nil || !isec.IsAlive {
			continue
		}
		rels := isec.GetRels(ctx)
		sort.SliceStable(rels, func(i, j int) bool {
			return rels[i].Offset < rels[j].Offset
		})
		relsOf[i] = rels

		for _, r := range rels {
			if r.Sym >= uint32(len(o.ElfSyms)) {
				ctx.Report(DiagBadSymbolIndex, o.Name, r.Sym)
			}
			if esym := &o.ElfSyms[r.Sym]; esym.Type() == uint8(elf.STT_SECTION) &&
				o.mergeableSectionOf(esym, int64(r.Sym)) != nil {
				nFragSyms++
			}
		}
	}

	o.FragSyms = make([]ResolveInfo, 0, nFragSyms)

	for i, isec := range o.Sections {
		if isec == nil || !isec.IsAlive || len(relsOf[i]) == 0 {
			continue
		}

		isec.Relocs = make([]*Relocation, 0, len(relsOf[i]))
		for _, rel := range relsOf[i] {
			if rel.Offset >= isec.Size && isec.Size > 0 {
				ctx.Report(DiagBadReloc, isec.Location(rel.Offset),
					ctx.Target.RelocName(rel.Type), "<offset>")
				continue
			}

			r := &Relocation{
				Type:    rel.Type,
				Addend:  rel.Addend,
				Offset:  rel.Offset,
				Section: isec,
				Sym:     o.Symbols[rel.Sym],
			}

			esym := &o.ElfSyms[rel.Sym]
			if m := o.mergeableSectionOf(esym, int64(rel.Sym)); m != nil &&
				esym.Type() == uint8(elf.STT_SECTION) {
				piece, pieceOffset := m.GetPiece(uint32(esym.Val) + uint32(rel.Addend))
				if piece == nil {
					ctx.Report(DiagBadMergeSection, o.Name, isec.Name(), "bad relocation")
				}

				o.FragSyms = append(o.FragSyms, *NewResolveInfo("<fragment>"))
				sym := &o.FragSyms[len(o.FragSyms)-1]
				sym.File = &o.InputFile
				sym.SymIdx = int32(rel.Sym)
				sym.IsLocal = true
				sym.Visibility = uint8(elf.STV_HIDDEN)
				sym.SetPiece(piece)
				sym.Value = uint64(pieceOffset) - uint64(rel.Addend)
				r.Sym = sym
			}

			isec.Relocs = append(isec.Relocs, r)
		}

		pairRelocations(ctx, isec)
	}
}

// pairRelocations links every low-part PC-relative relocation to the
// high-part relocation at the address its symbol names.
func pairRelocations(ctx *Context, isec *InputSection) {
	var hi map[uint64]*Relocation
	for _, r := range isec.Relocs {
		if h, ok := ctx.Target.Howto(r.Type); ok && h.Class&RelPairHi != 0 {
			if hi == nil {
				hi = make(map[uint64]*Relocation)
			}
			hi[r.Offset] = r
		}
	}

	for _, r := range isec.Relocs {
		h, ok := ctx.Target.Howto(r.Type)
		if !ok || h.Class&RelPairLo == 0 {
			continue
		}
		if r.Sym.InputSection == isec {
			r.Pair = hi[r.Sym.Value]
		}
		if r.Pair == nil {
			ctx.Report(DiagBadReloc, r.Location(), h.Name, r.Sym.String())
		}
	}
}
