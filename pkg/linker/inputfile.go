package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

type InputFile struct {
	Name     string
	Kind     InputKind
	Contents []byte

	Ehdr         Ehdr
	ElfSections  []Shdr
	ShStrtab     []byte
	ElfSyms      []Sym
	SymbolStrtab []byte
	FirstGlobal  int64

	Symbols   []*ResolveInfo
	LocalSyms []ResolveInfo
	FragSyms  []ResolveInfo
	Sections  []*InputSection

	SymtabShndxSec []uint32

	IsAlive  bool
	Priority uint32

	// Soname is the DT_NEEDED name of a shared object.
	Soname string
	// HasStackNote is set when the object carries .note.GNU-stack.
	HasStackNote bool
	ExecStack    bool
}

func newInputFile(in *Input) InputFile {
	return InputFile{
		Name:     in.Name,
		Kind:     in.Kind,
		Contents: in.Contents,
		IsAlive:  !in.InLib,
	}
}

// parseHeader validates the ELF header of f against the session target
// and loads the section header table.
func (f *InputFile) parseHeader(ctx *Context, want elf.Type) {
	if uint64(len(f.Contents)) < EhdrSize {
		ctx.Report(DiagFileTooSmall, f.Name)
	}
	if !CheckMagic(f.Contents) {
		ctx.Report(DiagNotELF, f.Name)
	}
	if c := f.Contents[elf.EI_CLASS]; c != byte(elf.ELFCLASS64) {
		ctx.Report(DiagBadClass, f.Name, c)
	}
	if d := f.Contents[elf.EI_DATA]; d != byte(elf.ELFDATA2LSB) {
		ctx.Report(DiagBadEndian, f.Name, d)
	}

	f.Ehdr = utils.Read[Ehdr](f.Contents)
	if elf.Type(f.Ehdr.Type) != want {
		ctx.Report(DiagBadFileType, f.Name, elf.Type(f.Ehdr.Type).String())
	}
	if m := elf.Machine(f.Ehdr.Machine); m != ctx.Target.Machine {
		ctx.Report(DiagMachineMismatch, f.Name, m.String(), ctx.Target.Machine.String())
	}

	if f.Ehdr.ShOff == 0 {
		return
	}
	if f.Ehdr.ShOff+ShdrSize > uint64(len(f.Contents)) {
		ctx.Report(DiagBadSectionHeader, f.Name, f.Ehdr.ShOff)
	}

	contents := f.Contents[f.Ehdr.ShOff:]
	shdr := utils.Read[Shdr](contents)

	numSections := uint64(f.Ehdr.ShNum)
	if numSections == 0 {
		numSections = shdr.Size
	}
	if f.Ehdr.ShOff+numSections*ShdrSize > uint64(len(f.Contents)) {
		ctx.Report(DiagBadSectionHeader, f.Name, f.Ehdr.ShOff)
	}

	f.ElfSections = []Shdr{shdr}
	for numSections > 1 {
		contents = contents[ShdrSize:]
		f.ElfSections = append(f.ElfSections, utils.Read[Shdr](contents))
		numSections--
	}

	shstrtabIdx := int64(f.Ehdr.ShStrndx)
	if f.Ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrtabIdx = int64(shdr.Link)
	}

	f.ShStrtab = f.GetBytesFromIdx(ctx, shstrtabIdx)
}

func (f *InputFile) GetBytesFromShdr(ctx *Context, s *Shdr) []byte {
	if s.Type == uint32(elf.SHT_NOBITS) {
		return nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || uint64(len(f.Contents)) < end {
		ctx.Report(DiagBadSectionHeader, f.Name, s.Offset)
	}

	return f.Contents[s.Offset:end]
}

func (f *InputFile) GetBytesFromIdx(ctx *Context, idx int64) []byte {
	if idx < 0 || idx >= int64(len(f.ElfSections)) {
		ctx.Report(DiagBadSectionIndex, f.Name, idx)
	}
	return f.GetBytesFromShdr(ctx, &f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(ctx *Context, s *Shdr) {
	bs := f.GetBytesFromShdr(ctx, s)
	nums := uint64(len(bs)) / SymSize
	f.ElfSyms = make([]Sym, 0, nums)
	for nums > 0 {
		f.ElfSyms = append(f.ElfSyms, utils.Read[Sym](bs))
		bs = bs[SymSize:]
		nums--
	}
}

func (f *InputFile) FillUpSymtabShndxSec(ctx *Context, s *Shdr) {
	bs := f.GetBytesFromShdr(ctx, s)
	nums := len(bs) / 4
	f.SymtabShndxSec = make([]uint32, 0, nums)
	for nums > 0 {
		f.SymtabShndxSec = append(f.SymtabShndxSec, utils.Read[uint32](bs))
		bs = bs[4:]
		nums--
	}
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		sec := &f.ElfSections[i]
		if sec.Type == ty {
			return sec
		}
	}
	return nil
}

func (f *InputFile) SectionName(shdr *Shdr) string {
	return getName(f.ShStrtab, shdr.Name)
}

func (f *InputFile) SwapIsAlive(isAlive bool) bool {
	old := f.IsAlive
	f.IsAlive = isAlive
	return old
}

func (f *InputFile) GetGlobalSyms() []*ResolveInfo {
	return f.Symbols[f.FirstGlobal:]
}

func (f *InputFile) GetShndx(esym *Sym, idx int64) int64 {
	utils.Assert(idx >= 0 && idx < int64(len(f.ElfSyms)))
	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		if idx >= int64(len(f.SymtabShndxSec)) {
			return 0
		}
		return int64(f.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

// GetSection returns the live input section esym is defined in.
func (f *InputFile) GetSection(esym *Sym, idx int64) *InputSection {
	shndx := f.GetShndx(esym, idx)
	if shndx < 0 || shndx >= int64(len(f.Sections)) {
		return nil
	}
	return f.Sections[shndx]
}

// isSectionKept reports whether the section a symbol lives in survives
// into the link. It works from the headers alone, before sections are
// read.
func (f *InputFile) isSectionKept(ctx *Context, esym *Sym, idx int64) bool {
	if esym.IsAbs() || esym.IsCommon() || esym.IsUndef() {
		return true
	}
	if f.Kind == InputDynObj {
		return true
	}
	shndx := f.GetShndx(esym, idx)
	if shndx <= 0 || shndx >= int64(len(f.ElfSections)) {
		ctx.Report(DiagBadSectionIndex, f.Name, shndx)
	}
	return f.keepSection(ctx, &f.ElfSections[shndx])
}

func (f *InputFile) keepSection(ctx *Context, shdr *Shdr) bool {
	if shdr.Flags&uint64(SHF_EXCLUDE) != 0 && shdr.Flags&uint64(elf.SHF_ALLOC) == 0 &&
		!ctx.Config.IsPartial() {
		return false
	}
	switch elf.SectionType(shdr.Type) {
	case elf.SHT_GROUP, elf.SHT_SYMTAB_SHNDX, elf.SHT_SYMTAB, elf.SHT_STRTAB,
		elf.SHT_REL, elf.SHT_RELA, elf.SHT_NULL:
		return false
	}
	if shdr.Type == SHT_LLVM_ADDRSIG {
		return false
	}
	return true
}

func (f *InputFile) MarkLiveObjects(ctx *Context, feeder func(*InputFile)) {
	utils.Assert(f.IsAlive)

	for i := f.FirstGlobal; i < int64(len(f.ElfSyms)); i++ {
		esym := &f.ElfSyms[i]
		sym := f.Symbols[i]
		if sym == nil {
			continue
		}

		f.MergeVisibility(sym, esym.StVisibility())

		if esym.IsWeak() {
			continue
		}

		if sym.File == nil {
			continue
		}

		keep := esym.IsUndef() || (esym.IsCommon() && !sym.ElfSym().IsCommon())
		if keep && !sym.File.SwapIsAlive(true) {
			feeder(sym.File)
		}
	}
}

func (f *InputFile) MergeVisibility(sym *ResolveInfo, visibility uint8) {
	if visibility == uint8(elf.STV_INTERNAL) {
		visibility = uint8(elf.STV_HIDDEN)
	}

	priority := func(visibility uint8) int {
		switch visibility {
		case uint8(elf.STV_HIDDEN):
			return 1
		case uint8(elf.STV_PROTECTED):
			return 2
		}
		return 3
	}

	// Shared objects do not constrain the visibility of the output.
	if f.Kind == InputDynObj {
		return
	}
	if priority(sym.Visibility) > priority(visibility) {
		sym.Visibility = visibility
	}
}

func (f *InputFile) ClearSymbols() {
	for _, sym := range f.GetGlobalSyms() {
		if sym != nil && sym.File == f {
			sym.Clear()
		}
	}
}

func (f *InputFile) ResolveSymbols(ctx *Context) {
	for i := f.FirstGlobal; i < int64(len(f.ElfSyms)); i++ {
		sym := f.Symbols[i]
		esym := &f.ElfSyms[i]

		if esym.IsUndef() {
			continue
		}

		if !f.isSectionKept(ctx, esym, i) {
			continue
		}

		if GetRank(f, esym, !f.IsAlive) < sym.GetRank() {
			sym.File = f
			sym.SetInputSection(nil)
			sym.Value = esym.Val
			sym.SymIdx = int32(i)
			sym.IsWeak = esym.IsWeak()
			sym.IsExported = false
		}
	}
}

// BindSections attaches the winning global definitions of this file to
// their input sections once sections exist.
func (f *InputFile) BindSections(ctx *Context) {
	if f.Kind == InputDynObj {
		return
	}
	for i := f.FirstGlobal; i < int64(len(f.ElfSyms)); i++ {
		sym := f.Symbols[i]
		esym := &f.ElfSyms[i]
		if sym.File != f || sym.SymIdx != int32(i) {
			continue
		}
		if esym.IsAbs() || esym.IsCommon() || esym.IsUndef() {
			continue
		}
		sym.SetInputSection(f.GetSection(esym, i))
		sym.Value = esym.Val
	}
}

func (f *InputFile) ClaimUnresolvedSymbols(ctx *Context) {
	if !f.IsAlive {
		return
	}

	for i := f.FirstGlobal; i < int64(len(f.ElfSyms)); i++ {
		esym := &f.ElfSyms[i]
		if !esym.IsUndef() {
			continue
		}

		sym := f.Symbols[i]
		if sym.File != nil {
			if !sym.ElfSym().IsUndef() {
				continue
			}
			// A strong reference outranks a weak one.
			if !sym.ElfSym().IsWeak() || esym.IsWeak() {
				continue
			}
		}

		sym.File = f
		sym.SetInputSection(nil)
		sym.Value = 0
		sym.SymIdx = int32(i)
		sym.IsWeak = esym.IsWeak()
		sym.IsExported = false
	}
}

func (f *InputFile) String() string {
	return f.Name
}
