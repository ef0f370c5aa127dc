package linker

import (
	"debug/elf"
)

const (
	NEEDS_GOT      uint32 = 1 << 0
	NEEDS_PLT      uint32 = 1 << 1
	NEEDS_COPYREL  uint32 = 1 << 2
	NEEDS_GOTTP    uint32 = 1 << 3
	NEEDS_DYNSYM   uint32 = 1 << 4
	NEEDS_CANONPLT uint32 = 1 << 5
)

// ResolveInfo is the resolved view of a symbol name. Globals have one
// ResolveInfo per name shared by every file; locals are per file.
type ResolveInfo struct {
	File *InputFile

	InputSection  *InputSection
	OutputSection *LDSection
	Piece         *MergePiece
	// Ref is set for definitions the linker places itself: allocated
	// commons and copy-relocated data.
	Ref FragmentRef

	Value uint64
	Name  string

	SymIdx int32

	Flags      uint32
	Visibility uint8

	IsWeak     bool
	IsExported bool
	IsLocal    bool
	CopyRel    bool

	CommonSize  uint64
	CommonAlign uint64

	DynIdx    int32
	SymtabIdx int32
}

func NewResolveInfo(name string) *ResolveInfo {
	s := &ResolveInfo{
		Name:       name,
		SymIdx:     -1,
		DynIdx:     -1,
		SymtabIdx:  -1,
		Visibility: uint8(elf.STV_DEFAULT),
	}
	return s
}

func GetSymbolByName(ctx *Context, name string) *ResolveInfo {
	if sym, ok := ctx.SymbolMap[name]; ok {
		return sym
	}
	sym := NewResolveInfo(name)
	ctx.SymbolMap[name] = sym
	ctx.Symbols = append(ctx.Symbols, sym)
	return sym
}

func (s *ResolveInfo) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.OutputSection = nil
	s.Piece = nil
	s.Ref = FragmentRef{}
}

func (s *ResolveInfo) SetOutputSection(osec *LDSection) {
	s.InputSection = nil
	s.OutputSection = osec
	s.Piece = nil
	s.Ref = FragmentRef{}
}

func (s *ResolveInfo) SetPiece(piece *MergePiece) {
	s.InputSection = nil
	s.OutputSection = nil
	s.Piece = piece
	s.Ref = FragmentRef{}
}

func (s *ResolveInfo) SetFragmentRef(ref FragmentRef) {
	s.InputSection = nil
	s.OutputSection = nil
	s.Piece = nil
	s.Ref = ref
}

func (s *ResolveInfo) ElfSym() *Sym {
	return &s.File.ElfSyms[s.SymIdx]
}

func (s *ResolveInfo) IsDefined() bool {
	return s.File != nil && !s.ElfSym().IsUndef()
}

func (s *ResolveInfo) IsUndefined() bool {
	return !s.IsDefined()
}

// IsUndefWeak reports a weak reference nothing defines.
func (s *ResolveInfo) IsUndefWeak() bool {
	return s.File != nil && s.ElfSym().IsUndefWeak()
}

// IsDyn reports a symbol defined by a shared object.
func (s *ResolveInfo) IsDyn() bool {
	return s.File != nil && s.File.Kind == InputDynObj && !s.CopyRel
}

func (s *ResolveInfo) IsCommon() bool {
	return s.File != nil && s.File.Kind != InputDynObj && s.ElfSym().IsCommon()
}

func (s *ResolveInfo) IsAbs() bool {
	return s.File != nil && s.ElfSym().IsAbs() && s.OutputSection == nil
}

func (s *ResolveInfo) Type() uint8 {
	if s.File == nil {
		return uint8(elf.STT_NOTYPE)
	}
	return s.ElfSym().Type()
}

func (s *ResolveInfo) IsSectionSym() bool {
	return s.IsLocal && s.Type() == uint8(elf.STT_SECTION)
}

func (s *ResolveInfo) Size() uint64 {
	if s.File == nil {
		return 0
	}
	if s.IsCommon() {
		return s.CommonSize
	}
	return s.ElfSym().Size
}

func (s *ResolveInfo) GetAddr() uint64 {
	if s.Piece != nil {
		if !s.Piece.IsAlive {
			return 0
		}
		return s.Piece.GetAddr() + s.Value
	}

	if !s.Ref.IsNull() {
		return s.Ref.Addr() + s.Value
	}

	if s.OutputSection != nil {
		return s.OutputSection.Addr + s.Value
	}

	if s.IsDyn() {
		return 0
	}

	if s.InputSection == nil {
		return s.Value
	}

	if !s.InputSection.IsAlive {
		return 0
	}

	return s.InputSection.GetAddr() + s.Value
}

// FragRef locates the definition inside the output, or returns a null
// reference for absolute, undefined and dynamic symbols.
func (s *ResolveInfo) FragRef() FragmentRef {
	switch {
	case s.Piece != nil:
		ref := s.Piece.Ref()
		ref.Offset += s.Value
		return ref
	case !s.Ref.IsNull():
		ref := s.Ref
		ref.Offset += s.Value
		return ref
	case s.InputSection != nil && s.InputSection.IsAlive && s.InputSection.Output != nil:
		return s.InputSection.Ref(s.Value)
	}
	return FragmentRef{}
}

// OutputSectionOf returns the output section holding the definition.
func (s *ResolveInfo) OutputSectionOf() *LDSection {
	switch {
	case s.Piece != nil:
		return s.Piece.Output.Section
	case !s.Ref.IsNull():
		return s.Ref.Data.Section
	case s.OutputSection != nil:
		return s.OutputSection
	case s.InputSection != nil && s.InputSection.IsAlive:
		return s.InputSection.Output
	}
	return nil
}

func (s *ResolveInfo) Clear() {
	s.File = nil
	s.Piece = nil
	s.OutputSection = nil
	s.InputSection = nil
	s.Ref = FragmentRef{}
	s.SymIdx = -1
	s.IsWeak = false
	s.IsExported = false
	s.CommonSize = 0
	s.CommonAlign = 0
}

func (s *ResolveInfo) GetRank() uint64 {
	if s.File == nil {
		return undefinedRank
	}
	return GetRank(s.File, s.ElfSym(), !s.File.IsAlive)
}

func (s *ResolveInfo) String() string {
	if s.Name == "" {
		return "<local>"
	}
	return s.Name
}
