package linker

import (
	"debug/elf"
)

type SectionKind uint8

const (
	SectNull SectionKind = iota
	SectRegular
	SectBSS
	SectNote
	SectEhFrame
	SectRelocation
	SectNamePool
	SectTarget
	SectDebug
	SectMetaData
)

// LDSection describes one output section and owns its SectionData.
type LDSection struct {
	Name    string
	Kind    SectionKind
	Type    uint32
	Flags   uint64
	Addr    uint64
	Offset  uint64
	Size    uint64
	Align   uint64
	EntSize uint64
	Link    *LDSection
	Info    uint32
	Index   uint32
	Order   int

	Data    *SectionData
	Segment *ELFSegment

	// Sym is the section symbol emitted for partial links.
	Sym *ResolveInfo
	// RelocOf is the section a partial-link relocation section applies to.
	RelocOf *LDSection
	Relocs  []*Relocation
	// FixedAddr is set when the address map pins the section.
	FixedAddr *uint64

	keep   bool
	seq    int
	writer func(ctx *Context)
}

func NewLDSection(name string, kind SectionKind, typ uint32, flags uint64) *LDSection {
	s := &LDSection{
		Name:  name,
		Kind:  kind,
		Type:  typ,
		Flags: flags,
		Align: 1,
	}
	NewSectionData(s)
	return s
}

func (s *LDSection) IsAlloc() bool {
	return s.Flags&uint64(elf.SHF_ALLOC) != 0
}

func (s *LDSection) IsWrite() bool {
	return s.Flags&uint64(elf.SHF_WRITE) != 0
}

func (s *LDSection) IsExec() bool {
	return s.Flags&uint64(elf.SHF_EXECINSTR) != 0
}

func (s *LDSection) IsTLS() bool {
	return s.Flags&uint64(elf.SHF_TLS) != 0
}

func (s *LDSection) IsNoBits() bool {
	return s.Type == uint32(elf.SHT_NOBITS)
}

func (s *LDSection) IsTbss() bool {
	return s.IsNoBits() && s.IsTLS()
}

// FileSize is the number of bytes the section occupies in the file.
func (s *LDSection) FileSize() uint64 {
	if s.IsNoBits() {
		return 0
	}
	return s.Size
}

func (s *LDSection) Shdr() Shdr {
	shdr := Shdr{
		Type:      s.Type,
		Flags:     s.Flags,
		Addr:      s.Addr,
		Offset:    s.Offset,
		Size:      s.Size,
		Info:      s.Info,
		AddrAlign: s.Align,
		EntSize:   s.EntSize,
	}
	if s.Link != nil {
		shdr.Link = s.Link.Index
	}
	if s.RelocOf != nil {
		shdr.Info = s.RelocOf.Index
	}
	return shdr
}

func (s *LDSection) raiseAlign(align uint64) {
	if align > s.Align {
		s.Align = align
	}
}

// End is the first address past the section.
func (s *LDSection) End() uint64 {
	return s.Addr + s.Size
}

func GetOutputSectionInstance(
	ctx *Context, name string, typ uint64, flags uint64) *LDSection {
	if !ctx.Config.IsPartial() {
		name = GetOutputName(name, flags)
	}
	if mapped, ok := ctx.Config.Script.PlaceSection(name); ok {
		name = mapped
	}
	typ = CanonicalizeType(name, typ)
	flags = flags & ^uint64(elf.SHF_GROUP) & ^uint64(elf.SHF_COMPRESSED) &
		^uint64(elf.SHF_LINK_ORDER)
	if !ctx.Config.IsPartial() {
		flags &= ^uint64(SHF_EXCLUDE)
	}

	if typ == uint64(elf.SHT_INIT_ARRAY) || typ == uint64(elf.SHT_FINI_ARRAY) {
		flags |= uint64(elf.SHF_WRITE)
	}

	find := func() *LDSection {
		for _, osec := range ctx.OutputSections {
			if name == osec.Name && typ == uint64(osec.Type) &&
				flags == osec.Flags {
				return osec
			}
		}
		return nil
	}

	if osec := find(); osec != nil {
		return osec
	}

	return ctx.addOutputSection(
		NewLDSection(name, sectionKindOf(name, uint32(typ), flags), uint32(typ), flags))
}

// AddSyntheticSection registers a linker-created output section.
func AddSyntheticSection(ctx *Context, name string, typ elf.SectionType,
	flags elf.SectionFlag, align uint64) *LDSection {
	osec := NewLDSection(name, sectionKindOf(name, uint32(typ), uint64(flags)),
		uint32(typ), uint64(flags))
	if osec.Kind == SectRegular {
		osec.Kind = SectTarget
	}
	osec.Align = align
	return ctx.addOutputSection(osec)
}

func (ctx *Context) addOutputSection(osec *LDSection) *LDSection {
	if addr, ok := ctx.Config.Script.AddressMap[osec.Name]; ok {
		osec.FixedAddr = &addr
	}
	osec.seq = len(ctx.OutputSections)
	ctx.OutputSections = append(ctx.OutputSections, osec)
	return osec
}

func FindOutputSection(ctx *Context, name string) *LDSection {
	for _, osec := range ctx.OutputSections {
		if osec.Name == name {
			return osec
		}
	}
	return nil
}
