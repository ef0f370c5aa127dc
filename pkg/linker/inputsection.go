package linker

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"fmt"
	"io"
	"math"

	"github.com/ksco/elfld/pkg/utils"
)

type InputSection struct {
	File     *InputFile
	Output   *LDSection
	Frag     FragID
	Contents []byte

	Shndx     uint32
	RelsecIdx uint32
	Size      uint64
	Align     uint64
	IsAlive   bool

	Relocs []*Relocation
}

func NewInputSection(
	ctx *Context, file *InputFile, shndx int64,
) *InputSection {
	s := &InputSection{
		File:      file,
		Frag:      NoFrag,
		Shndx:     uint32(shndx),
		RelsecIdx: math.MaxUint32,
		IsAlive:   true,
	}

	shdr := s.Shdr()
	s.Contents = file.GetBytesFromShdr(ctx, shdr)
	s.Size = shdr.Size
	s.Align = shdr.AddrAlign

	if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 && !ctx.Config.IsPartial() {
		s.decompress(ctx)
	}
	if s.Align == 0 {
		s.Align = 1
	}

	return s
}

func (s *InputSection) decompress(ctx *Context) {
	if uint64(len(s.Contents)) < uint64(24) {
		ctx.Report(DiagBadSectionHeader, s.File.Name, s.Shdr().Offset)
	}
	chdr := utils.Read[Chdr](s.Contents)
	if chdr.Type != uint32(elf.COMPRESS_ZLIB) {
		ctx.Report(DiagBadMergeSection, s.File.Name, s.Name(),
			fmt.Sprintf("unsupported compression type %d", chdr.Type))
	}

	zr, err := zlib.NewReader(bytes.NewReader(s.Contents[24:]))
	if err != nil {
		ctx.Report(DiagBadMergeSection, s.File.Name, s.Name(), err.Error())
	}
	defer zr.Close()

	out := make([]byte, chdr.Size)
	if _, err := io.ReadFull(zr, out); err != nil {
		ctx.Report(DiagBadMergeSection, s.File.Name, s.Name(), err.Error())
	}
	s.Contents = out
	s.Size = chdr.Size
	s.Align = chdr.AddrAlign
}

func (s *InputSection) Shdr() *Shdr {
	utils.Assert(s.Shndx < uint32(len(s.File.ElfSections)), "section index out of range")
	return &s.File.ElfSections[s.Shndx]
}

func (s *InputSection) Name() string {
	if uint32(len(s.File.ElfSections)) <= s.Shndx {
		return ".common"
	}
	return getName(s.File.ShStrtab, s.File.ElfSections[s.Shndx].Name)
}

// Place adds the section to its output section as a Region fragment,
// preceded by an Alignment fragment.
func (s *InputSection) Place(ctx *Context) {
	shdr := s.Shdr()
	s.Output = GetOutputSectionInstance(ctx, s.Name(), uint64(shdr.Type), shdr.Flags)
	if s.Output.IsNoBits() {
		s.Contents = nil
	}
	if s.Align > 1 {
		s.Output.Data.Append(NewAlignmentFragment(s.Align))
	}
	s.Frag = s.Output.Data.Append(NewRegionFragment(s.Contents, s.Size))
	s.Output.raiseAlign(s.Align)
}

func (s *InputSection) Ref(offset uint64) FragmentRef {
	return FragmentRef{Data: s.Output.Data, Frag: s.Frag, Offset: offset}
}

func (s *InputSection) GetAddr() uint64 {
	return s.Ref(0).Addr()
}

// OutputOffset is where the section starts inside its output section.
func (s *InputSection) OutputOffset() uint64 {
	return s.Ref(0).SectionOffset()
}

func (s *InputSection) IsAlloc() bool {
	return s.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0
}

func (s *InputSection) GetRels(ctx *Context) []Rela {
	if s.RelsecIdx == math.MaxUint32 {
		return nil
	}

	bs := s.File.GetBytesFromShdr(ctx, &s.File.ElfSections[s.RelsecIdx])
	nums := uint64(len(bs)) / RelaSize
	rels := make([]Rela, 0, nums)
	for nums > 0 {
		rels = append(rels, utils.Read[Rela](bs))
		bs = bs[RelaSize:]
		nums--
	}
	return rels
}

// Location formats file:section+offset for diagnostics.
func (s *InputSection) Location(offset uint64) string {
	return fmt.Sprintf("%s:(%s+%#x)", s.File.Name, s.Name(), offset)
}
