package linker

import (
	"bytes"
	"debug/elf"
	"math"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

// MergePiece is one deduplicated string or constant of a MergedSection.
type MergePiece struct {
	Output  *MergedSection
	Offset  uint32
	Align   uint64
	IsAlive bool
}

func NewMergePiece(m *MergedSection) *MergePiece {
	return &MergePiece{Output: m, Offset: math.MaxUint32, Align: 1, IsAlive: true}
}

func (p *MergePiece) Ref() FragmentRef {
	return FragmentRef{Data: p.Output.Section.Data, Frag: p.Output.Frag, Offset: uint64(p.Offset)}
}

func (p *MergePiece) GetAddr() uint64 {
	return p.Ref().Addr()
}

// MergeableSection is an input SHF_MERGE section split into pieces.
type MergeableSection struct {
	Parent       *MergedSection
	Align        uint64
	Strs         []string
	PieceOffsets []uint32
	Pieces       []*MergePiece
}

func (m *MergeableSection) GetPiece(offset uint32) (*MergePiece, uint32) {
	pos := sort.Search(len(m.PieceOffsets), func(i int) bool {
		return offset < m.PieceOffsets[i]
	})

	if pos == 0 {
		return nil, 0
	}

	idx := pos - 1
	return m.Pieces[idx], offset - m.PieceOffsets[idx]
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.Index(data, []byte{0})
	}

	for i := 0; i <= len(data)-entSize; i += entSize {
		bs := data[i : i+entSize]
		if utils.AllZeros(bs) {
			return i
		}
	}
	return -1
}

func splitSection(ctx *Context, isec *InputSection) *MergeableSection {
	rec := &MergeableSection{}
	shdr := isec.Shdr()
	rec.Parent = GetMergedSectionInstance(ctx, isec.Name(), shdr.Type, shdr.Flags)
	rec.Align = isec.Align

	data := isec.Contents
	offset := uint64(0)
	if shdr.Flags&uint64(elf.SHF_STRINGS) != 0 {
		for len(data) > 0 {
			end := findNull(data, int(shdr.EntSize))
			if end == -1 {
				ctx.Report(DiagBadMergeSection, isec.File.Name, isec.Name(),
					"string is not null terminated")
			}

			substr := data[:uint64(end)+shdr.EntSize]
			data = data[uint64(end)+shdr.EntSize:]
			rec.Strs = append(rec.Strs, string(substr))
			rec.PieceOffsets = append(rec.PieceOffsets, uint32(offset))
			offset += uint64(end) + shdr.EntSize
		}
	} else {
		if uint64(len(data))%shdr.EntSize != 0 {
			ctx.Report(DiagBadMergeSection, isec.File.Name, isec.Name(),
				"section size is not multiple of entsize")
		}
		for len(data) > 0 {
			substr := data[:shdr.EntSize]
			data = data[shdr.EntSize:]
			rec.Strs = append(rec.Strs, string(substr))
			rec.PieceOffsets = append(rec.PieceOffsets, uint32(offset))
			offset += shdr.EntSize
		}
	}

	return rec
}
