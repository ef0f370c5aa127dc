package linker

import (
	"debug/elf"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

// MergedSection is the deduplicated pool of SHF_MERGE pieces sharing a
// name, type and flags. It lands in its output section as one Region
// fragment.
type MergedSection struct {
	Name  string
	Type  uint32
	Flags uint64

	Section *LDSection
	Frag    FragID
	Map     map[string]*MergePiece
	Size    uint64
	Align   uint64
}

func NewMergedSection(name string, flags uint64, typ uint32) *MergedSection {
	return &MergedSection{
		Name:  name,
		Type:  typ,
		Flags: flags,
		Frag:  NoFrag,
		Map:   make(map[string]*MergePiece),
		Align: 1,
	}
}

func GetMergedSectionInstance(ctx *Context, name string, typ uint32, flags uint64) *MergedSection {
	name = GetOutputName(name, flags)
	flags = flags & ^uint64(elf.SHF_GROUP) & ^uint64(elf.SHF_MERGE) &
		^uint64(elf.SHF_STRINGS) & ^uint64(elf.SHF_COMPRESSED)

	find := func() *MergedSection {
		for _, m := range ctx.MergedSections {
			if name == m.Name && flags == m.Flags && typ == m.Type {
				return m
			}
		}
		return nil
	}

	if m := find(); m != nil {
		return m
	}

	m := NewMergedSection(name, flags, typ)
	ctx.MergedSections = append(ctx.MergedSections, m)
	return m
}

func (m *MergedSection) Insert(key string, align uint64) *MergePiece {
	piece, ok := m.Map[key]
	if !ok {
		piece = NewMergePiece(m)
		m.Map[key] = piece
	}
	if piece.Align < align {
		piece.Align = align
	}
	return piece
}

// AssignOffsets lays the pieces out in a deterministic order and adds
// the pool to its output section.
func (m *MergedSection) AssignOffsets(ctx *Context) {
	type entry struct {
		Key string
		Val *MergePiece
	}
	var pieces []entry
	for key, val := range m.Map {
		pieces = append(pieces, entry{key, val})
	}

	sort.SliceStable(pieces, func(i, j int) bool {
		x := pieces[i]
		y := pieces[j]
		if x.Val.Align != y.Val.Align {
			return x.Val.Align < y.Val.Align
		}
		if len(x.Key) != len(y.Key) {
			return len(x.Key) < len(y.Key)
		}
		return x.Key < y.Key
	})

	offset := uint64(0)
	align := uint64(1)
	for _, p := range pieces {
		if !p.Val.IsAlive {
			continue
		}

		offset = utils.AlignTo(offset, p.Val.Align)
		p.Val.Offset = uint32(offset)
		offset += uint64(len(p.Key))
		align = utils.Max(align, p.Val.Align)
	}

	m.Size = utils.AlignTo(offset, align)
	m.Align = align

	buf := make([]byte, m.Size)
	for _, p := range pieces {
		if p.Val.IsAlive {
			copy(buf[p.Val.Offset:], p.Key)
		}
	}

	m.Section = GetOutputSectionInstance(ctx, m.Name, uint64(m.Type), m.Flags)
	if m.Align > 1 {
		m.Section.Data.Append(NewAlignmentFragment(m.Align))
	}
	m.Frag = m.Section.Data.Append(NewRegionFragment(buf, m.Size))
	m.Section.raiseAlign(m.Align)
}
