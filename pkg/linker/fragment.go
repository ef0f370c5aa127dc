package linker

import (
	"github.com/ksco/elfld/pkg/utils"
)

type FragmentKind uint8

const (
	FragNull FragmentKind = iota
	FragAlignment
	FragFill
	FragRegion
	FragTarget
	FragStub
)

func (k FragmentKind) String() string {
	switch k {
	case FragNull:
		return "null"
	case FragAlignment:
		return "alignment"
	case FragFill:
		return "fill"
	case FragRegion:
		return "region"
	case FragTarget:
		return "target"
	case FragStub:
		return "stub"
	}
	return "unknown"
}

type FragID int32

const NoFrag FragID = -1

// Fragment is the smallest unit of linker-controlled output content.
// Alignment fragments get their size from their position; every other
// kind has a fixed size when it is created.
type Fragment struct {
	Kind   FragmentKind
	Size   uint64
	Offset uint64

	// Align is the alignment an Alignment fragment pads to.
	Align uint64
	// Value is the byte a Fill fragment repeats.
	Value byte
	// Contents backs Region, Target and Stub fragments. A Region in a
	// NOBITS section has no contents.
	Contents []byte

	Stub *Stub
}

func NewAlignmentFragment(align uint64) Fragment {
	return Fragment{Kind: FragAlignment, Align: align}
}

func NewFillFragment(value byte, size uint64) Fragment {
	return Fragment{Kind: FragFill, Value: value, Size: size}
}

func NewRegionFragment(contents []byte, size uint64) Fragment {
	return Fragment{Kind: FragRegion, Contents: contents, Size: size}
}

func NewTargetFragment(size uint64) Fragment {
	return Fragment{Kind: FragTarget, Contents: make([]byte, size), Size: size}
}

// SectionData is the ordered fragment sequence of one LDSection.
// Fragments live in an arena and are addressed by FragID; order holds
// the byte order.
type SectionData struct {
	Section *LDSection

	frags     []Fragment
	order     []FragID
	size      uint64
	finalized bool
}

func NewSectionData(sec *LDSection) *SectionData {
	d := &SectionData{Section: sec}
	sec.Data = d
	return d
}

func (d *SectionData) Append(f Fragment) FragID {
	utils.Assert(!d.finalized, "append after FinalizeOffsets")
	id := FragID(len(d.frags))
	d.frags = append(d.frags, f)
	d.order = append(d.order, id)
	return id
}

// InsertAfter places f right after the fragment prev in byte order.
func (d *SectionData) InsertAfter(prev FragID, f Fragment) FragID {
	utils.Assert(!d.finalized, "insert after FinalizeOffsets")
	pos := d.position(prev)
	id := FragID(len(d.frags))
	d.frags = append(d.frags, f)
	d.order = append(d.order, NoFrag)
	copy(d.order[pos+2:], d.order[pos+1:])
	d.order[pos+1] = id
	return id
}

func (d *SectionData) position(id FragID) int {
	for i, x := range d.order {
		if x == id {
			return i
		}
	}
	utils.Assert(false, "fragment is not in this section")
	return -1
}

func (d *SectionData) Frag(id FragID) *Fragment {
	return &d.frags[id]
}

// Order returns the fragments' IDs in byte order.
func (d *SectionData) Order() []FragID {
	return d.order
}

func (d *SectionData) Len() int {
	return len(d.order)
}

func (d *SectionData) Empty() bool {
	return len(d.order) == 0
}

func (d *SectionData) Last() FragID {
	if len(d.order) == 0 {
		return NoFrag
	}
	return d.order[len(d.order)-1]
}

func (d *SectionData) Finalized() bool {
	return d.finalized
}

// SetSize changes the size of a fragment before finalization.
func (d *SectionData) SetSize(id FragID, size uint64) {
	utils.Assert(!d.finalized, "size change after FinalizeOffsets")
	d.frags[id].Size = size
}

// Grow appends size bytes to a Target fragment before finalization.
func (d *SectionData) Grow(id FragID, size uint64) {
	f := d.Frag(id)
	utils.Assert(f.Kind == FragTarget, "only target fragments grow")
	d.SetSize(id, f.Size+size)
	f.Contents = append(f.Contents, make([]byte, size)...)
}

// Measure assigns provisional offsets and returns the total size. The
// section stays open for appends.
func (d *SectionData) Measure() uint64 {
	offset := uint64(0)
	for _, id := range d.order {
		f := &d.frags[id]
		if f.Kind == FragAlignment {
			f.Size = utils.AlignTo(offset, f.Align) - offset
		}
		f.Offset = offset
		offset += f.Size
	}
	return offset
}

// FinalizeOffsets assigns final offsets, sets the section size and seals
// the sequence.
func (d *SectionData) FinalizeOffsets() uint64 {
	if d.finalized {
		utils.Assert(d.Measure() == d.size, "fragment size changed after FinalizeOffsets")
		return d.size
	}
	d.size = d.Measure()
	d.finalized = true
	if d.Section != nil {
		d.Section.Size = d.size
	}
	return d.size
}

// Verify checks the no-overlap invariant of a finalized section.
func (d *SectionData) Verify() {
	utils.Assert(d.finalized, "verify before FinalizeOffsets")
	offset := uint64(0)
	for _, id := range d.order {
		f := &d.frags[id]
		utils.Assert(f.Offset == offset, "fragment offsets are not contiguous")
		offset += f.Size
	}
	utils.Assert(offset == d.size, "fragment sizes do not add up to the section size")
}

// FragmentRef names a byte inside a fragment.
type FragmentRef struct {
	Data   *SectionData
	Frag   FragID
	Offset uint64
}

func (r FragmentRef) IsNull() bool {
	return r.Data == nil
}

func (r FragmentRef) Fragment() *Fragment {
	return r.Data.Frag(r.Frag)
}

// SectionOffset is the offset from the start of the owning section.
func (r FragmentRef) SectionOffset() uint64 {
	return r.Fragment().Offset + r.Offset
}

func (r FragmentRef) Addr() uint64 {
	return r.Data.Section.Addr + r.SectionOffset()
}

func (r FragmentRef) FileOffset() uint64 {
	return r.Data.Section.Offset + r.SectionOffset()
}
