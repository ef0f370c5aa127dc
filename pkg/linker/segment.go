package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

// ELFSegment is one program header and the output sections it covers.
type ELFSegment struct {
	Type     uint32
	Flags    uint32
	Sections []*LDSection

	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64

	// includeHeaders makes a PT_LOAD start at file offset 0 so that it
	// maps the ELF and program headers.
	includeHeaders bool
}

func (s *ELFSegment) Append(osec *LDSection) {
	s.Sections = append(s.Sections, osec)
	if s.Type == uint32(elf.PT_LOAD) {
		osec.Segment = s
	}
}

func (s *ELFSegment) Empty() bool {
	return len(s.Sections) == 0
}

func (s *ELFSegment) Front() *LDSection {
	return s.Sections[0]
}

func (s *ELFSegment) Phdr() Phdr {
	return Phdr{
		Type:     s.Type,
		Flags:    s.Flags,
		Offset:   s.Offset,
		VAddr:    s.VAddr,
		PAddr:    s.PAddr,
		FileSize: s.FileSize,
		MemSize:  s.MemSize,
		Align:    s.Align,
	}
}

// cover spans the segment over its sections.
func (s *ELFSegment) cover() {
	if s.Empty() {
		return
	}
	first := s.Front()
	s.Offset = first.Offset
	s.VAddr = first.Addr
	s.PAddr = first.Addr

	fileEnd := first.Offset
	memEnd := first.Addr
	align := uint64(1)
	for _, osec := range s.Sections {
		fileEnd = utils.Max(fileEnd, osec.Offset+osec.FileSize())
		memEnd = utils.Max(memEnd, osec.End())
		align = utils.Max(align, osec.Align)
	}
	s.FileSize = fileEnd - s.Offset
	s.MemSize = memEnd - s.VAddr
	s.Align = align
}

// SegmentTable holds the program headers in output order.
type SegmentTable struct {
	list []*ELFSegment
}

// Produce returns the segment of the given type and flags, creating it
// on first use.
func (t *SegmentTable) Produce(typ elf.ProgType, flags elf.ProgFlag) *ELFSegment {
	for _, seg := range t.list {
		if seg.Type == uint32(typ) && seg.Flags == uint32(flags) {
			return seg
		}
	}
	return t.Split(typ, flags)
}

// Split always creates a new segment. PT_LOAD and PT_NOTE can repeat.
func (t *SegmentTable) Split(typ elf.ProgType, flags elf.ProgFlag) *ELFSegment {
	seg := &ELFSegment{Type: uint32(typ), Flags: uint32(flags)}
	t.list = append(t.list, seg)
	return seg
}

func (t *SegmentTable) Find(typ elf.ProgType) *ELFSegment {
	for _, seg := range t.list {
		if seg.Type == uint32(typ) {
			return seg
		}
	}
	return nil
}

func (t *SegmentTable) List() []*ELFSegment {
	return t.list
}

func (t *SegmentTable) Len() int {
	return len(t.list)
}
