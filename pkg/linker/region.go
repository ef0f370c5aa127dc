package linker

import (
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

// Space is a non-overlapping byte range of the output file.
type Space struct {
	Start  uint64
	Size   uint64
	leases []*Region
}

func (s *Space) End() uint64 {
	return s.Start + s.Size
}

func (s *Space) Leases() int {
	return len(s.leases)
}

// Region is a leased view into a Space.
type Region struct {
	Start uint64
	Data  []byte

	space *Space
}

func (r *Region) End() uint64 {
	return r.Start + uint64(len(r.Data))
}

// MemoryArea owns the output image and hands out Regions of it.
type MemoryArea struct {
	buf    []byte
	spaces []*Space
}

func NewMemoryArea(size uint64) *MemoryArea {
	return &MemoryArea{buf: make([]byte, size)}
}

func (m *MemoryArea) Size() uint64 {
	return uint64(len(m.buf))
}

// AddSpace registers [start, start+size) as a Space.
func (m *MemoryArea) AddSpace(start, size uint64) *Space {
	utils.Assert(start+size <= uint64(len(m.buf)), "space exceeds the output image")

	idx := sort.Search(len(m.spaces), func(i int) bool {
		return m.spaces[i].Start >= start
	})
	if idx < len(m.spaces) {
		utils.Assert(start+size <= m.spaces[idx].Start, "spaces overlap")
	}
	if idx > 0 {
		utils.Assert(m.spaces[idx-1].End() <= start, "spaces overlap")
	}

	s := &Space{Start: start, Size: size}
	m.spaces = append(m.spaces, nil)
	copy(m.spaces[idx+1:], m.spaces[idx:])
	m.spaces[idx] = s
	return s
}

func (m *MemoryArea) findSpace(start, size uint64) *Space {
	idx := sort.Search(len(m.spaces), func(i int) bool {
		return m.spaces[i].End() > start
	})
	if idx == len(m.spaces) {
		return nil
	}
	s := m.spaces[idx]
	if s.Start <= start && start+size <= s.End() {
		return s
	}
	return nil
}

// Request leases [start, start+size). The range must lie inside one
// Space and must not overlap an outstanding lease.
func (m *MemoryArea) Request(start, size uint64) *Region {
	s := m.findSpace(start, size)
	utils.Assert(s != nil, "region is outside of every space")

	for _, l := range s.leases {
		utils.Assert(start+size <= l.Start || l.End() <= start, "regions overlap")
	}

	r := &Region{Start: start, Data: m.buf[start : start+size], space: s}
	s.leases = append(s.leases, r)
	return r
}

// Release returns the lease. Releasing twice is a contract failure.
func (r *Region) Release() {
	utils.Assert(r.space != nil, "region released twice")
	s := r.space
	for i, l := range s.leases {
		if l == r {
			s.leases = append(s.leases[:i], s.leases[i+1:]...)
			break
		}
	}
	r.space = nil
	r.Data = nil
}

// With leases a region for the duration of fn.
func (m *MemoryArea) With(start, size uint64, fn func(buf []byte)) {
	if size == 0 {
		return
	}
	r := m.Request(start, size)
	defer r.Release()
	fn(r.Data)
}

// RemoveSpace drops a Space. It must not be leased.
func (m *MemoryArea) RemoveSpace(s *Space) {
	utils.Assert(len(s.leases) == 0, "space is still leased")
	for i, sp := range m.spaces {
		if sp == s {
			m.spaces = append(m.spaces[:i], m.spaces[i+1:]...)
			return
		}
	}
}

// Close releases every Space and returns the image.
func (m *MemoryArea) Close() []byte {
	for len(m.spaces) > 0 {
		m.RemoveSpace(m.spaces[len(m.spaces)-1])
	}
	return m.buf
}
