package linker

import (
	"github.com/ksco/elfld/pkg/utils"
)

// Stub is one trampoline inside a branch island. Call sites branching to
// the same (symbol, addend) share it.
type Stub struct {
	Island *BranchIsland
	Frag   FragID
	Sym    *ResolveInfo
	Addend int64
}

func (s *Stub) Ref() FragmentRef {
	return FragmentRef{Data: s.Island.Data, Frag: s.Frag}
}

func (s *Stub) Addr() uint64 {
	return s.Ref().Addr()
}

type stubKey struct {
	sym    *ResolveInfo
	addend int64
}

// BranchIsland is a run of stubs placed inside a section between input
// fragments.
type BranchIsland struct {
	Data  *SectionData
	Group uint64
	Size  uint64
	Stubs []*Stub

	budget uint64
	last   FragID
	index  map[stubKey]*Stub
}

func (b *BranchIsland) Full(stubSize uint64) bool {
	return b.Size+stubSize > b.budget
}

// FindStub returns the stub for (sym, addend) without creating one.
func (b *BranchIsland) FindStub(sym *ResolveInfo, addend int64) *Stub {
	return b.index[stubKey{sym, addend}]
}

// AddStub returns the stub for (sym, addend), creating it if the island
// has room. It returns nil when the island is full.
func (b *BranchIsland) AddStub(ctx *Context, sym *ResolveInfo, addend int64) (*Stub, bool) {
	if s := b.FindStub(sym, addend); s != nil {
		return s, false
	}

	code := ctx.Target.StubCode
	if b.Full(uint64(len(code))) {
		return nil, false
	}

	frag := NewRegionFragment(append([]byte(nil), code...), uint64(len(code)))
	frag.Kind = FragStub
	s := &Stub{Island: b, Sym: sym, Addend: addend}
	frag.Stub = s

	s.Frag = b.Data.InsertAfter(b.last, frag)
	b.last = s.Frag
	b.Size += uint64(len(code))
	b.Stubs = append(b.Stubs, s)
	b.index[stubKey{sym, addend}] = s
	return s, true
}

type islandKey struct {
	data  *SectionData
	group uint64
}

// BranchIslandFactory places one island per group of (range - budget)
// bytes. An island never grows past the budget, so every branch of the
// group still reaches it after the island is inserted.
type BranchIslandFactory struct {
	Range   int64
	Budget  uint64
	Islands []*BranchIsland

	groups map[islandKey]*BranchIsland
}

func NewBranchIslandFactory(maxBranch int64, budget uint64) *BranchIslandFactory {
	utils.Assert(maxBranch > int64(budget), "island budget exceeds the branch range")
	return &BranchIslandFactory{
		Range:  maxBranch,
		Budget: budget,
		groups: make(map[islandKey]*BranchIsland),
	}
}

func (f *BranchIslandFactory) groupOf(offset uint64) uint64 {
	return offset / (uint64(f.Range) - f.Budget)
}

func (f *BranchIslandFactory) keyOf(data *SectionData, frag FragID) islandKey {
	return islandKey{data, f.groupOf(data.Frag(frag).Offset)}
}

// Find returns the island of the group frag belongs to, or nil.
func (f *BranchIslandFactory) Find(data *SectionData, frag FragID) *BranchIsland {
	return f.groups[f.keyOf(data, frag)]
}

// Produce returns the island of frag's group with room for one more
// stub. The island goes after the last input fragment that ends inside
// the group. It returns nil when the island has used up the budget.
func (f *BranchIslandFactory) Produce(ctx *Context, data *SectionData, frag FragID) *BranchIsland {
	if island := f.Find(data, frag); island != nil {
		if island.Full(uint64(len(ctx.Target.StubCode))) {
			return nil
		}
		return island
	}

	key := f.keyOf(data, frag)
	island := &BranchIsland{
		Data:   data,
		Group:  key.group,
		budget: f.Budget,
		index:  make(map[stubKey]*Stub),
	}
	anchor := f.lastInGroup(data, key.group, frag)
	island.last = data.InsertAfter(anchor, NewAlignmentFragment(4))
	f.groups[key] = island
	f.Islands = append(f.Islands, island)
	return island
}

// lastInGroup returns the last fragment after frag that still ends
// inside the group, so the island stays reachable from every branch in
// it.
func (f *BranchIslandFactory) lastInGroup(data *SectionData, group uint64, frag FragID) FragID {
	span := uint64(f.Range) - f.Budget
	end := (group + 1) * span

	last := frag
	seen := false
	for _, id := range data.Order() {
		fr := data.Frag(id)
		if id == frag {
			seen = true
		}
		if fr.Kind == FragStub || fr.Kind == FragAlignment {
			continue
		}
		if fr.Offset+fr.Size > end {
			break
		}
		if seen {
			last = id
		}
	}
	return last
}

// StubCount is the number of stubs across every island.
func (f *BranchIslandFactory) StubCount() int {
	n := 0
	for _, island := range f.Islands {
		n += len(island.Stubs)
	}
	return n
}

// FindStub looks for an existing stub for (sym, addend) in the island
// of frag's group.
func (f *BranchIslandFactory) FindStub(data *SectionData, frag FragID, sym *ResolveInfo, addend int64) *Stub {
	if island := f.Find(data, frag); island != nil {
		return island.FindStub(sym, addend)
	}
	return nil
}
