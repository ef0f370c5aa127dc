package linker

import (
	"debug/elf"
	"fmt"
)

// RelocClass describes what a relocation type needs from the scanner.
type RelocClass uint16

const (
	// RelAbs is an absolute reference to the symbol address.
	RelAbs RelocClass = 1 << iota
	// RelPCRel is relative to the place.
	RelPCRel
	// RelWord is a full pointer-size field a dynamic relocation can patch.
	RelWord
	// RelGOT needs a GOT entry holding the symbol address.
	RelGOT
	// RelTLSGOT needs a GOT entry holding the thread-pointer offset.
	RelTLSGOT
	// RelTPRel is relative to the thread pointer.
	RelTPRel
	// RelCall is a call that may go through the PLT.
	RelCall
	// RelBranch has a short reach and may go through a branch island.
	RelBranch
	// RelGOTBase is relative to the GOT base.
	RelGOTBase
	// RelPairHi is a high part some low-part relocation refers back to.
	RelPairHi
	// RelPairLo takes its value from the paired high part.
	RelPairLo
	// RelMarker patches nothing.
	RelMarker
	// RelUnsupported is recognized but not implemented.
	RelUnsupported
)

type Howto struct {
	Name  string
	Size  int
	Class RelocClass
}

type Result uint8

const (
	ResultOK Result = iota
	ResultBadReloc
	ResultOverflow
	ResultUnsupport
	ResultUnknown
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultBadReloc:
		return "bad relocation"
	case ResultOverflow:
		return "overflow"
	case ResultUnsupport:
		return "unsupported"
	case ResultUnknown:
		return "unknown"
	}
	return "invalid"
}

// RelocValues are the operands of a relocation formula.
type RelocValues struct {
	// S is the symbol address, or the PLT entry or stub standing in for it.
	S uint64
	A uint64
	P uint64
	// G is the address of the GOT entry the relocation uses.
	G uint64
	// GOT is the address of _GLOBAL_OFFSET_TABLE_.
	GOT uint64
	TP  uint64

	UndefWeak bool
}

type StubFixup struct {
	Offset uint64
	Type   uint32
	Addend int64
}

// Target is the capability table of one machine.
type Target struct {
	Name    string
	Machine elf.Machine

	ImageBase      uint64
	PageSize       uint64
	CommonPageSize uint64
	DynamicLinker  string

	WordSize       uint64
	GotPltReserved uint64
	PltHeaderSize  uint64
	PltEntrySize   uint64
	PltAlign       uint64
	// GotPltHoldsDynamic puts the address of .dynamic in .got.plt[0].
	GotPltHoldsDynamic bool

	// BranchRange is the reach of the island-capable branch; zero turns
	// islands off.
	BranchRange  int64
	IslandBudget uint64
	// StubRange is the reach of a stub from its own address.
	StubRange  int64
	StubCode   []byte
	StubFixups []StubFixup
	NopFill    []byte

	RelRelative uint32
	RelGlobDat  uint32
	RelJumpSlot uint32
	RelCopy     uint32
	RelAbs64    uint32
	RelTPOff64  uint32

	howtos map[uint32]Howto

	Apply          func(ctx *Context, r *Relocation, v *RelocValues, loc []byte) Result
	WritePltHeader func(ctx *Context, buf []byte)
	WritePltEntry  func(ctx *Context, buf []byte, ent *PltEntry)
	// LazyBindAddr is the initial .got.plt value of an entry.
	LazyBindAddr func(ctx *Context, ent *PltEntry) uint64
	TPAddr       func(tls *ELFSegment) uint64
	MergeFlags   func(ctx *Context) uint32
}

func (t *Target) Howto(typ uint32) (Howto, bool) {
	h, ok := t.howtos[typ]
	return h, ok
}

func (t *Target) RelocName(typ uint32) string {
	if h, ok := t.howtos[typ]; ok {
		return h.Name
	}
	return fmt.Sprintf("R_UNKNOWN_%d", typ)
}

// NewTarget returns the capability table for machine, or nil.
func NewTarget(machine elf.Machine) *Target {
	switch machine {
	case elf.EM_RISCV:
		return newRISCV64Target()
	case elf.EM_X86_64:
		return newX86_64Target()
	}
	return nil
}

func (ctx *Context) MaxPageSize() uint64 {
	if ctx.Config.Z.MaxPageSize != 0 {
		return ctx.Config.Z.MaxPageSize
	}
	return ctx.Target.PageSize
}

func (ctx *Context) CommonPageSize() uint64 {
	if ctx.Config.Z.CommonPageSize != 0 {
		return ctx.Config.Z.CommonPageSize
	}
	return ctx.Target.CommonPageSize
}
