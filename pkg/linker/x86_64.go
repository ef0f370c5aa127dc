package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

func newX86_64Target() *Target {
	howtos := make(map[uint32]Howto)
	for _, h := range []struct {
		typ   elf.R_X86_64
		size  int
		class RelocClass
	}{
		{elf.R_X86_64_NONE, 0, RelMarker},
		{elf.R_X86_64_64, 8, RelAbs | RelWord},
		{elf.R_X86_64_PC32, 4, RelPCRel},
		{elf.R_X86_64_PLT32, 4, RelPCRel | RelCall},
		{elf.R_X86_64_GOTPCREL, 4, RelGOT | RelPCRel},
		{elf.R_X86_64_GOTPCRELX, 4, RelGOT | RelPCRel},
		{elf.R_X86_64_REX_GOTPCRELX, 4, RelGOT | RelPCRel},
		{elf.R_X86_64_32, 4, RelAbs},
		{elf.R_X86_64_32S, 4, RelAbs},
		{elf.R_X86_64_16, 2, RelAbs},
		{elf.R_X86_64_PC16, 2, RelPCRel},
		{elf.R_X86_64_8, 1, RelAbs},
		{elf.R_X86_64_PC8, 1, RelPCRel},
		{elf.R_X86_64_PC64, 8, RelPCRel},
		{elf.R_X86_64_GOTTPOFF, 4, RelTLSGOT | RelPCRel},
		{elf.R_X86_64_TPOFF32, 4, RelTPRel},
		{elf.R_X86_64_TPOFF64, 8, RelTPRel},
		{elf.R_X86_64_GOTOFF64, 8, RelGOTBase},
		{elf.R_X86_64_GOTPC32, 4, RelGOTBase | RelPCRel},
		{elf.R_X86_64_TLSGD, 4, RelUnsupported},
		{elf.R_X86_64_TLSLD, 4, RelUnsupported},
		{elf.R_X86_64_DTPOFF32, 4, RelUnsupported},
		{elf.R_X86_64_DTPOFF64, 8, RelUnsupported},
	} {
		howtos[uint32(h.typ)] = Howto{Name: h.typ.String(), Size: h.size, Class: h.class}
	}

	return &Target{
		Name:           "x86_64",
		Machine:        elf.EM_X86_64,
		ImageBase:      0x400000,
		PageSize:       4096,
		CommonPageSize: 4096,
		DynamicLinker:  "/lib64/ld-linux-x86-64.so.2",

		WordSize:       8,
		GotPltReserved: 3,
		PltHeaderSize:  16,
		PltEntrySize:   16,
		PltAlign:       16,

		GotPltHoldsDynamic: true,

		StubRange: 1 << 31,
		// jmp rel32
		StubCode:   []byte{0xe9, 0, 0, 0, 0},
		StubFixups: []StubFixup{{Offset: 1, Type: uint32(elf.R_X86_64_PC32), Addend: -4}},
		NopFill:    []byte{0x90},

		RelRelative: uint32(elf.R_X86_64_RELATIVE),
		RelGlobDat:  uint32(elf.R_X86_64_GLOB_DAT),
		RelJumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
		RelCopy:     uint32(elf.R_X86_64_COPY),
		RelAbs64:    uint32(elf.R_X86_64_64),
		RelTPOff64:  uint32(elf.R_X86_64_TPOFF64),

		howtos: howtos,

		Apply:          x86Apply,
		WritePltHeader: x86WritePltHeader,
		WritePltEntry:  x86WritePltEntry,
		LazyBindAddr: func(ctx *Context, ent *PltEntry) uint64 {
			return ent.Addr(ctx) + 6
		},
		TPAddr: func(tls *ELFSegment) uint64 {
			return utils.AlignTo(tls.VAddr+tls.MemSize, tls.Align)
		},
		MergeFlags: func(ctx *Context) uint32 { return 0 },
	}
}

func x86Apply(ctx *Context, r *Relocation, v *RelocValues, loc []byte) Result {
	S, A, P := v.S, v.A, v.P

	write32s := func(val uint64) Result {
		if !r.checkInt(int64(val), 32) {
			return ResultOverflow
		}
		utils.Write[uint32](loc, uint32(val))
		return ResultOK
	}

	switch elf.R_X86_64(r.Type) {
	case elf.R_X86_64_NONE:
		return ResultOK
	case elf.R_X86_64_64:
		utils.Write[uint64](loc, S+A)
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		return write32s(S + A - P)
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX,
		elf.R_X86_64_GOTTPOFF:
		return write32s(v.G + A - P)
	case elf.R_X86_64_32:
		if S+A > 0xffff_ffff {
			r.Range = [3]int64{int64(S + A), 0, 0xffff_ffff}
			return ResultOverflow
		}
		utils.Write[uint32](loc, uint32(S+A))
	case elf.R_X86_64_32S:
		return write32s(S + A)
	case elf.R_X86_64_16:
		if !r.checkUint(S+A, 16) {
			return ResultOverflow
		}
		utils.Write[uint16](loc, uint16(S+A))
	case elf.R_X86_64_PC16:
		if !r.checkInt(int64(S+A-P), 16) {
			return ResultOverflow
		}
		utils.Write[uint16](loc, uint16(S+A-P))
	case elf.R_X86_64_8:
		if !r.checkUint(S+A, 8) {
			return ResultOverflow
		}
		loc[0] = uint8(S + A)
	case elf.R_X86_64_PC8:
		if !r.checkInt(int64(S+A-P), 8) {
			return ResultOverflow
		}
		loc[0] = uint8(S + A - P)
	case elf.R_X86_64_PC64:
		utils.Write[uint64](loc, S+A-P)
	case elf.R_X86_64_TPOFF32:
		return write32s(S + A - v.TP)
	case elf.R_X86_64_TPOFF64:
		utils.Write[uint64](loc, S+A-v.TP)
	case elf.R_X86_64_GOTOFF64:
		utils.Write[uint64](loc, S+A-v.GOT)
	case elf.R_X86_64_GOTPC32:
		return write32s(v.GOT + A - P)
	case elf.R_X86_64_TLSGD, elf.R_X86_64_TLSLD, elf.R_X86_64_DTPOFF32,
		elf.R_X86_64_DTPOFF64:
		return ResultUnsupport
	default:
		return ResultUnknown
	}
	return ResultOK
}

func x86WritePltHeader(ctx *Context, buf []byte) {
	plt := ctx.Plt.Section.Addr
	gotplt := ctx.Plt.GotPlt.Addr
	copy(buf, []byte{
		0xff, 0x35, 0, 0, 0, 0, // push GOTPLT+8(%rip)
		0xff, 0x25, 0, 0, 0, 0, // jmp *GOTPLT+16(%rip)
		0x0f, 0x1f, 0x40, 0x00, // nop
	})
	utils.Write[uint32](buf[2:], uint32(gotplt+8-(plt+6)))
	utils.Write[uint32](buf[8:], uint32(gotplt+16-(plt+12)))
}

func x86WritePltEntry(ctx *Context, buf []byte, ent *PltEntry) {
	addr := ent.Addr(ctx)
	copy(buf, []byte{
		0xff, 0x25, 0, 0, 0, 0, // jmp *foo@GOTPLT(%rip)
		0x68, 0, 0, 0, 0, // push $index
		0xe9, 0, 0, 0, 0, // jmp PLT[0]
	})
	utils.Write[uint32](buf[2:], uint32(ent.GotPltAddr(ctx)-(addr+6)))
	utils.Write[uint32](buf[7:], uint32(ent.Idx))
	utils.Write[uint32](buf[12:], uint32(ctx.Plt.Section.Addr-(addr+16)))
}
