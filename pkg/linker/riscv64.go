package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

func newRISCV64Target() *Target {
	r := func(typ elf.R_RISCV, size int, class RelocClass) (uint32, Howto) {
		return uint32(typ), Howto{Name: typ.String(), Size: size, Class: class}
	}

	howtos := make(map[uint32]Howto)
	for _, h := range []struct {
		typ   elf.R_RISCV
		size  int
		class RelocClass
	}{
		{elf.R_RISCV_NONE, 0, RelMarker},
		{elf.R_RISCV_32, 4, RelAbs},
		{elf.R_RISCV_64, 8, RelAbs | RelWord},
		{elf.R_RISCV_BRANCH, 4, RelPCRel},
		{elf.R_RISCV_JAL, 4, RelPCRel | RelCall | RelBranch},
		{elf.R_RISCV_CALL, 8, RelPCRel | RelCall},
		{elf.R_RISCV_CALL_PLT, 8, RelPCRel | RelCall},
		{elf.R_RISCV_GOT_HI20, 4, RelGOT | RelPCRel | RelPairHi},
		{elf.R_RISCV_TLS_GOT_HI20, 4, RelTLSGOT | RelPCRel | RelPairHi},
		{elf.R_RISCV_TLS_GD_HI20, 4, RelUnsupported | RelPairHi},
		{elf.R_RISCV_PCREL_HI20, 4, RelPCRel | RelPairHi},
		{elf.R_RISCV_PCREL_LO12_I, 4, RelPairLo},
		{elf.R_RISCV_PCREL_LO12_S, 4, RelPairLo},
		{elf.R_RISCV_HI20, 4, RelAbs},
		{elf.R_RISCV_LO12_I, 4, RelAbs},
		{elf.R_RISCV_LO12_S, 4, RelAbs},
		{elf.R_RISCV_TPREL_HI20, 4, RelTPRel},
		{elf.R_RISCV_TPREL_LO12_I, 4, RelTPRel},
		{elf.R_RISCV_TPREL_LO12_S, 4, RelTPRel},
		{elf.R_RISCV_TPREL_ADD, 0, RelMarker},
		{elf.R_RISCV_ADD8, 1, 0},
		{elf.R_RISCV_ADD16, 2, 0},
		{elf.R_RISCV_ADD32, 4, 0},
		{elf.R_RISCV_ADD64, 8, 0},
		{elf.R_RISCV_SUB8, 1, 0},
		{elf.R_RISCV_SUB16, 2, 0},
		{elf.R_RISCV_SUB32, 4, 0},
		{elf.R_RISCV_SUB64, 8, 0},
		{elf.R_RISCV_ALIGN, 0, RelMarker},
		{elf.R_RISCV_RVC_BRANCH, 2, RelPCRel},
		{elf.R_RISCV_RVC_JUMP, 2, RelPCRel},
		{elf.R_RISCV_RELAX, 0, RelMarker},
		{elf.R_RISCV_SUB6, 1, 0},
		{elf.R_RISCV_SET6, 1, 0},
		{elf.R_RISCV_SET8, 1, 0},
		{elf.R_RISCV_SET16, 2, 0},
		{elf.R_RISCV_SET32, 4, 0},
		{elf.R_RISCV_32_PCREL, 4, RelPCRel},
	} {
		typ, howto := r(h.typ, h.size, h.class)
		howtos[typ] = howto
	}

	return &Target{
		Name:           "riscv64",
		Machine:        elf.EM_RISCV,
		ImageBase:      0x200000,
		PageSize:       4096,
		CommonPageSize: 4096,
		DynamicLinker:  "/lib/ld-linux-riscv64-lp64d.so.1",

		WordSize:       8,
		GotPltReserved: 2,
		PltHeaderSize:  32,
		PltEntrySize:   16,
		PltAlign:       16,

		BranchRange:  1 << 20,
		IslandBudget: 64 << 10,
		StubRange:    1<<31 - 1<<11,
		// auipc t1, 0; jalr x0, 0(t1)
		StubCode:   []byte{0x17, 0x03, 0x00, 0x00, 0x67, 0x00, 0x03, 0x00},
		StubFixups: []StubFixup{{Offset: 0, Type: uint32(elf.R_RISCV_CALL)}},
		NopFill:    []byte{0x13, 0x00, 0x00, 0x00},

		RelRelative: uint32(elf.R_RISCV_RELATIVE),
		RelGlobDat:  uint32(elf.R_RISCV_64),
		RelJumpSlot: uint32(elf.R_RISCV_JUMP_SLOT),
		RelCopy:     uint32(elf.R_RISCV_COPY),
		RelAbs64:    uint32(elf.R_RISCV_64),
		RelTPOff64:  uint32(elf.R_RISCV_TLS_TPREL64),

		howtos: howtos,

		Apply:          riscvApply,
		WritePltHeader: riscvWritePltHeader,
		WritePltEntry:  riscvWritePltEntry,
		LazyBindAddr: func(ctx *Context, ent *PltEntry) uint64 {
			return ctx.Plt.Section.Addr
		},
		TPAddr: func(tls *ELFSegment) uint64 {
			return tls.VAddr
		},
		MergeFlags: riscvMergeFlags,
	}
}

func itype(val uint32) uint32 {
	return val << 20
}

func stype(val uint32) uint32 {
	return utils.Bits(val, 11, 5)<<25 | utils.Bits(val, 4, 0)<<7
}

func btype(val uint32) uint32 {
	return utils.Bit(val, 12)<<31 | utils.Bits(val, 10, 5)<<25 |
		utils.Bits(val, 4, 1)<<8 | utils.Bit(val, 11)<<7
}

func utype(val uint32) uint32 {
	return (val + 0x800) & 0xffff_f000
}

func jtype(val uint32) uint32 {
	return utils.Bit(val, 20)<<31 | utils.Bits(val, 10, 1)<<21 |
		utils.Bit(val, 11)<<20 | utils.Bits(val, 19, 12)<<12
}

func cbtype(val uint16) uint16 {
	return utils.Bit(val, 8)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 3)<<10 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 6)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func cjtype(val uint16) uint16 {
	return utils.Bit(val, 11)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 9)<<10 |
		utils.Bit(val, 8)<<9 | utils.Bit(val, 10)<<8 | utils.Bit(val, 6)<<7 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 3)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func writeItype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_11111_111_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|itype(val))
}

func writeStype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|stype(val))
}

func writeBtype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|btype(val))
}

func writeUtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|utype(val))
}

func writeJtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|jtype(val))
}

func writeCbtype(loc []byte, val uint16) {
	mask := uint16(0b111_000_111_00000_11)
	utils.Write[uint16](loc, (utils.Read[uint16](loc)&mask)|cbtype(val))
}

func writeCjtype(loc []byte, val uint16) {
	mask := uint16(0b111_00000000000_11)
	utils.Write[uint16](loc, (utils.Read[uint16](loc)&mask)|cjtype(val))
}

func setRs1(loc []byte, rs1 uint32) {
	utils.Write[uint32](loc, utils.Read[uint32](loc)&0b111111_11111_00000_111_11111_1111111)
	utils.Write[uint32](loc, utils.Read[uint32](loc)|(rs1<<15))
}

// riscvHiValue is the value a high-part relocation encodes; low parts
// paired with it reuse it.
func riscvHiValue(r *Relocation, v *RelocValues) uint64 {
	switch elf.R_RISCV(r.Type) {
	case elf.R_RISCV_GOT_HI20, elf.R_RISCV_TLS_GOT_HI20:
		return v.G + v.A - v.P
	}
	return v.S + v.A - v.P
}

func riscvApply(ctx *Context, r *Relocation, v *RelocValues, loc []byte) Result {
	S, A, P := v.S, v.A, v.P

	switch elf.R_RISCV(r.Type) {
	case elf.R_RISCV_NONE, elf.R_RISCV_RELAX, elf.R_RISCV_ALIGN, elf.R_RISCV_TPREL_ADD:
		return ResultOK
	case elf.R_RISCV_32:
		if !r.checkUint(S+A, 32) {
			return ResultOverflow
		}
		utils.Write[uint32](loc, uint32(S+A))
	case elf.R_RISCV_64:
		utils.Write[uint64](loc, S+A)
	case elf.R_RISCV_BRANCH:
		val := S + A - P
		if !r.checkInt(int64(val), 13) {
			return ResultOverflow
		}
		writeBtype(loc, uint32(val))
	case elf.R_RISCV_JAL:
		val := S + A - P
		if v.UndefWeak {
			val = 0
		}
		if !r.checkInt(int64(val), 21) {
			return ResultOverflow
		}
		writeJtype(loc, uint32(val))
	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		val := S + A - P
		if v.UndefWeak {
			val = 0
		}
		if !r.checkInt(int64(val)+0x800, 32) {
			return ResultOverflow
		}
		writeUtype(loc, uint32(val))
		writeItype(loc[4:], uint32(val))
	case elf.R_RISCV_GOT_HI20, elf.R_RISCV_TLS_GOT_HI20, elf.R_RISCV_PCREL_HI20:
		val := riscvHiValue(r, v)
		if !r.checkInt(int64(val)+0x800, 32) {
			return ResultOverflow
		}
		writeUtype(loc, uint32(val))
	case elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S:
		if r.Pair == nil {
			return ResultBadReloc
		}
		hv := relocValues(ctx, r.Pair)
		val := uint32(riscvHiValue(r.Pair, &hv))
		if r.Type == uint32(elf.R_RISCV_PCREL_LO12_I) {
			writeItype(loc, val)
		} else {
			writeStype(loc, val)
		}
	case elf.R_RISCV_HI20:
		if !r.checkInt(int64(S+A)+0x800, 32) {
			return ResultOverflow
		}
		writeUtype(loc, uint32(S+A))
	case elf.R_RISCV_LO12_I, elf.R_RISCV_LO12_S:
		val := S + A
		if r.Type == uint32(elf.R_RISCV_LO12_I) {
			writeItype(loc, uint32(val))
		} else {
			writeStype(loc, uint32(val))
		}

		if utils.SignExtend(val, 11) == val {
			setRs1(loc, 0)
		}
	case elf.R_RISCV_TPREL_HI20:
		writeUtype(loc, uint32(S+A-v.TP))
	case elf.R_RISCV_TPREL_LO12_I, elf.R_RISCV_TPREL_LO12_S:
		val := S + A - v.TP
		if r.Type == uint32(elf.R_RISCV_TPREL_LO12_I) {
			writeItype(loc, uint32(val))
		} else {
			writeStype(loc, uint32(val))
		}

		if utils.SignExtend(val, 11) == val {
			setRs1(loc, 4)
		}
	case elf.R_RISCV_ADD8:
		utils.Write[uint8](loc, utils.Read[uint8](loc)+uint8(S+A))
	case elf.R_RISCV_ADD16:
		utils.Write[uint16](loc, utils.Read[uint16](loc)+uint16(S+A))
	case elf.R_RISCV_ADD32:
		utils.Write[uint32](loc, utils.Read[uint32](loc)+uint32(S+A))
	case elf.R_RISCV_ADD64:
		utils.Write[uint64](loc, utils.Read[uint64](loc)+uint64(S+A))
	case elf.R_RISCV_SUB8:
		utils.Write[uint8](loc, utils.Read[uint8](loc)-uint8(S+A))
	case elf.R_RISCV_SUB16:
		utils.Write[uint16](loc, utils.Read[uint16](loc)-uint16(S+A))
	case elf.R_RISCV_SUB32:
		utils.Write[uint32](loc, utils.Read[uint32](loc)-uint32(S+A))
	case elf.R_RISCV_SUB64:
		utils.Write[uint64](loc, utils.Read[uint64](loc)-uint64(S+A))
	case elf.R_RISCV_SUB6:
		loc[0] = (loc[0] & 0xc0) | ((loc[0] - uint8(S+A)) & 0x3f)
	case elf.R_RISCV_SET6:
		loc[0] = (loc[0] & 0xc0) | (uint8(S+A) & 0x3f)
	case elf.R_RISCV_SET8:
		loc[0] = uint8(S + A)
	case elf.R_RISCV_SET16:
		utils.Write[uint16](loc, uint16(S+A))
	case elf.R_RISCV_SET32:
		utils.Write[uint32](loc, uint32(S+A))
	case elf.R_RISCV_32_PCREL:
		val := S + A - P
		if !r.checkInt(int64(val), 32) {
			return ResultOverflow
		}
		utils.Write[uint32](loc, uint32(val))
	case elf.R_RISCV_RVC_BRANCH:
		val := S + A - P
		if !r.checkInt(int64(val), 9) {
			return ResultOverflow
		}
		writeCbtype(loc, uint16(val))
	case elf.R_RISCV_RVC_JUMP:
		val := S + A - P
		if !r.checkInt(int64(val), 12) {
			return ResultOverflow
		}
		writeCjtype(loc, uint16(val))
	case elf.R_RISCV_TLS_GD_HI20:
		return ResultUnsupport
	default:
		return ResultUnknown
	}
	return ResultOK
}

var riscvPltHeader = []uint32{
	0x0000_0397, // auipc  t2, %pcrel_hi(.got.plt)
	0x41c3_0333, // sub    t1, t1, t3
	0x0003_be03, // ld     t3, %pcrel_lo(1b)(t2)
	0xfd43_0313, // addi   t1, t1, -44
	0x0003_8293, // addi   t0, t2, %pcrel_lo(1b)
	0x0013_5313, // srli   t1, t1, 1
	0x0082_b283, // ld     t0, 8(t0)
	0x000e_0067, // jr     t3
}

var riscvPltEntry = []uint32{
	0x0000_0e17, // auipc   t3, %pcrel_hi(function@.got.plt)
	0x000e_3e03, // ld      t3, %pcrel_lo(1b)(t3)
	0x000e_0367, // jalr    t1, t3
	0x0000_0013, // nop
}

func riscvWritePltHeader(ctx *Context, buf []byte) {
	for i, insn := range riscvPltHeader {
		utils.Write[uint32](buf[i*4:], insn)
	}

	disp := uint32(ctx.Plt.GotPlt.Addr - ctx.Plt.Section.Addr)
	writeUtype(buf, disp)
	writeItype(buf[8:], disp)
	writeItype(buf[16:], disp)
}

func riscvWritePltEntry(ctx *Context, buf []byte, ent *PltEntry) {
	for i, insn := range riscvPltEntry {
		utils.Write[uint32](buf[i*4:], insn)
	}

	disp := uint32(ent.GotPltAddr(ctx) - ent.Addr(ctx))
	writeUtype(buf, disp)
	writeItype(buf[4:], disp)
}

func riscvMergeFlags(ctx *Context) uint32 {
	flags := uint32(0)
	first := true
	for _, file := range ctx.Objs {
		if file.Kind != InputObject {
			continue
		}
		if first {
			flags = file.Ehdr.Flags
			first = false
			continue
		}
		flags |= file.Ehdr.Flags & EF_RISCV_RVC
	}
	return flags
}
