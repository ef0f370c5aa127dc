package linker

import (
	"bytes"
	"debug/elf"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

// DWARF pointer encodings used by .eh_frame and .eh_frame_hdr.
const (
	dwEhPeAbsptr  = 0x00
	dwEhPeUdata2  = 0x02
	dwEhPeUdata4  = 0x03
	dwEhPeUdata8  = 0x04
	dwEhPeSdata2  = 0x0a
	dwEhPeSdata4  = 0x0b
	dwEhPeSdata8  = 0x0c
	dwEhPePcrel   = 0x10
	dwEhPeDatarel = 0x30
	dwEhPeOmit    = 0xff
)

const ehFrameHdrSize = 12

// EhFrameHdr is the binary search table the unwinder uses to find the
// FDE covering a pc.
type EhFrameHdr struct {
	Section *LDSection
	EhFrame *LDSection

	frag FragID
	nfde int
}

type fdeEntry struct {
	pc   uint64
	addr uint64
}

// walkEhFrame calls fn for every CIE and FDE record in data. Zero words
// between records are terminators or padding and are skipped.
func walkEhFrame(data []byte, fn func(off uint64, id uint32, rec []byte)) {
	for off := uint64(0); off+4 <= uint64(len(data)); {
		length := uint64(utils.Read[uint32](data[off:]))
		if length == 0 {
			off += 4
			continue
		}
		if length == 0xffffffff || length < 4 || off+4+length > uint64(len(data)) {
			return
		}
		rec := data[off : off+4+length]
		fn(off, utils.Read[uint32](rec[4:]), rec)
		off += 4 + length
	}
}

func countFDEs(data []byte) int {
	n := 0
	walkEhFrame(data, func(_ uint64, id uint32, _ []byte) {
		if id != 0 {
			n++
		}
	})
	return n
}

type ehReader struct {
	buf []byte
	bad bool
}

func (r *ehReader) byte() byte {
	if len(r.buf) == 0 {
		r.bad = true
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *ehReader) skip(n int) {
	if len(r.buf) < n {
		r.bad = true
		r.buf = nil
		return
	}
	r.buf = r.buf[n:]
}

func (r *ehReader) skipLEB() {
	for !r.bad && r.byte()&0x80 != 0 {
	}
}

func encodedSize(enc byte) int {
	switch enc & 0x0f {
	case dwEhPeAbsptr, dwEhPeUdata8, dwEhPeSdata8:
		return 8
	case dwEhPeUdata4, dwEhPeSdata4:
		return 4
	case dwEhPeUdata2, dwEhPeSdata2:
		return 2
	}
	return 0
}

// fdeEncoding returns the pointer encoding the FDEs of a CIE use.
func fdeEncoding(cie []byte) byte {
	r := &ehReader{buf: cie[8:]}
	version := r.byte()
	nul := bytes.IndexByte(r.buf, 0)
	if r.bad || nul < 0 {
		return dwEhPeOmit
	}
	aug := string(r.buf[:nul])
	r.skip(nul + 1)
	if len(aug) == 0 || aug[0] != 'z' {
		return dwEhPeAbsptr
	}

	r.skipLEB()
	r.skipLEB()
	if version == 1 {
		r.skip(1)
	} else {
		r.skipLEB()
	}
	r.skipLEB()

	for i := 1; i < len(aug) && !r.bad; i++ {
		switch aug[i] {
		case 'R':
			return r.byte()
		case 'L':
			r.skip(1)
		case 'P':
			size := encodedSize(r.byte())
			if size == 0 {
				return dwEhPeOmit
			}
			r.skip(size)
		case 'S', 'B':
		default:
			return dwEhPeOmit
		}
	}
	return dwEhPeAbsptr
}

// readEncoded decodes a pointer stored at addr.
func readEncoded(buf []byte, enc byte, addr uint64) (uint64, bool) {
	size := encodedSize(enc)
	if enc == dwEhPeOmit || size == 0 || len(buf) < size {
		return 0, false
	}

	var val uint64
	switch enc & 0x0f {
	case dwEhPeUdata2:
		val = uint64(utils.Read[uint16](buf))
	case dwEhPeSdata2:
		val = uint64(int64(utils.Read[int16](buf)))
	case dwEhPeUdata4:
		val = uint64(utils.Read[uint32](buf))
	case dwEhPeSdata4:
		val = uint64(int64(utils.Read[int32](buf)))
	default:
		val = utils.Read[uint64](buf)
	}

	switch enc & 0x70 {
	case 0:
		return val, true
	case dwEhPePcrel:
		return val + addr, true
	}
	return 0, false
}

// collectFDEs returns the pc and address of every FDE in the final
// .eh_frame bytes, sorted by pc.
func collectFDEs(data []byte, base uint64) []fdeEntry {
	encs := make(map[uint64]byte)
	var fdes []fdeEntry
	walkEhFrame(data, func(off uint64, id uint32, rec []byte) {
		if id == 0 {
			encs[off] = fdeEncoding(rec)
			return
		}
		enc, ok := encs[off+4-uint64(id)]
		if !ok {
			return
		}
		if pc, ok := readEncoded(rec[8:], enc, base+off+8); ok {
			fdes = append(fdes, fdeEntry{pc: pc, addr: base + off})
		}
	})

	sort.SliceStable(fdes, func(i, j int) bool {
		return fdes[i].pc < fdes[j].pc
	})
	return fdes
}

// CreateEhFrameHdr sizes .eh_frame_hdr from the FDEs of the input
// .eh_frame sections.
func CreateEhFrameHdr(ctx *Context) {
	if !ctx.Config.EhFrameHdr || ctx.Config.IsPartial() {
		return
	}
	ehframe := FindOutputSection(ctx, ".eh_frame")
	if ehframe == nil {
		return
	}

	n := 0
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec != nil && isec.IsAlive && isec.Output == ehframe {
				n += countFDEs(isec.Contents)
			}
		}
	}

	sec := AddSyntheticSection(ctx, ".eh_frame_hdr", elf.SHT_PROGBITS, elf.SHF_ALLOC, 4)
	h := &EhFrameHdr{Section: sec, EhFrame: ehframe, nfde: n}
	h.frag = sec.Data.Append(NewTargetFragment(ehFrameHdrSize + uint64(n)*8))
	ctx.EhFrameHdr = h
}

// write builds the table from the relocated .eh_frame already in area.
func (h *EhFrameHdr) write(area *MemoryArea) {
	eh := h.EhFrame
	var fdes []fdeEntry
	area.With(eh.Offset, eh.FileSize(), func(data []byte) {
		fdes = collectFDEs(data, eh.Addr)
	})
	utils.Assert(len(fdes) <= h.nfde, ".eh_frame gained FDEs after sizing")

	hdr := h.Section
	area.With(hdr.Offset, hdr.FileSize(), func(buf []byte) {
		buf[0] = 1
		buf[1] = dwEhPePcrel | dwEhPeSdata4
		buf[2] = dwEhPeUdata4
		buf[3] = dwEhPeDatarel | dwEhPeSdata4
		utils.Write[int32](buf[4:], int32(eh.Addr-(hdr.Addr+4)))
		utils.Write[uint32](buf[8:], uint32(len(fdes)))
		for i, fde := range fdes {
			ent := buf[ehFrameHdrSize+i*8:]
			utils.Write[int32](ent, int32(fde.pc-hdr.Addr))
			utils.Write[int32](ent[4:], int32(fde.addr-hdr.Addr))
		}
	})
}
