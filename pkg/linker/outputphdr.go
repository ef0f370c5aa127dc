package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

func toPhdrFlags(osec *LDSection) elf.ProgFlag {
	ret := elf.PF_R
	if osec.IsWrite() {
		ret |= elf.PF_W
	}
	if osec.IsExec() {
		ret |= elf.PF_X
	}
	return ret
}

func isNote(osec *LDSection) bool {
	return osec.Type == uint32(elf.SHT_NOTE) && osec.IsAlloc()
}

func isBss(osec *LDSection) bool {
	return osec.IsNoBits() && !osec.IsTLS()
}

// createProgramHdrs groups the sorted output sections into segments.
// Addresses are not known yet; only membership and flags are decided.
func createProgramHdrs(ctx *Context) {
	t := &ctx.Segments
	osecs := ctx.OutputSections

	if ctx.IsDynamic() {
		t.Produce(elf.PT_PHDR, elf.PF_R)
	}
	if ctx.Interp != nil {
		t.Produce(elf.PT_INTERP, elf.PF_R).Append(ctx.Interp)
	}

	load := t.Split(elf.PT_LOAD, elf.PF_R)
	load.includeHeaders = true
	var prev *LDSection
	for _, osec := range osecs {
		if !osec.IsAlloc() || osec.IsTbss() {
			continue
		}

		flags := toPhdrFlags(osec)
		split := osec.FixedAddr != nil
		if !load.Empty() {
			if (elf.ProgFlag(load.Flags)^flags)&elf.PF_W != 0 {
				split = true
			}
			if prev != nil && isBss(prev) && !osec.IsNoBits() {
				split = true
			}
		}
		if split && (!load.Empty() || osec.FixedAddr != nil) {
			load = t.Split(elf.PT_LOAD, flags)
		}

		load.Flags |= uint32(flags)
		load.Append(osec)
		prev = osec
	}

	if ctx.Dynamic != nil {
		t.Produce(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W).Append(ctx.Dynamic.Section)
	}
	if ctx.EhFrameHdr != nil {
		t.Produce(elf.PT_GNU_EH_FRAME, elf.PF_R).Append(ctx.EhFrameHdr.Section)
	}

	for i := 0; i < len(osecs); {
		first := osecs[i]
		i++
		if !isNote(first) {
			continue
		}

		flags := toPhdrFlags(first)
		note := t.Split(elf.PT_NOTE, flags)
		note.Append(first)
		for i < len(osecs) && isNote(osecs[i]) && toPhdrFlags(osecs[i]) == flags {
			note.Append(osecs[i])
			i++
		}
	}

	for _, osec := range osecs {
		if osec.IsAlloc() && osec.IsTLS() {
			t.Produce(elf.PT_TLS, elf.PF_R).Append(osec)
		}
	}

	stackFlags := elf.PF_R | elf.PF_W
	if ctx.ExecStack {
		stackFlags |= elf.PF_X
	}
	t.Produce(elf.PT_GNU_STACK, stackFlags)

	for i := 0; i < len(osecs); i++ {
		if !isRelro(ctx, osecs[i]) {
			continue
		}

		relro := t.Produce(elf.PT_GNU_RELRO, elf.PF_R)
		for i < len(osecs) && isRelro(ctx, osecs[i]) {
			relro.Append(osecs[i])
			i++
		}
		break
	}
}

// programHeaderSize is the size of the header block the first PT_LOAD
// maps.
func programHeaderSize(ctx *Context) uint64 {
	return EhdrSize + uint64(ctx.Segments.Len())*PhdrSize
}

// setSegmentAttributes fills in offsets, addresses and sizes once every
// section has its final address.
func setSegmentAttributes(ctx *Context) {
	maxPage := ctx.MaxPageSize()
	for _, seg := range ctx.Segments.List() {
		switch elf.ProgType(seg.Type) {
		case elf.PT_PHDR:
			seg.Offset = EhdrSize
			seg.VAddr = ctx.headerBase() + EhdrSize
			seg.PAddr = seg.VAddr
			seg.FileSize = uint64(ctx.Segments.Len()) * PhdrSize
			seg.MemSize = seg.FileSize
			seg.Align = 8
		case elf.PT_LOAD:
			seg.cover()
			if seg.includeHeaders {
				base := ctx.headerBase()
				end := programHeaderSize(ctx)
				if !seg.Empty() {
					end = seg.Offset + seg.FileSize
				}
				memEnd := base + end
				if !seg.Empty() {
					memEnd = utils.Max(memEnd, seg.VAddr+seg.MemSize)
				}
				seg.Offset = 0
				seg.VAddr = base
				seg.PAddr = base
				seg.FileSize = end
				seg.MemSize = memEnd - base
			}
			seg.Align = maxPage
		case elf.PT_GNU_STACK:
			seg.Align = 16
		case elf.PT_GNU_RELRO:
			seg.cover()
			seg.MemSize = utils.AlignTo(seg.VAddr+seg.MemSize, ctx.CommonPageSize()) - seg.VAddr
			seg.Align = 1
		default:
			seg.cover()
		}
	}

	if tls := ctx.Segments.Find(elf.PT_TLS); tls != nil {
		ctx.TpAddr = ctx.Target.TPAddr(tls)
	}
}

func writeProgramHdrs(ctx *Context, buf []byte) {
	for i, seg := range ctx.Segments.List() {
		utils.Write[Phdr](buf[uint64(i)*PhdrSize:], seg.Phdr())
	}
}
