package linker

import (
	"debug/elf"
	"sort"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
)

const (
	shoNull = iota
	shoInterp
	shoROnlyNote
	shoNamePool
	shoRelocation
	shoRelPlt
	shoInit
	shoPLT
	shoText
	shoFini
	shoRO
	shoException
	shoTLSData
	shoTLSBss
	shoRelroLocal
	shoRelro
	shoGOT
	shoGOTPLT
	shoData
	shoRWNote
	shoBSS
	shoUndefined
	shoStrTab
)

func sectionOrder(osec *LDSection) int {
	typ := elf.SectionType(osec.Type)
	name := osec.Name

	if typ == elf.SHT_NULL {
		return shoNull
	}
	if !osec.IsAlloc() {
		if typ == elf.SHT_SYMTAB || typ == elf.SHT_STRTAB {
			return shoStrTab
		}
		return shoUndefined
	}

	switch {
	case name == ".interp":
		return shoInterp
	case typ == elf.SHT_NOTE:
		if osec.IsWrite() {
			return shoRWNote
		}
		return shoROnlyNote
	case typ == elf.SHT_DYNSYM || typ == elf.SHT_HASH || typ == elf.SHT_GNU_HASH ||
		typ == elf.SHT_STRTAB:
		return shoNamePool
	case typ == elf.SHT_RELA || typ == elf.SHT_REL:
		if name == ".rela.plt" || name == ".rel.plt" {
			return shoRelPlt
		}
		return shoRelocation
	}

	if osec.IsExec() {
		switch name {
		case ".init":
			return shoInit
		case ".plt":
			return shoPLT
		case ".fini":
			return shoFini
		}
		return shoText
	}

	if !osec.IsWrite() {
		if name == ".eh_frame" || name == ".eh_frame_hdr" || name == ".gcc_except_table" {
			return shoException
		}
		return shoRO
	}

	if osec.IsTLS() {
		if osec.IsNoBits() {
			return shoTLSBss
		}
		return shoTLSData
	}

	switch {
	case name == ".got":
		return shoGOT
	case name == ".got.plt":
		return shoGOTPLT
	case name == ".data.rel.ro.local":
		return shoRelroLocal
	case typ == elf.SHT_INIT_ARRAY || typ == elf.SHT_FINI_ARRAY ||
		typ == elf.SHT_PREINIT_ARRAY || typ == elf.SHT_DYNAMIC ||
		name == ".data.rel.ro" || name == ".ctors" || name == ".dtors" ||
		strings.HasSuffix(name, ".rel.ro"):
		return shoRelro
	case osec.IsNoBits():
		return shoBSS
	}
	return shoData
}

func isRelro(ctx *Context, osec *LDSection) bool {
	if !ctx.Config.Z.Relro || ctx.Config.IsPartial() || !osec.IsAlloc() || !osec.IsWrite() {
		return false
	}
	switch sectionOrder(osec) {
	case shoTLSData, shoTLSBss, shoRelroLocal, shoRelro, shoGOT:
		return true
	case shoGOTPLT:
		return ctx.Config.Z.Now
	}
	return false
}

// headerBase is the address the ELF header is mapped at.
func (ctx *Context) headerBase() uint64 {
	if ctx.Config.IsExec() {
		return ctx.Target.ImageBase
	}
	return 0
}

// pruneSections drops output sections nothing was placed in.
func pruneSections(ctx *Context) {
	ctx.OutputSections = utils.RemoveIf[*LDSection](ctx.OutputSections, func(osec *LDSection) bool {
		return osec.Data.Empty() && !osec.keep
	})
}

func SortOutputSections(ctx *Context) {
	sort.SliceStable(ctx.OutputSections, func(i, j int) bool {
		x := ctx.OutputSections[i]
		y := ctx.OutputSections[j]
		if ox, oy := sectionOrder(x), sectionOrder(y); ox != oy {
			return ox < oy
		}
		if x.Type == uint32(elf.SHT_NOTE) && y.Type == uint32(elf.SHT_NOTE) {
			return x.Align > y.Align
		}
		return x.seq < y.seq
	})
}

func assignIndices(ctx *Context) {
	for i, osec := range ctx.OutputSections {
		osec.Index = uint32(i + 1)
		osec.Order = sectionOrder(osec)
	}
}

// assignAddresses gives every section its address and file offset. In
// preview mode sizes come from Measure and sections stay open.
func assignAddresses(ctx *Context, preview bool) {
	size := func(osec *LDSection) {
		if preview {
			osec.Size = osec.Data.Measure()
		}
	}

	off := EhdrSize
	if ctx.Config.IsPartial() {
		for _, osec := range ctx.OutputSections {
			size(osec)
			osec.Addr = 0
			off = utils.AlignTo(off, osec.Align)
			osec.Offset = off
			off += osec.FileSize()
		}
		ctx.ShOff = utils.AlignTo(off, 8)
		ctx.FileSize = ctx.ShOff + uint64(len(ctx.OutputSections)+1)*ShdrSize
		return
	}

	maxPage := ctx.MaxPageSize()
	off = programHeaderSize(ctx)
	addr := ctx.headerBase() + off

	var load *ELFSegment
	var prev *LDSection
	for _, osec := range ctx.OutputSections {
		if !osec.IsAlloc() {
			continue
		}
		size(osec)

		if osec.IsTbss() {
			osec.Addr = utils.AlignTo(addr, osec.Align)
			osec.Offset = off
			continue
		}

		if osec.Segment != load {
			load = osec.Segment
			if !load.includeHeaders {
				if osec.FixedAddr != nil {
					addr = *osec.FixedAddr
				} else {
					addr = utils.AlignTo(addr, maxPage) + off%maxPage
				}
				off += (addr%maxPage + maxPage - off%maxPage) % maxPage
			}
		} else if prev != nil && isRelro(ctx, prev) && !isRelro(ctx, osec) {
			next := utils.AlignTo(addr, ctx.CommonPageSize())
			off += next - addr
			addr = next
		}

		if osec.FixedAddr == nil {
			next := utils.AlignTo(addr, osec.Align)
			off += next - addr
			addr = next
		}

		osec.Addr = addr
		osec.Offset = off
		addr += osec.Size
		off += osec.FileSize()
		prev = osec
	}

	for _, osec := range ctx.OutputSections {
		if osec.IsAlloc() {
			continue
		}
		size(osec)
		osec.Addr = 0
		off = utils.AlignTo(off, osec.Align)
		osec.Offset = off
		off += osec.FileSize()
	}

	ctx.ShOff = utils.AlignTo(off, 8)
	ctx.FileSize = ctx.ShOff + uint64(len(ctx.OutputSections)+1)*ShdrSize
}

func isBranchOutOfRange(ctx *Context, r *Relocation) bool {
	if r.Sym.IsUndefWeak() {
		return false
	}
	v := relocValues(ctx, r)
	val := int64(v.S + v.A - v.P)
	return val < -ctx.Islands.Range || val >= ctx.Islands.Range
}

// stubCanReach reports whether a stub within branch range of r's place
// still reaches r's target.
func stubCanReach(ctx *Context, r *Relocation) bool {
	v := relocValues(ctx, r)
	val := int64(v.S + v.A - v.P)
	limit := ctx.Target.StubRange - ctx.Islands.Range
	return -limit <= val && val < limit
}

// PlanBranchIslands adds stubs for every short branch that cannot reach
// its target, re-measuring until no new stub is needed. Stubs are only
// ever added, so the loop terminates. A branch that gets no stub is left
// for the relocator to report as an overflow.
func PlanBranchIslands(ctx *Context) {
	if ctx.Islands == nil {
		return
	}

	for {
		assignAddresses(ctx, true)

		changed := false
		for _, file := range ctx.Objs {
			for _, isec := range file.Sections {
				if isec == nil || !isec.IsAlive || !isec.IsAlloc() {
					continue
				}
				for _, r := range isec.Relocs {
					if r.Stub != nil {
						continue
					}
					if h, ok := ctx.Target.Howto(r.Type); !ok || h.Class&RelBranch == 0 {
						continue
					}
					if !isBranchOutOfRange(ctx, r) {
						continue
					}

					place := r.Place()
					stub := ctx.Islands.FindStub(place.Data, place.Frag, r.Sym, r.Addend)
					if stub == nil {
						if !stubCanReach(ctx, r) {
							continue
						}
						island := ctx.Islands.Produce(ctx, place.Data, place.Frag)
						if island == nil {
							continue
						}
						stub, _ = island.AddStub(ctx, r.Sym, r.Addend)
						changed = true
					}
					r.Stub = stub
				}
			}
		}

		if !changed {
			return
		}
	}
}

// Layout runs once after every reservation: it orders the output
// sections, builds the program headers, places branch islands and
// assigns final offsets and addresses.
func Layout(ctx *Context) {
	pruneSections(ctx)
	createNamePools(ctx)
	SortOutputSections(ctx)
	assignIndices(ctx)

	if !ctx.Config.IsPartial() {
		createProgramHdrs(ctx)
	}
	PlanBranchIslands(ctx)
	SizeNamePools(ctx)

	for _, osec := range ctx.OutputSections {
		osec.Data.FinalizeOffsets()
	}
	assignAddresses(ctx, false)
	if !ctx.Config.IsPartial() {
		setSegmentAttributes(ctx)
	}

	for _, osec := range ctx.OutputSections {
		osec.Data.Verify()
	}
}
