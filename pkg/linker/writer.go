package linker

import (
	"github.com/ksco/elfld/pkg/utils"
)

// writeTables fills the linker-generated fragments from the final
// layout.
func writeTables(ctx *Context) {
	if ctx.Got != nil {
		ctx.Got.Apply(ctx)
	}
	if ctx.Plt != nil {
		ctx.Plt.Apply(ctx)
		ctx.Plt.RelaPlt.Apply(ctx)
	}
	if ctx.RelaDyn != nil {
		ctx.RelaDyn.Apply(ctx)
	}
	if ctx.Dynamic != nil {
		ctx.Dynamic.Apply(ctx)
	}
	writeSymtab(ctx)
}

func copySectionData(ctx *Context, osec *LDSection, buf []byte) {
	data := osec.Data
	for _, id := range data.Order() {
		f := data.Frag(id)
		switch f.Kind {
		case FragAlignment:
			if nop := ctx.Target.NopFill; osec.IsExec() && len(nop) > 0 {
				for i := uint64(0); i < f.Size; i++ {
					buf[f.Offset+i] = nop[i%uint64(len(nop))]
				}
			}
		case FragFill:
			if f.Value != 0 {
				for i := uint64(0); i < f.Size; i++ {
					buf[f.Offset+i] = f.Value
				}
			}
		case FragRegion, FragTarget, FragStub:
			copy(buf[f.Offset:f.Offset+f.Size], f.Contents)
		}
	}
}

// WriteOutput serializes the finished layout into a fresh MemoryArea:
// the headers, every section with file bytes and the relocated fields.
func WriteOutput(ctx *Context) {
	writeTables(ctx)

	area := NewMemoryArea(ctx.FileSize)
	area.AddSpace(0, EhdrSize)
	phdrSize := uint64(ctx.Segments.Len()) * PhdrSize
	if phdrSize > 0 {
		area.AddSpace(EhdrSize, phdrSize)
	}
	for _, osec := range ctx.OutputSections {
		if osec.FileSize() > 0 {
			area.AddSpace(osec.Offset, osec.FileSize())
		}
	}
	shdrSize := uint64(len(ctx.OutputSections)+1) * ShdrSize
	area.AddSpace(ctx.ShOff, shdrSize)

	area.With(0, EhdrSize, func(buf []byte) {
		writeEhdr(ctx, buf)
	})
	area.With(EhdrSize, phdrSize, func(buf []byte) {
		writeProgramHdrs(ctx, buf)
	})

	for _, osec := range ctx.OutputSections {
		if osec.writer != nil {
			osec.writer(ctx)
		}
	}
	for _, osec := range ctx.OutputSections {
		area.With(osec.Offset, osec.FileSize(), func(buf []byte) {
			copySectionData(ctx, osec, buf)
		})
	}

	SyncRelocationResult(ctx, area)
	if ctx.EhFrameHdr != nil {
		ctx.EhFrameHdr.write(area)
	}

	area.With(ctx.ShOff, shdrSize, func(buf []byte) {
		writeShdrs(ctx, buf)
	})

	utils.Assert(area.Size() == ctx.FileSize, "output size changed while writing")
	ctx.Image = area.Close()
}
