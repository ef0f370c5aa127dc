package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

func outputType(ctx *Context) elf.Type {
	switch {
	case ctx.Config.IsPartial():
		return elf.ET_REL
	case ctx.Config.IsDynObj():
		return elf.ET_DYN
	}
	return elf.ET_EXEC
}

func writeEhdr(ctx *Context, buf []byte) {
	ehdr := Ehdr{}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	ehdr.Ident[elf.EI_OSABI] = 0
	ehdr.Ident[elf.EI_ABIVERSION] = 0
	ehdr.Type = uint16(outputType(ctx))
	ehdr.Machine = uint16(ctx.Target.Machine)
	ehdr.Version = uint32(elf.EV_CURRENT)
	ehdr.Entry = ctx.Entry
	ehdr.ShOff = ctx.ShOff
	ehdr.Flags = ctx.Target.MergeFlags(ctx)
	ehdr.EhSize = uint16(EhdrSize)
	ehdr.ShEntSize = uint16(ShdrSize)
	ehdr.ShNum = uint16(len(ctx.OutputSections) + 1)
	ehdr.ShStrndx = uint16(ctx.ShStrTab.Index)

	if n := ctx.Segments.Len(); n > 0 {
		ehdr.PhOff = EhdrSize
		ehdr.PhEntSize = uint16(PhdrSize)
		ehdr.PhNum = uint16(n)
	}

	utils.Write[Ehdr](buf, ehdr)
}
