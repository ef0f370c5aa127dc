package linker

import (
	"github.com/ksco/elfld/pkg/utils"
)

func writeShdrs(ctx *Context, buf []byte) {
	utils.Write[Shdr](buf, Shdr{})

	for _, osec := range ctx.OutputSections {
		shdr := osec.Shdr()
		shdr.Name = ctx.shstrOff[osec.Name]
		utils.Write[Shdr](buf[uint64(osec.Index)*ShdrSize:], shdr)
	}
}
