package linker

import (
	"bytes"
	"debug/elf"
	"errors"
	"path/filepath"
)

// DynObjFile reads the dynamic symbol table of a shared object. Only
// defined, non-local symbols take part in resolution.
type DynObjFile struct {
	InputFile
	elfFile *elf.File
}

func NewDynObjFile(in *Input) *DynObjFile {
	f := &DynObjFile{InputFile: newInputFile(in)}
	f.IsAlive = true
	return f
}

func (d *DynObjFile) File() *InputFile {
	return &d.InputFile
}

func (d *DynObjFile) ReadHeader(ctx *Context) {
	d.parseHeader(ctx, elf.ET_DYN)

	ef, err := elf.NewFile(bytes.NewReader(d.Contents))
	if err != nil {
		ctx.Report(DiagBadDynObj, d.Name, err)
	}
	d.elfFile = ef

	d.Soname = filepath.Base(d.Name)
	if names, err := ef.DynString(elf.DT_SONAME); err == nil && len(names) > 0 {
		d.Soname = names[0]
	}
}

func (d *DynObjFile) ReadSymbols(ctx *Context) {
	syms, err := d.elfFile.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		ctx.Report(DiagBadDynObj, d.Name, err)
	}

	d.ElfSyms = []Sym{{}}
	d.Symbols = []*ResolveInfo{NewResolveInfo("")}
	d.FirstGlobal = 1

	seen := make(map[string]struct{})
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || elf.ST_BIND(s.Info) == elf.STB_LOCAL {
			continue
		}
		if elf.ST_VISIBILITY(s.Other) == elf.STV_HIDDEN {
			continue
		}
		if _, ok := seen[s.Name]; ok {
			continue
		}
		seen[s.Name] = struct{}{}

		d.ElfSyms = append(d.ElfSyms, Sym{
			Info:  s.Info,
			Other: s.Other,
			Shndx: uint16(s.Section),
			Val:   s.Value,
			Size:  s.Size,
		})
		d.Symbols = append(d.Symbols, GetSymbolByName(ctx, s.Name))
	}
}

func (d *DynObjFile) ReadSections(ctx *Context) {}

func (d *DynObjFile) ReadRelocations(ctx *Context) {}
