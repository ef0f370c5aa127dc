package linker

import (
	"debug/elf"
	"strconv"

	"github.com/ksco/elfld/pkg/utils"
)

// symbolAlias is a --defsym whose value is another symbol's address.
type symbolAlias struct {
	sym    *ResolveInfo
	target string
}

// SelectTarget picks the machine from the configuration or, when it is
// unset, from the first ELF input.
func SelectTarget(ctx *Context, inputs []*Input) {
	machine := ctx.Config.Machine
	if machine == elf.EM_NONE {
		for _, in := range inputs {
			if in.Kind == InputBinary || uint64(len(in.Contents)) < EhdrSize || !CheckMagic(in.Contents) {
				continue
			}
			machine = elf.Machine(utils.Read[Ehdr](in.Contents).Machine)
			break
		}
	}

	ctx.Target = NewTarget(machine)
	if ctx.Target == nil {
		ctx.Report(DiagUnknownMachine, machine.String())
	}
	ctx.Config.Machine = machine

	if ctx.Target.BranchRange > 0 && !ctx.Config.IsPartial() {
		ctx.Islands = NewBranchIslandFactory(ctx.Target.BranchRange, ctx.Target.IslandBudget)
	}
}

func CreateInternalFile(ctx *Context) {
	obj := &InputFile{
		Name:     "<internal>",
		Kind:     InputInternal,
		IsAlive:  true,
		Priority: 1,
	}
	ctx.InternalObj = obj
	ctx.Objs = append(ctx.Objs, obj)

	ctx.InternalEsyms = make([]Sym, 1)
	obj.Symbols = append(obj.Symbols, NewResolveInfo(""))
	obj.FirstGlobal = 1
	obj.ElfSyms = ctx.InternalEsyms
}

func ReadHeaders(ctx *Context) {
	for _, r := range ctx.Files {
		r.ReadHeader(ctx)
	}
}

// ReadSymbols reads every symbol table and sorts the files into objects
// and shared objects.
func ReadSymbols(ctx *Context) {
	for _, r := range ctx.Files {
		r.ReadSymbols(ctx)

		file := r.File()
		if file.Kind == InputDynObj {
			ctx.Dsos = append(ctx.Dsos, file)
		} else {
			ctx.Objs = append(ctx.Objs, file)
		}
	}
}

func allFiles(ctx *Context) []*InputFile {
	files := make([]*InputFile, 0, len(ctx.Objs)+len(ctx.Dsos))
	files = append(files, ctx.Objs...)
	return append(files, ctx.Dsos...)
}

func ResolveSymbols(ctx *Context) {
	for _, file := range allFiles(ctx) {
		file.ResolveSymbols(ctx)
	}

	MarkLiveObjects(ctx)

	for _, file := range ctx.Objs {
		if !file.IsAlive {
			file.ClearSymbols()
		}
	}

	for _, file := range allFiles(ctx) {
		if file.IsAlive {
			file.ResolveSymbols(ctx)
		}
	}

	ctx.Objs = utils.RemoveIf[*InputFile](ctx.Objs, func(file *InputFile) bool {
		return !file.IsAlive
	})
	ctx.Files = utils.RemoveIf[Reader](ctx.Files, func(r Reader) bool {
		return !r.File().IsAlive
	})
}

func MarkLiveObjects(ctx *Context) {
	roots := make([]*InputFile, 0)
	for _, file := range allFiles(ctx) {
		if file.IsAlive {
			roots = append(roots, file)
		}
	}

	for len(roots) > 0 {
		file := roots[0]
		roots = roots[1:]
		file.MarkLiveObjects(ctx, func(f *InputFile) {
			roots = append(roots, f)
		})
	}
}

func ClaimUnresolvedSymbols(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ClaimUnresolvedSymbols(ctx)
	}
}

// CheckDuplicateSymbols reports every strong definition that lost to
// another strong definition.
func CheckDuplicateSymbols(ctx *Context) {
	for _, file := range ctx.Objs {
		if file == ctx.InternalObj {
			continue
		}
		for i := file.FirstGlobal; i < int64(len(file.ElfSyms)); i++ {
			esym := &file.ElfSyms[i]
			sym := file.Symbols[i]
			if esym.IsUndef() || esym.IsCommon() || esym.IsWeak() {
				continue
			}
			if sym.File == nil || sym.File == file || sym.File == ctx.InternalObj ||
				sym.File.Kind == InputDynObj {
				continue
			}
			if sym.ElfSym().IsWeak() || sym.IsCommon() {
				continue
			}
			if !file.isSectionKept(ctx, esym, i) {
				continue
			}
			ctx.Report(DiagMultipleDefinition, sym.Name, sym.File.Name, file.Name)
		}
	}
}

// ResolveCommons gives every common symbol the largest size and
// alignment any live input asked for.
func ResolveCommons(ctx *Context) {
	for _, file := range ctx.Objs {
		for i := file.FirstGlobal; i < int64(len(file.ElfSyms)); i++ {
			esym := &file.ElfSyms[i]
			sym := file.Symbols[i]
			if !esym.IsCommon() || sym.File == nil || !sym.IsCommon() {
				continue
			}
			if sym.CommonSize != 0 && sym.CommonSize != esym.Size {
				ctx.Report(DiagCommonSizeMismatch, sym.Name, esym.Size, file.Name, sym.CommonSize)
			}
			sym.CommonSize = utils.Max(sym.CommonSize, esym.Size)
			sym.CommonAlign = utils.Max(sym.CommonAlign, utils.Max(esym.Val, 1))
		}
	}
}

// AddSyntheticSymbols defines the linker-provided symbols that an input
// references but nobody defines, and the --defsym symbols.
func AddSyntheticSymbols(ctx *Context) {
	obj := ctx.InternalObj
	first := int64(len(obj.ElfSyms))

	add := func(name string, value uint64, vis elf.SymVis) *ResolveInfo {
		sym := GetSymbolByName(ctx, name)
		idx := addInternalSymbol(ctx, Sym{
			Info:  symInfo(elf.STB_GLOBAL, elf.STT_NOTYPE),
			Other: uint8(vis),
			Shndx: uint16(elf.SHN_ABS),
			Val:   value,
		})
		obj.Symbols[idx] = sym
		return sym
	}

	provide := func(name string) *ResolveInfo {
		sym, ok := ctx.SymbolMap[name]
		if !ok || sym.IsDefined() {
			return nil
		}
		return add(name, 0, elf.STV_HIDDEN)
	}

	if !ctx.Config.IsPartial() {
		ctx.__InitArrayStart = provide("__init_array_start")
		ctx.__InitArrayEnd = provide("__init_array_end")
		ctx.__FiniArrayStart = provide("__fini_array_start")
		ctx.__FiniArrayEnd = provide("__fini_array_end")
		ctx.__PreinitArrayStart = provide("__preinit_array_start")
		ctx.__PreinitArrayEnd = provide("__preinit_array_end")
		ctx.__BssStart = provide("__bss_start")
		ctx.__End = provide("_end")
		ctx.__Etext = provide("_etext")
		ctx.__Edata = provide("_edata")
		ctx.__GlobalOffsetTable = provide("_GLOBAL_OFFSET_TABLE_")
		ctx.__Dynamic = provide("_DYNAMIC")
		if ctx.Target.Machine == elf.EM_RISCV {
			ctx.__GlobalPointer = provide("__global_pointer$")
		}
	}

	for _, def := range ctx.Config.Script.DefSyms {
		sym := add(def.Name, def.Value, elf.STV_DEFAULT)
		if def.Target != "" {
			ctx.aliases = append(ctx.aliases, symbolAlias{sym: sym, target: def.Target})
		}
	}

	for i := first; i < int64(len(obj.ElfSyms)); i++ {
		sym := obj.Symbols[i]
		if GetRank(obj, &obj.ElfSyms[i], false) < sym.GetRank() {
			sym.File = obj
			sym.SetInputSection(nil)
			sym.Value = obj.ElfSyms[i].Val
			sym.SymIdx = int32(i)
			sym.IsWeak = false
			sym.Visibility = obj.ElfSyms[i].StVisibility()
		}
	}
}

func ReadSections(ctx *Context) {
	for _, r := range ctx.Files {
		r.ReadSections(ctx)
	}
	for _, file := range ctx.Objs {
		file.BindSections(ctx)
	}
}

// RegisterSectionPieces interns the mergeable-section pieces and lays
// out the merged pools.
func RegisterSectionPieces(ctx *Context) {
	for _, r := range ctx.Files {
		if o, ok := r.(interface{ RegisterSectionPieces(*Context) }); ok {
			o.RegisterSectionPieces(ctx)
		}
	}

	for _, m := range ctx.MergedSections {
		m.AssignOffsets(ctx)
	}
}

// AllocateCommons turns the surviving common symbols into zero fill at
// the end of .bss. Partial links keep them common.
func AllocateCommons(ctx *Context) {
	if ctx.Config.IsPartial() {
		return
	}
	for _, sym := range ctx.Symbols {
		if sym.File == nil || !sym.IsCommon() || !sym.Ref.IsNull() {
			continue
		}
		bss := GetOutputSectionInstance(ctx, ".bss", uint64(elf.SHT_NOBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_WRITE))
		if sym.CommonAlign > 1 {
			bss.Data.Append(NewAlignmentFragment(sym.CommonAlign))
		}
		id := bss.Data.Append(NewFillFragment(0, sym.CommonSize))
		bss.raiseAlign(sym.CommonAlign)
		sym.SetFragmentRef(FragmentRef{Data: bss.Data, Frag: id})
		sym.Value = 0
	}
}

func ReadRelocations(ctx *Context) {
	for _, r := range ctx.Files {
		r.ReadRelocations(ctx)
	}
}

// ComputeExecStack decides whether the output asks for an executable
// stack. Objects without .note.GNU-stack imply one.
func ComputeExecStack(ctx *Context) {
	execStack := false
	allNoted := true
	for _, file := range ctx.Objs {
		if file.Kind != InputObject {
			continue
		}
		if !file.HasStackNote {
			allNoted = false
			if !ctx.Config.IsPartial() && !ctx.Config.Z.ExecStack && !ctx.Config.Z.NoExecStack {
				ctx.Report(DiagExecStack, file.Name)
			}
		}
		if !file.HasStackNote || file.ExecStack {
			execStack = true
		}
	}

	switch {
	case ctx.Config.Z.ExecStack:
		execStack = true
	case ctx.Config.Z.NoExecStack:
		execStack = false
	}
	ctx.ExecStack = execStack

	if ctx.Config.IsPartial() && (allNoted || ctx.Config.Z.ExecStack || ctx.Config.Z.NoExecStack) {
		flags := elf.SectionFlag(0)
		if execStack {
			flags = elf.SHF_EXECINSTR
		}
		note := AddSyntheticSection(ctx, ".note.GNU-stack", elf.SHT_PROGBITS, flags, 1)
		note.keep = true
	}
}

func boundary(sym *ResolveInfo, osec *LDSection, end bool) {
	if sym == nil || sym.File == nil || sym.File.Kind != InputInternal {
		return
	}
	if osec == nil {
		sym.SetOutputSection(nil)
		sym.Value = 0
		return
	}
	sym.SetOutputSection(osec)
	sym.Value = 0
	if end {
		sym.Value = osec.Size
	}
}

// FixSyntheticSymbols gives the linker-defined symbols their values once
// addresses are final.
func FixSyntheticSymbols(ctx *Context) {
	var initArray, finiArray, preinitArray, bss, lastAlloc, lastExec, lastData, firstData *LDSection
	for _, osec := range ctx.OutputSections {
		switch elf.SectionType(osec.Type) {
		case elf.SHT_INIT_ARRAY:
			initArray = osec
		case elf.SHT_FINI_ARRAY:
			finiArray = osec
		case elf.SHT_PREINIT_ARRAY:
			preinitArray = osec
		}
		if !osec.IsAlloc() || osec.IsTbss() {
			continue
		}
		if isBss(osec) && bss == nil {
			bss = osec
		}
		if osec.IsExec() {
			lastExec = osec
		}
		if !osec.IsNoBits() {
			lastData = osec
		}
		if osec.IsWrite() && firstData == nil {
			firstData = osec
		}
		lastAlloc = osec
	}

	boundary(ctx.__InitArrayStart, initArray, false)
	boundary(ctx.__InitArrayEnd, initArray, true)
	boundary(ctx.__FiniArrayStart, finiArray, false)
	boundary(ctx.__FiniArrayEnd, finiArray, true)
	boundary(ctx.__PreinitArrayStart, preinitArray, false)
	boundary(ctx.__PreinitArrayEnd, preinitArray, true)

	if bss != nil {
		boundary(ctx.__BssStart, bss, false)
	} else {
		boundary(ctx.__BssStart, lastData, true)
	}
	boundary(ctx.__End, lastAlloc, true)
	boundary(ctx.__Etext, lastExec, true)
	boundary(ctx.__Edata, lastData, true)

	switch {
	case ctx.Plt != nil:
		boundary(ctx.__GlobalOffsetTable, ctx.Plt.GotPlt, false)
	case ctx.Got != nil:
		boundary(ctx.__GlobalOffsetTable, ctx.Got.Section, false)
	}
	if ctx.Dynamic != nil {
		boundary(ctx.__Dynamic, ctx.Dynamic.Section, false)
	}

	if sym := ctx.__GlobalPointer; sym != nil && sym.File == ctx.InternalObj {
		gp := FindOutputSection(ctx, ".sdata")
		if gp == nil {
			gp = firstData
		}
		boundary(sym, gp, false)
		sym.Value = 0x800
	}

	for _, a := range ctx.aliases {
		target, ok := ctx.SymbolMap[a.target]
		if !ok || target.IsUndefined() {
			ctx.Report(DiagUndefinedReference, "--defsym", a.target)
			continue
		}
		if osec := target.OutputSectionOf(); osec != nil {
			a.sym.SetOutputSection(osec)
			a.sym.Value = target.GetAddr() - osec.Addr
		} else {
			a.sym.Value = target.GetAddr()
		}
	}
}

// ComputeEntry resolves the entry point. A missing entry symbol in an
// executable falls back to the start of .text with a warning.
func ComputeEntry(ctx *Context) {
	if ctx.Config.IsPartial() {
		ctx.Entry = 0
		return
	}

	name := ctx.Config.Entry
	if name == "" {
		name = "_start"
	}
	if sym, ok := ctx.SymbolMap[name]; ok && sym.IsDefined() && !sym.IsDyn() {
		ctx.Entry = sym.GetAddr()
		return
	}
	if addr, err := strconv.ParseUint(name, 0, 64); err == nil {
		ctx.Entry = addr
		return
	}

	ctx.Entry = 0
	if !ctx.Config.IsExec() {
		return
	}
	if text := FindOutputSection(ctx, ".text"); text != nil {
		ctx.Entry = text.Addr
	}
	ctx.Report(DiagEntryNotFound, name, ctx.Entry)
}
