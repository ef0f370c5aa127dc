package linker

import (
	"github.com/ksco/elfld/pkg/utils"
	"github.com/opentracing/opentracing-go"
)

// Context carries the state of one link session through every pass.
type Context struct {
	Config *Config
	Target *Target
	Diag   Diagnostics
	Tracer opentracing.Tracer

	SymbolMap map[string]*ResolveInfo
	Symbols   []*ResolveInfo

	FilePriority uint32
	Files        []Reader
	Objs         []*InputFile
	Dsos         []*InputFile

	InternalObj   *InputFile
	InternalEsyms []Sym

	OutputSections []*LDSection
	MergedSections []*MergedSection
	Segments       SegmentTable

	Got     *GotSection
	Plt     *PltSection
	RelaDyn *DynRelocSection
	Dynamic *DynamicSection
	Islands *BranchIslandFactory

	EhFrameHdr *EhFrameHdr

	Interp   *LDSection
	SymTab   *LDSection
	StrTab   *LDSection
	ShStrTab *LDSection

	// OutSyms is the output .symtab in order, locals first.
	OutSyms        []*ResolveInfo
	OutFirstGlobal int

	shstrOff   map[string]uint32
	symNameOff []uint32
	symtabFrag FragID

	TpAddr    uint64
	Entry     uint64
	FileSize  uint64
	ShOff     uint64
	ExecStack bool

	Image []byte

	undefReported utils.MapSet[string]
	aliases       []symbolAlias

	__InitArrayStart    *ResolveInfo
	__InitArrayEnd      *ResolveInfo
	__FiniArrayStart    *ResolveInfo
	__FiniArrayEnd      *ResolveInfo
	__PreinitArrayStart *ResolveInfo
	__PreinitArrayEnd   *ResolveInfo
	__GlobalPointer     *ResolveInfo
	__GlobalOffsetTable *ResolveInfo
	__Dynamic           *ResolveInfo
	__BssStart          *ResolveInfo
	__End               *ResolveInfo
	__Etext             *ResolveInfo
	__Edata             *ResolveInfo
}

func NewContext(cfg *Config) *Context {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Context{
		Config:        cfg,
		Tracer:        opentracing.GlobalTracer(),
		SymbolMap:     make(map[string]*ResolveInfo),
		FilePriority:  10000,
		undefReported: utils.NewMapSet[string](),
	}
}

// IsDynamic reports whether the output needs a dynamic section.
func (ctx *Context) IsDynamic() bool {
	return ctx.Config.IsDynObj() || (ctx.Config.IsExec() && len(ctx.Dsos) > 0)
}
