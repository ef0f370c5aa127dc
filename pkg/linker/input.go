package linker

type InputKind uint8

const (
	InputObject InputKind = iota
	InputDynObj
	InputBinary
	// InputInternal is the linker's own file of synthetic symbols.
	InputInternal
)

func (k InputKind) String() string {
	switch k {
	case InputObject:
		return "object"
	case InputDynObj:
		return "shared object"
	case InputBinary:
		return "binary"
	case InputInternal:
		return "internal"
	}
	return "unknown"
}

// Input is one classified input handed to the core. Archive members
// arrive as separate inputs with InLib set.
type Input struct {
	Name     string
	Kind     InputKind
	Contents []byte
	InLib    bool
}

// Reader turns one input into linker data, one stage at a time.
type Reader interface {
	File() *InputFile
	ReadHeader(ctx *Context)
	ReadSymbols(ctx *Context)
	ReadSections(ctx *Context)
	ReadRelocations(ctx *Context)
}

func CreateReader(ctx *Context, in *Input) Reader {
	var r Reader
	switch in.Kind {
	case InputObject:
		r = NewObjectFile(in)
	case InputDynObj:
		r = NewDynObjFile(in)
	case InputBinary:
		r = NewBinaryFile(in)
	default:
		ctx.Report(DiagInternal, "unknown input kind "+in.Kind.String())
	}

	f := r.File()
	f.Priority = ctx.FilePriority
	ctx.FilePriority++
	return r
}

func CreateInputFiles(ctx *Context, inputs []*Input) {
	if len(inputs) == 0 {
		ctx.Report(DiagNoInputs)
	}

	for _, in := range inputs {
		ctx.Files = append(ctx.Files, CreateReader(ctx, in))
	}
}
