package linker

import (
	"context"
	"os"

	"github.com/opentracing/opentracing-go"
)

type phase struct {
	name string
	run  func(ctx *Context)
}

func (p phase) trace(spanCtx context.Context, ctx *Context) {
	span, _ := opentracing.StartSpanFromContextWithTracer(spanCtx, ctx.Tracer, p.name)
	defer span.Finish()
	p.run(ctx)
	span.SetTag("errors", ctx.Diag.Errors)
}

// Link runs one session over inputs. It returns false when an error or
// a fatal diagnostic was reported; the image is only written when it
// returns true.
func Link(ctx *Context, inputs []*Input) (ok bool) {
	root := ctx.Tracer.StartSpan("link")
	defer root.Finish()

	defer func() {
		if r := recover(); r != nil {
			if _, fatal := r.(*FatalError); !fatal {
				panic(r)
			}
			root.SetTag("error", true)
			ok = false
		}
	}()

	phases := []phase{
		{"create-inputs", func(ctx *Context) { CreateInputFiles(ctx, inputs) }},
		{"select-target", func(ctx *Context) { SelectTarget(ctx, inputs) }},
		{"read-headers", ReadHeaders},
		{"read-symbols", ReadSymbols},
		{"resolve", func(ctx *Context) {
			CreateInternalFile(ctx)
			ResolveSymbols(ctx)
			ClaimUnresolvedSymbols(ctx)
			AddSyntheticSymbols(ctx)
			CheckDuplicateSymbols(ctx)
			ResolveCommons(ctx)
		}},
		{"read-sections", func(ctx *Context) {
			ReadSections(ctx)
			if !ctx.Config.IsPartial() {
				RegisterSectionPieces(ctx)
			}
			AllocateCommons(ctx)
			ReadRelocations(ctx)
			ComputeExecStack(ctx)
		}},
		{"scan-relocations", func(ctx *Context) {
			CreateInterp(ctx)
			CreateEhFrameHdr(ctx)
			ScanRelocations(ctx)
			FinishDynamic(ctx)
			CreatePartialRelocSections(ctx)
		}},
		{"layout", func(ctx *Context) {
			Layout(ctx)
			FixSyntheticSymbols(ctx)
			ComputeEntry(ctx)
		}},
		{"apply-relocations", ApplyRelocations},
		{"write", func(ctx *Context) {
			if ctx.Diag.HasErrors() {
				return
			}
			WriteOutput(ctx)
			writeFile(ctx)
		}},
	}

	spanCtx := opentracing.ContextWithSpan(context.Background(), root)
	for _, p := range phases {
		p.trace(spanCtx, ctx)
	}

	return !ctx.Diag.HasErrors()
}

func writeFile(ctx *Context) {
	if ctx.Config.Output == "" {
		return
	}

	perm := os.FileMode(0777)
	if ctx.Config.IsPartial() {
		perm = 0666
	}

	file, err := os.OpenFile(ctx.Config.Output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		ctx.Report(DiagWriteFailed, ctx.Config.Output, err)
	}
	defer file.Close()

	if _, err := file.Write(ctx.Image); err != nil {
		ctx.Report(DiagWriteFailed, ctx.Config.Output, err)
	}
}
