package main

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ksco/elfld/pkg/input"
	"github.com/ksco/elfld/pkg/linker"
	"github.com/ksco/elfld/pkg/utils"
)

var version string

// inputArg is one positional input together with the mode flags in
// effect where it appeared.
type inputArg struct {
	path         string
	library      bool
	format       string
	static       bool
	wholeArchive bool
}

func main() {
	cfg := linker.NewConfig()
	args := parseArgs(cfg)
	cfg.ApplyEnv()

	loader := &input.Loader{SearchDirs: cfg.SearchDirs, Sysroot: cfg.Sysroot}
	defer loader.Close()

	for _, arg := range args {
		loader.Format = arg.format
		loader.Static = arg.static
		loader.WholeArchive = arg.wholeArchive

		var err error
		if arg.library {
			err = loader.AddLibrary(arg.path)
		} else {
			err = loader.AddFile(arg.path)
		}
		if err != nil {
			utils.Fatal(err)
		}
	}

	if cfg.Machine == 0 {
		for _, in := range loader.Inputs {
			if m := input.GetMachine(in.Contents); m != 0 {
				cfg.Machine = m
				break
			}
		}
	}

	if cfg.Verbose {
		for _, in := range loader.Inputs {
			fmt.Fprintf(os.Stderr, "elfld: loading %s (%s)\n", in.Name, in.Kind)
		}
	}

	ctx := linker.NewContext(cfg)
	ok := linker.Link(ctx, loader.Inputs)

	for _, diag := range ctx.Diag.List {
		fmt.Fprintf(os.Stderr, "elfld: %s\n", diag)
	}
	if cfg.Verbose && ok {
		printMap(os.Stderr, ctx)
	}

	if !ok {
		loader.Close()
		os.Exit(1)
	}
}

func printMap(w io.Writer, ctx *linker.Context) {
	fmt.Fprintf(w, "%-24s %-18s %-10s %s\n", "section", "address", "offset", "size")
	for _, osec := range ctx.OutputSections {
		fmt.Fprintf(w, "%-24s %#-18x %#-10x %#x\n", osec.Name, osec.Addr, osec.Offset, osec.Size)
	}
	for _, seg := range ctx.Segments.List() {
		fmt.Fprintf(w, "segment %-10s vaddr %#x filesz %#x memsz %#x\n",
			elf.ProgType(seg.Type), seg.VAddr, seg.FileSize, seg.MemSize)
	}
}

func parseArgs(cfg *linker.Config) []inputArg {
	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		if name[0] == 'o' {
			return []string{"--" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	args := os.Args[1:]
	inputs := make([]inputArg, 0)
	var arg string

	format := ""
	static := false
	wholeArchive := false

	readArg := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				if len(args) == 1 {
					utils.Fatal(fmt.Sprintf("option -%s: argument missing", name))
					return false
				}
				arg = args[1]
				args = args[2:]
				return true
			}

			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}

			if strings.HasPrefix(args[0], prefix) {
				arg = args[0][len(prefix):]
				args = args[1:]
				return true
			}
		}
		return false
	}

	readFlag := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}
		return false
	}

	must := func(err error) {
		if err != nil {
			utils.Fatal(err)
		}
	}

	setFormat := func(f string) {
		switch f {
		case "binary":
			format = "binary"
		case "elf64-littleriscv", "elf64-x86-64", "default", "elf":
			format = ""
		default:
			utils.Fatal(fmt.Sprintf("unknown input format: %s", f))
		}
	}

	for len(args) > 0 {
		if readFlag("help") {
			fmt.Printf("Usage: %s [options] file...\n", os.Args[0])
			os.Exit(0)
		}

		if readArg("plugin") ||
			readArg("plugin-opt") ||
			readFlag("as-needed") ||
			readFlag("no-as-needed") ||
			readFlag("start-group") ||
			readFlag("end-group") ||
			readFlag("(") ||
			readFlag(")") ||
			readFlag("build-id") ||
			readArg("build-id") ||
			readFlag("s") ||
			readFlag("strip-all") ||
			readFlag("no-relax") ||
			readFlag("relax") ||
			readFlag("gc-sections") ||
			readFlag("no-gc-sections") {
			// Ignored
		} else if readArg("hash-style") {
			must(cfg.ParseHashStyle(arg))
		} else if readFlag("eh-frame-hdr") {
			cfg.EhFrameHdr = true
		} else if readFlag("no-eh-frame-hdr") {
			cfg.EhFrameHdr = false
		} else if readArg("o") || readArg("output") {
			cfg.Output = arg
		} else if readFlag("v") || readFlag("version") {
			fmt.Printf("elfld %s\n", version)
			os.Exit(0)
		} else if readArg("m") {
			m, ok := linker.ParseEmulation(arg)
			if !ok {
				utils.Fatal(fmt.Sprintf("unknown -m argument: %s", arg))
			}
			cfg.Machine = m
		} else if readArg("entry") || readArg("e") {
			cfg.Entry = arg
		} else if readFlag("r") || readFlag("relocatable") {
			cfg.CodeGen = linker.CodeGenObject
		} else if readFlag("shared") || readFlag("Bshareable") {
			cfg.CodeGen = linker.CodeGenDynObj
		} else if readFlag("pie") || readFlag("pic-executable") {
			utils.Fatal("-pie is not supported")
		} else if readFlag("no-pie") {
			// Default.
		} else if readArg("soname") {
			cfg.Soname = arg
		} else if readArg("sysroot") {
			cfg.Sysroot = arg
		} else if readArg("L") || readArg("library-path") {
			cfg.SearchDirs = append(cfg.SearchDirs, arg)
		} else if readArg("l") || readArg("library") {
			inputs = append(inputs, inputArg{arg, true, format, static, wholeArchive})
		} else if readArg("z") {
			must(cfg.ParseZOption(arg))
		} else if readArg("defsym") {
			must(cfg.ParseDefSym(arg))
		} else if readArg("section-start") {
			must(cfg.ParseSectionStart(arg))
		} else if readArg("Ttext") || readArg("Ttext-segment") {
			must(cfg.ParseSectionStart(".text=" + arg))
		} else if readArg("Tdata") {
			must(cfg.ParseSectionStart(".data=" + arg))
		} else if readArg("Tbss") {
			must(cfg.ParseSectionStart(".bss=" + arg))
		} else if readArg("place") {
			must(cfg.ParsePlace(arg))
		} else if readArg("wrap") {
			cfg.Script.Wrap(arg)
		} else if readArg("dynamic-linker") || readArg("I") {
			cfg.DynamicLinker = arg
		} else if readArg("b") || readArg("format") {
			setFormat(arg)
		} else if readFlag("static") || readFlag("Bstatic") || readFlag("non_shared") {
			static = true
		} else if readFlag("Bdynamic") || readFlag("dy") || readFlag("call_shared") {
			static = false
		} else if readFlag("whole-archive") {
			wholeArchive = true
		} else if readFlag("no-whole-archive") {
			wholeArchive = false
		} else if readFlag("verbose") {
			cfg.Verbose = true
		} else {
			if args[0][0] == '-' {
				utils.Fatal(fmt.Sprintf("unknown command line option: %s", args[0]))
			}
			inputs = append(inputs, inputArg{args[0], false, format, static, wholeArchive})
			args = args[1:]
		}
	}

	for i, path := range cfg.SearchDirs {
		cfg.SearchDirs[i] = filepath.Clean(path)
	}

	return inputs
}
