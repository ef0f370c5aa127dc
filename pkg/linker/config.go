package linker

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/xyproto/env/v2"
)

type CodeGenType uint8

const (
	CodeGenExec CodeGenType = iota
	CodeGenDynObj
	CodeGenObject
)

func (t CodeGenType) String() string {
	switch t {
	case CodeGenExec:
		return "exec"
	case CodeGenDynObj:
		return "shared"
	case CodeGenObject:
		return "relocatable"
	}
	return "unknown"
}

// HashStyle selects the dynamic symbol hash tables to emit.
type HashStyle uint8

const (
	HashSysV HashStyle = 1 << iota
	HashGNU
)

type ZOptions struct {
	CombReloc      bool
	ExecStack      bool
	NoExecStack    bool
	MaxPageSize    uint64
	CommonPageSize uint64
	Relro          bool
	Now            bool
	NoCopyReloc    bool
	Defs           bool
}

type DefSym struct {
	Name string
	// Target names another symbol; empty means Value is absolute.
	Target string
	Value  uint64
}

type SectionRule struct {
	Pattern string
	Output  string
}

// LinkerScript is the aggregate a script or the command line feeds the
// core. Only the parts the core consumes are modelled.
type LinkerScript struct {
	RenameMap  map[string]string
	AddressMap map[string]uint64
	DefSyms    []DefSym
	SectionMap []SectionRule
}

// PlaceSection applies the first section rule whose glob matches name.
func (s *LinkerScript) PlaceSection(name string) (string, bool) {
	for _, rule := range s.SectionMap {
		if ok, err := doublestar.Match(rule.Pattern, name); err == nil && ok {
			return rule.Output, true
		}
	}
	return "", false
}

// Wrap installs the --wrap renames for sym.
func (s *LinkerScript) Wrap(sym string) {
	s.RenameMap[sym] = "__wrap_" + sym
	s.RenameMap["__real_"+sym] = sym
}

type Config struct {
	Triple  string
	Machine elf.Machine
	Class   elf.Class
	Data    elf.Data
	CodeGen CodeGenType

	Output        string
	Entry         string
	Soname        string
	DynamicLinker string
	Sysroot       string
	SearchDirs    []string
	Verbose       bool
	HashStyle     HashStyle
	EhFrameHdr    bool

	Z      ZOptions
	Script LinkerScript
}

func NewConfig() *Config {
	return &Config{
		Machine:   elf.EM_NONE,
		Class:     elf.ELFCLASS64,
		Data:      elf.ELFDATA2LSB,
		CodeGen:   CodeGenExec,
		Output:    "a.out",
		HashStyle: HashSysV,
		Z: ZOptions{
			CombReloc: true,
			Relro:     true,
		},
		Script: LinkerScript{
			RenameMap:  make(map[string]string),
			AddressMap: make(map[string]uint64),
		},
	}
}

func (c *Config) IsPartial() bool {
	return c.CodeGen == CodeGenObject
}

func (c *Config) IsDynObj() bool {
	return c.CodeGen == CodeGenDynObj
}

func (c *Config) IsExec() bool {
	return c.CodeGen == CodeGenExec
}

// ApplyEnv lets ELFLD_* environment variables override settings that
// were not given on the command line.
func (c *Config) ApplyEnv() {
	if c.Sysroot == "" {
		c.Sysroot = env.Str("ELFLD_SYSROOT")
	}
	if paths := env.Str("ELFLD_LIBRARY_PATH"); paths != "" {
		for _, dir := range filepath.SplitList(paths) {
			c.SearchDirs = append(c.SearchDirs, filepath.Clean(dir))
		}
	}
	if c.Z.MaxPageSize == 0 {
		c.Z.MaxPageSize = env.UInt64("ELFLD_MAX_PAGE_SIZE", 0)
	}
	if c.Z.CommonPageSize == 0 {
		c.Z.CommonPageSize = env.UInt64("ELFLD_COMMON_PAGE_SIZE", 0)
	}
	if c.DynamicLinker == "" {
		c.DynamicLinker = env.Str("ELFLD_DYNAMIC_LINKER")
	}
	if env.Bool("ELFLD_VERBOSE") {
		c.Verbose = true
	}
}

// ParseZOption handles one `-z keyword` argument.
func (c *Config) ParseZOption(opt string) error {
	parseSize := func(s string) (uint64, error) {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil || v == 0 || v&(v-1) != 0 {
			return 0, fmt.Errorf("invalid page size: %s", s)
		}
		return v, nil
	}

	var err error
	switch {
	case opt == "combreloc":
		c.Z.CombReloc = true
	case opt == "nocombreloc":
		c.Z.CombReloc = false
	case opt == "execstack":
		c.Z.ExecStack, c.Z.NoExecStack = true, false
	case opt == "noexecstack":
		c.Z.ExecStack, c.Z.NoExecStack = false, true
	case opt == "relro":
		c.Z.Relro = true
	case opt == "norelro":
		c.Z.Relro = false
	case opt == "now":
		c.Z.Now = true
	case opt == "lazy":
		c.Z.Now = false
	case opt == "nocopyreloc":
		c.Z.NoCopyReloc = true
	case opt == "defs":
		c.Z.Defs = true
	case strings.HasPrefix(opt, "max-page-size="):
		c.Z.MaxPageSize, err = parseSize(strings.TrimPrefix(opt, "max-page-size="))
	case strings.HasPrefix(opt, "common-page-size="):
		c.Z.CommonPageSize, err = parseSize(strings.TrimPrefix(opt, "common-page-size="))
	default:
		return fmt.Errorf("unknown -z option: %s", opt)
	}
	return err
}

// ParseHashStyle handles `--hash-style=sysv|gnu|both`.
func (c *Config) ParseHashStyle(style string) error {
	switch style {
	case "sysv":
		c.HashStyle = HashSysV
	case "gnu":
		c.HashStyle = HashGNU
	case "both":
		c.HashStyle = HashSysV | HashGNU
	default:
		return fmt.Errorf("unknown --hash-style: %s", style)
	}
	return nil
}

// ParseDefSym handles `name=value` where value is a number or a symbol.
func (c *Config) ParseDefSym(arg string) error {
	name, expr, ok := strings.Cut(arg, "=")
	if !ok || name == "" || expr == "" {
		return fmt.Errorf("invalid --defsym: %s", arg)
	}
	if v, err := strconv.ParseUint(expr, 0, 64); err == nil {
		c.Script.DefSyms = append(c.Script.DefSyms, DefSym{Name: name, Value: v})
		return nil
	}
	c.Script.DefSyms = append(c.Script.DefSyms, DefSym{Name: name, Target: expr})
	return nil
}

// ParseSectionStart handles `name=address`.
func (c *Config) ParseSectionStart(arg string) error {
	name, expr, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("invalid --section-start: %s", arg)
	}
	v, err := strconv.ParseUint(expr, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address in --section-start: %s", arg)
	}
	c.Script.AddressMap[name] = v
	return nil
}

// ParsePlace handles `glob=name`.
func (c *Config) ParsePlace(arg string) error {
	pattern, name, ok := strings.Cut(arg, "=")
	if !ok || !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid --place: %s", arg)
	}
	c.Script.SectionMap = append(c.Script.SectionMap, SectionRule{Pattern: pattern, Output: name})
	return nil
}

// ParseEmulation maps a -m argument to a machine.
func ParseEmulation(m string) (elf.Machine, bool) {
	switch m {
	case "elf64lriscv":
		return elf.EM_RISCV, true
	case "elf_x86_64":
		return elf.EM_X86_64, true
	}
	return elf.EM_NONE, false
}
