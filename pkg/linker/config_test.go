package linker

import (
	"debug/elf"
	"path/filepath"
	"testing"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv("ELFLD_SYSROOT", "/opt/sysroot")
	t.Setenv("ELFLD_LIBRARY_PATH", "/usr/lib"+string(filepath.ListSeparator)+"/opt/lib/")
	t.Setenv("ELFLD_MAX_PAGE_SIZE", "65536")
	t.Setenv("ELFLD_VERBOSE", "true")

	cfg := NewConfig()
	cfg.DynamicLinker = "/lib/ld.so"
	cfg.ApplyEnv()

	if cfg.Sysroot != "/opt/sysroot" {
		t.Fatalf("Sysroot = %q", cfg.Sysroot)
	}
	if len(cfg.SearchDirs) != 2 || cfg.SearchDirs[1] != "/opt/lib" {
		t.Fatalf("SearchDirs = %v", cfg.SearchDirs)
	}
	if cfg.Z.MaxPageSize != 65536 {
		t.Fatalf("MaxPageSize = %d", cfg.Z.MaxPageSize)
	}
	if !cfg.Verbose {
		t.Fatal("Verbose not set")
	}
	if cfg.DynamicLinker != "/lib/ld.so" {
		t.Fatalf("command line lost to the environment: %q", cfg.DynamicLinker)
	}
}

func TestParseZOption(t *testing.T) {
	cfg := NewConfig()
	for _, opt := range []string{"nocombreloc", "execstack", "now", "norelro", "max-page-size=0x10000"} {
		if err := cfg.ParseZOption(opt); err != nil {
			t.Fatalf("ParseZOption(%q): %v", opt, err)
		}
	}
	if cfg.Z.CombReloc || !cfg.Z.ExecStack || !cfg.Z.Now || cfg.Z.Relro || cfg.Z.MaxPageSize != 0x10000 {
		t.Fatalf("Z = %+v", cfg.Z)
	}

	if err := cfg.ParseZOption("noexecstack"); err != nil || cfg.Z.ExecStack || !cfg.Z.NoExecStack {
		t.Fatalf("noexecstack: %v %+v", err, cfg.Z)
	}
	if err := cfg.ParseZOption("max-page-size=3000"); err == nil {
		t.Fatal("expected an error for a page size that is not a power of two")
	}
	if err := cfg.ParseZOption("bogus"); err == nil {
		t.Fatal("expected an error for an unknown keyword")
	}
}

func TestParseHashStyle(t *testing.T) {
	cfg := NewConfig()
	if cfg.HashStyle != HashSysV {
		t.Fatalf("default HashStyle = %d", cfg.HashStyle)
	}
	for style, want := range map[string]HashStyle{
		"sysv": HashSysV,
		"gnu":  HashGNU,
		"both": HashSysV | HashGNU,
	} {
		if err := cfg.ParseHashStyle(style); err != nil || cfg.HashStyle != want {
			t.Fatalf("ParseHashStyle(%q) = %v, HashStyle %d", style, err, cfg.HashStyle)
		}
	}
	if err := cfg.ParseHashStyle("mips"); err == nil {
		t.Fatal("expected an error for an unknown style")
	}
}

func TestParseDefSym(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.ParseDefSym("base=0x1000"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.ParseDefSym("alias=main"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.ParseDefSym("broken"); err == nil {
		t.Fatal("expected an error without '='")
	}

	defs := cfg.Script.DefSyms
	if len(defs) != 2 {
		t.Fatalf("DefSyms = %+v", defs)
	}
	if defs[0].Name != "base" || defs[0].Value != 0x1000 || defs[0].Target != "" {
		t.Fatalf("absolute defsym = %+v", defs[0])
	}
	if defs[1].Target != "main" {
		t.Fatalf("alias defsym = %+v", defs[1])
	}
}

func TestPlaceSection(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.ParsePlace(".text.hot.*=.text.hot"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.ParsePlace("[.a=.b"); err == nil {
		t.Fatal("expected an error for a bad pattern")
	}

	if out, ok := cfg.Script.PlaceSection(".text.hot.main"); !ok || out != ".text.hot" {
		t.Fatalf("PlaceSection = %q, %v", out, ok)
	}
	if _, ok := cfg.Script.PlaceSection(".data"); ok {
		t.Fatal(".data should not match")
	}
}

func TestSectionStartAndEmulation(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.ParseSectionStart(".text=0x500000"); err != nil {
		t.Fatal(err)
	}
	if cfg.Script.AddressMap[".text"] != 0x500000 {
		t.Fatalf("AddressMap = %v", cfg.Script.AddressMap)
	}
	if err := cfg.ParseSectionStart(".text=here"); err == nil {
		t.Fatal("expected an error for a non-numeric address")
	}

	if m, ok := ParseEmulation("elf64lriscv"); !ok || m != elf.EM_RISCV {
		t.Fatalf("ParseEmulation = %v, %v", m, ok)
	}
	if _, ok := ParseEmulation("elf32ppc"); ok {
		t.Fatal("elf32ppc should be rejected")
	}
}

func TestWrap(t *testing.T) {
	s := NewConfig().Script
	s.Wrap("malloc")
	if s.RenameMap["malloc"] != "__wrap_malloc" || s.RenameMap["__real_malloc"] != "malloc" {
		t.Fatalf("RenameMap = %v", s.RenameMap)
	}
}
