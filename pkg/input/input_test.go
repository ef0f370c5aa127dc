package input

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ksco/elfld/pkg/linker"
)

// elfHeader returns a bare ELF64 little-endian header.
func elfHeader(typ elf.Type, machine elf.Machine) []byte {
	buf := make([]byte, 64)
	copy(buf, "\177ELF")
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(buf[16:], uint16(typ))
	binary.LittleEndian.PutUint16(buf[18:], uint16(machine))
	return buf
}

type arMember struct {
	name string
	data []byte
}

// buildArchive writes a GNU archive. Names longer than 15 bytes go to
// the "//" table.
func buildArchive(members ...arMember) []byte {
	var out, strtab bytes.Buffer
	out.WriteString("!<arch>\n")

	header := func(name string, size int) {
		fmt.Fprintf(&out, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", size)
	}
	body := func(data []byte) {
		out.Write(data)
		if out.Len()%2 == 1 {
			out.WriteByte('\n')
		}
	}

	names := make([]string, len(members))
	for i, m := range members {
		if len(m.name) > 15 {
			names[i] = fmt.Sprintf("/%d", strtab.Len())
			strtab.WriteString(m.name + "/\n")
			continue
		}
		names[i] = m.name + "/"
	}

	if strtab.Len() > 0 {
		header("//", strtab.Len())
		body(strtab.Bytes())
	}
	for i, m := range members {
		header(names[i], len(m.data))
		body(m.data)
	}
	return out.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGetFileType(t *testing.T) {
	cases := []struct {
		contents []byte
		want     FileType
	}{
		{nil, FileTypeEmpty},
		{elfHeader(elf.ET_REL, elf.EM_RISCV), FileTypeObject},
		{elfHeader(elf.ET_DYN, elf.EM_X86_64), FileTypeDso},
		{elfHeader(elf.ET_EXEC, elf.EM_X86_64), FileTypeUnknown},
		{[]byte("!<arch>\n"), FileTypeAr},
		{[]byte("!<thin>\n"), FileTypeThinAr},
		{[]byte("INPUT(libc.so.6)"), FileTypeText},
		{[]byte{0, 1, 2, 3}, FileTypeUnknown},
	}
	for i, c := range cases {
		if got := GetFileType(c.contents); got != c.want {
			t.Fatalf("case %d: GetFileType = %d, want %d", i, got, c.want)
		}
	}

	if m := GetMachine(elfHeader(elf.ET_REL, elf.EM_RISCV)); m != elf.EM_RISCV {
		t.Fatalf("GetMachine = %v", m)
	}
	if m := GetMachine([]byte("!<arch>\n")); m != elf.EM_NONE {
		t.Fatalf("GetMachine(archive) = %v", m)
	}
}

func TestReadArchiveMembers(t *testing.T) {
	obj := elfHeader(elf.ET_REL, elf.EM_X86_64)
	ar := buildArchive(
		arMember{"a.o", obj},
		arMember{"a_rather_long_member_name.o", append([]byte{1}, obj...)},
	)
	path := writeFile(t, t.TempDir(), "libx.a", ar)

	file, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	members, err := ReadArchiveMembers(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("%d members", len(members))
	}
	if members[0].Name != "a.o" || !bytes.Equal(members[0].Contents, obj) {
		t.Fatalf("member 0: %q, %d bytes", members[0].Name, len(members[0].Contents))
	}
	if members[1].Name != "a_rather_long_member_name.o" || len(members[1].Contents) != 65 {
		t.Fatalf("member 1: %q, %d bytes", members[1].Name, len(members[1].Contents))
	}
	if members[1].Parent != file {
		t.Fatal("members should point at their archive")
	}
}

func TestReadArchiveTruncated(t *testing.T) {
	ar := buildArchive(arMember{"a.o", elfHeader(elf.ET_REL, elf.EM_X86_64)})
	file := &File{Name: "libbad.a", Contents: ar[:len(ar)-10]}
	if _, err := ReadArchiveMembers(file); err == nil {
		t.Fatal("expected an error for a truncated archive")
	}
}

func TestFindLibrary(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, first, "libm.a", []byte("!<arch>\n"))
	writeFile(t, second, "libm.so", elfHeader(elf.ET_DYN, elf.EM_X86_64))
	writeFile(t, second, "libc.a", []byte("!<arch>\n"))
	writeFile(t, second, "libc.so", elfHeader(elf.ET_DYN, elf.EM_X86_64))

	dirs := []string{first, second}
	if got, err := FindLibrary(dirs, "", "m", false); err != nil || got != filepath.Join(first, "libm.a") {
		t.Fatalf("an earlier directory should win: %q, %v", got, err)
	}
	if got, err := FindLibrary(dirs, "", "c", false); err != nil || got != filepath.Join(second, "libc.so") {
		t.Fatalf("shared object should be preferred: %q, %v", got, err)
	}
	if got, err := FindLibrary(dirs, "", "c", true); err != nil || got != filepath.Join(second, "libc.a") {
		t.Fatalf("static search should pick the archive: %q, %v", got, err)
	}
	if got, err := FindLibrary(dirs, "", ":libc.a", false); err != nil || got != filepath.Join(second, "libc.a") {
		t.Fatalf("exact name: %q, %v", got, err)
	}

	sysroot := filepath.Dir(second)
	rooted := "=" + string(filepath.Separator) + filepath.Base(second)
	if got, err := FindLibrary([]string{rooted}, sysroot, "c", true); err != nil || got != filepath.Join(second, "libc.a") {
		t.Fatalf("sysroot-relative dir: %q, %v", got, err)
	}

	if _, err := FindLibrary(dirs, "", "z", false); !errors.Is(err, ErrLibraryNotFound) {
		t.Fatalf("err = %v, want ErrLibraryNotFound", err)
	}
}

func TestLoaderClassify(t *testing.T) {
	dir := t.TempDir()
	obj := elfHeader(elf.ET_REL, elf.EM_X86_64)
	writeFile(t, dir, "main.o", obj)
	writeFile(t, dir, "libx.a", buildArchive(arMember{"x.o", obj}, arMember{"y.o", obj}))
	writeFile(t, dir, "liby.so", elfHeader(elf.ET_DYN, elf.EM_X86_64))
	writeFile(t, dir, "logo.png", []byte{0x89, 'P', 'N', 'G'})

	l := &Loader{SearchDirs: []string{dir}}
	defer l.Close()

	if err := l.AddFile(filepath.Join(dir, "main.o")); err != nil {
		t.Fatal(err)
	}
	if err := l.AddLibrary("x"); err != nil {
		t.Fatal(err)
	}
	if err := l.AddLibrary("y"); err != nil {
		t.Fatal(err)
	}
	l.Format = "binary"
	if err := l.AddFile(filepath.Join(dir, "logo.png")); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		name  string
		kind  linker.InputKind
		inLib bool
	}{
		{filepath.Join(dir, "main.o"), linker.InputObject, false},
		{filepath.Join(dir, "libx.a") + "(x.o)", linker.InputObject, true},
		{filepath.Join(dir, "libx.a") + "(y.o)", linker.InputObject, true},
		{filepath.Join(dir, "liby.so"), linker.InputDynObj, false},
		{filepath.Join(dir, "logo.png"), linker.InputBinary, false},
	}
	if len(l.Inputs) != len(want) {
		t.Fatalf("%d inputs, want %d", len(l.Inputs), len(want))
	}
	for i, w := range want {
		in := l.Inputs[i]
		if in.Name != w.name || in.Kind != w.kind || in.InLib != w.inLib {
			t.Fatalf("input %d = {%s %v %v}, want %+v", i, in.Name, in.Kind, in.InLib, w)
		}
	}
}

func TestLoaderWholeArchive(t *testing.T) {
	dir := t.TempDir()
	obj := elfHeader(elf.ET_REL, elf.EM_X86_64)
	path := writeFile(t, dir, "libx.a", buildArchive(arMember{"x.o", obj}))

	l := &Loader{WholeArchive: true}
	defer l.Close()
	if err := l.AddFile(path); err != nil {
		t.Fatal(err)
	}
	if len(l.Inputs) != 1 || l.Inputs[0].InLib {
		t.Fatal("--whole-archive members must be linked unconditionally")
	}
}

func TestLoaderRejects(t *testing.T) {
	dir := t.TempDir()
	dso := elfHeader(elf.ET_DYN, elf.EM_X86_64)

	for name, contents := range map[string][]byte{
		"script.ld": []byte("GROUP(libc.so.6)"),
		"empty.o":   {},
		"junk.o":    {0, 1, 2, 3},
		"libd.a":    buildArchive(arMember{"d.so", dso}),
	} {
		l := &Loader{}
		if err := l.AddFile(writeFile(t, dir, name, contents)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
		l.Close()
	}

	l := &Loader{}
	if err := l.AddFile(filepath.Join(dir, "missing.o")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
