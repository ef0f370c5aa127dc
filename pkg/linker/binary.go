package linker

import (
	"debug/elf"
	"strings"
	"unicode"
)

// BinaryFile wraps a raw blob as a writable data section and defines
// _binary_<name>_start, _end and _size for it.
type BinaryFile struct {
	ObjectFile
}

func NewBinaryFile(in *Input) *BinaryFile {
	return &BinaryFile{ObjectFile: *NewObjectFile(in)}
}

func (b *BinaryFile) File() *InputFile {
	return &b.InputFile
}

// BinarySymbolPrefix mangles a path the way blob symbols name it.
func BinarySymbolPrefix(name string) string {
	return "_binary_" + strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '_'
	}, name)
}

func (b *BinaryFile) ReadHeader(ctx *Context) {
	size := uint64(len(b.Contents))

	b.ShStrtab = []byte("\x00.data\x00")
	b.ElfSections = []Shdr{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Size:      size,
			AddrAlign: 1,
		},
	}

	prefix := BinarySymbolPrefix(b.Name)
	var strtab []byte
	addName := func(name string) uint32 {
		off := uint32(len(strtab))
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
		return off
	}
	addName("")

	global := symInfo(elf.STB_GLOBAL, elf.STT_NOTYPE)
	b.ElfSyms = []Sym{
		{},
		{Name: addName(prefix + "_start"), Info: global, Shndx: 1, Val: 0},
		{Name: addName(prefix + "_end"), Info: global, Shndx: 1, Val: size},
		{Name: addName(prefix + "_size"), Info: global, Shndx: uint16(elf.SHN_ABS), Val: size},
	}
	b.SymbolStrtab = strtab
	b.FirstGlobal = 1
}
