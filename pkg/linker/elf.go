package linker

import (
	"bytes"
	"debug/elf"
	"unsafe"
)

const SHF_EXCLUDE uint32 = 0x80000000
const SHT_LLVM_ADDRSIG uint32 = 0x6fff4c03
const EF_RISCV_RVC uint32 = 1

const (
	EhdrSize = uint64(unsafe.Sizeof(Ehdr{}))
	ShdrSize = uint64(unsafe.Sizeof(Shdr{}))
	PhdrSize = uint64(unsafe.Sizeof(Phdr{}))
	SymSize  = uint64(unsafe.Sizeof(Sym{}))
	RelaSize = uint64(unsafe.Sizeof(Rela{}))
	DynSize  = uint64(unsafe.Sizeof(Dyn{}))
)

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsDefined() bool {
	return !s.IsUndef()
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsWeak() bool {
	return s.Bind() == uint8(elf.STB_WEAK)
}

func (s *Sym) IsUndefWeak() bool {
	return s.IsUndef() && s.IsWeak()
}

func (s *Sym) Type() uint8 {
	return s.Info & 0xf
}

func (s *Sym) Bind() uint8 {
	return s.Info >> 4
}

func (s *Sym) StVisibility() uint8 {
	return s.Other & 0b11
}

func symInfo(bind elf.SymBind, typ elf.SymType) uint8 {
	return uint8(bind)<<4 | uint8(typ)&0xf
}

type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

type Dyn struct {
	Tag int64
	Val uint64
}

func getName(strTab []byte, offset uint32) string {
	if uint64(offset) >= uint64(len(strTab)) {
		return ""
	}
	length := bytes.IndexByte(strTab[offset:], 0)
	if length < 0 {
		return string(strTab[offset:])
	}
	return string(strTab[offset : offset+uint32(length)])
}

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte("\177ELF"))
}

func WriteMagic(contents []byte) {
	copy(contents, "\177ELF")
}

// elfHash is the SysV ABI symbol hash used by .hash sections.
func elfHash(name string) uint32 {
	h := uint32(0)
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &= ^g
	}
	return h
}

type Chdr struct {
	Type      uint32
	Reserved  uint32
	Size      uint64
	AddrAlign uint64
}
