package input

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"unicode"
)

type FileType = int8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeObject
	FileTypeDso
	FileTypeAr
	FileTypeThinAr
	FileTypeText
)

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte("\177ELF"))
}

func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}

	if CheckMagic(contents) && len(contents) >= 20 {
		et := elf.Type(binary.LittleEndian.Uint16(contents[16:]))
		switch et {
		case elf.ET_REL:
			return FileTypeObject
		case elf.ET_DYN:
			return FileTypeDso
		}
		return FileTypeUnknown
	}

	if bytes.HasPrefix(contents, []byte("!<arch>\n")) {
		return FileTypeAr
	}
	if bytes.HasPrefix(contents, []byte("!<thin>\n")) {
		return FileTypeThinAr
	}

	isTextFile := func() bool {
		return len(contents) >= 4 &&
			unicode.IsPrint(rune(contents[0])) &&
			unicode.IsPrint(rune(contents[1])) &&
			unicode.IsPrint(rune(contents[2])) &&
			unicode.IsPrint(rune(contents[3]))
	}

	if isTextFile() {
		return FileTypeText
	}

	return FileTypeUnknown
}

// GetMachine returns the machine of a 64-bit little-endian ELF object or
// shared object, or EM_NONE.
func GetMachine(contents []byte) elf.Machine {
	switch GetFileType(contents) {
	case FileTypeObject, FileTypeDso:
		if contents[elf.EI_CLASS] != byte(elf.ELFCLASS64) ||
			contents[elf.EI_DATA] != byte(elf.ELFDATA2LSB) {
			return elf.EM_NONE
		}
		return elf.Machine(binary.LittleEndian.Uint16(contents[18:]))
	}
	return elf.EM_NONE
}
