package linker

import (
	"debug/elf"
	"strings"
)

var prefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.",
	".ctors.", ".dtors.", ".sdata.", ".sbss.", ".srodata.",
}

func GetOutputName(name string, flags uint64) string {
	if (name == ".rodata" || strings.HasPrefix(name, ".rodata.")) &&
		flags&uint64(elf.SHF_MERGE) != 0 {
		if flags&uint64(elf.SHF_STRINGS) != 0 {
			return ".rodata.str"
		} else {
			return ".rodata.cst"
		}
	}

	for _, prefix := range prefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}
	return name
}

func CanonicalizeType(name string, typ uint64) uint64 {
	if typ == uint64(elf.SHT_PROGBITS) {
		if name == ".init_array" || strings.HasPrefix(name, ".init_array.") {
			return uint64(elf.SHT_INIT_ARRAY)
		}
		if name == ".fini_array" || strings.HasPrefix(name, ".fini_array.") {
			return uint64(elf.SHT_FINI_ARRAY)
		}
	}
	return typ
}

func sectionKindOf(name string, typ uint32, flags uint64) SectionKind {
	switch elf.SectionType(typ) {
	case elf.SHT_NULL:
		return SectNull
	case elf.SHT_NOBITS:
		return SectBSS
	case elf.SHT_NOTE:
		return SectNote
	case elf.SHT_RELA, elf.SHT_REL:
		return SectRelocation
	case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_DYNSYM, elf.SHT_HASH, elf.SHT_GNU_HASH, elf.SHT_DYNAMIC:
		return SectNamePool
	}
	if name == ".eh_frame" {
		return SectEhFrame
	}
	if flags&uint64(elf.SHF_ALLOC) == 0 {
		if strings.HasPrefix(name, ".debug") || strings.HasPrefix(name, ".zdebug") {
			return SectDebug
		}
		return SectMetaData
	}
	return SectRegular
}
