package input

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const arHdrSize = 60

type ArHdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

func (a *ArHdr) StartsWith(s string) bool {
	return string(a.Name[:len(s)]) == s
}

func (a *ArHdr) IsStrtab() bool {
	return a.StartsWith("// ")
}

func (a *ArHdr) IsSymtab() bool {
	return a.StartsWith("/ ") || a.StartsWith("/SYM64/ ")
}

// ReadName decodes the member name. BSD long names are stored in front
// of the body; ptr is advanced past them.
func (a *ArHdr) ReadName(strTab []byte, ptr *[]byte) (string, error) {
	// BSD-style long filename
	if a.StartsWith("#1/") {
		nameLen, err := strconv.Atoi(strings.TrimSpace(string(a.Name[3:])))
		if err != nil || nameLen > len(*ptr) {
			return "", fmt.Errorf("bad BSD member name %q", a.Name[:])
		}
		name := (*ptr)[:nameLen]
		*ptr = (*ptr)[nameLen:]

		if end := bytes.IndexByte(name, 0); end != -1 {
			name = name[:end]
		}
		return string(name), nil
	}

	// SysV-style long filename
	if a.StartsWith("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(a.Name[1:])))
		if err != nil || start >= len(strTab) {
			return "", fmt.Errorf("bad long member name %q", a.Name[:])
		}
		end := bytes.Index(strTab[start:], []byte("/\n"))
		if end < 0 {
			return "", fmt.Errorf("unterminated long member name at %d", start)
		}
		return string(strTab[start : start+end]), nil
	}

	// Short filename
	if end := bytes.IndexByte(a.Name[:], '/'); end != -1 {
		return string(a.Name[:end]), nil
	}
	return strings.TrimRight(string(a.Name[:]), " "), nil
}

func (a *ArHdr) GetSize() (int, error) {
	sz, err := strconv.Atoi(strings.TrimSpace(string(a.Size[:])))
	if err != nil {
		return 0, fmt.Errorf("bad member size %q: %w", a.Size[:], err)
	}
	return sz, nil
}
