package input

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
)

func readArHdr(contents []byte) (ArHdr, error) {
	var hdr ArHdr
	if len(contents) < arHdrSize {
		return hdr, fmt.Errorf("truncated member header")
	}
	err := binary.Read(bytes.NewReader(contents[:arHdrSize]), binary.LittleEndian, &hdr)
	return hdr, err
}

// ReadArchiveMembers splits a regular or thin archive into its members.
// Thin archive members are opened relative to the archive.
func ReadArchiveMembers(file *File) ([]*File, error) {
	thin := GetFileType(file.Contents) == FileTypeThinAr
	contents := file.Contents

	data := 8
	var strTab []byte
	var files []*File

	for len(contents)-data >= 2 {
		if data%2 == 1 {
			data++
		}

		hdr, err := readArHdr(contents[data:])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file.Name, err)
		}
		size, err := hdr.GetSize()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file.Name, err)
		}

		body := data + arHdrSize
		end := body + size
		isMeta := hdr.IsStrtab() || hdr.IsSymtab()
		if thin && !isMeta {
			end = body
		}
		if end > len(contents) {
			return nil, fmt.Errorf("%s: member extends past the end of the archive", file.Name)
		}
		data = end

		if hdr.IsStrtab() {
			strTab = contents[body:end]
			continue
		}
		if hdr.IsSymtab() {
			continue
		}

		ptr := contents[body:end]
		name, err := hdr.ReadName(strTab, &ptr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file.Name, err)
		}
		if name == "__.SYMDEF" || name == "__.SYMDEF SORTED" {
			continue
		}

		if thin {
			path := name
			if !filepath.IsAbs(path) {
				path = filepath.Join(filepath.Dir(file.Name), name)
			}
			member, err := Open(path)
			if err != nil {
				return nil, err
			}
			member.Parent = file
			files = append(files, member)
			continue
		}

		files = append(files, &File{
			Name:     name,
			Contents: ptr,
			Parent:   file,
		})
	}

	return files, nil
}
