package input

import (
	"fmt"

	"github.com/ksco/elfld/pkg/linker"
)

// Loader opens the command-line inputs in order and classifies them
// for the linker. It keeps every mapping alive until Close.
type Loader struct {
	SearchDirs   []string
	Sysroot      string
	Static       bool
	WholeArchive bool
	// Format is "binary" while -b binary is in effect.
	Format string

	Inputs []*linker.Input
	files  []*File
}

func (l *Loader) AddFile(path string) error {
	file, err := Open(path)
	if err != nil {
		return err
	}
	l.files = append(l.files, file)

	if l.Format == "binary" {
		l.add(file, linker.InputBinary, false)
		return nil
	}
	return l.classify(file, false)
}

// AddLibrary resolves -l<name> against the search path and adds it.
func (l *Loader) AddLibrary(name string) error {
	path, err := FindLibrary(l.SearchDirs, l.Sysroot, name, l.Static)
	if err != nil {
		return err
	}
	return l.AddFile(path)
}

func (l *Loader) add(file *File, kind linker.InputKind, inLib bool) {
	name := file.Name
	if file.Parent != nil {
		name = file.Parent.Name + "(" + file.Name + ")"
	}
	l.Inputs = append(l.Inputs, &linker.Input{
		Name:     name,
		Kind:     kind,
		Contents: file.Contents,
		InLib:    inLib,
	})
}

func (l *Loader) classify(file *File, inLib bool) error {
	switch GetFileType(file.Contents) {
	case FileTypeObject:
		l.add(file, linker.InputObject, inLib)
	case FileTypeDso:
		if inLib {
			return fmt.Errorf("%s: shared object inside an archive", file.Name)
		}
		l.add(file, linker.InputDynObj, false)
	case FileTypeAr, FileTypeThinAr:
		if inLib {
			return fmt.Errorf("%s: nested archive", file.Name)
		}
		members, err := ReadArchiveMembers(file)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.Parent != nil && m.unmap != nil {
				l.files = append(l.files, m)
			}
			if err := l.classify(m, !l.WholeArchive); err != nil {
				return err
			}
		}
	case FileTypeText:
		return fmt.Errorf("%s: linker scripts are not supported", file.Name)
	case FileTypeEmpty:
		return fmt.Errorf("%s: file is empty", file.Name)
	default:
		return fmt.Errorf("%s: unknown file type", file.Name)
	}
	return nil
}

// Close releases every mapping. The inputs must not be used afterwards.
func (l *Loader) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}
