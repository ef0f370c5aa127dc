package input

import (
	"fmt"
	"os"
)

type File struct {
	Name     string
	Contents []byte

	Parent *File

	unmap func() error
}

// Open maps path read-only. Empty files and systems without mmap fall
// back to reading the whole file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot stat %s: %w", path, err)
	}

	file := &File{Name: path}
	if st.Size() > 0 {
		file.Contents, file.unmap, err = mapFile(f, st.Size())
		if err == nil {
			return file, nil
		}
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	file.Contents = contents
	return file, nil
}

// Close unmaps the file. Archive members share their parent's mapping.
func (f *File) Close() error {
	if f.unmap == nil {
		return nil
	}
	err := f.unmap()
	f.unmap = nil
	f.Contents = nil
	return err
}
