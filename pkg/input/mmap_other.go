//go:build !unix

package input

import (
	"errors"
	"os"
)

func mapFile(f *os.File, size int64) ([]byte, func() error, error) {
	return nil, nil, errors.New("mmap is not supported")
}
