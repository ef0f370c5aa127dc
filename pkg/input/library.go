package input

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var ErrLibraryNotFound = errors.New("library not found")

func sysrooted(sysroot, dir string) string {
	if sysroot == "" || !strings.HasPrefix(dir, "=") {
		return strings.TrimPrefix(dir, "=")
	}
	return filepath.Join(sysroot, dir[1:])
}

func escapeMeta(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\`, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// FindLibrary searches dirs in order for lib<name>.so and lib<name>.a.
// Within one directory the shared object wins unless static is set.
// A name of the form ":file" is looked up verbatim.
func FindLibrary(dirs []string, sysroot string, name string, static bool) (string, error) {
	pattern := "lib" + escapeMeta(name) + ".{so,a}"
	if static {
		pattern = "lib" + escapeMeta(name) + ".a"
	}
	if exact, ok := strings.CutPrefix(name, ":"); ok {
		pattern = escapeMeta(exact)
	}

	for _, dir := range dirs {
		dir = sysrooted(sysroot, dir)
		matches, err := doublestar.Glob(os.DirFS(dir), pattern)
		if err != nil || len(matches) == 0 {
			continue
		}

		best := matches[0]
		for _, m := range matches[1:] {
			if strings.HasSuffix(m, ".so") {
				best = m
			}
		}
		return filepath.Join(dir, best), nil
	}
	return "", fmt.Errorf("-l%s: %w", name, ErrLibraryNotFound)
}
