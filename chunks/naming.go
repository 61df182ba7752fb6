package chunks

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// NextIndex returns the number of committed chunks of the given format in
// dir, which is also the index of the next chunk. A missing dir yields 0.
// Pending files are hidden dotfiles and never counted.
func NextIndex(dir string, format Format) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list chunks in %s: %w", dir, err)
	}

	suffix := "." + format.Extension()
	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasSuffix(name, suffix) {
			n++
		}
	}
	return n, nil
}

// ChunkPath returns the path of chunk index in dir.
func ChunkPath(dir string, index int, format Format) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%s", index, format.Extension()))
}
