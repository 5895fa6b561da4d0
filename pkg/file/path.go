package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of path for ext. A leading dot alone does
// not count as an extension.
func ReplaceExt(path, ext string) string {
	return WithSuffix(path, "", ext)
}

// WithSuffix drops the extension of path and appends suffix and ext, so
// WithSuffix("/m/a.avi", ".tmp", ".mkv") is "/m/a.tmp.mkv".
func WithSuffix(path, suffix, ext string) string {
	if path == "" {
		return path
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	dir, name := filepath.Split(path)
	if lastDot := strings.LastIndex(name, "."); lastDot > 0 {
		name = name[:lastDot]
	}
	return filepath.Join(dir, name+suffix+ext)
}
