// Package archive holds the page-set model shared by the extraction and
// packing stages: which extracted files count as pages, the order they
// appear in, and how they are written back into a ZIP container.
package archive

import (
	"path/filepath"
	"strings"
)

// Entry is one extracted file owned by a single conversion job. Path is
// its location in the job's scratch directory; RelPath is where it sat
// inside the source container (or scratch tree, for external extractors).
type Entry struct {
	Name     string // base filename, used for natural ordering
	RelPath  string // path relative to the scratch root
	Path     string // absolute path on disk
	Retained bool   // false once a caller drops the page from the set
}

// recognized page image extensions, lowercase, without the dot.
var imageExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"bmp":  true,
	"webp": true,
	"tiff": true,
}

// storedExtensions are formats already compressed at the codec level;
// deflating them again costs CPU and usually grows the archive.
var storedExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"webp": true,
	"gif":  true,
}

// IsImageName reports whether name has a recognized page image extension.
func IsImageName(name string) bool {
	return imageExtensions[normalizedExt(name)]
}

func normalizedExt(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}
