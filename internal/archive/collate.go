package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/mkelsey/cbx/internal/natsort"
)

// ErrNoImages means the extracted tree held zero recognized page images.
// An empty comic archive is never a valid output, so callers treat this
// as a hard stop.
var ErrNoImages = errors.New("no image files found in archive")

// PageSet is the ordered page sequence of one archive. Order is by
// natural comparison of base filenames, not full paths, so the same
// pages produce the same sequence no matter how deep the extractor
// happened to nest them.
type PageSet struct {
	Entries []Entry
}

// Collate walks scratchDir, keeps recognized image files, and orders
// them naturally by base filename. Metadata files, thumbnails, and
// anything else non-image is discarded. Returns ErrNoImages when the
// kept set is empty.
func Collate(scratchDir string) (*PageSet, error) {
	var entries []Entry

	err := filepath.WalkDir(scratchDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !IsImageName(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(scratchDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		entries = append(entries, Entry{
			Name:     d.Name(),
			RelPath:  filepath.ToSlash(rel),
			Path:     path,
			Retained: true,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collate %q: %w", scratchDir, err)
	}

	if len(entries) == 0 {
		return nil, ErrNoImages
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if c := natsort.Compare(entries[i].Name, entries[j].Name); c != 0 {
			return c < 0
		}
		// Same base name in different subfolders; order by relative path.
		return natsort.Compare(entries[i].RelPath, entries[j].RelPath) < 0
	})

	return &PageSet{Entries: entries}, nil
}

// Retained returns the pages still marked as kept, in page order.
func (ps *PageSet) Retained() []Entry {
	kept := make([]Entry, 0, len(ps.Entries))
	for _, e := range ps.Entries {
		if e.Retained {
			kept = append(kept, e)
		}
	}
	return kept
}

// Drop clears the retained flag on the given 1-based page numbers.
// Out-of-range numbers are reported as an error before any flag changes.
func (ps *PageSet) Drop(pages []int) error {
	for _, p := range pages {
		if p < 1 || p > len(ps.Entries) {
			return fmt.Errorf("page %d out of range (archive has %d pages)", p, len(ps.Entries))
		}
	}
	for _, p := range pages {
		ps.Entries[p-1].Retained = false
	}
	return nil
}
