package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteOptions controls how pages are named inside the output container.
type WriteOptions struct {
	// Renumber writes pages as page_001.ext, page_002.ext, ... in set
	// order. Used when pages were dropped and gaps must close up.
	// Otherwise entries keep their original relative names.
	Renumber bool
}

// WritePages packs the given pages, in order, into a ZIP container at
// destPath. Already-compressed image formats are stored without further
// compression; everything else is deflated.
//
// destPath must not be the final destination of a mutation: callers
// write to a temp path first so a mid-write failure never corrupts an
// existing file.
func WritePages(pages []Entry, destPath string, opts WriteOptions) (err error) {
	if len(pages) == 0 {
		return ErrNoImages
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create archive %q: %w", destPath, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(destPath)
		}
	}()

	zw := zip.NewWriter(f)
	for i, page := range pages {
		name := page.RelPath
		if opts.Renumber {
			name = fmt.Sprintf("page_%03d%s", i+1, filepath.Ext(page.Name))
		}
		if err = writeEntry(zw, page, name); err != nil {
			return fmt.Errorf("write entry %q: %w", name, err)
		}
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("finalize archive %q: %w", destPath, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync archive %q: %w", destPath, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close archive %q: %w", destPath, err)
	}
	return nil
}

func writeEntry(zw *zip.Writer, page Entry, name string) error {
	src, err := os.Open(page.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	if storedExtensions[normalizedExt(page.Name)] {
		hdr.Method = zip.Store
	}

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
