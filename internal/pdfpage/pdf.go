// Package pdfpage pulls page images out of PDF comics using pdfcpu.
// Each embedded image XObject is written to the scratch directory under
// a page-ordered name, so the normal collate/write pipeline can treat a
// PDF exactly like any other extracted archive.
package pdfpage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/mkelsey/cbx/internal/log"
)

// ErrNoPageImages means the PDF carries no embedded image streams.
// Comics distributed as PDFs virtually always embed one image per page;
// a text-only PDF is not convertible.
var ErrNoPageImages = errors.New("pdf contains no embedded page images")

// ProgressFunc receives extraction progress as pages complete.
type ProgressFunc func(page, total int)

// ExtractImages writes every embedded page image of the PDF at path
// into outDir, named so natural ordering reproduces page order
// (img_p0001_0001.ext, ...). Returns the number of images written.
func ExtractImages(ctx context.Context, path, outDir string, progress ProgressFunc) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return 0, fmt.Errorf("pdfcpu read: %w", err)
	}

	logger := log.WithComponent("pdfpage").With("path", path, "pages", pdfCtx.PageCount)

	written := 0
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, err := extractPageImages(pdfCtx, pageNr, outDir)
		if err != nil {
			// A single undecodable page image is not fatal; the page
			// may still render from its remaining streams.
			logger.Debug("page image extraction failed", "page", pageNr, "error", err)
		}
		written += n

		if progress != nil {
			progress(pageNr, pdfCtx.PageCount)
		}
	}

	if written == 0 {
		return 0, ErrNoPageImages
	}
	logger.Debug("pdf images extracted", "count", written)
	return written, nil
}

// extractPageImages writes one page's image XObjects under outDir.
func extractPageImages(pdfCtx *model.Context, pageNr int, outDir string) (int, error) {
	images, err := pdfcpu.ExtractPageImages(pdfCtx, pageNr, false)
	if err != nil {
		return 0, fmt.Errorf("extract page %d: %w", pageNr, err)
	}

	// Map iteration order is random; write in object-number order so
	// multi-image pages stay deterministic.
	objNrs := make([]int, 0, len(images))
	for objNr := range images {
		objNrs = append(objNrs, objNr)
	}
	sort.Ints(objNrs)

	written := 0
	for seq, objNr := range objNrs {
		img := images[objNr]
		if img.Reader == nil {
			continue
		}
		name := fmt.Sprintf("img_p%04d_%04d.%s", pageNr, seq+1, img.FileType)
		if err := writeImage(img, filepath.Join(outDir, name)); err != nil {
			return written, fmt.Errorf("write image %q: %w", name, err)
		}
		written++
	}
	return written, nil
}

func writeImage(img model.Image, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return err
	}
	return f.Close()
}
