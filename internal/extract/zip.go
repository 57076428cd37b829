package extract

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// zipStrategy decodes the source as a ZIP stream regardless of its
// extension. It is the primary decoder for sniffed-Zip files and the
// second attempt for .cbr files whose RAR decode failed.
type zipStrategy struct{}

func (zipStrategy) Name() string { return "zip" }

func (zipStrategy) Extract(ctx context.Context, sourcePath, scratchDir string) error {
	zr, err := zip.OpenReader(sourcePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		dest, err := securePath(scratchDir, zf.Name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("create dir %q: %w", zf.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create parent for %q: %w", zf.Name, err)
		}

		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("open entry %q: %w", zf.Name, err)
		}
		err = writeFileFrom(rc, dest)
		rc.Close()
		if err != nil {
			return fmt.Errorf("extract entry %q: %w", zf.Name, err)
		}
	}
	return nil
}

// securePath joins an archive entry name under root and rejects names
// that would escape it.
func securePath(root, name string) (string, error) {
	cleaned := filepath.Join(root, filepath.FromSlash(name))
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes extraction root", name)
	}
	return cleaned, nil
}

func writeFileFrom(r io.Reader, dest string) error {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
