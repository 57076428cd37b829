package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nwaples/rardecode/v2"
)

// rarStrategy decodes RAR archives (RAR4 and RAR5) in pure Go.
type rarStrategy struct{}

func (rarStrategy) Name() string { return "rar" }

func (rarStrategy) Extract(ctx context.Context, sourcePath, scratchDir string) error {
	rr, err := rardecode.OpenReader(sourcePath)
	if err != nil {
		return fmt.Errorf("open rar: %w", err)
	}
	defer rr.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read rar header: %w", err)
		}

		dest, err := securePath(scratchDir, hdr.Name)
		if err != nil {
			return err
		}

		if hdr.IsDir {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("create dir %q: %w", hdr.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create parent for %q: %w", hdr.Name, err)
		}
		if err := writeFileFrom(rr, dest); err != nil {
			return fmt.Errorf("extract entry %q: %w", hdr.Name, err)
		}
	}
}
