// Package meta scans comic archives for embedded ComicInfo.xml metadata
// and tracks the results in a SQLite catalog, so archives missing
// metadata can be listed without rescanning the whole library.
package meta

import (
	"archive/zip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nwaples/rardecode/v2"
	_ "modernc.org/sqlite"

	"github.com/mkelsey/cbx/internal/log"
	"github.com/mkelsey/cbx/internal/sniff"
)

// MetadataFile is the entry name readers look for inside the archive.
const MetadataFile = "ComicInfo.xml"

// Comic is one catalog row.
type Comic struct {
	FilePath    string
	FileType    string
	HasMetadata bool
	UpdatedAt   time.Time
}

// ScanReport summarizes one catalog refresh.
type ScanReport struct {
	Scanned int
	With    int
	Without int
	Errors  []string
}

// Catalog stores scan results.
type Catalog struct {
	db *sql.DB
}

// Open opens (and creates if needed) the catalog database at path.
func Open(ctx context.Context, path string) (*Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS comics (
  file_path    TEXT PRIMARY KEY,
  file_type    TEXT NOT NULL,
  has_metadata INTEGER NOT NULL,
  created_at   TEXT NOT NULL,
  updated_at   TEXT NOT NULL
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Scan walks root, probes every .cbz and .cbr for ComicInfo.xml, and
// upserts the results. Unreadable archives are counted as metadata-less
// and reported, never fatal.
func (c *Catalog) Scan(ctx context.Context, root string) (ScanReport, error) {
	var report ScanReport

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "backups" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext != ".cbz" && ext != ".cbr" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		report.Scanned++
		has, probeErr := HasMetadata(path)
		if probeErr != nil {
			log.WithPath(path).Warn("metadata probe failed", "error", probeErr)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", path, probeErr))
		}
		if has {
			report.With++
		} else {
			report.Without++
		}
		if err := c.upsert(ctx, path, strings.TrimPrefix(ext, "."), has); err != nil {
			return err
		}
		return nil
	})
	return report, err
}

// Missing lists cataloged archives without metadata, ordered by path.
func (c *Catalog) Missing(ctx context.Context) ([]Comic, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT file_path, file_type, has_metadata, updated_at
FROM comics
WHERE has_metadata = 0
ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("query missing metadata: %w", err)
	}
	defer rows.Close()

	var comics []Comic
	for rows.Next() {
		var co Comic
		var has int
		var updated string
		if err := rows.Scan(&co.FilePath, &co.FileType, &has, &updated); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		co.HasMetadata = has != 0
		co.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		comics = append(comics, co)
	}
	return comics, rows.Err()
}

func (c *Catalog) upsert(ctx context.Context, path, fileType string, has bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	hasInt := 0
	if has {
		hasInt = 1
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO comics (file_path, file_type, has_metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(file_path) DO UPDATE SET
  file_type = excluded.file_type,
  has_metadata = excluded.has_metadata,
  updated_at = excluded.updated_at`,
		path, fileType, hasInt, now, now)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", path, err)
	}
	return nil
}

// HasMetadata reports whether the archive contains a ComicInfo.xml
// entry at any depth. The container is identified by its bytes, not its
// extension, so mislabeled archives probe correctly.
func HasMetadata(path string) (bool, error) {
	format, err := sniff.Sniff(path)
	if err != nil {
		return false, err
	}
	switch format {
	case sniff.Zip:
		return zipHasEntry(path, MetadataFile)
	case sniff.Rar:
		return rarHasEntry(path, MetadataFile)
	default:
		return false, fmt.Errorf("unsupported container %s", format)
	}
}

func zipHasEntry(path, name string) (bool, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false, err
	}
	defer zr.Close()
	for _, f := range zr.File {
		if strings.EqualFold(filepath.Base(f.Name), name) {
			return true, nil
		}
	}
	return false, nil
}

func rarHasEntry(path, name string) (bool, error) {
	rr, err := rardecode.OpenReader(path)
	if err != nil {
		return false, err
	}
	defer rr.Close()
	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !hdr.IsDir && strings.EqualFold(filepath.Base(hdr.Name), name) {
			return true, nil
		}
	}
}
