package backup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mkelsey/cbx/internal/log"
)

// prunable archive extensions inside backup folders.
var prunableExtensions = map[string]bool{
	".cbr": true,
	".cbz": true,
	".pdf": true,
}

// PruneReport summarizes a prune run over a library tree.
type PruneReport struct {
	RemovedFiles int
	RemovedDirs  int
}

// Prune walks root recursively, deletes backup archives inside folders
// named "backups", and removes the folders that end up empty. Folders
// holding unrelated files are left in place.
func Prune(root string) (PruneReport, error) {
	logger := log.WithComponent("backup")
	report := PruneReport{}

	var backupDirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() && d.Name() == DirName {
			backupDirs = append(backupDirs, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scan %q: %w", root, err)
	}

	for _, dir := range backupDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return report, fmt.Errorf("read backup dir %q: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if !prunableExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return report, fmt.Errorf("remove backup %q: %w", entry.Name(), err)
			}
			report.RemovedFiles++
		}

		// Only the now-empty folder goes; unrelated leftovers keep it alive.
		if err := os.Remove(dir); err == nil {
			report.RemovedDirs++
		} else {
			logger.Debug("backup folder not removed", "dir", dir, "error", err)
		}
	}

	logger.Info("backups pruned", "root", root,
		"removed_files", report.RemovedFiles, "removed_dirs", report.RemovedDirs)
	return report, nil
}
