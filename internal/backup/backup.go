// Package backup creates and locates timestamped backups of archives
// before destructive edits, and restores them on request. Backups are
// verified with BLAKE3 so a destructive mutation never proceeds on the
// strength of a copy that does not actually match the original.
package backup

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mkelsey/cbx/internal/log"
)

// DirName is the backup folder created as a sibling of the original file
// when no override root is configured.
const DirName = "backups"

// timestampLayout is fixed-width and left-padded so lexicographic order
// over backup names equals chronological order.
const timestampLayout = "20060102_150405"

// Record describes one backup of one file. Never reused across
// mutation attempts.
type Record struct {
	OriginalPath string
	BackupPath   string
	TimestampUTC time.Time
	Checksum     string // BLAKE3 hex of the backed-up bytes
}

// Manager places backups under Root when set, otherwise under a
// "backups" folder next to each original file.
type Manager struct {
	Root string
	now  func() time.Time
}

func NewManager(root string) *Manager {
	return &Manager{Root: root, now: time.Now}
}

// Create copies path into the backup location and verifies the copy
// byte-for-byte via BLAKE3. When move is true the original is removed
// after verification succeeds, never before.
func (m *Manager) Create(path string, move bool) (Record, error) {
	srcSum, err := Checksum(path)
	if err != nil {
		return Record{}, fmt.Errorf("checksum original: %w", err)
	}

	dir := m.dirFor(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create backup directory: %w", err)
	}

	ts := m.clock()().UTC()
	backupPath, err := m.reservePath(dir, path, ts)
	if err != nil {
		return Record{}, err
	}

	if err := copyFile(path, backupPath); err != nil {
		_ = os.Remove(backupPath)
		return Record{}, fmt.Errorf("copy to backup: %w", err)
	}

	backupSum, err := Checksum(backupPath)
	if err != nil {
		_ = os.Remove(backupPath)
		return Record{}, fmt.Errorf("checksum backup: %w", err)
	}
	if backupSum != srcSum {
		_ = os.Remove(backupPath)
		return Record{}, fmt.Errorf("backup verification failed: checksum mismatch for %q", path)
	}

	if move {
		if err := os.Remove(path); err != nil {
			// The verified backup stays; the original is still intact.
			return Record{}, fmt.Errorf("remove original after backup: %w", err)
		}
	}

	log.WithComponent("backup").Debug("backup created",
		"original", path, "backup", backupPath, "move", move)

	return Record{
		OriginalPath: path,
		BackupPath:   backupPath,
		TimestampUTC: ts,
		Checksum:     backupSum,
	}, nil
}

// Latest returns the most recent backup of path, or ok=false when none
// exists. Names embed a fixed-width timestamp, so the lexicographically
// greatest candidate is the newest.
func (m *Manager) Latest(path string) (Record, bool, error) {
	dir := m.dirFor(path)
	stem, ext := splitStemExt(path)

	// Prefix/suffix matching, not a glob: comic filenames routinely
	// contain [, ], * and ? which glob patterns misread.
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("list backups: %w", err)
	}

	marker := stem + "_backup_"
	var matches []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, marker) || !strings.HasSuffix(name, ext) {
			continue
		}
		matches = append(matches, filepath.Join(dir, name))
	}
	if len(matches) == 0 {
		return Record{}, false, nil
	}

	sort.Strings(matches)
	newest := matches[len(matches)-1]

	rec := Record{OriginalPath: path, BackupPath: newest}
	if ts, ok := parseTimestamp(newest, stem, ext); ok {
		rec.TimestampUTC = ts
	}
	return rec, true, nil
}

// Revert restores path from its newest backup, byte-exact, verifying the
// restored file against the backup's checksum.
func (m *Manager) Revert(path string) (Record, error) {
	rec, ok, err := m.Latest(path)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("no backup found for %q", path)
	}

	backupSum, err := Checksum(rec.BackupPath)
	if err != nil {
		return Record{}, fmt.Errorf("checksum backup: %w", err)
	}

	if err := copyFile(rec.BackupPath, path); err != nil {
		return Record{}, fmt.Errorf("restore from backup: %w", err)
	}

	restoredSum, err := Checksum(path)
	if err != nil {
		return Record{}, fmt.Errorf("checksum restored file: %w", err)
	}
	if restoredSum != backupSum {
		return Record{}, fmt.Errorf("revert verification failed: checksum mismatch for %q", path)
	}
	rec.Checksum = restoredSum

	log.WithComponent("backup").Info("reverted from backup",
		"path", path, "backup", rec.BackupPath)
	return rec, nil
}

// Checksum computes the BLAKE3 hash of a file.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Manager) dirFor(path string) string {
	if m.Root != "" {
		return m.Root
	}
	return filepath.Join(filepath.Dir(path), DirName)
}

func (m *Manager) clock() func() time.Time {
	if m.now != nil {
		return m.now
	}
	return time.Now
}

// reservePath names the backup file, bumping a numeric suffix when two
// backups of the same file land within the same second.
func (m *Manager) reservePath(dir, path string, ts time.Time) (string, error) {
	stem, ext := splitStemExt(path)
	base := fmt.Sprintf("%s_backup_%s", stem, ts.Format(timestampLayout))

	candidate := filepath.Join(dir, base+ext)
	for n := 2; ; n++ {
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("probe backup path: %w", err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%02d%s", base, n, ext))
	}
}

func splitStemExt(path string) (string, string) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

func parseTimestamp(backupPath, stem, ext string) (time.Time, bool) {
	name := strings.TrimSuffix(filepath.Base(backupPath), ext)
	marker := stem + "_backup_"
	if !strings.HasPrefix(name, marker) {
		return time.Time{}, false
	}
	tsPart := strings.TrimPrefix(name, marker)
	if len(tsPart) > len(timestampLayout) {
		tsPart = tsPart[:len(timestampLayout)]
	}
	ts, err := time.Parse(timestampLayout, tsPart)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
