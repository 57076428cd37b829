package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestCreateCopyKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "issue-01.cbz")
	writeFile(t, orig, "archive bytes")

	m := NewManager("")
	rec, err := m.Create(orig, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := os.Stat(orig); err != nil {
		t.Fatalf("original must survive an additive backup: %v", err)
	}

	wantDir := filepath.Join(dir, DirName)
	if filepath.Dir(rec.BackupPath) != wantDir {
		t.Fatalf("backup dir = %q, want %q", filepath.Dir(rec.BackupPath), wantDir)
	}

	name := filepath.Base(rec.BackupPath)
	if !strings.HasPrefix(name, "issue-01_backup_") || !strings.HasSuffix(name, ".cbz") {
		t.Fatalf("backup name = %q, want issue-01_backup_<ts>.cbz", name)
	}

	got, err := os.ReadFile(rec.BackupPath)
	if err != nil {
		t.Fatalf("ReadFile(backup): %v", err)
	}
	if string(got) != "archive bytes" {
		t.Fatalf("backup content = %q", got)
	}
	if rec.Checksum == "" {
		t.Fatal("record missing checksum")
	}
}

func TestCreateMoveRemovesOriginalAfterVerify(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "issue-02.cbr")
	writeFile(t, orig, "rar bytes")

	m := NewManager("")
	rec, err := m.Create(orig, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := os.Stat(orig); !os.IsNotExist(err) {
		t.Fatal("original must be removed by a move-style backup")
	}
	got, err := os.ReadFile(rec.BackupPath)
	if err != nil {
		t.Fatalf("ReadFile(backup): %v", err)
	}
	if string(got) != "rar bytes" {
		t.Fatalf("backup content = %q", got)
	}
}

func TestCreateHonorsOverrideRoot(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(t.TempDir(), "vault")
	orig := filepath.Join(dir, "issue-03.cbz")
	writeFile(t, orig, "x")

	m := NewManager(root)
	rec, err := m.Create(orig, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if filepath.Dir(rec.BackupPath) != root {
		t.Fatalf("backup dir = %q, want override root %q", filepath.Dir(rec.BackupPath), root)
	}
}

func TestCreateSameSecondUniqueNames(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "issue-04.cbz")
	writeFile(t, orig, "x")

	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	m := NewManager("")
	m.now = func() time.Time { return fixed }

	r1, err := m.Create(orig, false)
	if err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	r2, err := m.Create(orig, false)
	if err != nil {
		t.Fatalf("Create 2: %v", err)
	}
	if r1.BackupPath == r2.BackupPath {
		t.Fatalf("same-second backups collided at %q", r1.BackupPath)
	}
}

func TestLatestPicksNewest(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "issue-05.cbz")
	writeFile(t, orig, "x")

	backupDir := filepath.Join(dir, DirName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(backupDir, "issue-05_backup_20250101_080000.cbz"), "old")
	writeFile(t, filepath.Join(backupDir, "issue-05_backup_20260101_080000.cbz"), "new")
	// Different stem must not match.
	writeFile(t, filepath.Join(backupDir, "other_backup_20270101_080000.cbz"), "n/a")

	m := NewManager("")
	rec, ok, err := m.Latest(orig)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !ok {
		t.Fatal("Latest found nothing")
	}
	if !strings.HasSuffix(rec.BackupPath, "issue-05_backup_20260101_080000.cbz") {
		t.Fatalf("Latest = %q, want the 2026 backup", rec.BackupPath)
	}
	if rec.TimestampUTC.Year() != 2026 {
		t.Fatalf("parsed timestamp = %v", rec.TimestampUTC)
	}
}

func TestLatestHandlesGlobMetacharacters(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "Batman [2016] 01.cbz")
	writeFile(t, orig, "original bytes")

	m := NewManager("")
	created, err := m.Create(orig, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, ok, err := m.Latest(orig)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !ok {
		t.Fatal("Latest found no backup even though one exists")
	}
	if rec.BackupPath != created.BackupPath {
		t.Fatalf("Latest = %q, want %q", rec.BackupPath, created.BackupPath)
	}

	writeFile(t, orig, "edited bytes")
	if _, err := m.Revert(orig); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	data, err := os.ReadFile(orig)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original bytes" {
		t.Fatalf("restored content = %q", data)
	}
}

func TestLatestNoneFound(t *testing.T) {
	m := NewManager("")
	_, ok, err := m.Latest(filepath.Join(t.TempDir(), "never-backed-up.cbz"))
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if ok {
		t.Fatal("Latest reported a backup that does not exist")
	}
}

func TestRevertRestoresBytesExactly(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "issue-06.cbz")
	writeFile(t, orig, "original bytes")

	m := NewManager("")
	if _, err := m.Create(orig, false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate a mutation overwriting the original.
	writeFile(t, orig, "mutated bytes")

	rec, err := m.Revert(orig)
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}

	got, err := os.ReadFile(orig)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original bytes" {
		t.Fatalf("reverted content = %q, want original bytes", got)
	}

	wantSum, err := Checksum(rec.BackupPath)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Checksum != wantSum {
		t.Fatal("revert record checksum does not match backup")
	}
}

func TestRevertWithoutBackupFails(t *testing.T) {
	m := NewManager("")
	path := filepath.Join(t.TempDir(), "issue-07.cbz")
	writeFile(t, path, "x")
	if _, err := m.Revert(path); err == nil {
		t.Fatal("Revert must fail when no backup exists")
	}
}

func TestChecksumMatchesIdenticalFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	writeFile(t, a, "same content")
	writeFile(t, b, "same content")

	sumA, err := Checksum(a)
	if err != nil {
		t.Fatal(err)
	}
	sumB, err := Checksum(b)
	if err != nil {
		t.Fatal(err)
	}
	if sumA != sumB {
		t.Fatal("identical files produced different checksums")
	}

	writeFile(t, b, "different content")
	sumB2, err := Checksum(b)
	if err != nil {
		t.Fatal(err)
	}
	if sumA == sumB2 {
		t.Fatal("different files produced identical checksums")
	}
}
