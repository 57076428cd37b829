package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mkelsey/cbx/internal/backup"
	"github.com/mkelsey/cbx/internal/extract"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeZipFixture(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %q: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write entry %q: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func readBytes(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestConvertRenamesMislabeledZipByteIdentical(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "issue 001.cbr")
	writeZipFixture(t, src, map[string][]byte{
		"page1.jpg": []byte("jpeg-one"),
		"page2.jpg": []byte("jpeg-two"),
	})
	original := readBytes(t, src)

	eng := NewEngine(nil, nil, nil)
	res := eng.Convert(context.Background(), src, Options{Backup: BackupNone})
	if !res.Success {
		t.Fatalf("convert failed: %s", res.Message)
	}

	target := filepath.Join(dir, "issue 001.cbz")
	if got := readBytes(t, target); !bytes.Equal(got, original) {
		t.Fatal("renamed output is not byte-identical to the source")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should be gone after rename, stat err = %v", err)
	}
	if !strings.Contains(res.Message, "without repacking") {
		t.Fatalf("message should flag the rename shortcut, got %q", res.Message)
	}
}

func TestConvertRenamePathKeepsBackupCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "vol2.cbr")
	writeZipFixture(t, src, map[string][]byte{"a.png": []byte("png")})
	original := readBytes(t, src)

	eng := NewEngine(nil, nil, nil)
	res := eng.Convert(context.Background(), src, Options{Backup: BackupCopy})
	if !res.Success {
		t.Fatalf("convert failed: %s", res.Message)
	}
	if res.BackupPath == "" {
		t.Fatal("expected a backup path in the result")
	}
	if got := readBytes(t, res.BackupPath); !bytes.Equal(got, original) {
		t.Fatal("backup is not byte-identical to the original")
	}
	if got := readBytes(t, filepath.Join(dir, "vol2.cbz")); !bytes.Equal(got, original) {
		t.Fatal("target is not byte-identical to the original")
	}
}

func TestConvertFailsWhenDestinationExists(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "book.cbr")
	writeZipFixture(t, src, map[string][]byte{"a.jpg": []byte("a")})
	srcBytes := readBytes(t, src)

	dest := filepath.Join(dir, "book.cbz")
	if err := os.WriteFile(dest, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := NewEngine(nil, nil, nil)
	res := eng.Convert(context.Background(), src, Options{})
	if res.Success {
		t.Fatal("expected failure when destination exists")
	}
	if res.Kind != KindDestinationExists {
		t.Fatalf("kind = %q, want %q", res.Kind, KindDestinationExists)
	}
	if !bytes.Equal(readBytes(t, src), srcBytes) {
		t.Fatal("source was modified by a refused job")
	}
	if got := readBytes(t, dest); string(got) != "existing" {
		t.Fatal("existing destination was modified by a refused job")
	}
}

func TestConvertOverwriteReplacesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "book.cbr")
	writeZipFixture(t, src, map[string][]byte{"a.jpg": []byte("a")})
	dest := filepath.Join(dir, "book.cbz")
	if err := os.WriteFile(dest, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := NewEngine(nil, nil, nil)
	res := eng.Convert(context.Background(), src, Options{Overwrite: true, Backup: BackupNone})
	if !res.Success {
		t.Fatalf("convert failed: %s", res.Message)
	}
	if string(readBytes(t, dest)) == "stale" {
		t.Fatal("destination was not replaced")
	}
}

func TestConvertTotalExtractionFailureLeavesSourceUntouched(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.cbr")
	garbage := []byte("Rar!\x1a\x07\x00but nothing after the signature is valid")
	if err := os.WriteFile(src, garbage, 0o644); err != nil {
		t.Fatal(err)
	}

	eng := NewEngine(nil, nil, nil)
	res := eng.Convert(context.Background(), src, Options{Backup: BackupMove})
	if res.Success {
		t.Fatal("expected failure for an undecodable archive")
	}
	if res.Kind != KindExtractionFailed {
		t.Fatalf("kind = %q, want %q", res.Kind, KindExtractionFailed)
	}
	if !bytes.Equal(readBytes(t, src), garbage) {
		t.Fatal("source was modified by a failed job")
	}
	for _, name := range listDir(t, dir) {
		if name != "broken.cbr" {
			t.Fatalf("failed job left %q behind", name)
		}
	}
}

func TestConvertRejectsUnexpectedExtension(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := NewEngine(nil, nil, nil)
	res := eng.Convert(context.Background(), src, Options{})
	if res.Success || res.Kind != KindWrongDeclaredType {
		t.Fatalf("kind = %q, want %q", res.Kind, KindWrongDeclaredType)
	}
}

func TestDeclaredExtIgnoresDottedDirectories(t *testing.T) {
	cases := map[string]string{
		"/media/comics.v2/issue1":    "",
		"/media/comics.v2/a.CBR":     ".cbr",
		"book.pdf":                   ".pdf",
		"noext":                      "",
		"/library/Vol. 2/pages.cbz":  ".cbz",
		"/library/Vol. 2/incomplete": "",
	}
	for in, want := range cases {
		if got := declaredExt(in); got != want {
			t.Fatalf("declaredExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConvertMissingSource(t *testing.T) {
	eng := NewEngine(nil, nil, nil)
	res := eng.Convert(context.Background(), filepath.Join(t.TempDir(), "ghost.cbr"), Options{})
	if res.Success || res.Kind != KindNotFound {
		t.Fatalf("kind = %q, want %q", res.Kind, KindNotFound)
	}
}

func TestEditPagesDropsAndRenumbers(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "album.cbz")
	writeZipFixture(t, src, map[string][]byte{
		"scan01.jpg": []byte("one"),
		"scan02.jpg": []byte("two"),
		"scan03.jpg": []byte("three"),
	})

	eng := NewEngine(nil, nil, nil)
	res := eng.EditPages(context.Background(), src, []int{2}, Options{Backup: BackupMove})
	if !res.Success {
		t.Fatalf("edit failed: %s", res.Message)
	}

	names := zipNames(t, src)
	want := []string{"page_001.jpg", "page_002.jpg"}
	if len(names) != len(want) {
		t.Fatalf("got entries %v, want %v", names, want)
	}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("entry %d = %q, want %q", i, names[i], name)
		}
	}

	zr, err := zip.OpenReader(src)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	rc, err := zr.File[1].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "three" {
		t.Fatalf("page_002 content = %q, want former page 3", buf.String())
	}
	if res.BackupPath == "" {
		t.Fatal("destructive edit must record a backup")
	}
}

func TestEditPagesRejectsOutOfRangeDrop(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "album.cbz")
	writeZipFixture(t, src, map[string][]byte{"p1.jpg": []byte("one")})
	original := readBytes(t, src)

	eng := NewEngine(nil, nil, nil)
	res := eng.EditPages(context.Background(), src, []int{5}, Options{Backup: BackupMove})
	if res.Success {
		t.Fatal("expected failure for out-of-range page index")
	}
	if !bytes.Equal(readBytes(t, src), original) {
		t.Fatal("source was modified by a rejected edit")
	}
}

func TestEditPagesNoImagesInArchive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "text.cbz")
	writeZipFixture(t, src, map[string][]byte{"readme.txt": []byte("no pictures here")})
	original := readBytes(t, src)

	eng := NewEngine(nil, nil, nil)
	res := eng.EditPages(context.Background(), src, nil, Options{Backup: BackupNone})
	if res.Success {
		t.Fatal("expected failure for an archive with no images")
	}
	if res.Kind != KindNoImagesFound {
		t.Fatalf("kind = %q, want %q", res.Kind, KindNoImagesFound)
	}
	if !bytes.Equal(readBytes(t, src), original) {
		t.Fatal("source was modified by a failed edit")
	}
	for _, name := range listDir(t, dir) {
		if name != "text.cbz" {
			t.Fatalf("failed edit left %q behind", name)
		}
	}
}

func TestRarFallbackNoteDistinguishesCauses(t *testing.T) {
	if got := rarFallbackNote(extract.ErrNoRarTool); !strings.Contains(got, "no RAR tool available") {
		t.Fatalf("missing-tool note = %q", got)
	}
	got := rarFallbackNote(errors.New("rar exited with status 2"))
	if !strings.Contains(got, "RAR creation failed") {
		t.Fatalf("failed-tool note = %q", got)
	}
	if strings.Contains(got, "no RAR tool") {
		t.Fatalf("failed-tool note must not claim the tool is missing: %q", got)
	}
}

func TestRevertRestoresOriginalBytes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "album.cbz")
	writeZipFixture(t, src, map[string][]byte{
		"a.jpg": []byte("one"),
		"b.jpg": []byte("two"),
	})
	original := readBytes(t, src)

	eng := NewEngine(nil, nil, nil)
	res := eng.EditPages(context.Background(), src, []int{1}, Options{Backup: BackupMove})
	if !res.Success {
		t.Fatalf("edit failed: %s", res.Message)
	}
	if bytes.Equal(readBytes(t, src), original) {
		t.Fatal("edit did not change the archive")
	}

	if _, err := eng.Revert(src, ""); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !bytes.Equal(readBytes(t, src), original) {
		t.Fatal("revert did not restore the original bytes")
	}
}

func TestEditRollsBackWhenReplaceFails(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "shelf")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(sub, "album.cbz")
	writeZipFixture(t, src, map[string][]byte{
		"a.jpg": []byte("one"),
		"b.jpg": []byte("two"),
	})
	original := readBytes(t, src)

	// Drop write permission on the directory after the candidate and
	// backup exist is hard to stage portably, so instead point the
	// backup at a custom root and verify the move+restore cycle through
	// Revert after a successful edit. The rollback branch itself is
	// covered by replace() unit behavior below.
	broot := filepath.Join(dir, "safekeeping")
	eng := NewEngine(nil, nil, nil)
	res := eng.EditPages(context.Background(), src, []int{2}, Options{Backup: BackupMove, BackupRoot: broot})
	if !res.Success {
		t.Fatalf("edit failed: %s", res.Message)
	}
	if !strings.HasPrefix(res.BackupPath, broot+string(os.PathSeparator)) {
		t.Fatalf("backup %q not under custom root %q", res.BackupPath, broot)
	}
	if !bytes.Equal(readBytes(t, res.BackupPath), original) {
		t.Fatal("backup is not byte-identical to the pre-edit archive")
	}
}

func TestReplaceRollsBackFromBackup(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "album.cbz")
	if err := os.WriteFile(src, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	bm := backup.NewManager("")
	rec, err := bm.Create(src, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("move backup should remove the original")
	}

	eng := NewEngine(nil, nil, nil)
	job := Job{ID: "rollback-test", SourcePath: src, Backup: BackupMove}
	// tempOut does not exist, so the rename must fail and trigger the
	// restore from backup.
	res := eng.replace(job, filepath.Join(dir, "missing.partial"), src, rec.BackupPath, testLogger(), "done")
	if res.Success {
		t.Fatal("expected replace to fail")
	}
	if !res.RolledBack {
		t.Fatal("expected RolledBack after restore")
	}
	if res.Kind != KindReplaceFailed {
		t.Fatalf("kind = %q, want %q", res.Kind, KindReplaceFailed)
	}
	if string(readBytes(t, src)) != "original" {
		t.Fatal("rollback did not restore the original")
	}
}

func TestReplaceReportsRollbackFailed(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "album.cbz")

	eng := NewEngine(nil, nil, nil)
	job := Job{ID: "rollback-fail-test", SourcePath: src, Backup: BackupMove}
	// Neither the candidate nor the claimed backup exist: replace fails
	// and the recovery copy fails too.
	res := eng.replace(job, filepath.Join(dir, "missing.partial"), src,
		filepath.Join(dir, "missing-backup.cbz"), testLogger(), "done")
	if res.Success || res.RolledBack {
		t.Fatal("expected an unrecovered failure")
	}
	if res.Kind != KindRollbackFailed {
		t.Fatalf("kind = %q, want %q", res.Kind, KindRollbackFailed)
	}
}

func TestConvertDirectoryContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	writeZipFixture(t, filepath.Join(dir, "good1.cbr"), map[string][]byte{"a.jpg": []byte("a")})
	writeZipFixture(t, filepath.Join(dir, "good2.cbr"), map[string][]byte{"b.jpg": []byte("b")})
	if err := os.WriteFile(filepath.Join(dir, "bad.cbr"), []byte("Rar!\x1a\x07\x00junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := NewEngine(nil, nil, nil)
	br, err := eng.ConvertDirectory(context.Background(), dir, BatchOptions{
		Options: Options{Backup: BackupNone},
		Workers: 2,
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if br.Succeeded != 2 {
		t.Fatalf("succeeded = %d, want 2", br.Succeeded)
	}
	if br.Failed != 1 {
		t.Fatalf("failed = %d, want 1", br.Failed)
	}
	if len(br.Errors) != 1 || !strings.Contains(br.Errors[0], "bad.cbr") {
		t.Fatalf("errors = %v, want one entry for bad.cbr", br.Errors)
	}
	for _, name := range []string{"good1.cbz", "good2.cbz"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing converted output %s: %v", name, err)
		}
	}
}

func TestConvertDirectorySkipsBackupFolders(t *testing.T) {
	dir := t.TempDir()
	writeZipFixture(t, filepath.Join(dir, "top.cbr"), map[string][]byte{"a.jpg": []byte("a")})
	bdir := filepath.Join(dir, "backups")
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeZipFixture(t, filepath.Join(bdir, "old_backup_20240101_120000.cbr"), map[string][]byte{"b.jpg": []byte("b")})

	paths, err := discoverConvertible(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "top.cbr" {
		t.Fatalf("discovered %v, want only top.cbr", paths)
	}
}

func TestDiscoverNonRecursiveStaysShallow(t *testing.T) {
	dir := t.TempDir()
	writeZipFixture(t, filepath.Join(dir, "a.cbr"), map[string][]byte{"a.jpg": []byte("a")})
	sub := filepath.Join(dir, "deeper")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeZipFixture(t, filepath.Join(sub, "b.cbr"), map[string][]byte{"b.jpg": []byte("b")})

	paths, err := discoverConvertible(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "a.cbr" {
		t.Fatalf("discovered %v, want only a.cbr", paths)
	}
}
