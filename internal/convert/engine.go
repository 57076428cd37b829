// Package convert drives archive conversion and safe in-place editing:
// sniff, extract, collate, write, back up, atomically replace. One
// transaction per job, with rollback when a replace goes wrong after
// the original has already been moved aside.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mkelsey/cbx/internal/archive"
	"github.com/mkelsey/cbx/internal/backup"
	"github.com/mkelsey/cbx/internal/events"
	"github.com/mkelsey/cbx/internal/extract"
	"github.com/mkelsey/cbx/internal/lock"
	"github.com/mkelsey/cbx/internal/log"
	"github.com/mkelsey/cbx/internal/pdfpage"
	"github.com/mkelsey/cbx/internal/sniff"
)

// Recorder persists terminal job outcomes (the history ledger).
type Recorder interface {
	Record(ctx context.Context, operation string, res Result, started, completed time.Time) error
}

// Options carries the caller's policy for one job.
type Options struct {
	Overwrite  bool
	Backup     BackupPolicy
	BackupRoot string
}

// Engine runs conversion jobs. Safe for concurrent use across different
// target paths; per-path exclusivity is enforced internally.
type Engine struct {
	extractor *extract.Extractor
	hub       *events.Hub
	locks     *lock.PathLocks
	recorder  Recorder
}

// NewEngine wires an engine. hub and recorder may be nil.
func NewEngine(hub *events.Hub, recorder Recorder, extraToolPaths []string) *Engine {
	return &Engine{
		extractor: &extract.Extractor{ExtraToolPaths: extraToolPaths},
		hub:       hub,
		locks:     lock.NewPathLocks(),
		recorder:  recorder,
	}
}

// Convert turns a .cbr or .pdf into a sibling .cbz. The source file is
// left in place unless the backup policy moves it aside.
func (e *Engine) Convert(ctx context.Context, path string, opts Options) Result {
	job := e.newJob(path, opts, nil)
	started := time.Now().UTC()
	res := e.runConvert(ctx, job)
	e.finish(ctx, "convert", res, started)
	return res
}

// EditPages rebuilds the archive at path in place with the given
// 1-based pages removed, renumbering the remainder.
func (e *Engine) EditPages(ctx context.Context, path string, dropPages []int, opts Options) Result {
	job := e.newJob(path, opts, dropPages)
	started := time.Now().UTC()
	res := e.runEdit(ctx, job)
	e.finish(ctx, "edit", res, started)
	return res
}

// Revert restores path from its newest backup.
func (e *Engine) Revert(path, backupRoot string) (backup.Record, error) {
	release, err := e.locks.Acquire(path)
	if err != nil {
		return backup.Record{}, err
	}
	defer release()
	return backup.NewManager(backupRoot).Revert(path)
}

func (e *Engine) newJob(path string, opts Options, dropPages []int) Job {
	overwrite := OverwriteFail
	if opts.Overwrite {
		overwrite = OverwriteReplace
	}
	return Job{
		ID:          uuid.NewString(),
		SourcePath:  path,
		DeclaredExt: declaredExt(path),
		Overwrite:   overwrite,
		Backup:      opts.Backup,
		BackupRoot:  opts.BackupRoot,
		DropPages:   dropPages,
	}
}

func (e *Engine) runConvert(ctx context.Context, job Job) Result {
	logger := log.WithJob(job.ID).With("source", job.SourcePath)

	if _, err := os.Stat(job.SourcePath); err != nil {
		return e.fail(job, PhaseIdle, fmt.Errorf("%w: %s", ErrNotFound, job.SourcePath))
	}
	if !convertibleExtensions[job.DeclaredExt] {
		return e.fail(job, PhaseIdle,
			fmt.Errorf("%w: %q is not a .cbr or .pdf", ErrWrongDeclaredType, job.SourcePath))
	}

	target := job.SourcePath[:len(job.SourcePath)-len(job.DeclaredExt)] + ".cbz"

	// Overwrite policy is checked before any extraction so a disallowed
	// job fails before any work, and before anything could be touched.
	if _, err := os.Lstat(target); err == nil && job.Overwrite == OverwriteFail {
		return e.fail(job, PhaseIdle, fmt.Errorf("%w: %s", ErrDestinationExists, target))
	}

	release, err := e.locks.Acquire(job.SourcePath)
	if err != nil {
		return e.fail(job, PhaseIdle, err)
	}
	defer release()

	e.progress(job, PhaseSniffing, 5, "")
	format, err := sniff.Sniff(job.SourcePath)
	if err != nil {
		return e.fail(job, PhaseSniffing, err)
	}

	// Mislabeled ZIP under .cbr: renaming is cheaper than repacking and
	// fully lossless, so it short-circuits the whole pipeline.
	if job.DeclaredExt == ".cbr" && format == sniff.Zip {
		return e.renameOnly(job, target, logger)
	}

	pages, scratch, res, failed := e.buildPages(ctx, job, format)
	if failed {
		return res
	}
	defer os.RemoveAll(scratch)

	tempOut := partialPath(target, job.ID)
	e.progress(job, PhaseWriting, 80, "")
	if err := archive.WritePages(pages, tempOut, archive.WriteOptions{}); err != nil {
		return e.fail(job, PhaseWriting, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}

	backupPath, res, failed := e.backUp(job, logger)
	if failed {
		_ = os.Remove(tempOut)
		return res
	}

	return e.replace(job, tempOut, target, backupPath, logger,
		fmt.Sprintf("converted %s -> %s (%d pages)", job.SourcePath, target, len(pages)))
}

func (e *Engine) runEdit(ctx context.Context, job Job) Result {
	logger := log.WithJob(job.ID).With("source", job.SourcePath)

	if _, err := os.Stat(job.SourcePath); err != nil {
		return e.fail(job, PhaseIdle, fmt.Errorf("%w: %s", ErrNotFound, job.SourcePath))
	}
	if !editableExtensions[job.DeclaredExt] {
		return e.fail(job, PhaseIdle,
			fmt.Errorf("%w: %q is not a .cbz or .cbr", ErrWrongDeclaredType, job.SourcePath))
	}

	release, err := e.locks.Acquire(job.SourcePath)
	if err != nil {
		return e.fail(job, PhaseIdle, err)
	}
	defer release()

	e.progress(job, PhaseSniffing, 5, "")
	format, err := sniff.Sniff(job.SourcePath)
	if err != nil {
		return e.fail(job, PhaseSniffing, err)
	}

	pages, scratch, res, failed := e.buildEditedPages(ctx, job, format)
	if failed {
		return res
	}
	defer os.RemoveAll(scratch)

	// The candidate is built next to the original so the final rename
	// stays on one filesystem.
	tempOut := partialPath(job.SourcePath, job.ID)
	e.progress(job, PhaseWriting, 80, "")
	note, err := e.writeEdited(ctx, job, pages, scratch, tempOut)
	if err != nil {
		_ = os.Remove(tempOut)
		return e.fail(job, PhaseWriting, fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}

	backupPath, res, failed := e.backUp(job, logger)
	if failed {
		_ = os.Remove(tempOut)
		return res
	}

	msg := fmt.Sprintf("rebuilt %s with %d pages", job.SourcePath, len(pages))
	if note != "" {
		msg += " (" + note + ")"
	}
	return e.replace(job, tempOut, job.SourcePath, backupPath, logger, msg)
}

// buildPages runs Extracting and Collating for a conversion job and
// returns the retained page list plus the scratch dir the pages live in.
func (e *Engine) buildPages(ctx context.Context, job Job, format sniff.Format) ([]archive.Entry, string, Result, bool) {
	scratch, err := os.MkdirTemp("", "cbx-job-")
	if err != nil {
		return nil, "", e.fail(job, PhaseExtracting, err), true
	}
	cleanup := func() { _ = os.RemoveAll(scratch) }

	e.progress(job, PhaseExtracting, 10, "")
	if job.DeclaredExt == ".pdf" {
		_, err = pdfpage.ExtractImages(ctx, job.SourcePath, scratch, func(page, total int) {
			e.progress(job, PhaseExtracting, 10+50*page/total, fmt.Sprintf("page %d/%d", page, total))
		})
		if errors.Is(err, pdfpage.ErrNoPageImages) {
			cleanup()
			return nil, "", e.fail(job, PhaseExtracting, fmt.Errorf("%w: %v", ErrNoImagesFound, err)), true
		}
	} else {
		err = e.extractor.Extract(ctx, job.SourcePath, format, scratch)
	}
	if err != nil {
		cleanup()
		return nil, "", e.fail(job, PhaseExtracting, fmt.Errorf("%w: %v", ErrExtractionFailed, err)), true
	}

	e.progress(job, PhaseCollating, 70, "")
	ps, err := archive.Collate(scratch)
	if err != nil {
		cleanup()
		if errors.Is(err, archive.ErrNoImages) {
			err = fmt.Errorf("%w: %v", ErrNoImagesFound, err)
		}
		return nil, "", e.fail(job, PhaseCollating, err), true
	}

	return ps.Retained(), scratch, Result{}, false
}

func (e *Engine) buildEditedPages(ctx context.Context, job Job, format sniff.Format) ([]archive.Entry, string, Result, bool) {
	scratch, err := os.MkdirTemp("", "cbx-job-")
	if err != nil {
		return nil, "", e.fail(job, PhaseExtracting, err), true
	}
	cleanup := func() { _ = os.RemoveAll(scratch) }

	e.progress(job, PhaseExtracting, 10, "")
	if err := e.extractor.Extract(ctx, job.SourcePath, format, scratch); err != nil {
		cleanup()
		return nil, "", e.fail(job, PhaseExtracting, fmt.Errorf("%w: %v", ErrExtractionFailed, err)), true
	}

	e.progress(job, PhaseCollating, 70, "")
	ps, err := archive.Collate(scratch)
	if err != nil {
		cleanup()
		if errors.Is(err, archive.ErrNoImages) {
			err = fmt.Errorf("%w: %v", ErrNoImagesFound, err)
		}
		return nil, "", e.fail(job, PhaseCollating, err), true
	}

	if err := ps.Drop(job.DropPages); err != nil {
		cleanup()
		return nil, "", e.fail(job, PhaseCollating, err), true
	}
	kept := ps.Retained()
	if len(kept) == 0 {
		cleanup()
		return nil, "", e.fail(job, PhaseCollating,
			fmt.Errorf("%w: dropping %d pages would empty the archive", ErrNoImagesFound, len(job.DropPages))), true
	}

	return kept, scratch, Result{}, false
}

// writeEdited packs the retained, renumbered pages. For a .cbr target a
// real RAR container is attempted via an external tool; without one the
// output is ZIP bytes under the .cbr extension, and the returned note
// flags the mismatch for the result message.
func (e *Engine) writeEdited(ctx context.Context, job Job, pages []archive.Entry, scratch, tempOut string) (string, error) {
	if job.DeclaredExt != ".cbr" {
		return "", archive.WritePages(pages, tempOut, archive.WriteOptions{Renumber: true})
	}

	staging := filepath.Join(scratch, ".cbx-rar-staging")
	if err := stageRenumbered(pages, staging); err != nil {
		return "", err
	}

	rarErr := extract.CreateRar(ctx, staging, tempOut)
	if rarErr == nil {
		return "RAR-based CBR", nil
	}
	if !errors.Is(rarErr, extract.ErrNoRarTool) {
		log.WithJob(job.ID).Warn("external RAR creation failed, falling back to ZIP container", "error", rarErr)
	}

	if err := archive.WritePages(pages, tempOut, archive.WriteOptions{Renumber: true}); err != nil {
		return "", err
	}
	return rarFallbackNote(rarErr), nil
}

// rarFallbackNote explains why a .cbr edit came out as ZIP bytes.
func rarFallbackNote(err error) string {
	if errors.Is(err, extract.ErrNoRarTool) {
		return "ZIP container under .cbr extension; no RAR tool available"
	}
	return "ZIP container under .cbr extension; RAR creation failed"
}

// backUp runs the BackingUp phase. Copy-policy failures degrade to a
// warning; move-policy failures abort because the next phase destroys
// the original.
func (e *Engine) backUp(job Job, logger *slog.Logger) (string, Result, bool) {
	if job.Backup == BackupNone {
		return "", Result{}, false
	}

	e.progress(job, PhaseBackingUp, 90, "")
	bm := backup.NewManager(job.BackupRoot)
	rec, err := bm.Create(job.SourcePath, job.Backup == BackupMove)
	if err != nil {
		if job.Backup == BackupCopy {
			logger.Warn("additive backup failed, continuing", "error", err)
			return "", Result{}, false
		}
		return "", e.fail(job, PhaseBackingUp, fmt.Errorf("%w: %v", ErrBackupFailed, err)), true
	}
	return rec.BackupPath, Result{}, false
}

// replace installs tempOut at target: remove any prior occupant (the
// overwrite policy was enforced up front), then rename into place. If
// the original was moved to backupPath and the install fails, the
// backup is copied back: RolledBack on success, RollbackFailed if even
// that recovery fails.
func (e *Engine) replace(job Job, tempOut, target, backupPath string, logger *slog.Logger, doneMsg string) Result {
	e.progress(job, PhaseReplacing, 95, "")

	err := removeIfPresent(target)
	if err == nil {
		err = os.Rename(tempOut, target)
	}
	if err == nil {
		e.progress(job, PhaseDone, 100, "")
		logger.Info("job done", "target", target)
		return Result{
			JobID:      job.ID,
			Success:    true,
			Message:    doneMsg,
			SourcePath: job.SourcePath,
			TargetPath: target,
			BackupPath: backupPath,
		}
	}

	_ = os.Remove(tempOut)
	replaceErr := fmt.Errorf("%w: %v", ErrReplaceFailed, err)

	// Nothing to recover unless the original was moved aside.
	if backupPath == "" || fileExists(job.SourcePath) {
		return e.fail(job, PhaseReplacing, replaceErr)
	}

	if rbErr := copyBack(backupPath, job.SourcePath); rbErr != nil {
		logger.Error("rollback failed, original may be inconsistent",
			"backup", backupPath, "error", rbErr)
		res := e.fail(job, PhaseFailed,
			fmt.Errorf("%w: replace failed (%v) and recovery copy failed (%v)", ErrRollbackFailed, err, rbErr))
		res.BackupPath = backupPath
		return res
	}

	logger.Warn("replace failed, original restored from backup", "error", err)
	e.progress(job, PhaseRolledBack, 100, "")
	res := e.fail(job, PhaseRolledBack, replaceErr)
	res.RolledBack = true
	res.BackupPath = backupPath
	return res
}

func (e *Engine) renameOnly(job Job, target string, logger *slog.Logger) Result {
	e.progress(job, PhaseRenameOnly, 50, "zip container detected, renaming")

	backupPath, res, failed := e.backUp(job, logger)
	if failed {
		return res
	}

	src := job.SourcePath
	if job.Backup == BackupMove {
		// The original now lives in the backup folder; rename from there.
		src = backupPath
	}

	if err := removeIfPresent(target); err != nil {
		return e.fail(job, PhaseRenameOnly, fmt.Errorf("%w: %v", ErrReplaceFailed, err))
	}
	var err error
	if job.Backup == BackupMove {
		err = copyBack(src, target)
	} else {
		err = os.Rename(src, target)
	}
	if err != nil {
		return e.fail(job, PhaseRenameOnly, fmt.Errorf("%w: %v", ErrReplaceFailed, err))
	}

	e.progress(job, PhaseDone, 100, "")
	logger.Info("renamed mislabeled zip archive", "target", target)
	return Result{
		JobID:      job.ID,
		Success:    true,
		Message:    fmt.Sprintf("container is already ZIP; renamed %s -> %s without repacking", job.SourcePath, target),
		SourcePath: job.SourcePath,
		TargetPath: target,
		BackupPath: backupPath,
	}
}

func (e *Engine) fail(job Job, phase Phase, err error) Result {
	kind := Classify(err)
	log.WithJob(job.ID).Error("job failed",
		"source", job.SourcePath, "phase", string(phase), "kind", string(kind), "error", err)

	if e.hub != nil {
		e.hub.PublishProgress(events.TypeJobFailed, events.Progress{
			JobID:      job.ID,
			SourcePath: job.SourcePath,
			Phase:      string(phase),
			Percent:    100,
			Message:    err.Error(),
		})
	}
	return Result{
		JobID:      job.ID,
		Success:    false,
		Message:    err.Error(),
		SourcePath: job.SourcePath,
		Kind:       kind,
	}
}

func (e *Engine) progress(job Job, phase Phase, percent int, msg string) {
	if e.hub == nil {
		return
	}
	eventType := events.TypeJobProgress
	switch phase {
	case PhaseSniffing:
		eventType = events.TypeJobStarted
	case PhaseDone:
		eventType = events.TypeJobFinished
	}
	e.hub.PublishProgress(eventType, events.Progress{
		JobID:      job.ID,
		SourcePath: job.SourcePath,
		Phase:      string(phase),
		Percent:    percent,
		Message:    msg,
	})
}

func (e *Engine) finish(ctx context.Context, operation string, res Result, started time.Time) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, operation, res, started, time.Now().UTC()); err != nil {
		log.WithComponent("convert").Warn("history record failed", "error", err)
	}
}

func stageRenumbered(pages []archive.Entry, staging string) error {
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	for i, page := range pages {
		name := fmt.Sprintf("page_%03d%s", i+1, filepath.Ext(page.Name))
		if err := copyBack(page.Path, filepath.Join(staging, name)); err != nil {
			return fmt.Errorf("stage page %q: %w", name, err)
		}
	}
	return nil
}

func partialPath(target, jobID string) string {
	suffix := jobID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return target + ".partial-" + suffix
}

func removeIfPresent(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func copyBack(src, dest string) error {
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
