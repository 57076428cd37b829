package convert

import (
	"path/filepath"
	"strings"
)

// OverwritePolicy decides what happens when the destination exists.
type OverwritePolicy int

const (
	OverwriteFail OverwritePolicy = iota
	OverwriteReplace
)

// BackupPolicy decides whether and how the original is preserved.
type BackupPolicy int

const (
	// BackupNone leaves no copy; destructive steps proceed unprotected.
	BackupNone BackupPolicy = iota
	// BackupCopy stores an additive copy; the original stays in place.
	// A copy failure degrades to a warning.
	BackupCopy
	// BackupMove relocates the original into the backup folder. Required
	// for destructive in-place edits; a move failure aborts the job.
	BackupMove
)

// Phase names the mutation state machine's states. Published with
// progress events and recorded on failure results.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSniffing   Phase = "sniffing"
	PhaseRenameOnly Phase = "rename-only"
	PhaseExtracting Phase = "extracting"
	PhaseCollating  Phase = "collating"
	PhaseWriting    Phase = "writing"
	PhaseBackingUp  Phase = "backing-up"
	PhaseReplacing  Phase = "replacing"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
	PhaseRolledBack Phase = "rolled-back"
)

// Job describes one conversion or in-place edit request. Immutable for
// the job's lifetime.
type Job struct {
	ID         string
	SourcePath string
	// DeclaredExt is the lowercased source extension including the dot.
	DeclaredExt string
	Overwrite   OverwritePolicy
	Backup      BackupPolicy
	// BackupRoot overrides the default sibling backups folder when set.
	BackupRoot string
	// DropPages holds 1-based page numbers to remove (in-place edit only).
	DropPages []int
}

// Result is the terminal outcome of a job. Either Success with a valid
// TargetPath, or a failure with Kind and Message and no filesystem side
// effects beyond an optional backup.
type Result struct {
	JobID      string
	Success    bool
	Message    string
	SourcePath string
	TargetPath string
	Kind       Kind
	// RolledBack reports that a failed replace was recovered by copying
	// the backup over the original.
	RolledBack bool
	// BackupPath is set when a backup was created, success or failure.
	BackupPath string
}

func declaredExt(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// convertibleExtensions are the source families the engine accepts for
// format conversion to .cbz.
var convertibleExtensions = map[string]bool{
	".cbr": true,
	".pdf": true,
}

// editableExtensions are the families accepted for in-place page edits.
var editableExtensions = map[string]bool{
	".cbr": true,
	".cbz": true,
}
