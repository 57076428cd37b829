package convert

import (
	"errors"

	"github.com/mkelsey/cbx/internal/archive"
	"github.com/mkelsey/cbx/internal/extract"
)

// Failure taxonomy. Every job failure wraps exactly one of these so
// callers can classify results without parsing messages.
var (
	ErrNotFound          = errors.New("source file not found")
	ErrWrongDeclaredType = errors.New("file extension does not match an expected archive family")
	ErrDestinationExists = errors.New("destination already exists and overwrite is disallowed")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrNoImagesFound     = errors.New("no images found")
	ErrWriteFailed       = errors.New("writing output archive failed")
	ErrBackupFailed      = errors.New("backup creation failed")
	ErrReplaceFailed     = errors.New("installing output archive failed")
	// ErrRollbackFailed is the most severe outcome: the original may be
	// in an inconsistent state. It is never folded into a generic failure.
	ErrRollbackFailed = errors.New("rollback after failed replace also failed")
)

// Kind names one failure class for results, logs, and the history ledger.
type Kind string

const (
	KindNone              Kind = ""
	KindNotFound          Kind = "NotFound"
	KindWrongDeclaredType Kind = "WrongDeclaredType"
	KindDestinationExists Kind = "DestinationExists"
	KindExtractionFailed  Kind = "ExtractionFailed"
	KindNoImagesFound     Kind = "NoImagesFound"
	KindWriteFailed       Kind = "WriteFailed"
	KindBackupFailed      Kind = "BackupFailed"
	KindReplaceFailed     Kind = "ReplaceFailed"
	KindRollbackFailed    Kind = "RollbackFailed"
	KindOther             Kind = "Error"
)

// Classify maps an error chain onto the failure taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRollbackFailed):
		return KindRollbackFailed
	case errors.Is(err, ErrReplaceFailed):
		return KindReplaceFailed
	case errors.Is(err, ErrBackupFailed):
		return KindBackupFailed
	case errors.Is(err, ErrWriteFailed):
		return KindWriteFailed
	case errors.Is(err, ErrNoImagesFound), errors.Is(err, archive.ErrNoImages):
		return KindNoImagesFound
	case errors.Is(err, ErrExtractionFailed), isChainError(err):
		return KindExtractionFailed
	case errors.Is(err, ErrDestinationExists):
		return KindDestinationExists
	case errors.Is(err, ErrWrongDeclaredType):
		return KindWrongDeclaredType
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindOther
	}
}

func isChainError(err error) bool {
	var chainErr *extract.ChainError
	return errors.As(err, &chainErr)
}
