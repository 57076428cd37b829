// Package extract unpacks comic archives into a job-scoped scratch
// directory. Decoding runs as an ordered chain of named strategies
// (primary decoder, ZIP reinterpretation, then an external tool) and
// stops at the first success. The chain replaces extension-trusting
// dispatch: the caller passes the sniffed format and the declared one.
package extract

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mkelsey/cbx/internal/log"
	"github.com/mkelsey/cbx/internal/sniff"
)

// Strategy is one way of decoding an archive into a directory.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, sourcePath, scratchDir string) error
}

// Attempt records the outcome of one strategy in the chain.
type Attempt struct {
	Strategy string
	Err      error
}

// ChainError means every strategy in the chain failed. It carries one
// sub-error per attempt so the caller can report what was tried.
type ChainError struct {
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return "all extraction strategies failed: " + strings.Join(parts, "; ")
}

// Extractor decodes archives using a sniffed-format-aware strategy chain.
type Extractor struct {
	// ExtraToolPaths are additional locations searched for an external
	// archiving tool, ahead of the built-in well-known paths.
	ExtraToolPaths []string
}

// Extract unpacks sourcePath into scratchDir. On success scratchDir
// holds the raw extracted tree; on total failure scratchDir is emptied
// so no partial state persists, and the returned error is a *ChainError.
func (x *Extractor) Extract(ctx context.Context, sourcePath string, format sniff.Format, scratchDir string) error {
	logger := log.WithComponent("extract").With("source", sourcePath, "format", format.String())

	chain := x.chainFor(format)
	var attempts []Attempt

	for _, s := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.Extract(ctx, sourcePath, scratchDir)
		if err == nil {
			logger.Debug("extraction succeeded", "strategy", s.Name(), "attempts", len(attempts)+1)
			return nil
		}

		logger.Debug("extraction strategy failed", "strategy", s.Name(), "error", err)
		attempts = append(attempts, Attempt{Strategy: s.Name(), Err: err})

		// A failed attempt may have left partial files behind; the next
		// strategy (and the caller, on total failure) needs a clean slate.
		if cleanErr := clearDir(scratchDir); cleanErr != nil {
			attempts = append(attempts, Attempt{Strategy: s.Name() + " cleanup", Err: cleanErr})
			break
		}
	}

	return &ChainError{Attempts: attempts}
}

// chainFor builds the ordered strategy list for a sniffed format.
// Unknown-format files are treated as probable RARs from before the RAR5
// signature era: RAR decode, then ZIP reinterpret, then external tool.
func (x *Extractor) chainFor(format sniff.Format) []Strategy {
	ext := &externalToolStrategy{extraPaths: x.ExtraToolPaths}
	switch format {
	case sniff.Zip:
		return []Strategy{zipStrategy{}, ext}
	default:
		return []Strategy{rarStrategy{}, zipStrategy{}, ext}
	}
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("clear scratch dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(fmt.Sprintf("%s%c%s", dir, os.PathSeparator, entry.Name())); err != nil {
			return fmt.Errorf("clear scratch dir: %w", err)
		}
	}
	return nil
}
