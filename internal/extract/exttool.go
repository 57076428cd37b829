package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const toolTimeout = 2 * time.Minute

// extractTools are searched on PATH first, in order of preference.
var extractTools = []string{"unrar", "unar", "7z", "7za", "bsdtar"}

// wellKnownToolPaths are fixed install locations checked when PATH
// lookup finds nothing.
var wellKnownToolPaths = []string{
	"/usr/local/bin/unrar",
	"/opt/homebrew/bin/unrar",
	"/usr/local/bin/7z",
	`C:\Program Files\WinRAR\UnRAR.exe`,
	`C:\Program Files (x86)\WinRAR\UnRAR.exe`,
	`C:\Program Files\7-Zip\7z.exe`,
}

// ErrNoExternalTool means no command-line archiver was discoverable.
var ErrNoExternalTool = errors.New("no external archive tool found")

// externalToolStrategy shells out to a command-line archiver as the last
// resort of the extraction chain.
type externalToolStrategy struct {
	extraPaths []string
}

func (externalToolStrategy) Name() string { return "external tool" }

func (s *externalToolStrategy) Extract(ctx context.Context, sourcePath, scratchDir string) error {
	tool, err := findExtractTool(s.extraPaths)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, tool, extractArgs(tool, sourcePath, scratchDir)...)
	cmd.Dir = scratchDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("%s: %w: %s", filepath.Base(tool), err, msg)
		}
		return fmt.Errorf("%s: %w", filepath.Base(tool), err)
	}
	return nil
}

// extractArgs builds the extract-into-directory invocation for a tool.
func extractArgs(tool, sourcePath, scratchDir string) []string {
	switch normalizeToolName(tool) {
	case "unrar":
		return []string{"x", "-y", sourcePath, scratchDir + string(os.PathSeparator)}
	case "unar":
		return []string{"-quiet", "-force-overwrite", "-o", scratchDir, sourcePath}
	case "7z", "7za":
		return []string{"x", "-y", "-o" + scratchDir, sourcePath}
	case "bsdtar":
		return []string{"-xf", sourcePath, "-C", scratchDir}
	default:
		return []string{"x", "-y", sourcePath, scratchDir}
	}
}

func normalizeToolName(tool string) string {
	base := filepath.Base(tool)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	switch name {
	case "UnRAR", "unrar":
		return "unrar"
	default:
		return name
	}
}

// findExtractTool searches extra paths, then PATH, then well-known
// install locations for a usable archiver.
func findExtractTool(extraPaths []string) (string, error) {
	for _, p := range extraPaths {
		if isExecutableFile(p) {
			return p, nil
		}
	}
	for _, name := range extractTools {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	for _, p := range wellKnownToolPaths {
		if isExecutableFile(p) {
			return p, nil
		}
	}
	return "", ErrNoExternalTool
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// rarCreateTools can produce a real RAR container. Creation (unlike
// extraction) needs the proprietary rar tool, so discovery often fails;
// callers fall back to ZIP bytes under the .cbr extension.
var rarCreateTools = []string{"rar", "winrar"}

// ErrNoRarTool means no RAR-creating tool was discoverable.
var ErrNoRarTool = errors.New("no RAR creation tool found")

// CreateRar packs the contents of srcDir into a RAR archive at destPath
// using an external tool. Best-effort: returns ErrNoRarTool when nothing
// is discoverable.
func CreateRar(ctx context.Context, srcDir, destPath string) error {
	var tool string
	for _, name := range rarCreateTools {
		if path, err := exec.LookPath(name); err == nil {
			tool = path
			break
		}
	}
	if tool == "" {
		return ErrNoRarTool
	}

	cctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	// a = add, -ep1 = exclude base folder from stored paths.
	cmd := exec.CommandContext(cctx, tool, "a", "-ep1", destPath, filepath.Join(srcDir, "*"))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(destPath)
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("%s: %w: %s", filepath.Base(tool), err, msg)
		}
		return fmt.Errorf("%s: %w", filepath.Base(tool), err)
	}
	return nil
}
