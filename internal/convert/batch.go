package convert

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mkelsey/cbx/internal/events"
	"github.com/mkelsey/cbx/internal/log"
	"github.com/mkelsey/cbx/internal/natsort"
)

// BatchOptions extends per-job Options with directory traversal and
// worker pool settings.
type BatchOptions struct {
	Options
	Recursive bool
	Workers   int
}

// BatchResult aggregates one directory run. A batch never aborts on a
// single failure; Errors carries one line per failed file.
type BatchResult struct {
	Root      string
	Succeeded int
	Failed    int
	Skipped   int
	Errors    []string
	Results   []Result
}

// ConvertDirectory converts every .cbr and .pdf under root. Files are
// processed in natural order so output is deterministic; with more than
// one worker the completion order may differ but the result slice keeps
// discovery order.
func (e *Engine) ConvertDirectory(ctx context.Context, root string, opts BatchOptions) (BatchResult, error) {
	br := BatchResult{Root: root}

	info, err := os.Stat(root)
	if err != nil {
		return br, fmt.Errorf("%w: %s", ErrNotFound, root)
	}
	if !info.IsDir() {
		return br, fmt.Errorf("%s is not a directory", root)
	}

	paths, err := discoverConvertible(root, opts.Recursive)
	if err != nil {
		return br, err
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(paths) && len(paths) > 0 {
		workers = len(paths)
	}

	logger := log.WithComponent("batch")
	logger.Info("batch started", "root", root, "files", len(paths), "workers", workers)
	if e.hub != nil {
		e.hub.Publish(events.TypeBatchStarted, events.BatchSummary{Root: root, Total: len(paths)})
	}

	results := make([]Result, len(paths))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = e.Convert(ctx, paths[i], opts.Options)
			}
		}()
	}

feed:
	for i := range paths {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	for i, res := range results {
		switch {
		case res.JobID == "":
			br.Skipped++ // never dispatched, context cancelled
		case res.Success:
			br.Succeeded++
			br.Results = append(br.Results, res)
		default:
			br.Failed++
			br.Results = append(br.Results, res)
			br.Errors = append(br.Errors, fmt.Sprintf("%s: %s", paths[i], res.Message))
		}
	}

	logger.Info("batch done",
		"root", root, "succeeded", br.Succeeded, "failed", br.Failed, "skipped", br.Skipped)
	if e.hub != nil {
		e.hub.Publish(events.TypeBatchDone, events.BatchSummary{
			Root: root, Total: len(paths), Succeeded: br.Succeeded, Failed: br.Failed,
		})
	}
	if err := ctx.Err(); err != nil {
		return br, err
	}
	return br, nil
}

// discoverConvertible lists convertible archives under root in natural
// order. Backup folders are never descended into so prior runs cannot
// feed the next one.
func discoverConvertible(root string, recursive bool) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if !recursive || d.Name() == "backups" {
				return filepath.SkipDir
			}
			return nil
		}
		if convertibleExtensions[strings.ToLower(filepath.Ext(d.Name()))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(paths, func(i, j int) bool { return natsort.Less(paths[i], paths[j]) })
	return paths, nil
}
