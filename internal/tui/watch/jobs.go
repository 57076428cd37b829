package watch

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/mkelsey/cbx/internal/events"
)

// JobState tracks one conversion job as its events arrive.
type JobState struct {
	JobID      string
	SourcePath string
	Phase      string
	Percent    int
	Message    string
	Failed     bool
	Done       bool
	UpdatedAt  time.Time
}

// updateJobState applies one hub event to the job map and returns the
// batch summary if the event carried one.
func updateJobState(jobs map[string]*JobState, e events.Event) *events.BatchSummary {
	switch e.Type {
	case events.TypeBatchStarted, events.TypeBatchDone:
		var bs events.BatchSummary
		if err := json.Unmarshal(e.Data, &bs); err != nil {
			return nil
		}
		return &bs

	case events.TypeJobStarted, events.TypeJobProgress, events.TypeJobFinished, events.TypeJobFailed:
		var p events.Progress
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil
		}
		js, ok := jobs[p.JobID]
		if !ok {
			js = &JobState{JobID: p.JobID}
			jobs[p.JobID] = js
		}
		js.SourcePath = p.SourcePath
		js.Phase = p.Phase
		js.Percent = p.Percent
		js.Message = p.Message
		js.UpdatedAt = e.At
		switch e.Type {
		case events.TypeJobFinished:
			js.Done = true
		case events.TypeJobFailed:
			js.Done = true
			js.Failed = true
		}
	}
	return nil
}

func renderJobs(jobs map[string]*JobState, bar progress.Model, theme Theme, width int) string {
	innerWidth := width - 4

	if len(jobs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("JOBS"),
			theme.Dim.Render("  Waiting for the first job..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	ordered := make([]*JobState, 0, len(jobs))
	for _, js := range jobs {
		ordered = append(ordered, js)
	}
	// Active jobs first, then most recently updated.
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Done != ordered[j].Done {
			return !ordered[i].Done
		}
		return ordered[i].UpdatedAt.After(ordered[j].UpdatedAt)
	})

	var lines []string
	for i, js := range ordered {
		if i >= 8 {
			lines = append(lines, theme.Dim.Render(fmt.Sprintf("  ... and %d more", len(ordered)-i)))
			break
		}
		lines = append(lines, renderJobLine(js, bar, theme, innerWidth))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("JOBS"),
		strings.Join(lines, "\n"),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderJobLine(js *JobState, bar progress.Model, theme Theme, width int) string {
	name := filepath.Base(js.SourcePath)
	if len(name) > 32 {
		name = name[:29] + "..."
	}

	var status string
	switch {
	case js.Failed:
		status = theme.StatusFailed.Render("FAILED ")
	case js.Done:
		status = theme.StatusOK.Render("DONE   ")
	default:
		status = theme.StatusRunning.Render(fmt.Sprintf("%-7s", js.Phase))
	}

	barWidth := width - 52
	if barWidth < 10 {
		barWidth = 10
	}
	bar.Width = barWidth
	rendered := bar.ViewAs(float64(js.Percent) / 100)

	return fmt.Sprintf(" %-32s %s %s", name, status, rendered)
}
