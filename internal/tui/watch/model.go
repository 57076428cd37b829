package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mkelsey/cbx/internal/events"
)

type eventMsg events.Event

type tickMsg time.Time

type hubClosedMsg struct{}

// Model is the main BubbleTea model for the batch monitor.
type Model struct {
	hub *events.Hub

	width  int
	height int

	jobs     map[string]*JobState
	batch    events.BatchSummary
	batchHot bool
	eventLog []events.Event

	activity Activity
	bar      progress.Model
	theme    Theme

	hubEvents <-chan events.Event
	cancelSub func()
}

// New creates a monitor model subscribed to the given hub.
func New(hub *events.Hub) *Model {
	ch, cancel := hub.Subscribe()
	return &Model{
		hub:       hub,
		jobs:      make(map[string]*JobState),
		bar:       progress.New(progress.WithDefaultGradient()),
		theme:     NewDefaultTheme(),
		hubEvents: ch,
		cancelSub: cancel,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		receiveNextEvent(m.hubEvents),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return hubClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancelSub()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.activity.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		m.activity.OnEvent()

		if bs := updateJobState(m.jobs, e); bs != nil {
			m.batch = *bs
			m.batchHot = e.Type == events.TypeBatchStarted
		}
		return m, receiveNextEvent(m.hubEvents)

	case hubClosedMsg:
		return m, nil
	}

	return m, nil
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Starting monitor..."
	}

	header := m.renderHeader()
	jobs := renderJobs(m.jobs, m.bar, m.theme, m.width)
	stream := renderEventStream(m.eventLog, m.theme, m.width)
	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit")

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, jobs, stream, help),
	)
}

func (m *Model) renderHeader() string {
	innerWidth := m.width - 4

	done, failed := 0, 0
	for _, js := range m.jobs {
		if js.Done {
			done++
		}
		if js.Failed {
			failed++
		}
	}

	title := " CBX MONITOR"
	clock := m.theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	total := m.batch.Total
	if total == 0 {
		total = len(m.jobs)
	}
	statsLine := fmt.Sprintf(" Files: %d  Done: %s  Failed: %s",
		total,
		m.theme.StatusOK.Render(fmt.Sprintf("%d", done)),
		m.theme.StatusFailed.Render(fmt.Sprintf("%d", failed)),
	)

	lastEventStr := "never"
	if !m.activity.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(m.activity.LastEvent()).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, m.activity.Render(m.theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return m.theme.Border.Width(innerWidth).Render(content)
}

// Run blocks until the monitor exits.
func Run(hub *events.Hub) error {
	p := tea.NewProgram(New(hub))
	_, err := p.Run()
	return err
}
