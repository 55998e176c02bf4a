// Package tui is the interactive lineage browser.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/snapline/internal/inspect"
)

type view int

const (
	viewBranch view = iota
	viewTree
	viewTimeline
	viewCount
)

var viewNames = [viewCount]string{"Branch", "Tree", "Timeline"}

// Loader fetches the current report for the workspace being browsed.
type Loader func(ctx context.Context) (*inspect.Report, error)

type reportMsg struct{ report *inspect.Report }
type errMsg struct{ err error }
type tickMsg time.Time

// Model browses one lineage. It reloads on a fixed interval so workspaces
// created while it is open show up.
type Model struct {
	load     Loader
	interval time.Duration
	theme    Theme

	width  int
	height int

	active   view
	report   *inspect.Report
	lastErr  error
	loadedAt time.Time

	timeline table.Model
	viewport viewport.Model
}

// NewBrowser returns a model that calls load every interval. A zero interval
// disables automatic reloads.
func NewBrowser(load Loader, interval time.Duration) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Workspace", Width: 24},
			{Title: "Parent", Width: 24},
			{Title: "Command", Width: 18},
			{Title: "Created", Width: 12},
			{Title: "Result", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		load:     load,
		interval: interval,
		theme:    NewDefaultTheme(),
		timeline: t,
		viewport: viewport.New(80, 20),
	}
}

func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		report, err := m.load(ctx)
		if err != nil {
			return errMsg{err}
		}
		return reportMsg{report}
	}
}

func (m Model) scheduleReload() tea.Cmd {
	if m.interval <= 0 {
		return nil
	}
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.active = (m.active + 1) % viewCount
			m.refreshContent()
			return m, nil
		case "shift+tab", "left", "h":
			m.active = (m.active + viewCount - 1) % viewCount
			m.refreshContent()
			return m, nil
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.timeline.SetWidth(max(m.width-6, 20))
		m.timeline.SetHeight(max(m.height-10, 3))
		m.viewport.Width = max(m.width-6, 20)
		m.viewport.Height = max(m.height-10, 3)
		m.refreshContent()
		return m, nil

	case reportMsg:
		m.report = msg.report
		m.lastErr = nil
		m.loadedAt = time.Now()
		m.refreshContent()
		return m, m.scheduleReload()

	case errMsg:
		m.lastErr = msg.err
		return m, m.scheduleReload()

	case tickMsg:
		return m, m.fetch()
	}

	if m.active == viewTimeline {
		m.timeline, cmd = m.timeline.Update(msg)
	} else {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m *Model) refreshContent() {
	if m.report == nil {
		return
	}
	switch m.active {
	case viewBranch:
		m.viewport.SetContent(renderBranch(m.report))
	case viewTree:
		m.viewport.SetContent(inspect.RenderTree(m.report.Tree, m.report.LeafID))
	case viewTimeline:
		m.timeline.SetRows(timelineRows(m.report))
	}
}

func renderBranch(r *inspect.Report) string {
	var lines []string
	for _, step := range r.Branch {
		cmd := step.Command
		if cmd == "" {
			cmd = "<" + string(step.Type) + ">"
		}
		lines = append(lines, fmt.Sprintf("%2d %s %s  %s", step.Hop, inspect.StatusSymbol(step.Status), step.WorkspaceID, cmd))
		if step.Message != "" {
			lines = append(lines, "      "+step.Message)
		}
		for _, a := range step.Artifacts {
			lines = append(lines, "      ▸ "+a)
		}
	}
	return strings.Join(lines, "\n")
}

func timelineRows(r *inspect.Report) []table.Row {
	rows := make([]table.Row, 0, len(r.Timeline))
	for _, step := range r.Timeline {
		cmd := step.Command
		if cmd == "" {
			cmd = "<" + string(step.Type) + ">"
		}
		rows = append(rows, table.Row{
			inspect.StatusSymbol(step.Status),
			step.WorkspaceID,
			step.ParentID,
			cmd,
			step.CreatedAt.Local().Format("15:04:05.000"),
			step.Message,
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	if m.report == nil {
		if m.lastErr != nil {
			return m.theme.Error.Render("error: " + m.lastErr.Error())
		}
		return "Loading lineage..."
	}

	tabs := make([]string, 0, viewCount)
	for v := view(0); v < viewCount; v++ {
		if v == m.active {
			tabs = append(tabs, m.theme.ActiveTab.Render(viewNames[v]))
		} else {
			tabs = append(tabs, m.theme.Tab.Render(viewNames[v]))
		}
	}

	sealed := "open"
	if m.report.Sealed {
		sealed = "sealed"
	}
	header := m.theme.Title.Render(fmt.Sprintf("Lineage %s  leaf %s  %d workspaces, %d failed  [%s]",
		m.report.RootID, m.report.LeafID, m.report.Nodes, m.report.Failed, sealed))

	body := m.viewport.View()
	if m.active == viewTimeline {
		body = m.timeline.View()
	}

	footer := " [tab] View • [r] Reload • [q] Quit"
	if m.lastErr != nil {
		footer = m.theme.Error.Render(" reload failed: "+m.lastErr.Error()) + footer
	}

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			header,
			lipgloss.JoinHorizontal(lipgloss.Top, tabs...),
			m.theme.Border.Width(max(m.width-4, 20)).Render(body),
			m.theme.Dim.Render(footer),
		),
	)
}
