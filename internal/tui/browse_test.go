package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/inspect"
)

func sampleReport() *inspect.Report {
	child := &audit.Node{WorkspaceID: "w2", ParentID: "w1", Type: audit.NodeChild, Status: audit.StatusFailed,
		Entry: &audit.Entry{Command: "filter_dataset"}}
	root := &audit.Node{WorkspaceID: "w1", Type: audit.NodeRoot, Status: audit.StatusRoot, Children: []*audit.Node{child}}
	lineage := &audit.Lineage{
		RootID: "w1", LeafID: "w1",
		Branch: []*audit.Node{root},
		Tree:   root,
		ByTime: []*audit.Node{root, child},
	}
	return inspect.FromLineage(lineage, nil)
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func TestBrowserLoadsAndSwitchesViews(t *testing.T) {
	calls := 0
	m := NewBrowser(func(context.Context) (*inspect.Report, error) {
		calls++
		return sampleReport(), nil
	}, 0)

	assert.Equal(t, "Initializing...", m.View())
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	assert.Equal(t, "Loading lineage...", m.View())

	msg := m.Init()()
	assert.Equal(t, 1, calls)
	m = update(t, m, msg)

	out := m.View()
	assert.Contains(t, out, "Lineage w1")
	assert.Contains(t, out, "2 workspaces, 1 failed")
	assert.Contains(t, out, "<root>")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, viewTree, m.active)
	assert.Contains(t, m.View(), "w2 filter_dataset")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, viewTimeline, m.active)
	assert.Len(t, m.timeline.Rows(), 2)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, viewTree, m.active)
}

func TestBrowserKeepsLastReportOnError(t *testing.T) {
	m := NewBrowser(func(context.Context) (*inspect.Report, error) { return nil, errors.New("gone") }, time.Second)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m = update(t, m, reportMsg{sampleReport()})

	next, cmd := m.Update(m.fetch()())
	m = next.(Model)
	assert.NotNil(t, cmd, "reload is rescheduled after a failure")
	assert.Contains(t, m.View(), "reload failed: gone")
	assert.Contains(t, m.View(), "Lineage w1")
}

func TestBrowserQuit(t *testing.T) {
	m := NewBrowser(func(context.Context) (*inspect.Report, error) { return sampleReport(), nil }, 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
