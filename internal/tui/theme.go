package tui

import "github.com/charmbracelet/lipgloss"

// Theme centralizes the browser's styling.
type Theme struct {
	Border    lipgloss.Style
	Title     lipgloss.Style
	ActiveTab lipgloss.Style
	Tab       lipgloss.Style
	Dim       lipgloss.Style
	Error     lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")
	return Theme{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		ActiveTab: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(purple).
			Padding(0, 1),
		Tab:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Padding(0, 1),
		Dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Error: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	}
}
