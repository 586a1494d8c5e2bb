package ui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))

	statusStyle = lipgloss.NewStyle().Faint(true)

	aiStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	userStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	timeStyle = lipgloss.NewStyle().Faint(true)

	interimStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("244"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle    = lipgloss.NewStyle().Faint(true)

	feedbackStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("205")).
			Padding(0, 1)

	statusColors = map[string]lipgloss.Color{
		"connected":    lipgloss.Color("42"),
		"connecting":   lipgloss.Color("214"),
		"error":        lipgloss.Color("196"),
		"disconnected": lipgloss.Color("244"),
	}
)
