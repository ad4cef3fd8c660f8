// Package colors holds the dashboard palette shared by the tui package and
// its components.
package colors

import "github.com/charmbracelet/lipgloss"

var (
	Primary   = lipgloss.Color("#bd93f9") // Dracula Purple
	Secondary = lipgloss.Color("#ff79c6") // Dracula Pink
	Accent    = lipgloss.Color("#8be9fd") // Dracula Cyan
	Success   = lipgloss.Color("#50fa7b") // Dracula Green
	Error     = lipgloss.Color("#ff5555") // Dracula Red
	Warning   = lipgloss.Color("#ffb86c") // Dracula Orange
	Text      = lipgloss.Color("#f8f8f2") // Dracula Foreground
	Subtext   = lipgloss.Color("#6272a4") // Dracula Comment
	Border    = lipgloss.Color("#44475a") // Dracula Selection
	Gray      = lipgloss.Color("#44475a")
	LightGray = lipgloss.Color("#a4a4a4")
)
