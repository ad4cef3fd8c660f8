package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/otaupdate/internal/tui/colors"
)

var (
	// Colors
	ColorPrimary   = colors.Primary
	ColorSecondary = colors.Secondary
	ColorAccent    = colors.Accent
	ColorSuccess   = colors.Success
	ColorError     = colors.Error
	ColorWarning   = colors.Warning
	ColorText      = colors.Text
	ColorSubtext   = colors.Subtext
	ColorBorder    = colors.Border
	ColorGray      = colors.Gray
	ColorLightGray = colors.LightGray

	// Styles
	AppStyle = lipgloss.NewStyle().
			Padding(DefaultPaddingY, 2).
			Foreground(ColorText)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorText).
			Bold(true).
			Padding(DefaultPaddingY, DefaultPaddingX).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(ColorPrimary).
			BorderBottom(true)

	// Stats Style in Header
	StatsStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Padding(DefaultPaddingY, DefaultPaddingX)

	// Base Card Style
	CardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(DefaultPaddingY, DefaultPaddingX)

	// Active stage card (highlighted border)
	ActiveCardStyle = CardStyle.
			BorderForeground(ColorSecondary)

	// Text inside the card
	CardTitleStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	CardStatsStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Italic(true)

	StatsLabelStyle = lipgloss.NewStyle().
			Foreground(ColorLightGray).
			Width(LabelWidth)

	StatsValueStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)

	NotificationStyle = lipgloss.NewStyle().
				Foreground(ColorAccent).
				Bold(true)
)
