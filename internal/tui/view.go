package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/tui/components"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

func (m WatchModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	cardWidth := m.width - 4
	if cardWidth > MaxCardWidth {
		cardWidth = MaxCardWidth
	}
	if cardWidth < MinCardWidth {
		cardWidth = MinCardWidth
	}
	inner := cardWidth - 4

	header := HeaderStyle.Width(cardWidth).Render(lipgloss.JoinHorizontal(lipgloss.Left,
		"otaupdate",
		StatsStyle.Render(fmt.Sprintf("%s · %s", m.source, m.version)),
	))

	dl := m.snap.Download.Phase
	up := m.snap.Update.Code
	track := components.NewTrackModel(m.snap.Global.Code,
		dl == types.DownloadPaused || up == types.UpdatePaused,
		dl == types.DownloadFailed || up == types.UpdateFailed,
		inner).View()

	sections := []string{
		header,
		lipgloss.NewStyle().Padding(1, 1).Render(track),
		m.renderBuild(cardWidth, inner),
		m.renderDownload(cardWidth, inner),
		m.renderApply(cardWidth, inner),
	}

	if m.failure != nil && m.failure.Err != nil {
		sections = append(sections, ErrorStyle.Render(
			utils.Truncate(fmt.Sprintf("Last failure (%s, %s): %v", m.failure.Component, m.failure.Reason, m.failure.Err), cardWidth)))
	}

	var footer string
	if m.notification != "" {
		footer = NotificationStyle.Render(m.notification)
	} else {
		footer = m.help.View(m.keys)
	}
	sections = append(sections, footer)

	return AppStyle.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left, StatsLabelStyle.Render(label), StatsValueStyle.Render(value))
}

func card(title, body string, width int, active bool) string {
	style := CardStyle
	if active {
		style = ActiveCardStyle
	}
	return style.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, CardTitleStyle.Render(title), body))
}

func (m WatchModel) renderBuild(width, inner int) string {
	b := m.snap.Build
	if b.IsZero() {
		return card("Build", CardStatsStyle.Render("No build recorded. Run 'otaupdate check'."), width, false)
	}
	lines := []string{
		row("Version:", b.Version),
		row("Package:", utils.Truncate(b.DownloadURL, inner-LabelWidth)),
		row("Size:", utils.FormatBytes(b.FileSizeBytes)),
	}
	if b.ReleaseTimestampMillis > 0 {
		lines = append(lines, row("Released:", humanize.Time(time.UnixMilli(b.ReleaseTimestampMillis))))
	}
	return card("Build", lipgloss.JoinVertical(lipgloss.Left, lines...), width, m.snap.Global.Code == types.GlobalDownloadPending)
}

func (m WatchModel) renderDownload(width, inner int) string {
	d := m.snap.Download
	m.downloadBar.Width = inner - ProgressBarWidthOffset
	lines := []string{
		row("Phase:", phaseLabel(d.Phase.String(), "dl_")),
		m.downloadBar.ViewAs(float64(d.Percent) / 100),
		row("Received:", utils.FormatProgress(d.DownloadedBytes, d.TotalBytes, d.Percent)),
	}
	if len(m.SpeedHistory) > 0 {
		current := m.SpeedHistory[len(m.SpeedHistory)-1]
		lines = append(lines, row("Speed:", fmt.Sprintf("%.2f MB/s", current)))
	}
	if d.Reason != types.ReasonNone {
		lines = append(lines, row("Reason:", string(d.Reason)))
	}
	if graph := renderThroughputGraph(m.SpeedHistory, inner, GraphHeight); graph != "" && (d.Phase.Active() || len(m.SpeedHistory) > 0) {
		lines = append(lines, "", graph)
	}
	return card("Download", lipgloss.JoinVertical(lipgloss.Left, lines...), width, d.Phase.Active() || d.Phase == types.DownloadPaused)
}

func (m WatchModel) renderApply(width, inner int) string {
	u := m.snap.Update
	m.applyBar.Width = inner - ProgressBarWidthOffset
	lines := []string{
		row("Status:", phaseLabel(u.Code.String(), "up_")),
	}
	if u.Step != types.StepNone {
		lines = append(lines,
			row("Step:", strings.ReplaceAll(u.Step.String(), "_", " ")),
			m.applyBar.ViewAs(float64(u.ProgressPercent)/100),
		)
	}
	if u.Reason != types.ReasonNone {
		lines = append(lines, row("Reason:", string(u.Reason)))
	}
	if m.snap.Global.Code == types.GlobalRebootPending {
		lines = append(lines, CardStatsStyle.Render("Reboot to finish the update."))
	}
	active := u.Code == types.UpdateApplying || u.Code == types.UpdatePaused || u.Code == types.UpdateIndeterminate
	return card("Apply", lipgloss.JoinVertical(lipgloss.Left, lines...), width, active)
}

func phaseLabel(s, prefix string) string {
	return strings.ReplaceAll(strings.TrimPrefix(s, prefix), "_", " ")
}
