package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/tui/colors"
)

// Stage is one step on the pipeline track.
type Stage struct {
	Label string
	Code  types.GlobalCode
}

// Stages lists the track in pipeline order.
var Stages = []Stage{
	{Label: "build", Code: types.GlobalDownloadPending},
	{Label: "download", Code: types.GlobalDownloading},
	{Label: "staged", Code: types.GlobalUpdatePending},
	{Label: "apply", Code: types.GlobalUpdating},
	{Label: "reboot", Code: types.GlobalRebootPending},
}

// StageState is how a single stage renders.
type StageState int

const (
	StagePending StageState = iota
	StageCurrent
	StageDone
)

// TrackModel renders the global phase as a left-to-right track of stages.
type TrackModel struct {
	Current types.GlobalCode
	Paused  bool
	Failed  bool
	Width   int
}

// NewTrackModel creates a track for the given phase.
func NewTrackModel(current types.GlobalCode, paused, failed bool, width int) TrackModel {
	return TrackModel{Current: current, Paused: paused, Failed: failed, Width: width}
}

// State reports how stage i renders for the current phase.
func (m TrackModel) State(i int) StageState {
	if m.Current == types.GlobalFinished {
		return StageDone
	}
	if m.Current == types.GlobalNone {
		return StagePending
	}
	pos := -1
	for j, s := range Stages {
		if s.Code == m.Current {
			pos = j
		}
	}
	switch {
	case i < pos:
		return StageDone
	case i == pos:
		return StageCurrent
	default:
		return StagePending
	}
}

func (m TrackModel) currentColor() lipgloss.Color {
	switch {
	case m.Failed:
		return colors.Error
	case m.Paused:
		return colors.Warning
	default:
		return colors.Secondary
	}
}

// View renders the track. Connectors shrink to fit Width.
func (m TrackModel) View() string {
	connector := 6
	if m.Width > 0 {
		labels := 0
		for _, s := range Stages {
			labels += len(s.Label) + 2
		}
		if avail := (m.Width - labels) / (len(Stages) - 1); avail < connector {
			connector = avail
		}
	}
	if connector < 1 {
		connector = 1
	}

	doneStyle := lipgloss.NewStyle().Foreground(colors.Success)
	pendingStyle := lipgloss.NewStyle().Foreground(colors.Subtext)
	currentStyle := lipgloss.NewStyle().Foreground(m.currentColor()).Bold(true)

	var b strings.Builder
	for i, s := range Stages {
		if i > 0 {
			line := strings.Repeat("─", connector)
			if m.State(i) == StagePending {
				b.WriteString(pendingStyle.Render(line))
			} else {
				b.WriteString(doneStyle.Render(line))
			}
		}
		switch m.State(i) {
		case StageDone:
			b.WriteString(doneStyle.Render("● " + s.Label))
		case StageCurrent:
			b.WriteString(currentStyle.Render("◉ " + s.Label))
		default:
			b.WriteString(pendingStyle.Render("○ " + s.Label))
		}
	}
	return b.String()
}
