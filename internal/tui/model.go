package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

// Controller is the part of the update service the dashboard drives.
type Controller interface {
	StartDownload(ctx context.Context) (string, error)
	PauseDownload(ctx context.Context) error
	ResumeDownload(ctx context.Context) error
	CancelDownload(ctx context.Context) error
	StartUpdate(ctx context.Context) error
	PauseUpdate(ctx context.Context) error
	ResumeUpdate(ctx context.Context) error
	CancelUpdate(ctx context.Context) error
}

// WatchModel follows the pipeline status. Status messages from the event
// stream are delivered with tea.Program.Send.
type WatchModel struct {
	ctrl    Controller
	source  string
	version string

	snap    types.Snapshot
	failure *events.FailureMsg

	width  int
	height int

	downloadBar progress.Model
	applyBar    progress.Model
	help        help.Model
	keys        keyMap

	// Throughput samples in MB/s, one per tick
	SpeedHistory []float64
	lastBytes    int64
	lastSample   time.Time

	notification string
	notifyUntil  time.Time
	busy         bool

	now func() time.Time
}

type tickMsg time.Time

// actionResultMsg reports the outcome of a key-triggered command.
type actionResultMsg struct {
	label string
	err   error
}

// NewWatchModel creates the dashboard starting from snap.
func NewWatchModel(ctrl Controller, source, version string, snap types.Snapshot) WatchModel {
	return WatchModel{
		ctrl:        ctrl,
		source:      source,
		version:     version,
		snap:        snap,
		downloadBar: progress.New(progress.WithDefaultGradient()),
		applyBar:    progress.New(progress.WithGradient(string(ColorPrimary), string(ColorSuccess))),
		help:        help.New(),
		keys:        newKeyMap(),
		lastBytes:   snap.Download.DownloadedBytes,
		now:         time.Now,
	}
}

// Snapshot returns the status the dashboard is currently showing.
func (m WatchModel) Snapshot() types.Snapshot { return m.snap }

func (m WatchModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(TickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}
