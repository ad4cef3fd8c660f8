package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

// Update handles messages and updates the model
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tickMsg:
		m.sample(time.Time(msg))
		if !m.notifyUntil.IsZero() && m.now().After(m.notifyUntil) {
			m.notification = ""
			m.notifyUntil = time.Time{}
		}
		return m, tick()

	case events.DownloadChangedMsg:
		if msg.Status.DownloadedBytes < m.snap.Download.DownloadedBytes {
			// A fresh attempt restarted from zero.
			m.lastBytes = msg.Status.DownloadedBytes
		}
		m.snap = events.Fold(m.snap, msg)
		return m, nil

	case events.BuildChangedMsg:
		m.failure = nil
		m.snap = events.Fold(m.snap, msg)
		return m, nil

	case events.GlobalChangedMsg, events.UpdateChangedMsg:
		m.snap = events.Fold(m.snap, msg)
		return m, nil

	case events.FailureMsg:
		m.failure = &msg
		m.notify(fmt.Sprintf("%s failed: %s", msg.Component, msg.Reason))
		return m, nil

	case actionResultMsg:
		m.busy = false
		if msg.err != nil {
			m.notify(fmt.Sprintf("Error: %v", msg.err))
		} else {
			m.notify(msg.label)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *WatchModel) notify(text string) {
	m.notification = text
	m.notifyUntil = m.now().Add(NotificationPeriod)
}

// sample appends the throughput since the previous tick.
func (m *WatchModel) sample(now time.Time) {
	bytes := m.snap.Download.DownloadedBytes
	if m.lastSample.IsZero() {
		m.lastSample = now
		m.lastBytes = bytes
		return
	}
	elapsed := now.Sub(m.lastSample).Seconds()
	if elapsed <= 0 {
		return
	}
	delta := bytes - m.lastBytes
	if delta < 0 {
		delta = 0
	}
	m.SpeedHistory = append(m.SpeedHistory, float64(delta)/elapsed/Megabyte)
	if len(m.SpeedHistory) > SpeedHistoryLen {
		m.SpeedHistory = m.SpeedHistory[len(m.SpeedHistory)-SpeedHistoryLen:]
	}
	m.lastSample = now
	m.lastBytes = bytes
}

func (m WatchModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}

	if m.busy {
		return m, nil
	}

	dl := m.snap.Download.Phase
	up := m.snap.Update.Code

	switch {
	case key.Matches(msg, m.keys.Download):
		return m.run("Download started", func(ctx context.Context) error {
			_, err := m.ctrl.StartDownload(ctx)
			return err
		})

	case key.Matches(msg, m.keys.Pause):
		switch {
		case dl.Active():
			return m.run("Download paused", m.ctrl.PauseDownload)
		case dl == types.DownloadPaused:
			return m.run("Download resumed", m.ctrl.ResumeDownload)
		}
		m.notify("No download to pause or resume")
		return m, nil

	case key.Matches(msg, m.keys.Apply):
		return m.run("Apply started", m.ctrl.StartUpdate)

	case key.Matches(msg, m.keys.Suspend):
		switch up {
		case types.UpdateApplying, types.UpdateIndeterminate:
			return m.run("Apply suspended", m.ctrl.PauseUpdate)
		case types.UpdatePaused:
			return m.run("Apply resumed", m.ctrl.ResumeUpdate)
		}
		m.notify("No apply to suspend or resume")
		return m, nil

	case key.Matches(msg, m.keys.Cancel):
		switch {
		case dl.Active() || dl == types.DownloadPaused:
			return m.run("Download cancelled", m.ctrl.CancelDownload)
		case up == types.UpdateApplying || up == types.UpdatePaused || up == types.UpdateIndeterminate:
			return m.run("Apply cancelled", m.ctrl.CancelUpdate)
		}
		m.notify("Nothing to cancel")
		return m, nil
	}
	return m, nil
}

// run calls fn off the UI goroutine and reports its result.
func (m WatchModel) run(label string, fn func(ctx context.Context) error) (tea.Model, tea.Cmd) {
	m.busy = true
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), ActionTimeout)
		defer cancel()
		return actionResultMsg{label: label, err: fn(ctx)}
	}
}
