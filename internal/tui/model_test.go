package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/tui/components"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) StartDownload(context.Context) (string, error) {
	return "task-1", f.record("StartDownload")
}
func (f *fakeController) PauseDownload(context.Context) error  { return f.record("PauseDownload") }
func (f *fakeController) ResumeDownload(context.Context) error { return f.record("ResumeDownload") }
func (f *fakeController) CancelDownload(context.Context) error { return f.record("CancelDownload") }
func (f *fakeController) StartUpdate(context.Context) error    { return f.record("StartUpdate") }
func (f *fakeController) PauseUpdate(context.Context) error    { return f.record("PauseUpdate") }
func (f *fakeController) ResumeUpdate(context.Context) error   { return f.record("ResumeUpdate") }
func (f *fakeController) CancelUpdate(context.Context) error   { return f.record("CancelUpdate") }

func keyMsg(s string) tea.KeyMsg {
	if s == "ctrl+c" {
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func step(t *testing.T, m WatchModel, msg tea.Msg) (WatchModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	wm, ok := next.(WatchModel)
	require.True(t, ok)
	return wm, cmd
}

func newTestModel(ctrl Controller, snap types.Snapshot) WatchModel {
	m := NewWatchModel(ctrl, "127.0.0.1:1700", "dev", snap)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(WatchModel)
}

func downloading(percent int) types.Snapshot {
	return types.Snapshot{
		Global: types.GlobalStatus{Code: types.GlobalDownloading},
		Build:  types.BuildInfo{Version: "2.0.0", DownloadURL: "https://u.example.com/ota.zip", FileSizeBytes: 1000},
		Download: types.DownloadStatus{
			Phase:           types.DownloadDownloading,
			DownloadedBytes: int64(percent * 10),
			TotalBytes:      1000,
			Percent:         percent,
		},
	}
}

func TestWatchModel_FoldsStatusEvents(t *testing.T) {
	m := newTestModel(&fakeController{}, types.Snapshot{})

	m, _ = step(t, m, events.BuildChangedMsg{Build: types.BuildInfo{Version: "3.1"}})
	m, _ = step(t, m, events.GlobalChangedMsg{Status: types.GlobalStatus{Code: types.GlobalUpdating}})
	m, _ = step(t, m, events.UpdateChangedMsg{Status: types.UpdateStatus{Code: types.UpdateApplying, Step: types.StepApplyingUpdate, ProgressPercent: 42}})

	snap := m.Snapshot()
	assert.Equal(t, "3.1", snap.Build.Version)
	assert.Equal(t, types.GlobalUpdating, snap.Global.Code)
	assert.Equal(t, 42, snap.Update.ProgressPercent)

	view := m.View()
	assert.Contains(t, view, "3.1")
	assert.Contains(t, view, "applying update")
}

func TestWatchModel_LoadingBeforeSize(t *testing.T) {
	m := NewWatchModel(&fakeController{}, "in-process", "dev", types.Snapshot{})
	assert.Equal(t, "Loading...", m.View())
}

func TestWatchModel_ViewShowsStages(t *testing.T) {
	m := newTestModel(&fakeController{}, downloading(50))
	view := m.View()

	assert.Contains(t, view, "127.0.0.1:1700")
	assert.Contains(t, view, "2.0.0")
	assert.Contains(t, view, "500 B / 1.0 kB (50%)")
	for _, s := range components.Stages {
		assert.Contains(t, view, s.Label)
	}

	empty := newTestModel(&fakeController{}, types.Snapshot{})
	assert.Contains(t, empty.View(), "No build recorded")
}

func TestWatchModel_SpeedSampling(t *testing.T) {
	m := newTestModel(&fakeController{}, downloading(0))
	start := time.Unix(1700000000, 0)

	m, cmd := step(t, m, tickMsg(start))
	assert.NotNil(t, cmd, "tick must reschedule")
	assert.Empty(t, m.SpeedHistory, "first tick only sets the baseline")

	m, _ = step(t, m, events.DownloadChangedMsg{Status: types.DownloadStatus{
		Phase: types.DownloadDownloading, DownloadedBytes: 2 * 1024 * 1024, TotalBytes: 4 * 1024 * 1024, Percent: 50,
	}})
	m, _ = step(t, m, tickMsg(start.Add(time.Second)))
	require.Len(t, m.SpeedHistory, 1)
	assert.InDelta(t, 2.0, m.SpeedHistory[0], 0.001)

	// No progress gives a zero sample.
	m, _ = step(t, m, tickMsg(start.Add(2*time.Second)))
	require.Len(t, m.SpeedHistory, 2)
	assert.Zero(t, m.SpeedHistory[1])

	// A restarted download never yields a negative rate.
	m, _ = step(t, m, events.DownloadChangedMsg{Status: types.DownloadStatus{Phase: types.DownloadIndeterminate}})
	m, _ = step(t, m, tickMsg(start.Add(3*time.Second)))
	assert.Zero(t, m.SpeedHistory[2])

	assert.Contains(t, m.View(), "MB/s")
}

func TestWatchModel_SpeedHistoryIsBounded(t *testing.T) {
	m := newTestModel(&fakeController{}, downloading(0))
	start := time.Unix(1700000000, 0)
	for i := 0; i <= SpeedHistoryLen+10; i++ {
		m, _ = step(t, m, tickMsg(start.Add(time.Duration(i)*time.Second)))
	}
	assert.Len(t, m.SpeedHistory, SpeedHistoryLen)
}

func TestWatchModel_KeysDriveController(t *testing.T) {
	tests := []struct {
		name string
		snap types.Snapshot
		key  string
		want string
	}{
		{name: "start download", snap: types.Snapshot{Global: types.GlobalStatus{Code: types.GlobalDownloadPending}}, key: "d", want: "StartDownload"},
		{name: "pause running download", snap: downloading(10), key: "p", want: "PauseDownload"},
		{name: "resume paused download", snap: types.Snapshot{Download: types.DownloadStatus{Phase: types.DownloadPaused}}, key: "p", want: "ResumeDownload"},
		{name: "cancel download", snap: downloading(10), key: "x", want: "CancelDownload"},
		{name: "start apply", snap: types.Snapshot{Global: types.GlobalStatus{Code: types.GlobalUpdatePending}}, key: "a", want: "StartUpdate"},
		{name: "suspend apply", snap: types.Snapshot{Update: types.UpdateStatus{Code: types.UpdateApplying}}, key: "s", want: "PauseUpdate"},
		{name: "resume apply", snap: types.Snapshot{Update: types.UpdateStatus{Code: types.UpdatePaused}}, key: "s", want: "ResumeUpdate"},
		{name: "cancel apply", snap: types.Snapshot{Update: types.UpdateStatus{Code: types.UpdateApplying}}, key: "x", want: "CancelUpdate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			m := newTestModel(ctrl, tt.snap)

			m, cmd := step(t, m, keyMsg(tt.key))
			require.NotNil(t, cmd)

			result := cmd()
			assert.Equal(t, []string{tt.want}, ctrl.Calls())

			m, _ = step(t, m, result)
			assert.NotEmpty(t, m.notification)
			assert.NotContains(t, m.notification, "Error")
		})
	}
}

func TestWatchModel_KeyWithoutTarget(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(ctrl, types.Snapshot{})

	for _, k := range []string{"p", "s", "x"} {
		var cmd tea.Cmd
		m, cmd = step(t, m, keyMsg(k))
		assert.Nil(t, cmd, k)
	}
	assert.Empty(t, ctrl.Calls())
	assert.Equal(t, "Nothing to cancel", m.notification)
}

func TestWatchModel_ActionErrorIsShown(t *testing.T) {
	ctrl := &fakeController{err: errors.New("wrong phase: none")}
	m := newTestModel(ctrl, types.Snapshot{})

	m, cmd := step(t, m, keyMsg("a"))
	require.NotNil(t, cmd)

	// Keys are ignored while an action is in flight.
	_, again := step(t, m, keyMsg("d"))
	assert.Nil(t, again)

	m, _ = step(t, m, cmd())
	assert.Equal(t, "Error: wrong phase: none", m.notification)
	assert.Contains(t, m.View(), "wrong phase")
}

func TestWatchModel_NotificationExpires(t *testing.T) {
	m := newTestModel(&fakeController{}, types.Snapshot{})
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	m, _ = step(t, m, keyMsg("x"))
	require.NotEmpty(t, m.notification)

	now = now.Add(NotificationPeriod + time.Second)
	m, _ = step(t, m, tickMsg(now))
	assert.Empty(t, m.notification)
	assert.Contains(t, m.View(), "quit")
}

func TestWatchModel_FailureShown(t *testing.T) {
	m := newTestModel(&fakeController{}, downloading(30))

	m, _ = step(t, m, events.FailureMsg{Component: "download", Reason: types.ReasonIntegrity, Err: errors.New("digest mismatch")})
	view := m.View()
	assert.Contains(t, view, "digest mismatch")
	assert.True(t, strings.Contains(view, "integrity"))

	m, _ = step(t, m, events.BuildChangedMsg{Build: types.BuildInfo{Version: "2.0.1"}})
	assert.NotContains(t, m.View(), "digest mismatch")
}

func TestWatchModel_QuitAndHelp(t *testing.T) {
	m := newTestModel(&fakeController{}, types.Snapshot{})

	m, _ = step(t, m, keyMsg("?"))
	assert.True(t, m.help.ShowAll)

	_, cmd := step(t, m, keyMsg("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	_, cmd = step(t, m, keyMsg("ctrl+c"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
