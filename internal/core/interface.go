package core

import (
	"context"
	"errors"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

var (
	// ErrNotDownloading is returned when pausing a download that is not running.
	ErrNotDownloading = errors.New("no running download to pause")
	// ErrNotPaused is returned when resuming a download that is not paused.
	ErrNotPaused = errors.New("no paused download to resume")
)

// UpdateService is the control surface of the update pipeline.
// This abstraction allows the CLI and TUI to switch between a local embedded
// pipeline and a remote daemon connection.
type UpdateService interface {
	// Status returns every persisted status row.
	Status(ctx context.Context) (types.Snapshot, error)

	// RecordBuild offers a discovered build. Reports whether it was recorded.
	RecordBuild(ctx context.Context, info types.BuildInfo) (bool, error)

	// StartDownload begins a fresh download of the recorded build and
	// returns the task handle.
	StartDownload(ctx context.Context) (string, error)

	// PauseDownload pauses a running download.
	PauseDownload(ctx context.Context) error

	// ResumeDownload resumes a paused download from its saved offset.
	ResumeDownload(ctx context.Context) error

	// CancelDownload stops the current download attempt.
	CancelDownload(ctx context.Context) error

	// StartUpdate applies the staged package.
	StartUpdate(ctx context.Context) error

	// PauseUpdate suspends the running application.
	PauseUpdate(ctx context.Context) error

	// ResumeUpdate continues a suspended application.
	ResumeUpdate(ctx context.Context) error

	// CancelUpdate aborts the running application.
	CancelUpdate(ctx context.Context) error

	// BootCompleted reports a boot. Reports whether a pending update was
	// consumed by it.
	BootCompleted(ctx context.Context) (bool, error)

	// Reset abandons all progress and clears every row.
	Reset(ctx context.Context) error

	// StreamEvents returns a channel that receives status change messages.
	// For local mode, this is a direct channel.
	// For remote mode, this is sourced from SSE.
	StreamEvents(ctx context.Context) (<-chan any, func(), error)

	// Shutdown handles graceful shutdown of the service
	Shutdown() error
}
