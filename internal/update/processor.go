package update

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-version"
	"golang.org/x/sync/singleflight"

	"github.com/surge-downloader/otaupdate/internal/download"
	"github.com/surge-downloader/otaupdate/internal/engine/staging"
	"github.com/surge-downloader/otaupdate/internal/engine/state"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// ErrWrongPhase is returned when an operation does not apply to the current
// GlobalStatus.
var ErrWrongPhase = errors.New("operation not allowed in the current phase")

// Downloads is the download side of the pipeline.
type Downloads interface {
	Start(ctx context.Context) (download.TaskID, error)
	PauseOrResume(ctx context.Context) (types.DownloadPhase, error)
	Cancel(ctx context.Context) error
}

// Applier is the apply side of the pipeline.
type Applier interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context, paused bool) error
	Cancel(ctx context.Context) error
	Discard(ctx context.Context) error
}

var (
	downloadPhases = []types.GlobalCode{types.GlobalDownloadPending, types.GlobalDownloading}
	applyPhases    = []types.GlobalCode{types.GlobalUpdatePending, types.GlobalUpdating}
)

// Processor owns GlobalStatus transitions that are not driven by the
// download or apply workers, and gates user operations on the phase.
// Every read goes to the store.
type Processor struct {
	store     *state.Store
	downloads Downloads
	applier   Applier
	staging   *staging.Staging
	boot      singleflight.Group
}

func NewProcessor(store *state.Store, downloads Downloads, applier Applier, stage *staging.Staging) *Processor {
	return &Processor{
		store:     store,
		downloads: downloads,
		applier:   applier,
		staging:   stage,
	}
}

// Current returns the persisted GlobalStatus.
func (p *Processor) Current(ctx context.Context) (types.GlobalStatus, error) {
	return p.store.Global(ctx)
}

// Snapshot returns every persisted row.
func (p *Processor) Snapshot(ctx context.Context) (types.Snapshot, error) {
	return p.store.Snapshot(ctx)
}

// OnNewBuild records info when it is newer than the recorded build. A newer
// build supersedes any download or staged package of the old one. Nothing
// changes while an update is being applied or awaits reboot. Reports
// whether info was recorded.
func (p *Processor) OnNewBuild(ctx context.Context, info types.BuildInfo) (bool, error) {
	if info.DownloadURL == "" {
		return false, errors.New("build has no download url")
	}
	g, err := p.store.Global(ctx)
	if err != nil {
		return false, err
	}
	if g.Code == types.GlobalUpdating || g.Code == types.GlobalRebootPending {
		utils.Debug("Processor: ignoring build %s during %s", info.Version, g.Code)
		return false, nil
	}
	cur, err := p.store.Build(ctx)
	if err != nil {
		return false, err
	}
	if !cur.IsZero() && !Newer(info, cur) {
		utils.Debug("Processor: build %s is not newer than %s", info.Version, cur.Version)
		return false, nil
	}

	switch g.Code {
	case types.GlobalDownloadPending, types.GlobalDownloading:
		if err := p.downloads.Cancel(ctx); err != nil {
			return false, fmt.Errorf("cancel superseded download: %w", err)
		}
	case types.GlobalUpdatePending:
		if err := p.staging.WipeStaging(); err != nil {
			return false, fmt.Errorf("wipe superseded package: %w", err)
		}
	}

	if err := p.store.SaveBuild(ctx, info); err != nil {
		return false, err
	}
	if g.Code != types.GlobalNone && g.Code != types.GlobalFinished {
		if err := p.store.ClearDownload(ctx); err != nil {
			return false, err
		}
		if err := p.store.SaveUpdate(ctx, types.UpdateStatus{Code: types.UpdateNone}); err != nil {
			return false, err
		}
	}
	if _, err := p.store.TransitionGlobal(ctx, types.GlobalDownloadPending, []types.GlobalCode{
		types.GlobalNone, types.GlobalFinished, types.GlobalDownloadPending,
		types.GlobalDownloading, types.GlobalUpdatePending,
	}, func(g *types.GlobalStatus) { g.LocalUpgradeFileName = "" }); err != nil {
		return false, err
	}
	utils.Debug("Processor: recorded build %s", info.Version)
	return true, nil
}

// Newer reports whether a is a later build than b. Versions are compared
// semantically when both parse; otherwise, or on a tie, the release
// timestamp decides.
func Newer(a, b types.BuildInfo) bool {
	va, errA := version.NewVersion(a.Version)
	vb, errB := version.NewVersion(b.Version)
	if errA == nil && errB == nil {
		if c := va.Compare(vb); c != 0 {
			return c > 0
		}
	}
	return a.ReleaseTimestampMillis > b.ReleaseTimestampMillis
}

// OnBootCompleted consumes an update that was waiting for reboot: the
// pipeline goes back to None and staging is wiped. Concurrent and repeated
// calls clean up once. Reports whether this call's cleanup ran.
func (p *Processor) OnBootCompleted(ctx context.Context) (bool, error) {
	v, err, _ := p.boot.Do("boot-completed", func() (any, error) {
		reset, err := p.store.ResetPipeline(ctx, types.GlobalRebootPending)
		if err != nil || !reset {
			return false, err
		}
		if err := p.staging.WipeStaging(); err != nil {
			utils.Debug("Processor: wipe staging after boot: %v", err)
		}
		utils.Debug("Processor: update consumed at boot")
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Reset abandons any progress: the download task and apply attempt are
// cancelled, staging is wiped and every row is cleared. All steps run even
// when one fails.
func (p *Processor) Reset(ctx context.Context) error {
	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return err
	}

	var result *multierror.Error
	if err := p.downloads.Cancel(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("cancel download: %w", err))
	}
	switch {
	case updateActive(snap.Update.Code):
		if err := p.applier.Cancel(ctx); err != nil && !errors.Is(err, ErrNotApplying) {
			result = multierror.Append(result, fmt.Errorf("cancel apply: %w", err))
		}
	case snap.Global.Code == types.GlobalRebootPending:
		if err := p.applier.Discard(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("discard applied update: %w", err))
		}
	}
	if err := p.staging.WipeStaging(); err != nil {
		result = multierror.Append(result, fmt.Errorf("wipe staging: %w", err))
	}
	if _, err := p.store.ResetPipeline(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("reset status: %w", err))
	}
	utils.Debug("Processor: pipeline reset")
	return result.ErrorOrNil()
}

func (p *Processor) require(ctx context.Context, allowed []types.GlobalCode) error {
	g, err := p.store.Global(ctx)
	if err != nil {
		return err
	}
	for _, c := range allowed {
		if g.Code == c {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrWrongPhase, g.Code)
}

func (p *Processor) StartDownload(ctx context.Context) (download.TaskID, error) {
	if err := p.require(ctx, downloadPhases); err != nil {
		return "", err
	}
	return p.downloads.Start(ctx)
}

func (p *Processor) PauseOrResumeDownload(ctx context.Context) (types.DownloadPhase, error) {
	if err := p.require(ctx, downloadPhases); err != nil {
		return types.DownloadNotStarted, err
	}
	return p.downloads.PauseOrResume(ctx)
}

func (p *Processor) CancelDownload(ctx context.Context) error {
	if err := p.require(ctx, downloadPhases); err != nil {
		return err
	}
	return p.downloads.Cancel(ctx)
}

func (p *Processor) StartUpdate(ctx context.Context) error {
	if err := p.require(ctx, []types.GlobalCode{types.GlobalUpdatePending}); err != nil {
		return err
	}
	return p.applier.Start(ctx)
}

func (p *Processor) PauseUpdate(ctx context.Context, paused bool) error {
	if err := p.require(ctx, applyPhases); err != nil {
		return err
	}
	return p.applier.Pause(ctx, paused)
}

func (p *Processor) CancelUpdate(ctx context.Context) error {
	if err := p.require(ctx, applyPhases); err != nil {
		return err
	}
	return p.applier.Cancel(ctx)
}
