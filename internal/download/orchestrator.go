package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/single"
	"github.com/surge-downloader/otaupdate/internal/engine/staging"
	"github.com/surge-downloader/otaupdate/internal/engine/state"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/engine/verify"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// TaskName identifies the download task in the runner.
const TaskName = "ota-download"

const (
	paramURL          = "url"
	paramFileName     = "file_name"
	paramExpectedHash = "expected_hash"
	paramExpectedSize = "expected_size"
)

var (
	ErrNoBuild       = errors.New("no build recorded")
	ErrPipelineBusy  = errors.New("update pipeline is past the download phase")
	ErrNothingPaused = errors.New("no paused download to resume")
)

// DownloadParams is the input of one download task.
type DownloadParams struct {
	URL          string
	FileName     string
	ExpectedHash string
	ExpectedSize int64 // 0 when unknown
}

// ParamsFromBuild derives task input from the recorded build.
func ParamsFromBuild(b types.BuildInfo) DownloadParams {
	name := b.FileName
	if name == "" {
		name, _ = utils.FileNameFromURL(b.DownloadURL)
	}
	name = utils.SanitizeFileName(name)
	if name == "" {
		name = "update.zip"
	}
	return DownloadParams{
		URL:          b.DownloadURL,
		FileName:     name,
		ExpectedHash: b.ContentHash,
		ExpectedSize: b.FileSizeBytes,
	}
}

func (p DownloadParams) taskParams() TaskParams {
	return TaskParams{
		paramURL:          p.URL,
		paramFileName:     p.FileName,
		paramExpectedHash: p.ExpectedHash,
		paramExpectedSize: strconv.FormatInt(p.ExpectedSize, 10),
	}
}

func parseParams(tp TaskParams) (DownloadParams, error) {
	p := DownloadParams{
		URL:          tp[paramURL],
		FileName:     utils.SanitizeFileName(tp[paramFileName]),
		ExpectedHash: tp[paramExpectedHash],
	}
	if p.URL == "" || p.FileName == "" {
		return p, fmt.Errorf("download task missing url or file name")
	}
	if v := tp[paramExpectedSize]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid expected size %q", v)
		}
		p.ExpectedSize = n
	}
	return p, nil
}

// Downloader fetches a URL into a file, resuming at an offset.
type Downloader interface {
	Download(ctx context.Context, destPath, rawurl string, resumeFrom int64, onProgress single.ProgressFunc) error
}

// Metrics receives download accounting.
type Metrics interface {
	AddDownloadedBytes(n int64)
	DownloadOutcome(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) AddDownloadedBytes(int64) {}
func (noopMetrics) DownloadOutcome(string)   {}

// Orchestrator owns the download row. Its Work method is the body of the
// durable task; Start, PauseOrResume and Cancel drive the task from the
// foreground and only ever act on the persisted handle.
type Orchestrator struct {
	store    *state.Store
	runner   TaskRunner
	staging  *staging.Staging
	dl       Downloader
	runtime  *types.RuntimeConfig
	cacheDir string
	metrics  Metrics

	mu sync.Mutex
}

func NewOrchestrator(store *state.Store, runner TaskRunner, stage *staging.Staging, dl Downloader, runtime *types.RuntimeConfig, cacheDir string) *Orchestrator {
	return &Orchestrator{
		store:    store,
		runner:   runner,
		staging:  stage,
		dl:       dl,
		runtime:  runtime,
		cacheDir: cacheDir,
		metrics:  noopMetrics{},
	}
}

// SetMetrics installs a metrics sink.
func (o *Orchestrator) SetMetrics(m Metrics) {
	if m != nil {
		o.metrics = m
	}
}

func (o *Orchestrator) cachePath(fileName string) string {
	return filepath.Join(o.cacheDir, fileName+types.IncompleteSuffix)
}

// Start begins a fresh download of the recorded build, superseding any
// previous attempt.
func (o *Orchestrator) Start(ctx context.Context) (TaskID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	build, err := o.store.Build(ctx)
	if err != nil {
		return "", err
	}
	if build.IsZero() {
		return "", ErrNoBuild
	}

	ok, err := o.store.TransitionGlobal(ctx, types.GlobalDownloadPending,
		[]types.GlobalCode{types.GlobalNone, types.GlobalDownloadPending, types.GlobalDownloading},
		func(g *types.GlobalStatus) { g.LocalUpgradeFileName = "" })
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrPipelineBusy
	}

	cur, err := o.store.Download(ctx)
	if err != nil {
		return "", err
	}
	if cur.TaskID != "" {
		if err := o.runner.Cancel(ctx, TaskID(cur.TaskID)); err != nil {
			utils.Debug("Download: cancel previous task %s: %v", cur.TaskID, err)
		}
	}

	params := ParamsFromBuild(build)
	if err := o.staging.WipeStaging(); err != nil {
		o.fail(ctx, cur.TaskID, types.ReasonStaging, fmt.Errorf("wipe staging: %w", err), false)
		return "", fmt.Errorf("wipe staging: %w", err)
	}
	if err := os.Remove(o.cachePath(params.FileName)); err != nil && !os.IsNotExist(err) {
		o.fail(ctx, cur.TaskID, types.ReasonIO, fmt.Errorf("remove cache file: %w", err), false)
		return "", fmt.Errorf("remove cache file: %w", err)
	}
	if err := o.store.SaveDownload(ctx, types.DownloadStatus{
		Phase:      types.DownloadIndeterminate,
		TotalBytes: params.ExpectedSize,
	}); err != nil {
		return "", err
	}

	return o.enqueue(ctx, params)
}

// enqueue submits the task and records its handle on the active row.
func (o *Orchestrator) enqueue(ctx context.Context, params DownloadParams) (TaskID, error) {
	id, err := o.runner.Enqueue(ctx, TaskName, params.taskParams())
	if err != nil {
		return "", fmt.Errorf("enqueue download: %w", err)
	}
	if _, err := o.store.UpdateDownload(ctx, "", func(d *types.DownloadStatus) bool {
		if !d.Phase.Active() || (d.TaskID != "" && d.TaskID != string(id)) {
			return false
		}
		d.TaskID = string(id)
		return true
	}); err != nil {
		return id, err
	}
	utils.Debug("Download: task %s enqueued for %s", id, params.URL)
	return id, nil
}

// PauseOrResume pauses a running download, or resumes a paused one keeping
// the bytes already fetched. It returns the resulting phase.
func (o *Orchestrator) PauseOrResume(ctx context.Context) (types.DownloadPhase, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, err := o.store.Download(ctx)
	if err != nil {
		return types.DownloadNotStarted, err
	}

	if cur.TaskID != "" {
		if err := o.runner.Cancel(ctx, TaskID(cur.TaskID)); err != nil {
			return cur.Phase, fmt.Errorf("cancel task: %w", err)
		}
		applied, err := o.store.UpdateDownload(ctx, cur.TaskID, func(d *types.DownloadStatus) bool {
			if !d.Phase.Active() {
				return false
			}
			d.Phase = types.DownloadPaused
			d.TaskID = ""
			return true
		})
		if err != nil {
			return cur.Phase, err
		}
		if !applied {
			// The task finished before it could be paused.
			latest, err := o.store.Download(ctx)
			return latest.Phase, err
		}
		utils.Debug("Download: paused at %d bytes", cur.DownloadedBytes)
		return types.DownloadPaused, nil
	}

	if cur.Phase != types.DownloadPaused && !cur.Phase.Active() {
		return cur.Phase, ErrNothingPaused
	}
	build, err := o.store.Build(ctx)
	if err != nil {
		return cur.Phase, err
	}
	if build.IsZero() {
		return cur.Phase, ErrNoBuild
	}
	if _, err := o.store.UpdateDownload(ctx, "", func(d *types.DownloadStatus) bool {
		if d.TaskID != "" {
			return false
		}
		d.Phase = types.DownloadIndeterminate
		d.Reason = types.ReasonNone
		return true
	}); err != nil {
		return cur.Phase, err
	}
	if _, err := o.enqueue(ctx, ParamsFromBuild(build)); err != nil {
		return cur.Phase, err
	}
	utils.Debug("Download: resuming from %d bytes", cur.DownloadedBytes)
	return types.DownloadIndeterminate, nil
}

// Cancel stops the current attempt. GlobalStatus goes back to
// DownloadPending if bytes had started flowing.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, err := o.store.Download(ctx)
	if err != nil {
		return err
	}
	if cur.TaskID != "" {
		if err := o.runner.Cancel(ctx, TaskID(cur.TaskID)); err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
	}
	applied, err := o.store.UpdateDownload(ctx, "", func(d *types.DownloadStatus) bool {
		if d.Phase == types.DownloadFinished || d.Phase == types.DownloadNotStarted {
			return false
		}
		d.Phase = types.DownloadCancelled
		d.TaskID = ""
		return true
	})
	if err != nil || !applied {
		return err
	}
	if _, err := o.store.TransitionGlobal(ctx, types.GlobalDownloadPending,
		[]types.GlobalCode{types.GlobalDownloading}, nil); err != nil {
		return err
	}
	if build, err := o.store.Build(ctx); err == nil && !build.IsZero() {
		_ = os.Remove(o.cachePath(ParamsFromBuild(build).FileName))
	}
	o.metrics.DownloadOutcome("cancelled")
	utils.Debug("Download: cancelled")
	return nil
}

// Reconcile re-derives in-flight work after a restart. An active row whose
// task is gone is re-enqueued, resuming from the persisted byte count.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, err := o.store.Download(ctx)
	if err != nil {
		return err
	}
	if !cur.Phase.Active() {
		return nil
	}
	if cur.TaskID != "" {
		ch, stop := o.runner.Observe(TaskID(cur.TaskID))
		st, ok := <-ch
		stop()
		if ok && !st.Terminal() {
			return nil
		}
		utils.Debug("Download: task %s is gone, re-enqueueing", cur.TaskID)
		if _, err := o.store.UpdateDownload(ctx, cur.TaskID, func(d *types.DownloadStatus) bool {
			d.TaskID = ""
			return true
		}); err != nil {
			return err
		}
	}
	build, err := o.store.Build(ctx)
	if err != nil {
		return err
	}
	if build.IsZero() {
		return o.store.ClearDownload(ctx)
	}
	_, err = o.enqueue(ctx, ParamsFromBuild(build))
	return err
}

// progressSink throttles progress writes for one run.
type progressSink struct {
	o        *Orchestrator
	ctx      context.Context
	taskID   string
	interval time.Duration
	resume   int64

	started     bool
	written     int64
	total       int64
	counted     int64
	lastFlush   time.Time
	lastPercent int
}

func (s *progressSink) observe(written, total int64) {
	if !s.started {
		s.started = true
		s.counted = s.resume
		if written < s.resume {
			// The server ignored the range and the file restarted at zero.
			s.o.resetBytes(s.ctx, s.taskID)
			s.counted = 0
		}
		s.o.enterDownloading(s.ctx)
	}
	if written > s.counted {
		s.o.metrics.AddDownloadedBytes(written - s.counted)
		s.counted = written
	}
	s.written = written
	if total > 0 {
		s.total = total
	}
	pct := types.Percent(s.written, s.total)
	if time.Since(s.lastFlush) < s.interval && pct == s.lastPercent {
		return
	}
	s.flush(s.ctx)
}

func (s *progressSink) flush(ctx context.Context) {
	if !s.started {
		return
	}
	if _, err := s.o.store.AdvanceDownload(ctx, s.taskID, s.written, s.total); err != nil {
		utils.Debug("Download: persist progress: %v", err)
	}
	s.lastFlush = time.Now()
	s.lastPercent = types.Percent(s.written, s.total)
}

func (o *Orchestrator) enterDownloading(ctx context.Context) {
	if _, err := o.store.TransitionGlobal(ctx, types.GlobalDownloading,
		[]types.GlobalCode{types.GlobalDownloadPending}, nil); err != nil {
		utils.Debug("Download: global transition: %v", err)
	}
}

func (o *Orchestrator) resetBytes(ctx context.Context, taskID string) {
	if _, err := o.store.UpdateDownload(ctx, taskID, func(d *types.DownloadStatus) bool {
		d.DownloadedBytes = 0
		return true
	}); err != nil {
		utils.Debug("Download: reset progress: %v", err)
	}
}

// Work is the durable task body. It is safe to run again after any
// interruption: the resume point is re-derived from disk and the store.
func (o *Orchestrator) Work(ctx context.Context, task Task) Result {
	params, err := parseParams(task.Params)
	if err != nil {
		return Result{Outcome: Failure, Err: err}
	}
	id := string(task.ID)
	log := utils.Component("download").With().Str("task_id", id).Int("attempt", task.Attempt).Logger()

	owned := false
	if _, err := o.store.UpdateDownload(ctx, "", func(d *types.DownloadStatus) bool {
		switch {
		case d.TaskID == id:
			owned = true
		case d.TaskID == "" && d.Phase.Active():
			owned = true
			d.TaskID = id
			return true
		}
		return false
	}); err != nil {
		return Result{Outcome: Retry, Err: err}
	}
	if !owned {
		log.Debug().Msg("superseded, not running")
		return Result{Outcome: Stopped}
	}

	if err := os.MkdirAll(o.cacheDir, 0o755); err != nil {
		return o.fail(ctx, id, types.ReasonIO, fmt.Errorf("create cache dir: %w", err), false)
	}
	path := o.cachePath(params.FileName)

	cur, err := o.store.Download(ctx)
	if err != nil {
		return Result{Outcome: Retry, Err: err}
	}
	var resume int64
	if fi, err := os.Stat(path); err == nil && cur.DownloadedBytes > 0 && fi.Size() == cur.DownloadedBytes {
		resume = fi.Size()
	} else if cur.DownloadedBytes > 0 || err == nil {
		log.Debug().Int64("persisted", cur.DownloadedBytes).Msg("cache file untrusted, restarting from zero")
		o.resetBytes(ctx, id)
		_ = os.Remove(path)
	}

	if params.ExpectedSize == 0 || resume < params.ExpectedSize {
		sink := &progressSink{
			o:        o,
			ctx:      ctx,
			taskID:   id,
			interval: o.runtime.GetProgressPersistInterval(),
			resume:   resume,
			total:    params.ExpectedSize,
		}
		log.Debug().Int64("resume", resume).Str("url", params.URL).Msg("downloading")
		err = o.dl.Download(ctx, path, params.URL, resume, sink.observe)
		sink.flush(context.WithoutCancel(ctx))

		switch {
		case err == nil:
		case ctx.Err() != nil:
			return Result{Outcome: Stopped, Err: ctx.Err()}
		case errors.Is(err, single.ErrRangeNotSatisfiable):
			_ = os.Remove(path)
			o.resetBytes(ctx, id)
			return Result{Outcome: Retry, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
		case single.IsTransient(err):
			res := Result{Outcome: Retry, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
			var se *single.HTTPStatusError
			if errors.As(err, &se) {
				res.RetryAfter = se.RetryAfter
			}
			return res
		default:
			_ = os.Remove(path)
			return o.fail(ctx, id, types.ReasonTransfer, err, false)
		}
	}

	return o.complete(ctx, id, path, params)
}

// complete verifies the downloaded file and hands it to staging.
func (o *Orchestrator) complete(ctx context.Context, id, path string, params DownloadParams) Result {
	fi, err := os.Stat(path)
	if err != nil {
		return o.fail(ctx, id, types.ReasonIO, err, true)
	}
	if params.ExpectedSize > 0 && fi.Size() != params.ExpectedSize {
		_ = os.Remove(path)
		return o.fail(ctx, id, types.ReasonIntegrity,
			fmt.Errorf("%w: size %d, expected %d", verify.ErrDigestMismatch, fi.Size(), params.ExpectedSize), true)
	}
	if params.ExpectedHash != "" {
		if err := verify.Verify(ctx, path, params.ExpectedHash); err != nil {
			switch {
			case ctx.Err() != nil:
				return Result{Outcome: Stopped, Err: ctx.Err()}
			case errors.Is(err, verify.ErrDigestMismatch), errors.Is(err, verify.ErrUnknownAlgorithm):
				_ = os.Remove(path)
				return o.fail(ctx, id, types.ReasonIntegrity, err, true)
			default:
				return o.fail(ctx, id, types.ReasonIO, err, false)
			}
		}
	}

	if err := o.staging.StageVerifiedPackage(path); err != nil {
		return o.fail(ctx, id, types.ReasonStaging, err, false)
	}

	_ = os.Remove(path)
	o.metrics.DownloadOutcome("success")

	ctx = context.WithoutCancel(ctx)
	if _, err := o.store.TransitionGlobal(ctx, types.GlobalUpdatePending,
		[]types.GlobalCode{types.GlobalDownloadPending, types.GlobalDownloading},
		func(g *types.GlobalStatus) { g.LocalUpgradeFileName = o.staging.PackagePath() }); err != nil {
		return Result{Outcome: Retry, Err: err}
	}
	if _, err := o.store.UpdateDownload(ctx, id, func(d *types.DownloadStatus) bool {
		d.Phase = types.DownloadFinished
		d.DownloadedBytes = fi.Size()
		d.TotalBytes = fi.Size()
		d.TaskID = ""
		d.Reason = types.ReasonNone
		return true
	}); err != nil {
		return Result{Outcome: Retry, Err: err}
	}
	utils.Debug("Download: %s verified and staged", params.FileName)
	return Result{Outcome: Success}
}

// OnTerminal surfaces a task the runner gave up on: retries ran out or the
// body panicked. A row still owned by the task is marked failed.
func (o *Orchestrator) OnTerminal(ctx context.Context, task Task, st types.TaskState, cause error) {
	if st != types.TaskFailed {
		return
	}
	cur, err := o.store.Download(ctx)
	if err != nil {
		utils.Debug("Download: read row for task %s: %v", task.ID, err)
		return
	}
	if cur.TaskID != string(task.ID) || !cur.Phase.Active() {
		return
	}
	if cause == nil {
		cause = errors.New("download task failed")
	}
	o.fail(ctx, string(task.ID), types.ReasonTransfer, fmt.Errorf("giving up after %d attempts: %w", task.Attempt, cause), false)
}

// fail persists a terminal failure for this attempt.
func (o *Orchestrator) fail(ctx context.Context, id string, reason types.FailureReason, cause error, resetBytes bool) Result {
	ctx = context.WithoutCancel(ctx)
	if _, err := o.store.UpdateDownload(ctx, id, func(d *types.DownloadStatus) bool {
		d.Phase = types.DownloadFailed
		d.Reason = reason
		d.TaskID = ""
		if resetBytes {
			d.DownloadedBytes = 0
		}
		return true
	}); err != nil {
		utils.Debug("Download: persist failure: %v", err)
	}
	if _, err := o.store.TransitionGlobal(ctx, types.GlobalDownloadPending,
		[]types.GlobalCode{types.GlobalDownloading}, nil); err != nil {
		utils.Debug("Download: global transition: %v", err)
	}
	o.store.Publish(events.FailureMsg{Component: "download", Reason: reason, Err: cause})
	o.metrics.DownloadOutcome(string(reason))
	utils.Debug("Download: failed (%s): %v", reason, cause)
	return Result{Outcome: Failure, Err: cause}
}
