// Package update drives payload application through the apply engine and
// owns the coarse pipeline state machine.
package update

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/surge-downloader/otaupdate/internal/engine/apply"
	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/payload"
	"github.com/surge-downloader/otaupdate/internal/engine/staging"
	"github.com/surge-downloader/otaupdate/internal/engine/state"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

const closeTimeout = 5 * time.Second

var (
	ErrApplyInFlight = errors.New("an update is already being applied")
	ErrNotApplying   = errors.New("no update is being applied")
)

// Metrics receives apply outcomes.
type Metrics interface {
	ApplyOutcome(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ApplyOutcome(string) {}

// Coordinator runs one payload application at a time. Every engine call and
// every engine callback executes on the same worker goroutine, so the
// fields below the executor are never touched concurrently.
type Coordinator struct {
	store   *state.Store
	engine  apply.Engine
	staging *staging.Staging
	wake    WakeLock
	metrics Metrics
	exec    *serialExecutor

	attempt  uint64
	bound    bool
	inFlight bool
	held     bool
	maxPct   int
}

// NewCoordinator returns a coordinator applying the package staged in stage.
func NewCoordinator(store *state.Store, engine apply.Engine, stage *staging.Staging) *Coordinator {
	return &Coordinator{
		store:   store,
		engine:  engine,
		staging: stage,
		wake:    noopWakeLock{},
		metrics: noopMetrics{},
		exec:    newSerialExecutor(),
	}
}

// SetWakeLock replaces the no-op wake lock. Call before Start.
func (c *Coordinator) SetWakeLock(w WakeLock) {
	if w != nil {
		c.wake = w
	}
}

// SetMetrics installs an outcome sink. Call before Start.
func (c *Coordinator) SetMetrics(m Metrics) {
	if m != nil {
		c.metrics = m
	}
}

// Start parses the staged package and hands its payload to the engine.
// A package without a usable payload fails with corrupt_package and the
// engine is never called.
func (c *Coordinator) Start(ctx context.Context) error {
	var err error
	if xerr := c.exec.do(ctx, func() { err = c.start(ctx) }); xerr != nil {
		return xerr
	}
	return err
}

func (c *Coordinator) start(ctx context.Context) error {
	if c.inFlight {
		return ErrApplyInFlight
	}

	desc, err := payload.ParseWithError(c.staging.PackagePath())
	if err == nil && !desc.Valid() {
		err = fmt.Errorf("%w: incomplete payload descriptor", payload.ErrCorruptPackage)
	}
	if err != nil {
		c.fail(ctx, types.ReasonCorruptPackage, err)
		return err
	}

	c.maxPct = 0
	if err := c.saveUpdate(ctx, types.UpdateStatus{Code: types.UpdateIndeterminate}); err != nil {
		return err
	}

	if err := c.bind(); err != nil {
		c.fail(ctx, types.ReasonEngine, err)
		return err
	}
	if err := c.engine.ResetStatus(ctx); err != nil {
		utils.Debug("Apply: reset status before apply: %v", err)
	}

	c.acquireWake()
	uri := "file://" + desc.PackagePath
	if err := c.engine.ApplyPayload(ctx, uri, desc.PayloadOffset, desc.PayloadSize, desc.HeaderLines[:]); err != nil {
		reason := types.ReasonEngine
		if errors.Is(err, apply.ErrEngineBusy) {
			reason = types.ReasonEngineBusy
		}
		c.releaseWake()
		c.unbind()
		c.fail(ctx, reason, err)
		return fmt.Errorf("apply payload: %w", err)
	}

	c.inFlight = true
	utils.Debug("Apply: started %s offset=%d size=%d", uri, desc.PayloadOffset, desc.PayloadSize)
	return nil
}

// Pause suspends (paused=true) or resumes the running application.
func (c *Coordinator) Pause(ctx context.Context, paused bool) error {
	var err error
	if xerr := c.exec.do(ctx, func() { err = c.pause(ctx, paused) }); xerr != nil {
		return xerr
	}
	return err
}

func (c *Coordinator) pause(ctx context.Context, paused bool) error {
	cur, err := c.store.Update(ctx)
	if err != nil {
		return err
	}
	if !updateActive(cur.Code) {
		return ErrNotApplying
	}
	if err := c.bind(); err != nil {
		c.fail(ctx, types.ReasonEngine, err)
		return err
	}

	call, code := c.engine.Resume, types.UpdateApplying
	if paused {
		call, code = c.engine.Suspend, types.UpdatePaused
	}
	if err := call(ctx); err != nil {
		if ignorable(err) {
			utils.Debug("Apply: pause(%t) ignored: %v", paused, err)
			return nil
		}
		c.fail(ctx, types.ReasonEngine, err)
		return err
	}

	if paused == (cur.Code == types.UpdatePaused) {
		return nil
	}
	cur.Code = code
	return c.saveUpdate(ctx, cur)
}

// Cancel stops the running application and returns the pipeline to
// UpdatePending.
func (c *Coordinator) Cancel(ctx context.Context) error {
	var err error
	if xerr := c.exec.do(ctx, func() { err = c.cancel(ctx) }); xerr != nil {
		return xerr
	}
	return err
}

func (c *Coordinator) cancel(ctx context.Context) error {
	cur, err := c.store.Update(ctx)
	if err != nil {
		return err
	}
	if !updateActive(cur.Code) {
		return ErrNotApplying
	}
	if err := c.bind(); err != nil {
		c.fail(ctx, types.ReasonEngine, err)
		return err
	}
	if err := c.engine.Cancel(ctx); err != nil && !ignorable(err) {
		c.fail(ctx, types.ReasonEngine, err)
		return err
	}

	c.inFlight = false
	c.releaseWake()
	cur.Code = types.UpdateCancelled
	cur.Reason = types.ReasonNone
	if err := c.saveUpdate(ctx, cur); err != nil {
		return err
	}
	if _, err := c.store.TransitionGlobal(ctx, types.GlobalUpdatePending,
		[]types.GlobalCode{types.GlobalUpdating}, nil); err != nil {
		return err
	}
	c.metrics.ApplyOutcome("cancelled")
	utils.Debug("Apply: cancelled")
	return nil
}

// Discard drops whatever the engine holds, including an applied update
// awaiting reboot. The update row is left to the caller.
func (c *Coordinator) Discard(ctx context.Context) error {
	var err error
	if xerr := c.exec.do(ctx, func() {
		c.inFlight = false
		c.releaseWake()
		if err = c.bind(); err == nil {
			err = c.resetEngine(ctx)
		}
	}); xerr != nil {
		return xerr
	}
	return err
}

// Reconcile rebinds to the engine after a restart when the persisted row
// says an application was running, so its remaining callbacks are seen.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	var err error
	if xerr := c.exec.do(ctx, func() {
		cur, rerr := c.store.Update(ctx)
		if rerr != nil {
			err = rerr
			return
		}
		if !updateActive(cur.Code) || c.bound {
			return
		}
		if err = c.bind(); err == nil {
			c.inFlight = true
			utils.Debug("Apply: rebound to engine for %s attempt", cur.Code)
		}
	}); xerr != nil {
		return xerr
	}
	return err
}

// Close unbinds from the engine and stops the worker goroutine.
func (c *Coordinator) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = c.exec.do(ctx, func() {
		c.releaseWake()
		c.unbind()
	})
	c.exec.stop()
}

// =============================================================================
// Engine callbacks
// =============================================================================

type engineCallback struct {
	c       *Coordinator
	attempt uint64
}

func (cb engineCallback) OnStatusUpdate(status apply.Status, fraction float64) {
	cb.c.exec.submit(func() {
		cb.c.handle(cb.attempt, func(ctx context.Context) { cb.c.onStatusUpdate(ctx, status, fraction) })
	})
}

func (cb engineCallback) OnApplyComplete(code apply.ErrorCode) {
	cb.c.exec.submit(func() {
		cb.c.handle(cb.attempt, func(ctx context.Context) { cb.c.onApplyComplete(ctx, code) })
	})
}

// handle runs a callback handler for the current binding. A panic is
// reported as a generic failure.
func (c *Coordinator) handle(attempt uint64, fn func(ctx context.Context)) {
	if attempt != c.attempt || !c.bound {
		utils.Debug("Apply: dropping callback from stale binding %d", attempt)
		return
	}
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			c.inFlight = false
			c.releaseWake()
			c.fail(ctx, types.ReasonGeneric, fmt.Errorf("callback panic: %v", r))
			_ = c.resetEngine(ctx)
		}
	}()
	fn(ctx)
}

func (c *Coordinator) onStatusUpdate(ctx context.Context, status apply.Status, fraction float64) {
	cur, err := c.store.Update(ctx)
	if err != nil {
		utils.Debug("Apply: read update status: %v", err)
		return
	}
	if !updateActive(cur.Code) {
		return
	}

	switch status {
	case apply.StatusUpdateAvailable:
		if _, err := c.store.TransitionGlobal(ctx, types.GlobalUpdating,
			[]types.GlobalCode{types.GlobalUpdatePending}, nil); err != nil {
			utils.Debug("Apply: enter updating: %v", err)
		}
	case apply.StatusDownloading:
		c.progress(ctx, cur, types.StepProcessingPayload, fraction)
	case apply.StatusVerifying:
		if cur.Code == types.UpdateIndeterminate {
			cur.Code = types.UpdateApplying
			_ = c.saveUpdate(ctx, cur)
		}
	case apply.StatusFinalizing:
		c.progress(ctx, cur, types.StepApplyingUpdate, fraction)
	case apply.StatusUpdatedNeedReboot:
		if _, err := c.store.TransitionGlobal(ctx, types.GlobalRebootPending,
			[]types.GlobalCode{types.GlobalUpdating, types.GlobalUpdatePending}, nil); err != nil {
			utils.Debug("Apply: enter reboot pending: %v", err)
		}
		c.releaseWake()
	}
}

// progress records fraction for step. The percentage never goes down within
// one apply attempt, even when the engine moves to a step that restarts its
// own fraction at zero.
func (c *Coordinator) progress(ctx context.Context, cur types.UpdateStatus, step types.ApplyStep, fraction float64) {
	pct := int(math.Floor(fraction * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct < c.maxPct {
		pct = c.maxPct
	}
	c.maxPct = pct

	code := types.UpdateApplying
	if cur.Code == types.UpdatePaused {
		code = types.UpdatePaused
	}
	if cur.Code == code && cur.Step == step && cur.ProgressPercent == pct {
		return
	}
	_ = c.saveUpdate(ctx, types.UpdateStatus{Code: code, Step: step, ProgressPercent: pct})
}

func (c *Coordinator) onApplyComplete(ctx context.Context, code apply.ErrorCode) {
	c.inFlight = false
	c.releaseWake()

	switch code {
	case apply.ErrorSuccess:
		_ = c.saveUpdate(ctx, types.UpdateStatus{
			Code:            types.UpdateFinished,
			Step:            types.StepApplyingUpdate,
			ProgressPercent: 100,
		})
		c.unbind()
		c.metrics.ApplyOutcome("success")
		utils.Debug("Apply: payload applied")
	case apply.ErrorUserCancelled:
		_ = c.resetEngine(ctx)
	default:
		reason := ReasonFor(code)
		c.fail(ctx, reason, fmt.Errorf("apply engine reported %s", code))
		_ = c.resetEngine(ctx)
	}
}

// ReasonFor maps an engine completion code to a user-facing reason.
func ReasonFor(code apply.ErrorCode) types.FailureReason {
	switch code {
	case apply.ErrorPayloadHashMismatch, apply.ErrorPayloadSizeMismatch,
		apply.ErrorDownloadPayloadVerification, apply.ErrorNewRootfsVerification:
		return types.ReasonVerification
	case apply.ErrorSignedDeltaPayloadExpected, apply.ErrorDownloadMetadataSignature,
		apply.ErrorMetadataSignatureMismatch:
		return types.ReasonSignature
	case apply.ErrorPayloadTimestamp:
		return types.ReasonDowngrade
	case apply.ErrorDownloadTransfer:
		return types.ReasonTransfer
	case apply.ErrorNotEnoughSpace:
		return types.ReasonNotEnoughSpace
	case apply.ErrorDeviceCorrupted:
		return types.ReasonDeviceCorrupted
	default:
		return types.ReasonGeneric
	}
}

// =============================================================================
// Helpers (executor goroutine only)
// =============================================================================

func (c *Coordinator) bind() error {
	if c.bound {
		return nil
	}
	c.attempt++
	if err := c.engine.Bind(engineCallback{c: c, attempt: c.attempt}); err != nil {
		return fmt.Errorf("bind apply engine: %w", err)
	}
	c.bound = true
	return nil
}

func (c *Coordinator) unbind() {
	if !c.bound {
		return
	}
	c.bound = false
	if err := c.engine.Unbind(); err != nil {
		utils.Debug("Apply: unbind: %v", err)
	}
}

// resetEngine returns the engine to idle and unbinds. Every step runs even
// when an earlier one fails.
func (c *Coordinator) resetEngine(ctx context.Context) error {
	var result *multierror.Error
	if err := c.engine.CleanupAppliedPayload(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("cleanup applied payload: %w", err))
	}
	if err := c.engine.ResetStatus(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("reset status: %w", err))
	}
	c.bound = false
	if err := c.engine.Unbind(); err != nil {
		result = multierror.Append(result, fmt.Errorf("unbind: %w", err))
	}
	err := result.ErrorOrNil()
	if err != nil {
		utils.Debug("Apply: engine reset: %v", err)
	}
	return err
}

func (c *Coordinator) acquireWake() {
	if c.held {
		return
	}
	if err := c.wake.Acquire(); err != nil {
		utils.Debug("Apply: wake lock unavailable: %v", err)
		return
	}
	c.held = true
}

func (c *Coordinator) releaseWake() {
	if !c.held {
		return
	}
	c.wake.Release()
	c.held = false
}

func (c *Coordinator) saveUpdate(ctx context.Context, u types.UpdateStatus) error {
	if err := c.store.SaveUpdate(ctx, u); err != nil {
		utils.Debug("Apply: save update status: %v", err)
		return err
	}
	return nil
}

// fail records a failed attempt and sends the pipeline back to
// UpdatePending so the staged package can be applied again.
func (c *Coordinator) fail(ctx context.Context, reason types.FailureReason, cause error) {
	ctx = context.WithoutCancel(ctx)
	cur, err := c.store.Update(ctx)
	if err != nil {
		cur = types.UpdateStatus{}
	}
	_ = c.saveUpdate(ctx, types.UpdateStatus{
		Code:            types.UpdateFailed,
		Step:            cur.Step,
		ProgressPercent: cur.ProgressPercent,
		Reason:          reason,
	})
	if _, err := c.store.TransitionGlobal(ctx, types.GlobalUpdatePending,
		[]types.GlobalCode{types.GlobalUpdating, types.GlobalRebootPending}, nil); err != nil {
		utils.Debug("Apply: revert to update pending: %v", err)
	}
	c.store.Publish(events.FailureMsg{Component: "update", Reason: reason, Err: cause})
	c.metrics.ApplyOutcome(string(reason))
	utils.Debug("Apply: failed (%s): %v", reason, cause)
}

func updateActive(code types.UpdateCode) bool {
	return code == types.UpdateIndeterminate || code == types.UpdateApplying || code == types.UpdatePaused
}

func ignorable(err error) bool {
	return errors.Is(err, apply.ErrNothingInFlight) || errors.Is(err, apply.ErrNotBound)
}
