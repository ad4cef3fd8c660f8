package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/surge-downloader/otaupdate/internal/config"
	"github.com/surge-downloader/otaupdate/internal/download"
	"github.com/surge-downloader/otaupdate/internal/engine/apply"
	"github.com/surge-downloader/otaupdate/internal/engine/single"
	"github.com/surge-downloader/otaupdate/internal/engine/staging"
	"github.com/surge-downloader/otaupdate/internal/engine/state"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/metrics"
	"github.com/surge-downloader/otaupdate/internal/update"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// StagedPackageName is the file name of the staged update package.
const StagedPackageName = "update.zip"

// simulatedStepInterval paces the simulated engine.
const simulatedStepInterval = 200 * time.Millisecond

// Pipeline is the fully wired update pipeline of one process.
type Pipeline struct {
	Store       *state.Store
	Staging     *staging.Staging
	Pool        *download.WorkerPool
	Downloads   *download.Orchestrator
	Coordinator *update.Coordinator
	Processor   *update.Processor
	Metrics     *metrics.Metrics
	Runtime     *types.RuntimeConfig
	Engine      apply.Engine

	cancel context.CancelFunc
	done   chan struct{}
}

type pipelineOptions struct {
	dbPath     string
	engine     apply.Engine
	wake       update.WakeLock
	check      download.ConstraintCheck
	autoResume *bool
	initStage  bool
}

// PipelineOption customises OpenPipeline.
type PipelineOption func(*pipelineOptions)

// WithDBPath stores status rows at path instead of the state directory.
func WithDBPath(path string) PipelineOption {
	return func(o *pipelineOptions) { o.dbPath = path }
}

// WithEngine replaces the engine selected by the settings.
func WithEngine(e apply.Engine) PipelineOption {
	return func(o *pipelineOptions) { o.engine = e }
}

// WithWakeLock replaces the wake lock selected by the settings.
func WithWakeLock(w update.WakeLock) PipelineOption {
	return func(o *pipelineOptions) { o.wake = w }
}

// WithConstraintCheck replaces the host inspection gating the download task.
func WithConstraintCheck(check download.ConstraintCheck) PipelineOption {
	return func(o *pipelineOptions) { o.check = check }
}

// WithAutoResume overrides General.AutoResume.
func WithAutoResume(v bool) PipelineOption {
	return func(o *pipelineOptions) { o.autoResume = &v }
}

// WithStagingInit creates the staging directory with the expected mode before
// checking it. Without it a missing or misconfigured directory fails startup.
func WithStagingInit() PipelineOption {
	return func(o *pipelineOptions) { o.initStage = true }
}

// NewEngine builds the apply engine named by the settings.
func NewEngine(s config.EngineSettings) (apply.Engine, error) {
	switch s.Kind {
	case config.EngineDBus, "":
		return apply.NewDBusEngine(s.BusName, s.ObjectPath, s.SystemBus), nil
	case config.EngineSimulated:
		return apply.NewSimulatedEngine(simulatedStepInterval), nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", s.Kind)
	}
}

// OpenPipeline opens the status store, checks the staging directory and
// starts the background workers. A broken staging directory is fatal:
// nothing can be staged or applied without it.
func OpenPipeline(ctx context.Context, settings *config.Settings, opts ...PipelineOption) (*Pipeline, error) {
	o := pipelineOptions{dbPath: config.GetDBPath()}
	for _, opt := range opts {
		opt(&o)
	}

	stage := staging.New(settings.General.StagingDir, StagedPackageName)
	if o.initStage {
		if err := stage.Prepare(); err != nil {
			return nil, fmt.Errorf("%w: %w", staging.ErrPrecondition, err)
		}
	}
	if err := stage.CheckPreconditions(); err != nil {
		return nil, err
	}

	eng := o.engine
	if eng == nil {
		var err error
		if eng, err = NewEngine(settings.Engine); err != nil {
			return nil, err
		}
	}

	store, err := state.Open(o.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}

	rt := types.ConvertRuntimeConfig(settings.ToRuntimeConfig())
	cacheDir := settings.ResolvedCacheDir()

	poolOpts := []download.PoolOption{download.WithConstraints(download.Constraints{
		RequireNetwork: rt.RequireNetwork,
		MinFreeBytes:   rt.GetMinFreeBytes(),
		Path:           filepath.Dir(cacheDir),
	})}
	if o.check != nil {
		poolOpts = append(poolOpts, download.WithConstraintCheck(o.check))
	}
	pool := download.NewWorkerPool(store, rt, poolOpts...)

	m := metrics.New()
	orch := download.NewOrchestrator(store, pool, stage, single.NewResumableDownloader(rt), rt, cacheDir)
	orch.SetMetrics(m)
	pool.Register(download.TaskName, orch)

	coord := update.NewCoordinator(store, eng, stage)
	coord.SetMetrics(m)
	switch {
	case o.wake != nil:
		coord.SetWakeLock(o.wake)
	case settings.Engine.WakeLock && settings.Engine.Kind != config.EngineSimulated:
		coord.SetWakeLock(update.NewLogindInhibitor())
	}

	p := &Pipeline{
		Store:       store,
		Staging:     stage,
		Pool:        pool,
		Downloads:   orch,
		Coordinator: coord,
		Processor:   update.NewProcessor(store, orch, coord, stage),
		Metrics:     m,
		Runtime:     rt,
		Engine:      eng,
	}

	if err := pool.Start(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("start worker pool: %w", err)
	}

	autoResume := settings.General.AutoResume
	if o.autoResume != nil {
		autoResume = *o.autoResume
	}
	if autoResume {
		if err := orch.Reconcile(ctx); err != nil {
			utils.Debug("Pipeline: reconcile download: %v", err)
		}
	}
	if err := coord.Reconcile(ctx); err != nil {
		utils.Debug("Pipeline: reconcile apply: %v", err)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	followCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		m.Follow(followCtx, store, snap)
	}()

	utils.Debug("Pipeline: ready (engine=%s, global=%s)", settings.Engine.Kind, snap.Global.Code)
	return p, nil
}

// Close stops the workers and the engine binding, then closes the store.
// Persisted tasks resume on the next OpenPipeline.
func (p *Pipeline) Close() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.Pool.Shutdown()
	p.Coordinator.Close()

	if err := p.Store.Close(); err != nil {
		return fmt.Errorf("close status store: %w", err)
	}
	return nil
}
