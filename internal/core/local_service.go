package core

import (
	"context"
	"sync"

	"github.com/surge-downloader/otaupdate/internal/engine"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// LocalUpdateService implements UpdateService on an in-process pipeline.
type LocalUpdateService struct {
	pipeline *Pipeline

	closeOnce sync.Once
	closeErr  error
}

// NewLocalUpdateService wraps p. Shutdown closes p.
func NewLocalUpdateService(p *Pipeline) *LocalUpdateService {
	return &LocalUpdateService{pipeline: p}
}

// Pipeline returns the wrapped pipeline.
func (s *LocalUpdateService) Pipeline() *Pipeline { return s.pipeline }

func (s *LocalUpdateService) Status(ctx context.Context) (types.Snapshot, error) {
	return s.pipeline.Processor.Snapshot(ctx)
}

// RecordBuild probes the artifact when the build lacks a size or file name,
// then offers it to the processor. A failed probe is not fatal: the
// download learns the size from the response.
func (s *LocalUpdateService) RecordBuild(ctx context.Context, info types.BuildInfo) (bool, error) {
	if info.DownloadURL != "" {
		filled, err := engine.FillBuildSize(ctx, s.pipeline.Runtime, info)
		if err != nil {
			utils.Debug("Service: probe %s: %v", info.DownloadURL, err)
		} else {
			info = filled
		}
	}
	return s.pipeline.Processor.OnNewBuild(ctx, info)
}

func (s *LocalUpdateService) StartDownload(ctx context.Context) (string, error) {
	id, err := s.pipeline.Processor.StartDownload(ctx)
	return string(id), err
}

func (s *LocalUpdateService) PauseDownload(ctx context.Context) error {
	cur, err := s.pipeline.Store.Download(ctx)
	if err != nil {
		return err
	}
	if !cur.Phase.Active() {
		return ErrNotDownloading
	}
	_, err = s.pipeline.Processor.PauseOrResumeDownload(ctx)
	return err
}

func (s *LocalUpdateService) ResumeDownload(ctx context.Context) error {
	cur, err := s.pipeline.Store.Download(ctx)
	if err != nil {
		return err
	}
	if cur.Phase != types.DownloadPaused {
		return ErrNotPaused
	}
	_, err = s.pipeline.Processor.PauseOrResumeDownload(ctx)
	return err
}

func (s *LocalUpdateService) CancelDownload(ctx context.Context) error {
	return s.pipeline.Processor.CancelDownload(ctx)
}

func (s *LocalUpdateService) StartUpdate(ctx context.Context) error {
	return s.pipeline.Processor.StartUpdate(ctx)
}

func (s *LocalUpdateService) PauseUpdate(ctx context.Context) error {
	return s.pipeline.Processor.PauseUpdate(ctx, true)
}

func (s *LocalUpdateService) ResumeUpdate(ctx context.Context) error {
	return s.pipeline.Processor.PauseUpdate(ctx, false)
}

func (s *LocalUpdateService) CancelUpdate(ctx context.Context) error {
	return s.pipeline.Processor.CancelUpdate(ctx)
}

func (s *LocalUpdateService) BootCompleted(ctx context.Context) (bool, error) {
	return s.pipeline.Processor.OnBootCompleted(ctx)
}

func (s *LocalUpdateService) Reset(ctx context.Context) error {
	return s.pipeline.Processor.Reset(ctx)
}

// StreamEvents subscribes to the status store. The channel closes when ctx
// is done, the returned cancel func runs, or the pipeline shuts down.
func (s *LocalUpdateService) StreamEvents(ctx context.Context) (<-chan any, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	msgs, unsubscribe := s.pipeline.Store.Subscribe()
	out := make(chan any, 100)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-stop:
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// Shutdown closes the pipeline once.
func (s *LocalUpdateService) Shutdown() error {
	s.closeOnce.Do(func() { s.closeErr = s.pipeline.Close() })
	return s.closeErr
}
