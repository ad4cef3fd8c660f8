package apply

import (
	"context"
	"sync"
	"time"

	"github.com/surge-downloader/otaupdate/internal/utils"
)

// SimulatedEngine is a timer-driven stand-in for the device engine. It walks
// through the same status sequence a real engine reports, which makes the
// whole pipeline runnable on a workstation.
type SimulatedEngine struct {
	Interval time.Duration // delay between reports
	Steps    int           // progress reports per stage
	FailWith ErrorCode     // non-zero ends the attempt with this code after the payload stage

	mu          sync.Mutex
	cb          Callback
	running     bool
	needsReboot bool
	cancelled   bool
	stop        chan struct{}
	gate        chan struct{} // non-nil while suspended
	lastApplied string
}

// NewSimulatedEngine returns an engine reporting every interval.
func NewSimulatedEngine(interval time.Duration) *SimulatedEngine {
	return &SimulatedEngine{Interval: interval, Steps: 10}
}

func (e *SimulatedEngine) Bind(cb Callback) error {
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
	return nil
}

func (e *SimulatedEngine) Unbind() error {
	e.mu.Lock()
	e.cb = nil
	e.mu.Unlock()
	return nil
}

// LastApplied returns the uri of the most recent ApplyPayload call.
func (e *SimulatedEngine) LastApplied() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastApplied
}

func (e *SimulatedEngine) ApplyPayload(_ context.Context, uri string, offset, size int64, headers []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.needsReboot {
		return ErrEngineBusy
	}
	if e.cb == nil {
		return ErrNotBound
	}
	e.running = true
	e.cancelled = false
	e.stop = make(chan struct{})
	e.gate = nil
	e.lastApplied = uri
	utils.Debug("Engine(sim): applying %s offset=%d size=%d headers=%d", uri, offset, size, len(headers))
	go e.run(e.stop)
	return nil
}

func (e *SimulatedEngine) Suspend(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNothingInFlight
	}
	if e.gate == nil {
		e.gate = make(chan struct{})
	}
	return nil
}

func (e *SimulatedEngine) Resume(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNothingInFlight
	}
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
	return nil
}

func (e *SimulatedEngine) Cancel(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNothingInFlight
	}
	if !e.cancelled {
		e.cancelled = true
		close(e.stop)
	}
	return nil
}

func (e *SimulatedEngine) CleanupAppliedPayload(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrEngineBusy
	}
	return nil
}

func (e *SimulatedEngine) ResetStatus(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrEngineBusy
	}
	e.needsReboot = false
	return nil
}

func (e *SimulatedEngine) callback() Callback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb
}

func (e *SimulatedEngine) report(status Status, fraction float64) {
	if cb := e.callback(); cb != nil {
		cb.OnStatusUpdate(status, fraction)
	}
}

func (e *SimulatedEngine) complete(code ErrorCode) {
	if cb := e.callback(); cb != nil {
		cb.OnApplyComplete(code)
	}
}

// wait sleeps one interval, holding while suspended. It returns false once
// the attempt is stopped.
func (e *SimulatedEngine) wait(stop <-chan struct{}) bool {
	for {
		e.mu.Lock()
		gate := e.gate
		e.mu.Unlock()
		if gate != nil {
			select {
			case <-stop:
				return false
			case <-gate:
				continue
			}
		}

		select {
		case <-stop:
			return false
		case <-time.After(e.Interval):
		}

		e.mu.Lock()
		suspended := e.gate != nil
		e.mu.Unlock()
		if !suspended {
			return true
		}
	}
}

func (e *SimulatedEngine) stage(stop <-chan struct{}, status Status) bool {
	steps := e.Steps
	if steps <= 0 {
		steps = 1
	}
	for i := 0; i <= steps; i++ {
		if !e.wait(stop) {
			return false
		}
		e.report(status, float64(i)/float64(steps))
	}
	return true
}

func (e *SimulatedEngine) finish(code ErrorCode, needsReboot bool) {
	e.mu.Lock()
	e.running = false
	e.needsReboot = needsReboot
	e.mu.Unlock()
	if needsReboot {
		e.report(StatusUpdatedNeedReboot, 1)
	} else {
		e.report(StatusIdle, 0)
	}
	e.complete(code)
}

func (e *SimulatedEngine) run(stop <-chan struct{}) {
	ok := e.wait(stop)
	if ok {
		e.report(StatusUpdateAvailable, 0)
		ok = e.stage(stop, StatusDownloading)
	}
	if ok && e.FailWith != ErrorSuccess {
		e.finish(e.FailWith, false)
		return
	}
	if ok {
		ok = e.stage(stop, StatusVerifying) && e.stage(stop, StatusFinalizing)
	}
	if ok {
		e.finish(ErrorSuccess, true)
		return
	}
	// stopped by Cancel
	e.finish(ErrorUserCancelled, false)
}
