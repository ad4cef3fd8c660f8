package testutil

import (
	"context"
	"sync"

	"github.com/surge-downloader/otaupdate/internal/engine/apply"
)

// EngineCall is one recorded call on a RecordingEngine.
type EngineCall struct {
	Method  string
	URI     string
	Offset  int64
	Size    int64
	Headers []string
}

// RecordingEngine is an apply.Engine that records every call and lets the
// test fire callbacks by hand. Per-method errors are returned once set.
type RecordingEngine struct {
	mu    sync.Mutex
	cb    apply.Callback
	calls []EngineCall
	errs  map[string]error
}

// NewRecordingEngine returns an engine whose calls all succeed.
func NewRecordingEngine() *RecordingEngine {
	return &RecordingEngine{errs: make(map[string]error)}
}

// FailWith makes method return err from now on. A nil err clears it.
func (e *RecordingEngine) FailWith(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.errs, method)
		return
	}
	e.errs[method] = err
}

// Calls returns a copy of the recorded calls, oldest first.
func (e *RecordingEngine) Calls() []EngineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EngineCall(nil), e.calls...)
}

// Methods returns the recorded method names, oldest first.
func (e *RecordingEngine) Methods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.calls))
	for i, c := range e.calls {
		names[i] = c.Method
	}
	return names
}

// Bound reports whether a callback is registered.
func (e *RecordingEngine) Bound() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb != nil
}

// Status delivers a status update to the bound callback, if any.
func (e *RecordingEngine) Status(status apply.Status, fraction float64) {
	e.mu.Lock()
	cb := e.cb
	e.mu.Unlock()
	if cb != nil {
		cb.OnStatusUpdate(status, fraction)
	}
}

// Complete delivers a completion code to the bound callback, if any.
func (e *RecordingEngine) Complete(code apply.ErrorCode) {
	e.mu.Lock()
	cb := e.cb
	e.mu.Unlock()
	if cb != nil {
		cb.OnApplyComplete(code)
	}
}

func (e *RecordingEngine) record(c EngineCall) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
	return e.errs[c.Method]
}

func (e *RecordingEngine) Bind(cb apply.Callback) error {
	if err := e.record(EngineCall{Method: "Bind"}); err != nil {
		return err
	}
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
	return nil
}

func (e *RecordingEngine) Unbind() error {
	err := e.record(EngineCall{Method: "Unbind"})
	e.mu.Lock()
	e.cb = nil
	e.mu.Unlock()
	return err
}

func (e *RecordingEngine) ApplyPayload(_ context.Context, uri string, offset, size int64, headers []string) error {
	return e.record(EngineCall{
		Method:  "ApplyPayload",
		URI:     uri,
		Offset:  offset,
		Size:    size,
		Headers: append([]string(nil), headers...),
	})
}

func (e *RecordingEngine) Suspend(context.Context) error {
	return e.record(EngineCall{Method: "Suspend"})
}

func (e *RecordingEngine) Resume(context.Context) error {
	return e.record(EngineCall{Method: "Resume"})
}

func (e *RecordingEngine) Cancel(context.Context) error {
	return e.record(EngineCall{Method: "Cancel"})
}

func (e *RecordingEngine) CleanupAppliedPayload(context.Context) error {
	return e.record(EngineCall{Method: "CleanupAppliedPayload"})
}

func (e *RecordingEngine) ResetStatus(context.Context) error {
	return e.record(EngineCall{Method: "ResetStatus"})
}
