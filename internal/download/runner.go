// Package download runs the artifact download as a durable background task.
//
// WorkerPool is the task runner: tasks live in the state database, survive
// restarts and are retried with linear backoff. Orchestrator is the task
// body plus the start/pause/cancel operations that drive it.
package download

import (
	"context"
	"errors"
	"time"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

// TaskID is the opaque handle returned by Enqueue.
type TaskID string

// TaskParams are the string inputs carried by a task across restarts.
type TaskParams map[string]string

var (
	// ErrTransient marks a failure the runner should retry.
	ErrTransient = errors.New("transient failure")

	// ErrUnknownTask is returned for a task name with no registered worker.
	ErrUnknownTask = errors.New("no worker registered for task")

	// ErrPoolClosed is returned by Enqueue after Shutdown.
	ErrPoolClosed = errors.New("worker pool closed")
)

// TaskRunner accepts named units of work and reports their lifecycle.
type TaskRunner interface {
	Enqueue(ctx context.Context, name string, params TaskParams) (TaskID, error)
	Cancel(ctx context.Context, id TaskID) error
	Observe(id TaskID) (<-chan types.TaskState, func())
}

// Task is one run of a durable task as seen by its worker.
type Task struct {
	ID      TaskID
	Name    string
	Params  TaskParams
	Attempt int // 1 on the first run
}

// Outcome tells the runner what to do after a run.
type Outcome int

const (
	Success Outcome = iota
	Retry
	Failure
	Stopped
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Failure:
		return "failure"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Result is returned by a Worker.
type Result struct {
	Outcome    Outcome
	Err        error
	RetryAfter time.Time // earliest next run on Retry, zero for the backoff default
}

// Worker executes one task run. It must return promptly once ctx is done.
type Worker interface {
	Work(ctx context.Context, task Task) Result
}

// TerminalHandler is implemented by workers that keep their own status for a
// task. The runner calls OnTerminal once a task ends as failed, including
// when the retry budget runs out or Work panics.
type TerminalHandler interface {
	OnTerminal(ctx context.Context, task Task, state types.TaskState, cause error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, task Task) Result

func (f WorkerFunc) Work(ctx context.Context, task Task) Result { return f(ctx, task) }
