package update

import (
	"context"
	"sync"

	"github.com/surge-downloader/otaupdate/internal/utils"
)

const executorQueueSize = 64

// serialExecutor runs submitted functions one at a time on a single
// goroutine. The goroutine is started on first use and again after stop.
type serialExecutor struct {
	mu      sync.Mutex
	queue   chan func()
	quit    chan struct{}
	done    chan struct{}
	running bool
}

func newSerialExecutor() *serialExecutor {
	return &serialExecutor{}
}

func (x *serialExecutor) ensureLocked() {
	if x.running {
		return
	}
	x.queue = make(chan func(), executorQueueSize)
	x.quit = make(chan struct{})
	x.done = make(chan struct{})
	x.running = true
	go x.loop(x.queue, x.quit, x.done)
}

func (x *serialExecutor) loop(queue <-chan func(), quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case fn := <-queue:
			x.run(fn)
		}
	}
}

func (x *serialExecutor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			utils.Debug("Apply: executor recovered from panic: %v", r)
		}
	}()
	fn()
}

// submit queues fn without waiting for it to run.
func (x *serialExecutor) submit(fn func()) {
	x.mu.Lock()
	x.ensureLocked()
	queue, quit := x.queue, x.quit
	x.mu.Unlock()

	select {
	case queue <- fn:
	case <-quit:
	}
}

// do queues fn and waits until it has run or ctx is done. fn must not call
// do itself.
func (x *serialExecutor) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	x.submit(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop ends the goroutine after the function it is running, if any.
// Queued functions that have not started are dropped.
func (x *serialExecutor) stop() {
	x.mu.Lock()
	if !x.running {
		x.mu.Unlock()
		return
	}
	close(x.quit)
	done := x.done
	x.running = false
	x.mu.Unlock()
	<-done
}
