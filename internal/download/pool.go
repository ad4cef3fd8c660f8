package download

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surge-downloader/otaupdate/internal/engine/state"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/utils"
)

// taskRetention is how long finished task rows are kept.
const taskRetention = 7 * 24 * time.Hour

// activeTask tracks a task that's currently running
type activeTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type observer struct {
	ch chan types.TaskState
}

// offer delivers st, dropping the oldest queued state when the reader lags.
func (o *observer) offer(st types.TaskState) {
	for {
		select {
		case o.ch <- st:
			return
		default:
		}
		select {
		case <-o.ch:
		default:
		}
	}
}

// WorkerPool is a durable TaskRunner. Tasks are rows in the state database,
// so enqueued work survives a restart and runs at least once.
type WorkerPool struct {
	store        *state.Store
	runtime      *types.RuntimeConfig
	constraints  Constraints
	check        ConstraintCheck
	pollInterval time.Duration

	taskChan  chan TaskID
	quit      chan struct{}
	enqueueMu sync.Mutex // serialises the replace-by-name policy

	mu        sync.Mutex
	workers   map[string]Worker
	active    map[TaskID]*activeTask
	timers    map[TaskID]*time.Timer
	observers map[TaskID][]*observer
	started   bool
	closed    bool
	wg        sync.WaitGroup // running worker goroutines
}

// PoolOption configures a WorkerPool
type PoolOption func(*WorkerPool)

// WithConstraints sets the conditions every task run waits for.
func WithConstraints(c Constraints) PoolOption {
	return func(p *WorkerPool) { p.constraints = c }
}

// WithConstraintCheck replaces the host inspection used for constraints.
func WithConstraintCheck(check ConstraintCheck) PoolOption {
	return func(p *WorkerPool) { p.check = check }
}

// WithConstraintPoll sets how often unmet constraints are re-checked.
func WithConstraintPoll(d time.Duration) PoolOption {
	return func(p *WorkerPool) { p.pollInterval = d }
}

func NewWorkerPool(store *state.Store, runtime *types.RuntimeConfig, opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		store:        store,
		runtime:      runtime,
		check:        CheckConstraints,
		pollInterval: types.ConstraintPollInterval,
		taskChan:     make(chan TaskID, 100),
		quit:         make(chan struct{}),
		workers:      make(map[string]Worker),
		active:       make(map[TaskID]*activeTask),
		timers:       make(map[TaskID]*time.Timer),
		observers:    make(map[TaskID][]*observer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a worker to a task name. Call before Start.
func (p *WorkerPool) Register(name string, w Worker) {
	p.mu.Lock()
	p.workers[name] = w
	p.mu.Unlock()
}

// Start recovers persisted tasks and launches the workers. Tasks that were
// running when the previous process died are run again.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if n, err := p.store.PruneTasks(ctx, time.Now().Add(-taskRetention)); err != nil {
		utils.Debug("Pool: prune tasks: %v", err)
	} else if n > 0 {
		utils.Debug("Pool: pruned %d finished tasks", n)
	}

	interrupted, err := p.store.Tasks(ctx, types.TaskRunning)
	if err != nil {
		return err
	}
	for _, t := range interrupted {
		if _, err := p.store.TransitionTask(ctx, t.ID, types.TaskEnqueued, types.TaskRunning); err != nil {
			return err
		}
		utils.Debug("Pool: re-queueing interrupted task %s (%s)", t.ID, t.Name)
	}

	pending, err := p.store.Tasks(ctx, types.TaskEnqueued)
	if err != nil {
		return err
	}

	n := p.runtime.GetWorkers()
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	for _, t := range pending {
		p.schedule(TaskID(t.ID), t.NextRunAt)
	}
	return nil
}

// Enqueue persists a new task and schedules it immediately. Any live task
// with the same name is cancelled first, so at most one runs per name.
func (p *WorkerPool) Enqueue(ctx context.Context, name string, params TaskParams) (TaskID, error) {
	p.mu.Lock()
	_, known := p.workers[name]
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return "", ErrPoolClosed
	}
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode task params: %w", err)
	}

	p.enqueueMu.Lock()
	defer p.enqueueMu.Unlock()

	live, err := p.store.Tasks(ctx, types.TaskEnqueued, types.TaskRunning)
	if err != nil {
		return "", err
	}
	for _, t := range live {
		if t.Name != name {
			continue
		}
		utils.Debug("Pool: superseding task %s (%s)", t.ID, name)
		if err := p.Cancel(ctx, TaskID(t.ID)); err != nil {
			return "", err
		}
	}

	id := TaskID(uuid.New().String())
	now := time.Now()
	if err := p.store.PutTask(ctx, state.TaskRecord{
		ID:        string(id),
		Name:      name,
		Params:    raw,
		State:     types.TaskEnqueued,
		NextRunAt: now,
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	utils.Debug("Pool: enqueued task %s (%s)", id, name)
	p.notify(id, types.TaskEnqueued)
	p.schedule(id, now)
	return id, nil
}

// Cancel marks the task cancelled and, if it is running, stops it and waits
// for the worker to return or ctx to end.
func (p *WorkerPool) Cancel(ctx context.Context, id TaskID) error {
	ok, err := p.store.TransitionTask(ctx, string(id), types.TaskCancelled, types.TaskEnqueued, types.TaskRunning)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if t, exists := p.timers[id]; exists {
		t.Stop()
		delete(p.timers, id)
	}
	at := p.active[id]
	p.mu.Unlock()

	if ok {
		utils.Debug("Pool: cancelled task %s", id)
		p.notify(id, types.TaskCancelled)
	}
	if at == nil {
		return nil
	}
	at.cancel()
	select {
	case <-at.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe streams the task's state, starting with the current one. The
// channel closes once the task reaches a terminal state, or immediately for
// an unknown task. Slow readers only miss intermediate states.
func (p *WorkerPool) Observe(id TaskID) (<-chan types.TaskState, func()) {
	ch := make(chan types.TaskState, 4)

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.store.Task(context.Background(), string(id))
	if err != nil {
		close(ch)
		return ch, func() {}
	}
	ch <- rec.State
	if rec.State.Terminal() || p.closed {
		close(ch)
		return ch, func() {}
	}

	obs := &observer{ch: ch}
	p.observers[id] = append(p.observers[id], obs)
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		list := p.observers[id]
		for i, o := range list {
			if o == obs {
				p.observers[id] = append(list[:i], list[i+1:]...)
				close(o.ch)
				break
			}
		}
		if len(p.observers[id]) == 0 {
			delete(p.observers, id)
		}
	}
}

func (p *WorkerPool) notify(id TaskID, st types.TaskState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.observers[id] {
		o.offer(st)
		if st.Terminal() {
			close(o.ch)
		}
	}
	if st.Terminal() {
		delete(p.observers, id)
	}
}

// schedule hands the task to a worker at the given time.
func (p *WorkerPool) schedule(id TaskID, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if t, exists := p.timers[id]; exists {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.timers[id] == timer {
			delete(p.timers, id)
		}
		p.mu.Unlock()

		select {
		case p.taskChan <- id:
		case <-p.quit:
		}
	})
	p.timers[id] = timer
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case id := <-p.taskChan:
			p.run(id)
		}
	}
}

func (p *WorkerPool) run(id TaskID) {
	ctx := context.Background()

	rec, err := p.store.Task(ctx, string(id))
	if err != nil {
		utils.Debug("Pool: load task %s: %v", id, err)
		return
	}
	if rec.State != types.TaskEnqueued {
		return
	}

	p.mu.Lock()
	w, known := p.workers[rec.Name]
	p.mu.Unlock()
	if !known {
		if _, err := p.store.TransitionTask(ctx, rec.ID, types.TaskFailed, types.TaskEnqueued); err == nil {
			p.notify(id, types.TaskFailed)
		}
		utils.Debug("Pool: task %s: %v: %s", id, ErrUnknownTask, rec.Name)
		return
	}

	if err := p.check(p.constraints); err != nil {
		utils.Debug("Pool: task %s waiting for constraints: %v", id, err)
		p.schedule(id, time.Now().Add(p.pollInterval))
		return
	}

	// Registered before the claim so a concurrent Cancel always finds it.
	runCtx, cancel := context.WithCancel(ctx)
	at := &activeTask{cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return
	}
	p.active[id] = at
	p.mu.Unlock()
	defer p.release(id, at)

	rec, claimed, err := p.store.ClaimTask(ctx, string(id))
	if err != nil || !claimed {
		if err != nil {
			utils.Debug("Pool: claim task %s: %v", id, err)
		}
		return
	}
	p.notify(id, types.TaskRunning)

	var params TaskParams
	var res Result
	task := Task{ID: id, Name: rec.Name, Attempt: rec.Attempts}
	if err := json.Unmarshal(rec.Params, &params); err != nil {
		res = Result{Outcome: Failure, Err: fmt.Errorf("decode task params: %w", err)}
	} else {
		task.Params = params
		res = p.safeWork(runCtx, w, task)
	}
	if to, ok := p.finish(ctx, rec, res); ok && to == types.TaskFailed {
		if h, isHandler := w.(TerminalHandler); isHandler {
			h.OnTerminal(ctx, task, to, res.Err)
		}
	}
}

func (p *WorkerPool) release(id TaskID, at *activeTask) {
	at.cancel()
	p.mu.Lock()
	if p.active[id] == at {
		delete(p.active, id)
	}
	p.mu.Unlock()
	close(at.done)
}

func (p *WorkerPool) safeWork(ctx context.Context, w Worker, task Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: Failure, Err: fmt.Errorf("task %s panicked: %v", task.ID, r)}
		}
	}()
	return w.Work(ctx, task)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// finish persists the outcome of one run and reports the terminal state it
// recorded, if any.
func (p *WorkerPool) finish(ctx context.Context, rec state.TaskRecord, res Result) (types.TaskState, bool) {
	id := TaskID(rec.ID)
	lastErr := ""
	if res.Err != nil {
		lastErr = res.Err.Error()
	}
	utils.Debug("Pool: task %s attempt %d finished: %s %s", id, rec.Attempts, res.Outcome, lastErr)

	var to types.TaskState
	switch res.Outcome {
	case Success:
		to = types.TaskSucceeded
	case Retry:
		delay, ok := nextDelay(p.runtime.GetRetryBaseDelay(), types.RetryMaxDelay, p.runtime.GetMaxTaskRetries(), rec.Attempts)
		if !ok {
			to = types.TaskFailed
			break
		}
		next := time.Now().Add(delay)
		if res.RetryAfter.After(next) {
			next = res.RetryAfter
		}
		if applied, err := p.store.FinishTask(ctx, rec.ID, types.TaskEnqueued, next, lastErr); err != nil || !applied {
			return "", false
		}
		p.notify(id, types.TaskEnqueued)
		p.schedule(id, next)
		return "", false
	case Stopped:
		if p.isClosed() {
			// Interrupted by shutdown: run again on the next start.
			_, _ = p.store.FinishTask(ctx, rec.ID, types.TaskEnqueued, time.Now(), lastErr)
			return "", false
		}
		to = types.TaskCancelled
	default:
		to = types.TaskFailed
	}

	applied, err := p.store.FinishTask(ctx, rec.ID, to, time.Time{}, lastErr)
	if err != nil {
		utils.Debug("Pool: finish task %s: %v", id, err)
		return "", false
	}
	if applied {
		p.notify(id, to)
	}
	return to, applied
}

// Shutdown stops scheduling, interrupts running tasks and waits for the
// workers. Interrupted tasks stay enqueued for the next Start.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	for _, at := range p.active {
		at.cancel()
	}
	for id, list := range p.observers {
		for _, o := range list {
			close(o.ch)
		}
		delete(p.observers, id)
	}
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
}
