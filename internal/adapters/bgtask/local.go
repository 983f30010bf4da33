package bgtask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hixprotocol/hix/internal/adapters/mq/worker"
	"github.com/hixprotocol/hix/pkg/logger"
)

// LocalHost runs registered tasks on in-process timers. Tasks registered
// before Start begin when Start is called; tasks registered after begin at
// once. StopOnTerminate has no effect in-process: every task ends with the
// host.
type LocalHost struct {
	mu      sync.Mutex
	ctx     context.Context
	tasks   map[string]*localTask
	wg      sync.WaitGroup
	logger  logger.Logger
	started bool
}

type localTask struct {
	reg    Registration
	fn     TaskFunc
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    int
	last    worker.Result
	lastRun time.Time
}

// Status is the observable state of a registered task.
type Status struct {
	Name    string        `json:"name"`
	Runs    int           `json:"runs"`
	Last    worker.Result `json:"last"`
	LastRun time.Time     `json:"last_run"`
}

// NewLocalHost creates an idle host.
func NewLocalHost() *LocalHost {
	return &LocalHost{
		tasks:  make(map[string]*localTask),
		logger: logger.Get().Named("bgtask"),
	}
}

// Start launches every registered task. The host stops when ctx ends.
func (h *LocalHost) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.ctx = ctx
	for _, t := range h.tasks {
		h.launch(t)
	}
}

// Register adds a task. Names are unique.
func (h *LocalHost) Register(reg Registration, fn TaskFunc) error {
	if reg.Name == "" || fn == nil {
		return fmt.Errorf("register: name and task are required")
	}
	if reg.MinimumInterval <= 0 {
		reg.MinimumInterval = DefaultMinimumInterval
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tasks[reg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.Name)
	}
	t := &localTask{reg: reg, fn: fn}
	h.tasks[reg.Name] = t
	if h.started {
		h.launch(t)
	}
	return nil
}

// Unregister stops and removes a task.
func (h *LocalHost) Unregister(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if t.cancel != nil {
		t.cancel()
	}
	delete(h.tasks, name)
	return nil
}

// Status returns the state of a registered task.
func (h *LocalHost) Status(name string) (Status, bool) {
	h.mu.Lock()
	t, ok := h.tasks[name]
	h.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{Name: name, Runs: t.runs, Last: t.last, LastRun: t.lastRun}, true
}

// Wait blocks until every task loop has exited.
func (h *LocalHost) Wait() {
	h.wg.Wait()
}

// launch starts the task loop. Caller holds h.mu.
func (h *LocalHost) launch(t *localTask) {
	ctx, cancel := context.WithCancel(h.ctx)
	t.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		if t.reg.StartOnBoot {
			h.run(ctx, t)
		}
		tk := time.NewTicker(t.reg.MinimumInterval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				h.run(ctx, t)
			}
		}
	}()
}

func (h *LocalHost) run(ctx context.Context, t *localTask) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error(ctx, "background task panicked",
				logger.String("task", t.reg.Name), logger.Any("panic", r))
			t.record(worker.ResultFailed)
		}
	}()

	res := t.fn(ctx)
	t.record(res)
	h.logger.Info(ctx, "background task finished",
		logger.String("task", t.reg.Name), logger.String("result", res.String()))
}

func (t *localTask) record(res worker.Result) {
	t.mu.Lock()
	t.runs++
	t.last = res
	t.lastRun = time.Now()
	t.mu.Unlock()
}
