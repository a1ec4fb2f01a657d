package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arzhang/goftar/pkg/log"
	"github.com/google/uuid"
)

// State describes one background execution as seen through its handle.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateRevoked State = "revoked"
	// StateUnknown is reported for handles the runner has no record of,
	// e.g. after a process restart.
	StateUnknown State = "unknown"
)

// Task is one unit of background work. The context is cancelled when the
// execution is revoked or the runner stops.
type Task func(ctx context.Context) error

type entry struct {
	fn         Task
	state      State
	runCtx     context.Context
	cancel     context.CancelFunc
	finishedAt time.Time
}

// Runner is an in-process execution system: a fixed worker pool dispatching
// enqueued tasks identified by opaque handles. It satisfies the
// enqueue/queryState/cancel contract the scheduler and reaper depend on.
type Runner struct {
	workerCount int
	maxEntries  int

	mu       sync.Mutex
	entries  map[string]*entry
	pending  chan string
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(workerCount int) *Runner {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Runner{
		workerCount: workerCount,
		maxEntries:  1000,
		entries:     make(map[string]*entry),
		pending:     make(chan string, 1024),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker pool. Safe to call once.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.workerCount; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop cancels running tasks and waits for the workers to drain.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		for _, e := range r.entries {
			if e.state == StateRunning && e.cancel != nil {
				e.cancel()
			}
		}
		r.mu.Unlock()

		r.wg.Wait()
	})
}

// Enqueue registers a task and returns its handle.
func (r *Runner) Enqueue(fn Task) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("task is nil")
	}

	handle := uuid.NewString()
	r.mu.Lock()
	r.entries[handle] = &entry{fn: fn, state: StatePending}
	r.pruneLocked()
	r.mu.Unlock()

	select {
	case r.pending <- handle:
	default:
		go func() {
			select {
			case r.pending <- handle:
			case <-r.stopCh:
			}
		}()
	}
	return handle, nil
}

// QueryState reports the execution state for a handle.
func (r *Runner) QueryState(handle string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handle]
	if !ok {
		return StateUnknown
	}
	return e.state
}

// Cancel revokes a pending execution or interrupts a running one.
// Best-effort: unknown and terminal handles are left as they are.
func (r *Runner) Cancel(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handle]
	if !ok {
		return
	}
	switch e.state {
	case StatePending:
		e.state = StateRevoked
		e.finishedAt = time.Now()
	case StateRunning:
		e.state = StateRevoked
		e.finishedAt = time.Now()
		if e.cancel != nil {
			e.cancel()
		}
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case handle := <-r.pending:
			fn, ok := r.markRunning(handle)
			if !ok {
				continue
			}
			r.run(handle, fn)
		}
	}
}

func (r *Runner) markRunning(handle string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handle]
	if !ok || e.state != StatePending {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.state = StateRunning
	e.runCtx = ctx
	e.cancel = cancel
	return e.fn, true
}

func (r *Runner) run(handle string, fn Task) {
	r.mu.Lock()
	e := r.entries[handle]
	ctx := e.runCtx
	r.mu.Unlock()

	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("task panic: %v", rec)
				log.Error("Execution %s panicked: %v", handle, rec)
			}
		}()
		err = fn(ctx)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handle]
	if !ok || e.state == StateRevoked {
		return
	}
	e.finishedAt = time.Now()
	if err != nil {
		e.state = StateFailed
		return
	}
	e.state = StateDone
}

// pruneLocked drops the oldest terminal entries once the table grows past
// maxEntries, mirroring queue pruning so handles do not accumulate forever.
func (r *Runner) pruneLocked() {
	if r.maxEntries <= 0 || len(r.entries) <= r.maxEntries {
		return
	}

	type candidate struct {
		handle     string
		finishedAt time.Time
	}
	terminal := make([]candidate, 0, len(r.entries))
	for h, e := range r.entries {
		if e.state == StatePending || e.state == StateRunning {
			continue
		}
		terminal = append(terminal, candidate{handle: h, finishedAt: e.finishedAt})
	}
	if len(terminal) == 0 {
		return
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].finishedAt.Before(terminal[j].finishedAt)
	})

	toRemove := len(r.entries) - r.maxEntries
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}
	for i := 0; i < toRemove; i++ {
		delete(r.entries, terminal[i].handle)
	}
}
