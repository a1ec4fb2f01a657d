package reaper

import (
	"context"

	"github.com/arzhang/goftar/internal/jobs"
	"github.com/arzhang/goftar/internal/runner"
	"github.com/arzhang/goftar/pkg/log"
)

// StateQuerier reports the execution state behind a task handle. Satisfied
// by runner.Runner.
type StateQuerier interface {
	QueryState(handle string) runner.State
}

// Advancer nudges a user's queue after a job has been requeued. Satisfied by
// scheduler.Scheduler.
type Advancer interface {
	MaybeDispatch(ctx context.Context, userID string) error
}

// Reaper recovers jobs stranded in processing: rows whose execution handle
// no longer maps to live work, typically after a process restart or a worker
// that died without reporting. Stranded jobs go back to pending so the
// scheduler can run them again.
type Reaper struct {
	store    jobs.Store
	states   StateQuerier
	advancer Advancer
}

func New(store jobs.Store, states StateQuerier, advancer Advancer) *Reaper {
	return &Reaper{store: store, states: states, advancer: advancer}
}

// Sweep inspects every processing job that carries an execution handle and
// requeues the ones whose execution is gone, revoked or failed. A handle in
// pending, running or done state is left alone: the task owns that row.
func (r *Reaper) Sweep(ctx context.Context) error {
	stuck, err := r.store.ProcessingWithHandle(ctx)
	if err != nil {
		return err
	}

	requeuedUsers := make(map[string]struct{})
	for _, job := range stuck {
		state := r.states.QueryState(job.TaskHandle)
		switch state {
		case runner.StateUnknown, runner.StateRevoked, runner.StateFailed:
			log.Warn("Requeueing stuck job %s (execution %s is %s)", job.ID, job.TaskHandle, state)
			if err := r.store.Requeue(ctx, job.ID); err != nil {
				log.Error("Failed to requeue job %s: %v", job.ID, err)
				continue
			}
			requeuedUsers[job.UserID] = struct{}{}
		}
	}

	if r.advancer != nil {
		for userID := range requeuedUsers {
			if err := r.advancer.MaybeDispatch(ctx, userID); err != nil {
				log.Error("Dispatch after requeue for user %s failed: %v", userID, err)
			}
		}
	}
	return nil
}
