package scheduler

import (
	"context"
	"sync"

	"github.com/arzhang/goftar/internal/jobs"
	"github.com/arzhang/goftar/internal/runner"
	"github.com/arzhang/goftar/pkg/log"
	"golang.org/x/sync/errgroup"
)

// sweepConcurrency caps how many users one safety-net sweep inspects at once.
const sweepConcurrency = 4

// Processor runs one job to a terminal state. Satisfied by pipeline.Pipeline.
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

// Scheduler enforces the per-user queue discipline: at most one processing
// job per user, dispatched oldest first. All dispatch decisions are
// serialized through one mutex so a terminal-event advancement and a
// periodic sweep can never double-dispatch for the same user.
type Scheduler struct {
	store     jobs.Store
	runner    *runner.Runner
	processor Processor

	mu sync.Mutex
}

func New(store jobs.Store, r *runner.Runner, processor Processor) *Scheduler {
	return &Scheduler{store: store, runner: r, processor: processor}
}

// MaybeDispatch starts the user's oldest pending job unless the user already
// has one processing. Safe to call at any time; it is a no-op when there is
// nothing to do.
func (s *Scheduler) MaybeDispatch(ctx context.Context, userID string) error {
	return s.maybeDispatch(ctx, userID, "")
}

// OnJobTerminal advances the user's queue after finishedJobID reached a
// terminal state. The finished job is excluded from the queue checks so a
// not-yet-visible status update cannot stall the queue.
func (s *Scheduler) OnJobTerminal(ctx context.Context, userID string, finishedJobID string) {
	if err := s.maybeDispatch(ctx, userID, finishedJobID); err != nil {
		log.Error("Queue advancement for user %s failed: %v", userID, err)
	}
}

// SweepPending is the cron safety net: it walks every user with pending work
// and dispatches where the slot is free, catching advancements lost to
// crashes or races.
func (s *Scheduler) SweepPending(ctx context.Context) error {
	users, err := s.store.UsersWithPending(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}
	log.Debug("Sweeping pending queues for %d users", len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			return s.maybeDispatch(gctx, userID, "")
		})
	}
	return g.Wait()
}

// DeleteJob removes a job, revoking its background execution when one is in
// flight. The revoked task's own cleanup removes any scratch files it
// created. The owner's queue is advanced afterwards since a processing slot
// may have been freed.
func (s *Scheduler) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.TaskHandle != "" {
		s.runner.Cancel(job.TaskHandle)
	}
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	log.Info("Deleted job %s (was %s)", jobID, job.Status)

	s.OnJobTerminal(ctx, job.UserID, jobID)
	return nil
}

func (s *Scheduler) maybeDispatch(ctx context.Context, userID string, excludeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	busy, err := s.store.HasProcessing(ctx, userID, excludeID)
	if err != nil {
		return err
	}
	if busy {
		return nil
	}

	job, err := s.store.OldestPending(ctx, userID, excludeID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	return s.dispatchLocked(ctx, job)
}

// dispatchLocked enqueues the job and records the pending→processing
// transition. The task body waits for the handle to be persisted before it
// touches the job, so the store never sees a completed job flip back to
// processing.
func (s *Scheduler) dispatchLocked(ctx context.Context, job *jobs.MediaJob) error {
	ready := make(chan struct{})
	task := func(taskCtx context.Context) error {
		select {
		case <-ready:
		case <-taskCtx.Done():
			return taskCtx.Err()
		}
		err := s.processor.Process(taskCtx, job.ID)
		// Both completed and failed are terminal; either way the next job
		// in this user's queue may start.
		s.OnJobTerminal(context.Background(), job.UserID, job.ID)
		return err
	}

	handle, err := s.runner.Enqueue(task)
	if err != nil {
		log.Error("Enqueue for job %s failed: %v", job.ID, err)
		return err
	}
	if err := s.store.SetProcessing(ctx, job.ID, handle); err != nil {
		s.runner.Cancel(handle)
		close(ready)
		log.Error("Claiming job %s failed, execution revoked: %v", job.ID, err)
		return err
	}
	close(ready)

	log.Info("Dispatched job %s for user %s (execution %s)", job.ID, job.UserID, handle)
	return nil
}
