package jobs

import (
	"context"
	"errors"
)

// ErrNotFound is returned by store lookups for missing records.
var ErrNotFound = errors.New("record not found")

// Store persists media jobs and import batches. Every mutation is a single
// row-level atomic update; the queue invariants themselves are enforced by
// the scheduler, not here.
type Store interface {
	CreateJob(ctx context.Context, job *MediaJob) error
	GetJob(ctx context.Context, id string) (*MediaJob, error)
	DeleteJob(ctx context.Context, id string) error

	// SetStatus updates only the status column.
	SetStatus(ctx context.Context, id string, status Status) error
	// Requeue resets a stuck job to pending and clears its execution handle.
	Requeue(ctx context.Context, id string) error
	// SetProcessing records the execution handle together with the
	// pending→processing transition.
	SetProcessing(ctx context.Context, id string, handle string) error
	// SetCompleted stores the transcript and clears any error message.
	SetCompleted(ctx context.Context, id string, transcript string) error
	// SetSummary stores the optional post-processing summary.
	SetSummary(ctx context.Context, id string, summary string) error
	// SetFailed stores a human-readable error message.
	SetFailed(ctx context.Context, id string, message string) error

	// OldestPending returns the user's oldest pending job by creation time,
	// excluding excludeID; nil when the user has no pending work.
	OldestPending(ctx context.Context, userID string, excludeID string) (*MediaJob, error)
	// HasProcessing reports whether the user has a processing job other than
	// excludeID.
	HasProcessing(ctx context.Context, userID string, excludeID string) (bool, error)
	// UsersWithPending lists distinct owners of pending jobs.
	UsersWithPending(ctx context.Context) ([]string, error)
	// ProcessingWithHandle lists processing jobs that carry an execution
	// handle, for the stuck-job reaper.
	ProcessingWithHandle(ctx context.Context) ([]*MediaJob, error)

	CreateBatch(ctx context.Context, batch *ImportBatch) error
	GetBatch(ctx context.Context, id string) (*ImportBatch, error)
	// SetBatchStatus updates the batch status and error message.
	SetBatchStatus(ctx context.Context, id string, status BatchStatus, errorMessage string) error
	// AddItems writes the discovery snapshot for a batch.
	AddItems(ctx context.Context, batchID string, items []*ImportItem) error
	ListItems(ctx context.Context, batchID string) ([]*ImportItem, error)
}
