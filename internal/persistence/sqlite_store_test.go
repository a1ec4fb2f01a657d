package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arzhang/goftar/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(dir, "goftar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestJob(id, userID string, status jobs.Status, createdAt time.Time) *jobs.MediaJob {
	return &jobs.MediaJob{
		ID:         id,
		UserID:     userID,
		Title:      "lecture " + id,
		SourcePath: "/uploads/" + id + ".mp3",
		Vendor:     jobs.VendorEboo,
		Status:     status,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestSQLiteStore_JobRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	job := newTestJob("job-1", "user-1", jobs.StatusPending, created)
	job.IsVideo = true
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.UserID, got.UserID)
	assert.Equal(t, jobs.VendorEboo, got.Vendor)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.True(t, got.IsVideo)

	_, err = store.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestSQLiteStore_FieldUpdates(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-1", "user-1", jobs.StatusPending, time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	require.NoError(t, store.SetProcessing(ctx, "job-1", "handle-42"))
	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
	assert.Equal(t, "handle-42", got.TaskHandle)

	// Requeue drops the handle in the same update as the status reset.
	require.NoError(t, store.Requeue(ctx, "job-1"))
	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Empty(t, got.TaskHandle)

	require.NoError(t, store.SetFailed(ctx, "job-1", "network error"))
	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "network error", got.ErrorMessage)

	// Completion clears any previous error message.
	require.NoError(t, store.SetCompleted(ctx, "job-1", "transcript text"))
	require.NoError(t, store.SetSummary(ctx, "job-1", "short summary"))
	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, "transcript text", got.Transcript)
	assert.Equal(t, "short summary", got.Summary)
	assert.Empty(t, got.ErrorMessage)

	assert.ErrorIs(t, store.SetStatus(ctx, "missing", jobs.StatusPending), jobs.ErrNotFound)
}

func TestSQLiteStore_OldestPendingOrderAndExclusion(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.CreateJob(ctx, newTestJob("job-b", "user-1", jobs.StatusPending, base.Add(time.Second))))
	require.NoError(t, store.CreateJob(ctx, newTestJob("job-a", "user-1", jobs.StatusPending, base)))
	require.NoError(t, store.CreateJob(ctx, newTestJob("job-c", "user-2", jobs.StatusPending, base)))

	got, err := store.OldestPending(ctx, "user-1", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-a", got.ID)

	got, err = store.OldestPending(ctx, "user-1", "job-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "job-b", got.ID)

	got, err = store.OldestPending(ctx, "user-3", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_HasProcessingExcludesSelf(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(ctx, newTestJob("job-1", "user-1", jobs.StatusProcessing, now)))

	has, err := store.HasProcessing(ctx, "user-1", "")
	require.NoError(t, err)
	assert.True(t, has)

	// The just-finished job must not count as an active one.
	has, err = store.HasProcessing(ctx, "user-1", "job-1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSQLiteStore_UsersWithPendingAndProcessingWithHandle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.CreateJob(ctx, newTestJob("job-1", "user-1", jobs.StatusPending, now)))
	require.NoError(t, store.CreateJob(ctx, newTestJob("job-2", "user-2", jobs.StatusPending, now)))
	require.NoError(t, store.CreateJob(ctx, newTestJob("job-3", "user-2", jobs.StatusCompleted, now)))

	stuck := newTestJob("job-4", "user-3", jobs.StatusProcessing, now)
	stuck.TaskHandle = "handle-9"
	require.NoError(t, store.CreateJob(ctx, stuck))
	// Processing job without a handle is invisible to the reaper.
	require.NoError(t, store.CreateJob(ctx, newTestJob("job-5", "user-4", jobs.StatusProcessing, now)))

	users, err := store.UsersWithPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1", "user-2"}, users)

	processing, err := store.ProcessingWithHandle(ctx)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, "job-4", processing[0].ID)
}

func TestSQLiteStore_ImportBatchRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	batch := &jobs.ImportBatch{
		ID:        "batch-1",
		UserID:    "user-1",
		SourceURL: "https://example.com/playlist",
		Status:    jobs.BatchCreated,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.CreateBatch(ctx, batch))

	items := []*jobs.ImportItem{
		{ID: "item-1", Title: "part one", URL: "https://example.com/1.mp4", IsVideo: true},
		{ID: "item-2", Title: "part two", URL: "https://example.com/2.mp3", Duration: 120},
	}
	require.NoError(t, store.AddItems(ctx, "batch-1", items))
	require.NoError(t, store.SetBatchStatus(ctx, "batch-1", jobs.BatchReady, ""))

	got, err := store.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.BatchReady, got.Status)

	listed, err := store.ListItems(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	// Discovery order is preserved.
	assert.Equal(t, "item-1", listed[0].ID)
	assert.True(t, listed[0].IsVideo)
	assert.Equal(t, float64(120), listed[1].Duration)
}
