package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/arzhang/goftar/internal/jobs"
	"github.com/arzhang/goftar/internal/runner"
	"github.com/arzhang/goftar/pkg/log"
	"github.com/google/uuid"
)

// Candidate is one piece of media found behind an import link.
type Candidate struct {
	Title    string
	URL      string
	IsVideo  bool
	Duration float64
}

// Discoverer resolves an import link into the media candidates behind it: a
// direct file yields one candidate, a playlist or channel yields many.
type Discoverer interface {
	Discover(ctx context.Context, sourceURL string) ([]Candidate, error)
}

// Advancer nudges a user's queue after new jobs were created. Satisfied by
// scheduler.Scheduler.
type Advancer interface {
	MaybeDispatch(ctx context.Context, userID string) error
}

// Importer drives the import-by-link flow: discovery runs in the background
// and produces an item snapshot; the user then selects items, which become
// pending jobs in their queue.
type Importer struct {
	store      jobs.Store
	runner     *runner.Runner
	discoverer Discoverer
	advancer   Advancer
}

func New(store jobs.Store, r *runner.Runner, discoverer Discoverer, advancer Advancer) *Importer {
	return &Importer{store: store, runner: r, discoverer: discoverer, advancer: advancer}
}

// StartBatch records the import request and kicks off background discovery.
// The returned batch is in the created state; poll GetBatch for progress.
func (im *Importer) StartBatch(ctx context.Context, userID string, sourceURL string) (*jobs.ImportBatch, error) {
	if sourceURL == "" {
		return nil, fmt.Errorf("source url is required")
	}
	batch := &jobs.ImportBatch{
		ID:        uuid.NewString(),
		UserID:    userID,
		SourceURL: sourceURL,
		Status:    jobs.BatchCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := im.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	if _, err := im.runner.Enqueue(func(taskCtx context.Context) error {
		return im.discover(taskCtx, batch.ID, sourceURL)
	}); err != nil {
		_ = im.store.SetBatchStatus(ctx, batch.ID, jobs.BatchFailed, "could not start discovery")
		return nil, fmt.Errorf("enqueue discovery: %w", err)
	}
	return batch, nil
}

func (im *Importer) discover(ctx context.Context, batchID string, sourceURL string) error {
	if err := im.store.SetBatchStatus(ctx, batchID, jobs.BatchDiscovering, ""); err != nil {
		return err
	}

	candidates, err := im.discoverer.Discover(ctx, sourceURL)
	if err != nil {
		log.Error("Discovery for batch %s failed: %v", batchID, err)
		return im.store.SetBatchStatus(ctx, batchID, jobs.BatchFailed, err.Error())
	}
	if len(candidates) == 0 {
		return im.store.SetBatchStatus(ctx, batchID, jobs.BatchFailed, "no media found at the given link")
	}

	items := make([]*jobs.ImportItem, 0, len(candidates))
	for _, c := range candidates {
		items = append(items, &jobs.ImportItem{
			ID:       uuid.NewString(),
			BatchID:  batchID,
			Title:    c.Title,
			URL:      c.URL,
			IsVideo:  c.IsVideo,
			Duration: c.Duration,
		})
	}
	if err := im.store.AddItems(ctx, batchID, items); err != nil {
		_ = im.store.SetBatchStatus(ctx, batchID, jobs.BatchFailed, "failed to record discovered items")
		return err
	}

	log.Info("Batch %s discovered %d items", batchID, len(items))
	return im.store.SetBatchStatus(ctx, batchID, jobs.BatchReady, "")
}

// SelectItems turns chosen items of a ready batch into pending jobs, in the
// order given, and nudges the owner's queue. Unknown item ids are rejected
// before any job is created.
func (im *Importer) SelectItems(ctx context.Context, batchID string, itemIDs []string, vendor jobs.Vendor) ([]*jobs.MediaJob, error) {
	batch, err := im.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != jobs.BatchReady {
		return nil, fmt.Errorf("batch %s is %s, not ready", batchID, batch.Status)
	}

	items, err := im.store.ListItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*jobs.ImportItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	selected := make([]*jobs.ImportItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("item %s does not belong to batch %s", id, batchID)
		}
		selected = append(selected, item)
	}

	created := make([]*jobs.MediaJob, 0, len(selected))
	for _, item := range selected {
		now := time.Now().UTC()
		job := &jobs.MediaJob{
			ID:        uuid.NewString(),
			UserID:    batch.UserID,
			Title:     item.Title,
			SourceURL: item.URL,
			IsVideo:   item.IsVideo,
			Vendor:    vendor,
			Status:    jobs.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := im.store.CreateJob(ctx, job); err != nil {
			return created, fmt.Errorf("create job for item %s: %w", item.ID, err)
		}
		created = append(created, job)
	}

	if im.advancer != nil && len(created) > 0 {
		if err := im.advancer.MaybeDispatch(ctx, batch.UserID); err != nil {
			log.Error("Dispatch after import for user %s failed: %v", batch.UserID, err)
		}
	}
	return created, nil
}
