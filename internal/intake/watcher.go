package intake

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arzhang/goftar/internal/jobs"
	"github.com/arzhang/goftar/pkg/file"
	"github.com/arzhang/goftar/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

var audioExts = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true,
	".flac": true, ".aac": true, ".wma": true, ".opus": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true,
	".webm": true, ".ts": true, ".m4v": true,
}

// Advancer nudges a user's queue after a new job appeared. Satisfied by
// scheduler.Scheduler.
type Advancer interface {
	MaybeDispatch(ctx context.Context, userID string) error
}

// Watcher turns files dropped into a directory into transcription jobs. A
// file only becomes a job once it has stopped growing, so half-copied media
// never enters the queue.
type Watcher struct {
	dir      string
	userID   string
	vendor   jobs.Vendor
	store    jobs.Store
	advancer Advancer

	settle       time.Duration
	scanInterval time.Duration

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	candidate map[string]fileState
	claimed   map[string]bool
}

type fileState struct {
	size   int64
	seenAt time.Time
}

func NewWatcher(dir string, userID string, vendor jobs.Vendor, store jobs.Store, advancer Advancer) *Watcher {
	return &Watcher{
		dir:          dir,
		userID:       userID,
		vendor:       vendor,
		store:        store,
		advancer:     advancer,
		settle:       2 * time.Second,
		scanInterval: 500 * time.Millisecond,
		stopCh:       make(chan struct{}),
		candidate:    make(map[string]fileState),
		claimed:      make(map[string]bool),
	}
}

// Start begins watching. Files already sitting in the directory are picked
// up as well, so a restart never loses dropped media.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	w.fsw = fsw

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		_ = fsw.Close()
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.note(filepath.Join(w.dir, entry.Name()))
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.settleLoop()
	log.Info("Watching %s for dropped media (user %s, vendor %s)", w.dir, w.userID, w.vendor)
	return nil
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.note(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("Watcher error: %v", err)
		}
	}
}

// note registers a path as a candidate, resetting its settle timer.
func (w *Watcher) note(path string) {
	ext := strings.ToLower(filepath.Ext(path))
	if !audioExts[ext] && !videoExts[ext] {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.claimed[path] {
		return
	}
	w.candidate[path] = fileState{size: info.Size(), seenAt: time.Now()}
}

func (w *Watcher) settleLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep promotes candidates that have been stable for the settle window.
func (w *Watcher) sweep() {
	now := time.Now()

	w.mu.Lock()
	ready := make([]string, 0)
	for path, st := range w.candidate {
		if now.Sub(st.seenAt) < w.settle {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			delete(w.candidate, path)
			continue
		}
		if info.Size() != st.size {
			w.candidate[path] = fileState{size: info.Size(), seenAt: now}
			continue
		}
		ready = append(ready, path)
		delete(w.candidate, path)
		w.claimed[path] = true
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.admit(path)
	}
}

// unclaim releases a path after a failed admission and re-registers it as a
// candidate, so the settle loop retries it instead of dropping it forever.
func (w *Watcher) unclaim(path string) {
	w.mu.Lock()
	delete(w.claimed, path)
	w.mu.Unlock()
	w.note(path)
}

// admit creates the job for a settled file: uploading while it is recorded,
// then pending, then a dispatch nudge.
func (w *Watcher) admit(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ext := strings.ToLower(filepath.Ext(path))
	now := time.Now().UTC()
	job := &jobs.MediaJob{
		ID:         uuid.NewString(),
		UserID:     w.userID,
		Title:      file.BaseName(path),
		SourcePath: path,
		IsVideo:    videoExts[ext],
		Vendor:     w.vendor,
		Status:     jobs.StatusUploading,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := w.store.CreateJob(ctx, job); err != nil {
		log.Error("Failed to create job for %s: %v", path, err)
		w.unclaim(path)
		return
	}
	if err := w.store.SetStatus(ctx, job.ID, jobs.StatusPending); err != nil {
		log.Error("Failed to queue job %s: %v", job.ID, err)
		// Remove the half-admitted row too: nothing picks up uploading
		// jobs, so a later sweep has to restart the admission from scratch.
		if delErr := w.store.DeleteJob(ctx, job.ID); delErr != nil {
			log.Error("Failed to roll back job %s: %v", job.ID, delErr)
		}
		w.unclaim(path)
		return
	}
	log.Info("Queued %s as job %s", filepath.Base(path), job.ID)

	if w.advancer != nil {
		if err := w.advancer.MaybeDispatch(ctx, w.userID); err != nil {
			log.Error("Dispatch after intake for user %s failed: %v", w.userID, err)
		}
	}
}
