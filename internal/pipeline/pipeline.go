package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/arzhang/goftar/internal/jobs"
	"github.com/arzhang/goftar/internal/media"
	"github.com/arzhang/goftar/internal/segment"
	"github.com/arzhang/goftar/internal/stt"
	"github.com/arzhang/goftar/internal/summarize"
	"github.com/arzhang/goftar/pkg/file"
	"github.com/arzhang/goftar/pkg/log"
	"github.com/google/uuid"
)

// Pipeline runs one media job end to end: source resolution, audio
// extraction, segmentation, per-chunk transcription, transcript assembly and
// optional summarization. Every terminal outcome is written back to the
// store before Process returns.
type Pipeline struct {
	store      jobs.Store
	ffmpeg     *media.FFmpeg
	segmenter  *segment.Segmenter
	registry   *stt.Registry
	summarizer *summarize.Summarizer
	workDir    string
	httpClient *http.Client
}

func New(store jobs.Store, ffmpeg *media.FFmpeg, segmenter *segment.Segmenter, registry *stt.Registry, summarizer *summarize.Summarizer, workDir string) *Pipeline {
	return &Pipeline{
		store:      store,
		ffmpeg:     ffmpeg,
		segmenter:  segmenter,
		registry:   registry,
		summarizer: summarizer,
		workDir:    workDir,
		httpClient: &http.Client{Timeout: 30 * time.Minute},
	}
}

// Process transcribes the job with the given id. It is the task body handed
// to the background runner; the returned error only feeds the runner's
// execution state, the job row itself always ends up completed or failed.
func (p *Pipeline) Process(ctx context.Context, jobID string) (err error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	// Intermediate files created below. The original source is never on
	// this list; only what this run produced gets removed.
	var scratch []string
	defer func() {
		for _, f := range scratch {
			if rmErr := os.Remove(f); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warn("Failed to remove scratch file %s: %v", f, rmErr)
			}
		}
	}()

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		log.Error("Job %s panicked: %v", jobID, rec)
		// A panic raised after the transcript landed (summarization, the
		// summary write) must not flip a completed job back to failed.
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if current, getErr := p.store.GetJob(sctx, jobID); getErr == nil && current.IsTerminal() {
			err = fmt.Errorf("internal processing error: %v", rec)
			return
		}
		err = p.fail(jobID, fmt.Sprintf("internal processing error: %v", rec))
	}()

	client, ok := p.registry.Client(job.Vendor)
	if !ok {
		return p.fail(jobID, fmt.Sprintf("unknown transcription vendor %q", job.Vendor))
	}

	sourcePath := job.SourcePath
	if sourcePath == "" {
		if job.SourceURL == "" {
			return p.fail(jobID, "job has neither a source file nor a source URL")
		}
		downloaded, dlErr := p.download(ctx, job.SourceURL)
		if dlErr != nil {
			log.Error("Job %s: download failed: %v", jobID, dlErr)
			return p.fail(jobID, fmt.Sprintf("download failed: %v", dlErr))
		}
		scratch = append(scratch, downloaded)
		sourcePath = downloaded
	}
	if !file.Exists(sourcePath) {
		return p.fail(jobID, fmt.Sprintf("source file not found: %s", sourcePath))
	}

	audioPath := sourcePath
	if job.IsVideo {
		extracted, exErr := p.ffmpeg.ExtractAudio(ctx, sourcePath, p.workDir)
		if exErr != nil {
			log.Error("Job %s: audio extraction failed: %v", jobID, exErr)
			return p.fail(jobID, "audio extraction error")
		}
		scratch = append(scratch, extracted)
		audioPath = extracted
	}

	maxChunk := job.Vendor.MaxChunkSeconds()
	duration, durErr := p.ffmpeg.Duration(ctx, audioPath)
	if durErr != nil {
		log.Error("Job %s: probing duration failed: %v", jobID, durErr)
		return p.fail(jobID, fmt.Sprintf("could not read media duration: %v", durErr))
	}
	log.Info("Job %s: %s, %.1fs, vendor %s (chunk limit %.0fs)",
		jobID, filepath.Base(audioPath), duration, job.Vendor, maxChunk)

	if duration < segment.MinExportSeconds {
		return p.fail(jobID, "no valid audio produced")
	}

	var chunks []string
	if duration <= maxChunk {
		chunks = []string{audioPath}
	} else {
		planned, segErr := p.segmenter.Segment(ctx, audioPath, maxChunk)
		if segErr != nil {
			log.Error("Job %s: segmentation failed: %v", jobID, segErr)
			return p.fail(jobID, fmt.Sprintf("segmentation failed: %v", segErr))
		}
		scratch = append(scratch, planned...)
		chunks = planned
	}

	valid := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if !file.Exists(c) {
			log.Warn("Job %s: chunk %s missing on disk, skipping", jobID, filepath.Base(c))
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return p.fail(jobID, "no valid audio produced")
	}

	// Chunks go to the vendor strictly in order. A failed chunk is logged
	// and skipped; the transcript is assembled from whatever succeeded.
	texts := make([]string, 0, len(valid))
	for i, chunk := range valid {
		text, sttErr := client.Process(ctx, chunk)
		if sttErr != nil {
			log.Error("Job %s: chunk %d/%d failed: %v", jobID, i+1, len(valid), sttErr)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			log.Warn("Job %s: chunk %d/%d came back empty", jobID, i+1, len(valid))
			continue
		}
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return p.fail(jobID, "transcription produced an empty result")
	}

	transcript := strings.Join(texts, "\n\n")
	if err := p.store.SetCompleted(ctx, jobID, transcript); err != nil {
		return fmt.Errorf("store transcript for %s: %w", jobID, err)
	}
	log.Info("Job %s completed: %d/%d chunks, %d chars", jobID, len(texts), len(valid), len(transcript))

	// Summarization is best effort: a failure here never touches the
	// completed status.
	if p.summarizer != nil && p.summarizer.Enabled() {
		summary, sumErr := p.summarizer.Summarize(ctx, transcript)
		if sumErr != nil {
			log.Warn("Job %s: summarization failed: %v", jobID, sumErr)
		} else if err := p.store.SetSummary(ctx, jobID, summary); err != nil {
			log.Warn("Job %s: storing summary failed: %v", jobID, err)
		}
	}
	return nil
}

// fail marks the job failed and returns the same message as an error for the
// runner's execution record.
func (p *Pipeline) fail(jobID string, message string) error {
	// A fresh context: the job context may already be cancelled and the
	// terminal status must still land in the store.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.SetFailed(ctx, jobID, message); err != nil {
		log.Error("Failed to mark job %s failed: %v", jobID, err)
	}
	return fmt.Errorf("%s", message)
}

// download fetches a remote source into the work directory, keeping the URL
// path's extension so ffmpeg and the vendors can sniff the container.
func (p *Pipeline) download(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	ext := ".bin"
	if u, parseErr := url.Parse(rawURL); parseErr == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = e
		}
	}
	target := filepath.Join(p.workDir, fmt.Sprintf("download_%s%s", uuid.NewString()[:8], ext))

	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	return target, nil
}
