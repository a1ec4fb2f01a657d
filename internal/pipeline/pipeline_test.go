package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arzhang/goftar/internal/config"
	"github.com/arzhang/goftar/internal/jobs"
	"github.com/arzhang/goftar/internal/media"
	"github.com/arzhang/goftar/internal/persistence"
	"github.com/arzhang/goftar/internal/segment"
	"github.com/arzhang/goftar/internal/stt"
	"github.com/arzhang/goftar/internal/summarize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec scripts ffmpeg/ffprobe: durations are looked up by basename,
// silence detection replays a fixed timestamp list, and export/extract
// commands create their output file so existence checks hold.
type fakeExec struct {
	durations   map[string]float64
	defaultDur  float64
	silenceEnds []float64
}

func (f *fakeExec) Execute(ctx context.Context, name string, args ...string) (string, error) {
	if name == "ffprobe" {
		target := filepath.Base(args[len(args)-1])
		d, ok := f.durations[target]
		if !ok {
			if f.defaultDur <= 0 {
				return "", fmt.Errorf("no scripted duration for %s", target)
			}
			d = f.defaultDur
		}
		return fmt.Sprintf(`{"format":{"duration":"%g"}}`, d), nil
	}
	// ffmpeg extract/export: materialize the output file.
	out := args[len(args)-1]
	if err := os.WriteFile(out, []byte("RIFF"), 0644); err != nil {
		return "", err
	}
	return "", nil
}

func (f *fakeExec) ExecuteCombined(ctx context.Context, name string, args ...string) (string, error) {
	var b strings.Builder
	for _, s := range f.silenceEnds {
		fmt.Fprintf(&b, "[silencedetect @ 0x1] silence_end: %g | silence_duration: 0.8\n", s)
	}
	return b.String(), nil
}

// fakeSTT returns scripted text or errors keyed by chunk basename;
// defaultResult covers files with generated names.
type fakeSTT struct {
	vendor        jobs.Vendor
	results       map[string]string
	defaultResult string
	errs          map[string]error
	calls         []string
}

func (f *fakeSTT) Vendor() jobs.Vendor { return f.vendor }

func (f *fakeSTT) Process(ctx context.Context, filePath string) (string, error) {
	base := filepath.Base(filePath)
	f.calls = append(f.calls, base)
	if err, ok := f.errs[base]; ok {
		return "", err
	}
	if text, ok := f.results[base]; ok {
		return text, nil
	}
	return f.defaultResult, nil
}

type fixture struct {
	store    *persistence.SQLiteStore
	exec     *fakeExec
	sttFake  *fakeSTT
	pipeline *Pipeline
	workDir  string
}

func newFixture(t *testing.T, exec *fakeExec, sttFake *fakeSTT, summarizer *summarize.Summarizer) *fixture {
	t.Helper()

	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ff := media.NewFFmpeg(exec)
	seg := segment.New(ff, config.SegmentConfig{
		MinChunkSeconds:    60,
		SilenceThresholdDb: -35,
		MinSilenceSeconds:  0.6,
	})
	registry := stt.NewRegistry(config.VendorConfig{})
	registry.Register(sttFake)

	workDir := t.TempDir()
	return &fixture{
		store:    store,
		exec:     exec,
		sttFake:  sttFake,
		pipeline: New(store, ff, seg, registry, summarizer, workDir),
		workDir:  workDir,
	}
}

func createProcessingJob(t *testing.T, store jobs.Store, job *jobs.MediaJob) {
	t.Helper()
	if job.Status == "" {
		job.Status = jobs.StatusProcessing
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
}

func writeSource(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0644))
	return path
}

func TestPipeline_SingleChunkCompletes(t *testing.T) {
	source := writeSource(t, "short.wav")
	exec := &fakeExec{durations: map[string]float64{"short.wav": 120}}
	fake := &fakeSTT{
		vendor:  jobs.VendorEboo,
		results: map[string]string{"short.wav": "hello world"},
	}
	fx := newFixture(t, exec, fake, nil)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-1", UserID: "u1", Title: "short",
		SourcePath: source, Vendor: jobs.VendorEboo,
	})

	require.NoError(t, fx.pipeline.Process(context.Background(), "job-1"))

	job, err := fx.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "hello world", job.Transcript)
	assert.Empty(t, job.ErrorMessage)

	// The original source is never part of cleanup.
	assert.FileExists(t, source)
	assert.Equal(t, []string{"short.wav"}, fake.calls)
}

func TestPipeline_SegmentedPartialFailure(t *testing.T) {
	source := writeSource(t, "long.wav")
	exec := &fakeExec{
		durations: map[string]float64{
			"long.wav":           900,
			"long_chunk_000.wav": 400,
			"long_chunk_001.wav": 500,
		},
		silenceEnds: []float64{400, 850},
	}
	fake := &fakeSTT{
		vendor:  jobs.VendorEboo,
		results: map[string]string{"long_chunk_000.wav": "first part"},
		errs:    map[string]error{"long_chunk_001.wav": fmt.Errorf("vendor rejected chunk")},
	}
	fx := newFixture(t, exec, fake, nil)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-2", UserID: "u1", Title: "long",
		SourcePath: source, Vendor: jobs.VendorEboo,
	})

	require.NoError(t, fx.pipeline.Process(context.Background(), "job-2"))

	job, err := fx.store.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "first part", job.Transcript)

	// Chunks were sent in order and removed afterwards; the source stays.
	assert.Equal(t, []string{"long_chunk_000.wav", "long_chunk_001.wav"}, fake.calls)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(source), "long_chunk_000.wav"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(source), "long_chunk_001.wav"))
	assert.FileExists(t, source)
}

func TestPipeline_MultiChunkTranscriptJoin(t *testing.T) {
	source := writeSource(t, "talk.wav")
	exec := &fakeExec{
		durations: map[string]float64{
			"talk.wav":           900,
			"talk_chunk_000.wav": 400,
			"talk_chunk_001.wav": 500,
		},
		silenceEnds: []float64{400, 850},
	}
	fake := &fakeSTT{
		vendor: jobs.VendorEboo,
		results: map[string]string{
			"talk_chunk_000.wav": "first part",
			"talk_chunk_001.wav": "second part",
		},
	}
	fx := newFixture(t, exec, fake, nil)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-3", UserID: "u1", SourcePath: source, Vendor: jobs.VendorEboo,
	})

	require.NoError(t, fx.pipeline.Process(context.Background(), "job-3"))

	job, err := fx.store.GetJob(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, "first part\n\nsecond part", job.Transcript)
}

func TestPipeline_AllChunksFailing(t *testing.T) {
	source := writeSource(t, "bad.wav")
	exec := &fakeExec{durations: map[string]float64{"bad.wav": 100}}
	fake := &fakeSTT{
		vendor: jobs.VendorEboo,
		errs:   map[string]error{"bad.wav": fmt.Errorf("service unavailable")},
	}
	fx := newFixture(t, exec, fake, nil)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-4", UserID: "u1", SourcePath: source, Vendor: jobs.VendorEboo,
	})

	err := fx.pipeline.Process(context.Background(), "job-4")
	require.Error(t, err)

	job, getErr := fx.store.GetJob(context.Background(), "job-4")
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "empty result")
}

func TestPipeline_VideoExtractsAudio(t *testing.T) {
	source := writeSource(t, "meeting.mp4")
	// The extracted wav gets a random suffix, so duration and transcript
	// come from the fakes' defaults.
	exec := &fakeExec{defaultDur: 90}
	fake := &fakeSTT{vendor: jobs.VendorEboo, defaultResult: "video speech"}
	fx := newFixture(t, exec, fake, nil)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-5", UserID: "u1", SourcePath: source,
		IsVideo: true, Vendor: jobs.VendorEboo,
	})

	require.NoError(t, fx.pipeline.Process(context.Background(), "job-5"))

	job, err := fx.store.GetJob(context.Background(), "job-5")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "video speech", job.Transcript)

	// The extracted wav is removed from the work directory, the video stays.
	leftovers, err := filepath.Glob(filepath.Join(fx.workDir, "*.wav"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
	assert.FileExists(t, source)
}

func TestPipeline_DownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	exec := &fakeExec{durations: map[string]float64{}}
	fake := &fakeSTT{vendor: jobs.VendorEboo}
	fx := newFixture(t, exec, fake, nil)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-6", UserID: "u1",
		SourceURL: srv.URL + "/media/file.mp3", Vendor: jobs.VendorEboo,
	})

	err := fx.pipeline.Process(context.Background(), "job-6")
	require.Error(t, err)

	job, getErr := fx.store.GetJob(context.Background(), "job-6")
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "download failed")
}

func TestPipeline_DownloadedSourceIsTranscribedAndCleaned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ID3 fake mp3 payload"))
	}))
	defer srv.Close()

	exec := &fakeExec{defaultDur: 120}
	fake := &fakeSTT{vendor: jobs.VendorVira, defaultResult: "downloaded speech"}
	fx := newFixture(t, exec, fake, nil)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-7", UserID: "u1",
		SourceURL: srv.URL + "/audio/lecture.mp3", Vendor: jobs.VendorVira,
	})

	require.NoError(t, fx.pipeline.Process(context.Background(), "job-7"))

	job, err := fx.store.GetJob(context.Background(), "job-7")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "downloaded speech", job.Transcript)

	// The downloaded temp file is removed from the work directory.
	leftovers, err := filepath.Glob(filepath.Join(fx.workDir, "download_*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestPipeline_SummarizerFailureKeepsCompleted(t *testing.T) {
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer llmSrv.Close()

	summarizer := summarize.New(config.LLMConfig{
		APIKey: "key", APIURL: llmSrv.URL, Model: "m", Timeout: 5,
	})
	require.True(t, summarizer.Enabled())

	source := writeSource(t, "short.wav")
	exec := &fakeExec{durations: map[string]float64{"short.wav": 60}}
	fake := &fakeSTT{
		vendor:  jobs.VendorEboo,
		results: map[string]string{"short.wav": "transcribed text"},
	}
	fx := newFixture(t, exec, fake, summarizer)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-8", UserID: "u1", SourcePath: source, Vendor: jobs.VendorEboo,
	})

	require.NoError(t, fx.pipeline.Process(context.Background(), "job-8"))

	job, err := fx.store.GetJob(context.Background(), "job-8")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "transcribed text", job.Transcript)
	assert.Empty(t, job.Summary)
}

// summaryPanicStore blows up on the summary write, after the transcript has
// already been persisted.
type summaryPanicStore struct {
	jobs.Store
}

func (s *summaryPanicStore) SetSummary(ctx context.Context, id string, summary string) error {
	panic("summary write exploded")
}

func TestPipeline_PanicAfterCompletionKeepsCompleted(t *testing.T) {
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "gen-1",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "a summary"}},
			},
		})
	}))
	defer llmSrv.Close()

	summarizer := summarize.New(config.LLMConfig{
		APIKey: "key", APIURL: llmSrv.URL, Model: "m", Timeout: 5,
	})
	require.True(t, summarizer.Enabled())

	source := writeSource(t, "short.wav")
	exec := &fakeExec{durations: map[string]float64{"short.wav": 60}}
	fake := &fakeSTT{
		vendor:  jobs.VendorEboo,
		results: map[string]string{"short.wav": "transcribed text"},
	}

	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ff := media.NewFFmpeg(exec)
	seg := segment.New(ff, config.SegmentConfig{
		MinChunkSeconds:    60,
		SilenceThresholdDb: -35,
		MinSilenceSeconds:  0.6,
	})
	registry := stt.NewRegistry(config.VendorConfig{})
	registry.Register(fake)
	pipe := New(&summaryPanicStore{Store: store}, ff, seg, registry, summarizer, t.TempDir())

	createProcessingJob(t, store, &jobs.MediaJob{
		ID: "job-10", UserID: "u1", SourcePath: source, Vendor: jobs.VendorEboo,
	})

	err = pipe.Process(context.Background(), "job-10")
	require.Error(t, err)

	// The job already reached a terminal state, so the recovered panic is
	// reported to the runner but never rewrites the row.
	job, getErr := store.GetJob(context.Background(), "job-10")
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "transcribed text", job.Transcript)
	assert.Empty(t, job.ErrorMessage)
}

func TestPipeline_SubSecondSourceFails(t *testing.T) {
	source := writeSource(t, "blip.wav")
	exec := &fakeExec{durations: map[string]float64{"blip.wav": 0.4}}
	fake := &fakeSTT{vendor: jobs.VendorEboo, defaultResult: "noise"}
	fx := newFixture(t, exec, fake, nil)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-11", UserID: "u1", SourcePath: source, Vendor: jobs.VendorEboo,
	})

	err := fx.pipeline.Process(context.Background(), "job-11")
	require.Error(t, err)

	// A whole-file chunk below the export floor is dropped like any other
	// sub-second chunk, never sent to a vendor.
	job, getErr := fx.store.GetJob(context.Background(), "job-11")
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "no valid audio produced")
	assert.Empty(t, fake.calls)
}

func TestPipeline_UnknownVendor(t *testing.T) {
	source := writeSource(t, "x.wav")
	exec := &fakeExec{durations: map[string]float64{}}
	fake := &fakeSTT{vendor: jobs.VendorEboo}
	fx := newFixture(t, exec, fake, nil)

	createProcessingJob(t, fx.store, &jobs.MediaJob{
		ID: "job-9", UserID: "u1", SourcePath: source, Vendor: jobs.Vendor("whisper"),
	})

	err := fx.pipeline.Process(context.Background(), "job-9")
	require.Error(t, err)

	job, getErr := fx.store.GetJob(context.Background(), "job-9")
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "unknown transcription vendor")
}
