package jobs

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusUploading  Status = "uploading"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Vendor identifies one speech-to-text provider. The set is closed; adding a
// vendor means a new constant plus a registry entry in internal/stt.
type Vendor string

const (
	VendorEboo   Vendor = "eboo"
	VendorVira   Vendor = "vira"
	VendorScribe Vendor = "scribe"
)

func ParseVendor(s string) (Vendor, error) {
	switch Vendor(s) {
	case VendorEboo, VendorVira, VendorScribe:
		return Vendor(s), nil
	default:
		return "", fmt.Errorf("unknown vendor: %q", s)
	}
}

// MaxChunkSeconds is the longest audio a single request to this vendor may
// carry. Tracks longer than this are segmented before dispatch.
func (v Vendor) MaxChunkSeconds() float64 {
	switch v {
	case VendorVira:
		return 300
	case VendorEboo:
		return 480
	case VendorScribe:
		return 600
	default:
		return 300
	}
}

// MediaJob is one transcription unit. Exactly one of SourcePath/SourceURL is
// set. Status transitions are owned by the pipeline and the scheduler.
type MediaJob struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	SourcePath   string    `json:"source_path"`
	SourceURL    string    `json:"source_url"`
	IsVideo      bool      `json:"is_video"`
	Vendor       Vendor    `json:"vendor"`
	Status       Status    `json:"status"`
	Transcript   string    `json:"transcript,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	TaskHandle   string    `json:"task_handle,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsTerminal reports whether the job reached a final state.
func (j *MediaJob) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

type BatchStatus string

const (
	BatchCreated     BatchStatus = "created"
	BatchDiscovering BatchStatus = "discovering"
	BatchReady       BatchStatus = "ready"
	BatchFailed      BatchStatus = "failed"
)

// ImportBatch is one "import by link" request.
type ImportBatch struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	SourceURL    string      `json:"source_url"`
	Status       BatchStatus `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ImportItem is a discovered media candidate. Items are a read-only snapshot
// of discovery results; they are never mutated, only converted into MediaJobs
// on explicit selection.
type ImportItem struct {
	ID       string  `json:"id"`
	BatchID  string  `json:"batch_id"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	IsVideo  bool    `json:"is_video"`
	Duration float64 `json:"duration,omitempty"`
}
