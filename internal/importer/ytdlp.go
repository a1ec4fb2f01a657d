package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arzhang/goftar/pkg/executor"
)

// YtDlpDiscoverer resolves links through yt-dlp: a single video yields one
// candidate, playlists and channels yield one per entry. Only metadata is
// fetched, never the media itself.
type YtDlpDiscoverer struct {
	cmd  string
	exec executor.Executor
}

func NewYtDlpDiscoverer(exec executor.Executor) *YtDlpDiscoverer {
	return &YtDlpDiscoverer{cmd: "yt-dlp", exec: exec}
}

// ytDlpEntry is the subset of yt-dlp's --dump-json output we care about.
type ytDlpEntry struct {
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Webpage  string  `json:"webpage_url"`
	Duration float64 `json:"duration"`
	VCodec   string  `json:"vcodec"`
}

func (d *YtDlpDiscoverer) Discover(ctx context.Context, sourceURL string) ([]Candidate, error) {
	output, err := d.exec.Execute(ctx, d.cmd,
		"--flat-playlist",
		"--dump-json",
		"--no-warnings",
		sourceURL,
	)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp: %w", err)
	}

	// One JSON object per line, one line per discovered entry.
	candidates := make([]Candidate, 0)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry ytDlpEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		url := entry.URL
		if url == "" {
			url = entry.Webpage
		}
		if url == "" {
			continue
		}
		title := entry.Title
		if title == "" {
			title = url
		}
		candidates = append(candidates, Candidate{
			Title:    title,
			URL:      url,
			IsVideo:  entry.VCodec != "" && entry.VCodec != "none",
			Duration: entry.Duration,
		})
	}
	return candidates, nil
}
