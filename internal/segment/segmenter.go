package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arzhang/goftar/internal/config"
	"github.com/arzhang/goftar/internal/media"
	"github.com/arzhang/goftar/pkg/file"
	"github.com/arzhang/goftar/pkg/log"
)

// MinExportSeconds is the shortest chunk worth sending to a vendor. Anything
// below it is an artifact of the cut math, not real audio, and is discarded.
const MinExportSeconds = 1.0

// Segmenter slices a long audio track into vendor-sized chunks on silence
// boundaries. Exported chunks are mono 16 kHz PCM16 WAV files placed next to
// the source file.
type Segmenter struct {
	ff  *media.FFmpeg
	cfg config.SegmentConfig
}

func New(ff *media.FFmpeg, cfg config.SegmentConfig) *Segmenter {
	return &Segmenter{ff: ff, cfg: cfg}
}

// Segment returns the ordered chunk file paths for path. A decoder failure
// is returned as-is; the caller treats it as fatal for the job.
func (s *Segmenter) Segment(ctx context.Context, path string, maxChunkSeconds float64) ([]string, error) {
	total, err := s.ff.Duration(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe duration: %w", err)
	}

	silenceEnds, err := s.ff.DetectSilence(ctx, path, s.cfg.SilenceThresholdDb, s.cfg.MinSilenceSeconds)
	if err != nil {
		return nil, fmt.Errorf("detect silence: %w", err)
	}
	if len(silenceEnds) == 0 {
		log.Info("No silence detected in %s, falling back to fixed %gs intervals", path, maxChunkSeconds)
	}

	spans := PlanCuts(silenceEnds, total, maxChunkSeconds, s.cfg.MinChunkSeconds)
	log.Debug("Planned %d chunks for %s (%.1fs total)", len(spans), path, total)

	base := file.BaseName(path)
	dir := filepath.Dir(path)

	chunks := make([]string, 0, len(spans))
	for i, span := range spans {
		out := filepath.Join(dir, fmt.Sprintf("%s_chunk_%03d.wav", base, i))
		if err := s.ff.ExportChunk(ctx, path, span.Start, span.Duration(), out); err != nil {
			return nil, fmt.Errorf("export chunk %d: %w", i, err)
		}

		exported, err := s.ff.Duration(ctx, out)
		if err != nil {
			log.Warn("Failed to probe exported chunk %s: %v", out, err)
			_ = os.Remove(out)
			continue
		}
		if exported < MinExportSeconds {
			log.Debug("Dropping sub-second chunk %s (%.2fs)", out, exported)
			_ = os.Remove(out)
			continue
		}
		chunks = append(chunks, out)
	}
	return chunks, nil
}
