package media

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/arzhang/goftar/pkg/executor"
	"github.com/arzhang/goftar/pkg/file"
	"github.com/arzhang/goftar/pkg/log"
	"github.com/google/uuid"
)

var silenceEndRe = regexp.MustCompile(`silence_end:\s*([0-9]+(?:\.[0-9]+)?)`)

// FFmpeg wraps the ffmpeg/ffprobe command line tools. All audio it produces
// is mono, 16 kHz, 16-bit PCM, the format the STT vendors expect.
type FFmpeg struct {
	ffmpegCmd  string
	ffprobeCmd string
	exec       executor.Executor
}

func NewFFmpeg(exec executor.Executor) *FFmpeg {
	return &FFmpeg{
		ffmpegCmd:  "ffmpeg",
		ffprobeCmd: "ffprobe",
		exec:       exec,
	}
}

// ExtractAudio pulls the audio track out of a video file into a WAV in outDir.
func (f *FFmpeg) ExtractAudio(ctx context.Context, videoPath string, outDir string) (string, error) {
	base := file.BaseName(videoPath)
	output := filepath.Join(outDir, fmt.Sprintf("%s_%s.wav", base, uuid.NewString()[:8]))

	args := []string{
		"-y",
		"-i", videoPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-acodec", "pcm_s16le",
		output,
	}
	if _, err := f.exec.Execute(ctx, f.ffmpegCmd, args...); err != nil {
		return "", fmt.Errorf("ffmpeg extract audio: %w", err)
	}
	return output, nil
}

// Duration reports a media file's duration in seconds via ffprobe.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	}
	output, err := f.exec.Execute(ctx, f.ffprobeCmd, args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w", err)
	}

	var probeResult struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal([]byte(output), &probeResult); err != nil {
		log.Error("Failed to parse ffprobe output: %v", err)
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	duration, err := strconv.ParseFloat(probeResult.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", probeResult.Format.Duration, err)
	}
	return duration, nil
}

// DetectSilence runs the silencedetect filter and returns the ordered
// silence-end timestamps in seconds. ffmpeg reports filter results on
// stderr, hence the combined-output execution.
func (f *FFmpeg) DetectSilence(ctx context.Context, path string, thresholdDb float64, minSilenceSeconds float64) ([]float64, error) {
	filter := fmt.Sprintf("silencedetect=noise=%sdB:d=%s",
		formatSeconds(thresholdDb), formatSeconds(minSilenceSeconds))
	args := []string{
		"-i", path,
		"-af", filter,
		"-f", "null",
		"-",
	}
	output, err := f.exec.ExecuteCombined(ctx, f.ffmpegCmd, args...)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg silencedetect: %w", err)
	}

	matches := silenceEndRe.FindAllStringSubmatch(output, -1)
	points := make([]float64, 0, len(matches))
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		points = append(points, v)
	}
	return points, nil
}

// ExportChunk writes the [start, start+duration) slice of src to outPath as
// mono 16 kHz PCM16 WAV.
func (f *FFmpeg) ExportChunk(ctx context.Context, src string, start, duration float64, outPath string) error {
	args := []string{
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(duration),
		"-i", src,
		"-ac", "1",
		"-ar", "16000",
		"-acodec", "pcm_s16le",
		outPath,
	}
	if _, err := f.exec.Execute(ctx, f.ffmpegCmd, args...); err != nil {
		return fmt.Errorf("ffmpeg export chunk: %w", err)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
