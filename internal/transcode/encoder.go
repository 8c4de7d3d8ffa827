// Package transcode runs the rendition ladder: it drives ffmpeg per
// resolution, extracts the thumbnail, and hosts the worker pool that turns
// queued jobs into published HLS trees.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"streamforge/internal/layout"
	"streamforge/internal/models"
)

// ErrPermanent wraps failures that retrying cannot fix, such as an
// unreadable or malformed source file. The worker dead-letters these
// immediately instead of burning the remaining attempts.
var ErrPermanent = errors.New("permanent transcode failure")

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Encoder produces HLS artifacts for a single source file.
type Encoder interface {
	// EncodeRendition writes one rendition's playlist and segments into
	// outputDir.
	EncodeRendition(ctx context.Context, source, outputDir string, step models.LadderStep) error
	// ExtractThumbnail writes a single still frame to outputPath.
	ExtractThumbnail(ctx context.Context, source, outputPath string) error
	// ProbeDuration returns the source duration when the probe tool is
	// available.
	ProbeDuration(ctx context.Context, source string) (time.Duration, error)
}

// FFmpegEncoderConfig configures the ffmpeg-backed encoder.
type FFmpegEncoderConfig struct {
	// FFmpegPath defaults to "ffmpeg" resolved on PATH.
	FFmpegPath string
	// FFprobePath defaults to "ffprobe" resolved on PATH.
	FFprobePath string
	// SegmentSeconds is the HLS segment target duration.
	SegmentSeconds int
	// ThumbnailOffset is where in the source the thumbnail frame is taken.
	ThumbnailOffset time.Duration
	Logger          *slog.Logger
}

// FFmpegEncoder shells out to ffmpeg for every rendition.
type FFmpegEncoder struct {
	ffmpeg          string
	ffprobe         string
	segmentSeconds  int
	thumbnailOffset time.Duration
	logger          *slog.Logger
}

// NewFFmpegEncoder builds an encoder from the configuration.
func NewFFmpegEncoder(cfg FFmpegEncoderConfig) *FFmpegEncoder {
	ffmpeg := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := strings.TrimSpace(cfg.FFprobePath)
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	segmentSeconds := cfg.SegmentSeconds
	if segmentSeconds <= 0 {
		segmentSeconds = 4
	}
	offset := cfg.ThumbnailOffset
	if offset <= 0 {
		offset = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegEncoder{
		ffmpeg:          ffmpeg,
		ffprobe:         ffprobe,
		segmentSeconds:  segmentSeconds,
		thumbnailOffset: offset,
		logger:          logger,
	}
}

// buildRenditionArgs assembles the ffmpeg invocation for one ladder step.
// Width is derived from the height so anamorphic sources keep their aspect
// ratio; -2 forces an even value as libx264 requires.
func (e *FFmpegEncoder) buildRenditionArgs(source, outputDir string, step models.LadderStep) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", source,
		"-vf", fmt.Sprintf("scale=-2:%d", step.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", fmt.Sprintf("%dk", step.Bitrate),
		"-c:a", "aac",
		"-ar", "48000",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", strconv.Itoa(e.segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outputDir, "%03d.ts"),
		filepath.Join(outputDir, layout.PlaylistName),
	}
}

func (e *FFmpegEncoder) EncodeRendition(ctx context.Context, source, outputDir string, step models.LadderStep) error {
	if err := checkSource(source); err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create rendition directory: %w", err)
	}
	args := e.buildRenditionArgs(source, outputDir, step)
	if err := e.run(ctx, step.Name, args); err != nil {
		return fmt.Errorf("encode %s: %w", step.Name, err)
	}
	return nil
}

func (e *FFmpegEncoder) ExtractThumbnail(ctx context.Context, source, outputPath string) error {
	if err := checkSource(source); err != nil {
		return err
	}
	args := []string{
		"-hide_banner",
		"-y",
		"-ss", formatSeconds(e.thumbnailOffset),
		"-i", source,
		"-frames:v", "1",
		outputPath,
	}
	if err := e.run(ctx, "thumbnail", args); err != nil {
		return fmt.Errorf("extract thumbnail: %w", err)
	}
	return nil
}

func (e *FFmpegEncoder) ProbeDuration(ctx context.Context, source string) (time.Duration, error) {
	if err := checkSource(source); err != nil {
		return 0, err
	}
	cmd := exec.CommandContext(ctx, e.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		source,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probe duration: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse probed duration: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (e *FFmpegEncoder) run(ctx context.Context, stage string, args []string) error {
	cmd := exec.CommandContext(ctx, e.ffmpeg, args...)
	cmd.Stdout = newLogWriter(e.logger, stage, "stdout")
	cmd.Stderr = newLogWriter(e.logger, stage, "stderr")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// checkSource classifies a missing or unreadable input as permanent so the
// queue does not retry a job that can never succeed.
func checkSource(source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return Permanent(fmt.Errorf("source file: %w", err))
	}
	if info.IsDir() {
		return Permanent(fmt.Errorf("source %s is a directory", source))
	}
	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

type logWriter struct {
	logger *slog.Logger
	stage  string
	stream string
}

func newLogWriter(logger *slog.Logger, stage, stream string) *logWriter {
	return &logWriter{logger: logger, stage: stage, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "stage", w.stage, "stream", w.stream, "line", string(line))
	}
	return total, nil
}

var _ Encoder = (*FFmpegEncoder)(nil)
