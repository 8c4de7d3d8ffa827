package transcode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"streamforge/internal/models"
)

func TestBuildRenditionArgs(t *testing.T) {
	encoder := NewFFmpegEncoder(FFmpegEncoderConfig{})
	step := models.LadderStep{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500}
	args := encoder.buildRenditionArgs("/media/in.mp4", "/tmp/work/720p", step)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-i /media/in.mp4",
		"-vf scale=-2:720",
		"-c:v libx264",
		"-preset veryfast",
		"-b:v 2500k",
		"-c:a aac",
		"-ar 48000",
		"-b:a 128k",
		"-hls_time 4",
		"-hls_playlist_type vod",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected args to contain %q, got %q", want, joined)
		}
	}
	if args[len(args)-1] != filepath.Join("/tmp/work/720p", "index.m3u8") {
		t.Fatalf("expected playlist output last, got %q", args[len(args)-1])
	}
	segmentPattern := filepath.Join("/tmp/work/720p", "%03d.ts")
	if !strings.Contains(joined, segmentPattern) {
		t.Fatalf("expected segment pattern %q in %q", segmentPattern, joined)
	}
}

func TestBuildRenditionArgsHonoursSegmentLength(t *testing.T) {
	encoder := NewFFmpegEncoder(FFmpegEncoderConfig{SegmentSeconds: 6})
	args := encoder.buildRenditionArgs("/media/in.mp4", "/tmp/out", models.LadderStep{Name: "360p", Height: 360, Bitrate: 800})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-hls_time 6") {
		t.Fatalf("expected custom segment length, got %q", joined)
	}
}

func TestCheckSourceClassifiesPermanentFailures(t *testing.T) {
	if err := checkSource(filepath.Join(t.TempDir(), "missing.mp4")); !IsPermanent(err) {
		t.Fatalf("expected missing source to be permanent, got %v", err)
	}
	if err := checkSource(t.TempDir()); !IsPermanent(err) {
		t.Fatalf("expected directory source to be permanent, got %v", err)
	}

	source := filepath.Join(t.TempDir(), "in.mp4")
	if err := os.WriteFile(source, []byte("not really video"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := checkSource(source); err != nil {
		t.Fatalf("expected readable source to pass, got %v", err)
	}
}

func TestPermanentWrapping(t *testing.T) {
	cause := errors.New("moov atom not found")
	wrapped := Permanent(fmt.Errorf("probe input: %w", cause))
	if !IsPermanent(wrapped) {
		t.Fatalf("expected wrapped error to be permanent")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected cause to survive wrapping")
	}
	if Permanent(nil) != nil {
		t.Fatalf("expected Permanent(nil) to stay nil")
	}
	if IsPermanent(errors.New("encoder exit 1")) {
		t.Fatalf("plain errors must not read as permanent")
	}
}

func TestFormatSeconds(t *testing.T) {
	if got := formatSeconds(3 * time.Second); got != "3" {
		t.Fatalf("expected 3, got %q", got)
	}
	if got := formatSeconds(1500 * time.Millisecond); got != "1.5" {
		t.Fatalf("expected 1.5, got %q", got)
	}
}
