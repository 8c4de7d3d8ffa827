package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"streamforge/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), models.DefaultLadder())
	if err != nil {
		t.Fatalf("create layout manager: %v", err)
	}
	return m
}

// fillWorkDir lays out a complete rendition tree plus thumbnail the way a
// finished transcode attempt would.
func fillWorkDir(t *testing.T, m *Manager, dir, marker string, segments int) {
	t.Helper()
	for _, step := range m.Ladder() {
		renditionDir := filepath.Join(dir, step.Name)
		if err := os.MkdirAll(renditionDir, 0o755); err != nil {
			t.Fatalf("create rendition dir: %v", err)
		}
		var playlist strings.Builder
		playlist.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n")
		for i := 0; i < segments; i++ {
			name := fmt.Sprintf("%03d.ts", i)
			playlist.WriteString("#EXTINF:4.0,\n" + name + "\n")
			content := fmt.Sprintf("%s-%s-%s", marker, step.Name, name)
			if err := os.WriteFile(filepath.Join(renditionDir, name), []byte(content), 0o644); err != nil {
				t.Fatalf("write segment: %v", err)
			}
		}
		playlist.WriteString("#EXT-X-ENDLIST\n")
		if err := os.WriteFile(filepath.Join(renditionDir, PlaylistName), []byte(playlist.String()), 0o644); err != nil {
			t.Fatalf("write playlist: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, ThumbnailName), []byte(marker+"-thumb"), 0o644); err != nil {
		t.Fatalf("write thumbnail: %v", err)
	}
}

func publishVideo(t *testing.T, m *Manager, videoID, marker string, segments int) {
	t.Helper()
	work, err := m.WorkDir(videoID, "attempt-"+marker)
	if err != nil {
		t.Fatalf("create work dir: %v", err)
	}
	fillWorkDir(t, m, work, marker, segments)
	if err := m.Publish(videoID, work); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	m := newTestManager(t)
	publishVideo(t, m, "video-1", "v1", 2)

	unsafe := []struct {
		resolution string
		filename   string
	}{
		{"720p", "../../../etc/passwd"},
		{"720p", ".."},
		{"720p", "..\\secrets"},
		{"720p", "/etc/passwd"},
		{"720p", "a/b.ts"},
		{"720p", ""},
		{"720p", ".checksums.json"},
		{"720p", "seg\x00.ts"},
		{"../720p", "000.ts"},
	}
	for _, tc := range unsafe {
		if _, err := m.Resolve("video-1", tc.resolution, tc.filename); !errors.Is(err, ErrUnsafeName) && !errors.Is(err, ErrUnknownResolution) {
			t.Fatalf("expected rejection for %q/%q, got %v", tc.resolution, tc.filename, err)
		}
	}

	if _, err := m.Resolve("video-1", "480p", PlaylistName); !errors.Is(err, ErrUnknownResolution) {
		t.Fatalf("expected unknown resolution error, got %v", err)
	}
	if _, err := m.Resolve("../video-1", "720p", PlaylistName); !errors.Is(err, ErrUnsafeName) {
		t.Fatalf("expected unsafe video id error, got %v", err)
	}

	path, err := m.Resolve("video-1", "720p", "000.ts")
	if err != nil {
		t.Fatalf("resolve valid segment: %v", err)
	}
	want := filepath.Join(m.Root(), "video-1", "720p", "000.ts")
	if path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("resolved segment missing: %v", err)
	}
}

func TestPublishSwapsAtomically(t *testing.T) {
	m := newTestManager(t)
	publishVideo(t, m, "video-1", "first", 3)

	playlist, err := m.Resolve("video-1", "360p", PlaylistName)
	if err != nil {
		t.Fatalf("resolve playlist: %v", err)
	}
	if _, err := os.Stat(playlist); err != nil {
		t.Fatalf("playlist not published: %v", err)
	}
	segments, err := CountPlaylistSegments(playlist)
	if err != nil {
		t.Fatalf("count segments: %v", err)
	}
	if segments != 3 {
		t.Fatalf("expected 3 segments, got %d", segments)
	}

	// Re-publishing replaces the tree and leaves no backup behind.
	publishVideo(t, m, "video-1", "second", 5)
	segmentPath, err := m.Resolve("video-1", "720p", "004.ts")
	if err != nil {
		t.Fatalf("resolve new segment: %v", err)
	}
	data, err := os.ReadFile(segmentPath)
	if err != nil {
		t.Fatalf("read new segment: %v", err)
	}
	if !strings.HasPrefix(string(data), "second-") {
		t.Fatalf("expected replacement content, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "video-1.old")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected publish backup to be removed, got %v", err)
	}

	if err := m.Verify("video-1"); err != nil {
		t.Fatalf("verify after publish: %v", err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	m := newTestManager(t)
	publishVideo(t, m, "video-1", "v1", 2)

	segment, err := m.Resolve("video-1", "1080p", "001.ts")
	if err != nil {
		t.Fatalf("resolve segment: %v", err)
	}
	if err := os.WriteFile(segment, []byte("flipped bits"), 0o644); err != nil {
		t.Fatalf("corrupt segment: %v", err)
	}
	if err := m.Verify("video-1"); !errors.Is(err, ErrCorruptPublish) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestVerifyDetectsMissingSegment(t *testing.T) {
	m := newTestManager(t)
	publishVideo(t, m, "video-1", "v1", 2)

	segment, err := m.Resolve("video-1", "360p", "000.ts")
	if err != nil {
		t.Fatalf("resolve segment: %v", err)
	}
	if err := os.Remove(segment); err != nil {
		t.Fatalf("remove segment: %v", err)
	}
	if err := m.Verify("video-1"); !errors.Is(err, ErrCorruptPublish) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestScanSkipsPartialTrees(t *testing.T) {
	m := newTestManager(t)
	publishVideo(t, m, "video-complete", "ok", 4)

	// A tree missing one rendition playlist is an interrupted publish.
	partial := filepath.Join(m.Root(), "video-partial", "360p")
	if err := os.MkdirAll(partial, 0o755); err != nil {
		t.Fatalf("create partial tree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(partial, PlaylistName), []byte("#EXTM3U\n000.ts\n"), 0o644); err != nil {
		t.Fatalf("write partial playlist: %v", err)
	}
	// A leftover backup from an interrupted swap must also be ignored.
	if err := os.MkdirAll(filepath.Join(m.Root(), "video-complete.old"), 0o755); err != nil {
		t.Fatalf("create stale backup: %v", err)
	}

	videos, err := m.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(videos) != 1 {
		t.Fatalf("expected 1 published video, got %d (%+v)", len(videos), videos)
	}
	video := videos[0]
	if video.VideoID != "video-complete" {
		t.Fatalf("unexpected video id %q", video.VideoID)
	}
	if !video.HasThumbnail {
		t.Fatalf("expected thumbnail to be detected")
	}
	if len(video.Renditions) != len(m.Ladder()) {
		t.Fatalf("expected %d renditions, got %d", len(m.Ladder()), len(video.Renditions))
	}
	for _, rendition := range video.Renditions {
		if rendition.SegmentCount != 4 {
			t.Fatalf("expected 4 segments for %s, got %d", rendition.Name, rendition.SegmentCount)
		}
	}
}

func TestDiscardWorkStaysInsideWorkArea(t *testing.T) {
	m := newTestManager(t)
	work, err := m.WorkDir("video-1", "attempt-1")
	if err != nil {
		t.Fatalf("create work dir: %v", err)
	}
	if err := m.DiscardWork(work); err != nil {
		t.Fatalf("discard work: %v", err)
	}
	if _, err := os.Stat(work); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected work dir to be removed, got %v", err)
	}

	if err := m.DiscardWork(m.Root()); err == nil {
		t.Fatalf("expected refusal to discard outside the work area")
	}
	if err := m.DiscardWork(filepath.Join(m.Root(), "video-1")); err == nil {
		t.Fatalf("expected refusal to discard a published tree")
	}
}

func TestRemoveDeletesPublishedAndLeftoverWork(t *testing.T) {
	m := newTestManager(t)
	publishVideo(t, m, "video-1", "v1", 2)
	publishVideo(t, m, "video-2", "v2", 2)

	// Leftover work from an interrupted attempt.
	leftover, err := m.WorkDir("video-1", "attempt-crashed")
	if err != nil {
		t.Fatalf("create leftover work dir: %v", err)
	}

	if err := m.Remove("video-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "video-1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected published tree gone, got %v", err)
	}
	if _, err := os.Stat(leftover); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected leftover work gone, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "video-2")); err != nil {
		t.Fatalf("expected other video untouched, got %v", err)
	}
}
