package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"streamforge/internal/models"
)

func newTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	return store, path
}

func stringPtr(value string) *string {
	return &value
}

func TestCreateVideoDefaults(t *testing.T) {
	store, _ := newTestStorage(t)

	video, err := store.CreateVideo(CreateVideoParams{
		Title:      "launch recap",
		SourcePath: "/media/incoming/recap.mp4",
		Metadata:   map[string]string{"uploader": "ops"},
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if video.ID == "" {
		t.Fatalf("expected generated id")
	}
	if video.Status != models.VideoStatusPending {
		t.Fatalf("expected pending status, got %q", video.Status)
	}
	if video.Metadata["uploader"] != "ops" {
		t.Fatalf("metadata not stored: %+v", video.Metadata)
	}

	if _, err := store.CreateVideo(CreateVideoParams{Title: " ", SourcePath: "/media/x.mp4"}); err == nil {
		t.Fatalf("expected error for blank title")
	}
	if _, err := store.CreateVideo(CreateVideoParams{Title: "x", SourcePath: ""}); err == nil {
		t.Fatalf("expected error for blank source path")
	}
}

func TestUpdateVideoTransitions(t *testing.T) {
	store, _ := newTestStorage(t)
	video, err := store.CreateVideo(CreateVideoParams{Title: "clip", SourcePath: "/media/clip.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}

	processing := models.VideoStatusProcessing
	updated, err := store.UpdateVideo(video.ID, VideoUpdate{Status: &processing})
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if updated.Status != models.VideoStatusProcessing {
		t.Fatalf("expected processing, got %q", updated.Status)
	}

	ready := models.VideoStatusReady
	completed := time.Now().UTC()
	thumb := "/media/hls/" + video.ID + "/thumb.jpg"
	updated, err = store.UpdateVideo(video.ID, VideoUpdate{
		Status:        &ready,
		ThumbnailPath: &thumb,
		CompletedAt:   &completed,
		Error:         stringPtr(""),
	})
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if updated.Status != models.VideoStatusReady || updated.CompletedAt == nil {
		t.Fatalf("unexpected ready state: %+v", updated)
	}
	if updated.ThumbnailPath != thumb {
		t.Fatalf("thumbnail path not stored: %q", updated.ThumbnailPath)
	}

	if _, err := store.UpdateVideo("missing", VideoUpdate{Status: &ready}); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
}

func TestMetadataMergeAndRemoval(t *testing.T) {
	store, _ := newTestStorage(t)
	video, err := store.CreateVideo(CreateVideoParams{
		Title:      "clip",
		SourcePath: "/media/clip.mp4",
		Metadata:   map[string]string{"uploader": "ops", "camera": "A"},
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}

	updated, err := store.UpdateVideo(video.ID, VideoUpdate{
		Metadata: map[string]string{"camera": "", "take": "2"},
	})
	if err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	if _, exists := updated.Metadata["camera"]; exists {
		t.Fatalf("expected camera key removed: %+v", updated.Metadata)
	}
	if updated.Metadata["uploader"] != "ops" || updated.Metadata["take"] != "2" {
		t.Fatalf("unexpected metadata: %+v", updated.Metadata)
	}
}

func TestRenditionUpsertAndList(t *testing.T) {
	store, _ := newTestStorage(t)
	video, err := store.CreateVideo(CreateVideoParams{Title: "clip", SourcePath: "/media/clip.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}

	for _, step := range models.DefaultLadder() {
		if _, err := store.UpsertRendition(video.ID, models.Rendition{
			Name:   step.Name,
			Status: models.RenditionStatusWriting,
		}); err != nil {
			t.Fatalf("upsert rendition %s: %v", step.Name, err)
		}
	}
	if _, err := store.UpsertRendition(video.ID, models.Rendition{
		Name:         "720p",
		Status:       models.RenditionStatusPublished,
		SegmentCount: 12,
	}); err != nil {
		t.Fatalf("upsert published rendition: %v", err)
	}

	renditions, err := store.ListRenditions(video.ID)
	if err != nil {
		t.Fatalf("list renditions: %v", err)
	}
	if len(renditions) != 3 {
		t.Fatalf("expected 3 renditions, got %d", len(renditions))
	}
	for _, rendition := range renditions {
		if rendition.Name != "720p" {
			continue
		}
		if rendition.Status != models.RenditionStatusPublished || rendition.SegmentCount != 12 {
			t.Fatalf("upsert did not replace the entry: %+v", rendition)
		}
	}

	if _, err := store.UpsertRendition("missing", models.Rendition{Name: "720p"}); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	store, path := newTestStorage(t)
	video, err := store.CreateVideo(CreateVideoParams{Title: "clip", SourcePath: "/media/clip.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if _, err := store.UpsertRendition(video.ID, models.Rendition{
		Name:   "360p",
		Status: models.RenditionStatusPublished,
	}); err != nil {
		t.Fatalf("upsert rendition: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	restored, ok := reopened.GetVideo(video.ID)
	if !ok {
		t.Fatalf("video missing after reopen")
	}
	if restored.Title != "clip" {
		t.Fatalf("unexpected restored video: %+v", restored)
	}
	renditions, err := reopened.ListRenditions(video.ID)
	if err != nil || len(renditions) != 1 {
		t.Fatalf("renditions missing after reopen: %v %+v", err, renditions)
	}
}

func TestDeleteVideoRemovesRenditions(t *testing.T) {
	store, _ := newTestStorage(t)
	video, err := store.CreateVideo(CreateVideoParams{Title: "clip", SourcePath: "/media/clip.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if _, err := store.UpsertRendition(video.ID, models.Rendition{Name: "360p", Status: models.RenditionStatusPublished}); err != nil {
		t.Fatalf("upsert rendition: %v", err)
	}

	if err := store.DeleteVideo(video.ID); err != nil {
		t.Fatalf("delete video: %v", err)
	}
	if _, ok := store.GetVideo(video.ID); ok {
		t.Fatalf("video still present after delete")
	}
	if _, err := store.ListRenditions(video.ID); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
	if err := store.DeleteVideo(video.ID); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound on double delete, got %v", err)
	}
}

func TestListVideosByStatus(t *testing.T) {
	store, _ := newTestStorage(t)
	first, err := store.CreateVideo(CreateVideoParams{Title: "a", SourcePath: "/media/a.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	if _, err := store.CreateVideo(CreateVideoParams{Title: "b", SourcePath: "/media/b.mp4"}); err != nil {
		t.Fatalf("create video: %v", err)
	}
	ready := models.VideoStatusReady
	if _, err := store.UpdateVideo(first.ID, VideoUpdate{Status: &ready}); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	pending := store.ListVideosByStatus(models.VideoStatusPending)
	if len(pending) != 1 || pending[0].Title != "b" {
		t.Fatalf("unexpected pending videos: %+v", pending)
	}
	readyVideos := store.ListVideosByStatus(models.VideoStatusReady)
	if len(readyVideos) != 1 || readyVideos[0].ID != first.ID {
		t.Fatalf("unexpected ready videos: %+v", readyVideos)
	}
}
