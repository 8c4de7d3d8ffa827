package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"streamforge/internal/api"
	"streamforge/internal/layout"
	"streamforge/internal/models"
	"streamforge/internal/queue"
	"streamforge/internal/server"
	"streamforge/internal/storage"
	"streamforge/internal/vod"
)

type apiFixture struct {
	handler http.Handler
	store   *storage.Storage
	queue   *queue.MemoryQueue
	layout  *layout.Manager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewStorage(filepath.Join(dir, "catalog.json"))
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })

	manager, err := layout.New(filepath.Join(dir, "media"), models.DefaultLadder())
	if err != nil {
		t.Fatalf("create layout manager: %v", err)
	}

	q := queue.NewMemoryQueue(queue.Options{})
	t.Cleanup(func() { q.Close(context.Background()) })

	handler := api.NewHandler(store, q, vod.NewResolver(store, manager), manager,
		api.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	srv, err := server.New(handler, server.Config{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}

	return &apiFixture{handler: srv.Handler(), store: store, queue: q, layout: manager}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, req)
	return rr
}

func (fx *apiFixture) createVideo(t *testing.T, title string) models.Video {
	t.Helper()
	rr := fx.do(t, http.MethodPost, "/api/videos", map[string]any{
		"title":      title,
		"sourcePath": "/media/" + title + ".mp4",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		models.Video
		Enqueued *bool `json:"enqueued"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Enqueued == nil || !*resp.Enqueued {
		t.Fatalf("expected video to be enqueued, got %+v", resp.Enqueued)
	}
	return resp.Video
}

// publishReadyVideo writes a full rendition tree through the layout manager
// and flips the catalog entry to ready, as a finished transcode would.
func (fx *apiFixture) publishReadyVideo(t *testing.T, segments int) models.Video {
	t.Helper()
	video := fx.createVideo(t, "published")
	work, err := fx.layout.WorkDir(video.ID, "attempt-1")
	if err != nil {
		t.Fatalf("create work dir: %v", err)
	}
	for _, step := range fx.layout.Ladder() {
		renditionDir := filepath.Join(work, step.Name)
		if err := os.MkdirAll(renditionDir, 0o755); err != nil {
			t.Fatalf("create rendition dir: %v", err)
		}
		playlist := "#EXTM3U\n"
		for i := 0; i < segments; i++ {
			name := fmt.Sprintf("%03d.ts", i)
			playlist += name + "\n"
			if err := os.WriteFile(filepath.Join(renditionDir, name), []byte(step.Name), 0o644); err != nil {
				t.Fatalf("write segment: %v", err)
			}
		}
		if err := os.WriteFile(filepath.Join(renditionDir, layout.PlaylistName), []byte(playlist), 0o644); err != nil {
			t.Fatalf("write playlist: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(work, layout.ThumbnailName), []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write thumbnail: %v", err)
	}
	if err := fx.layout.Publish(video.ID, work); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ready := models.VideoStatusReady
	updated, err := fx.store.UpdateVideo(video.ID, storage.VideoUpdate{Status: &ready})
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	return updated
}

func TestCreateVideoRegistersAndEnqueues(t *testing.T) {
	fx := newAPIFixture(t)

	video := fx.createVideo(t, "intro")
	if video.Status != models.VideoStatusPending {
		t.Fatalf("expected pending status, got %q", video.Status)
	}

	job, err := fx.queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job.VideoID != video.ID {
		t.Fatalf("expected job for %q, got %q", video.ID, job.VideoID)
	}
	if job.SourcePath != video.SourcePath {
		t.Fatalf("expected source path %q, got %q", video.SourcePath, job.SourcePath)
	}
}

func TestCreateVideoRejectsMalformedBody(t *testing.T) {
	fx := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/videos", bytes.NewReader([]byte(`{"title": "x", "bogus": true}`)))
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestListVideosFiltersByStatus(t *testing.T) {
	fx := newAPIFixture(t)

	fx.createVideo(t, "first")
	ready := fx.publishReadyVideo(t, 2)

	rr := fx.do(t, http.MethodGet, "/api/videos?status=ready", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Videos []models.Video `json:"videos"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Videos) != 1 || resp.Videos[0].ID != ready.ID {
		t.Fatalf("expected only the ready video, got %+v", resp.Videos)
	}
}

func TestGetVideoIncludesRenditions(t *testing.T) {
	fx := newAPIFixture(t)

	video := fx.createVideo(t, "clip")
	if _, err := fx.store.UpsertRendition(video.ID, models.Rendition{
		VideoID:      video.ID,
		Name:         "360p",
		SegmentCount: 4,
		Status:       models.RenditionStatusPublished,
	}); err != nil {
		t.Fatalf("upsert rendition: %v", err)
	}

	rr := fx.do(t, http.MethodGet, "/api/videos/"+video.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		models.Video
		Renditions []models.Rendition `json:"renditions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Renditions) != 1 || resp.Renditions[0].Name != "360p" {
		t.Fatalf("expected one 360p rendition, got %+v", resp.Renditions)
	}

	if rr := fx.do(t, http.MethodGet, "/api/videos/missing", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown video, got %d", rr.Code)
	}
}

func TestRetryVideoIsIdempotentWhileQueued(t *testing.T) {
	fx := newAPIFixture(t)

	video := fx.createVideo(t, "retry")

	rr := fx.do(t, http.MethodPost, "/api/videos/"+video.ID+"/jobs", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	var resp struct {
		Enqueued bool `json:"enqueued"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Enqueued {
		t.Fatal("expected duplicate retry to be a no-op while the job is queued")
	}

	job, err := fx.queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := fx.queue.Ack(context.Background(), job); err != nil {
		t.Fatalf("ack: %v", err)
	}

	rr = fx.do(t, http.MethodPost, "/api/videos/"+video.ID+"/jobs", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Enqueued {
		t.Fatal("expected retry to enqueue after the previous job settled")
	}
}

func TestDeleteVideoRemovesCatalogAndArtifacts(t *testing.T) {
	fx := newAPIFixture(t)

	video := fx.publishReadyVideo(t, 2)
	videoDir, err := fx.layout.VideoDir(video.ID)
	if err != nil {
		t.Fatalf("video dir: %v", err)
	}
	if _, err := os.Stat(videoDir); err != nil {
		t.Fatalf("expected published tree before delete: %v", err)
	}

	rr := fx.do(t, http.MethodDelete, "/api/videos/"+video.ID, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if _, err := os.Stat(videoDir); !os.IsNotExist(err) {
		t.Fatalf("expected published tree to be removed, got %v", err)
	}
	if rr := fx.do(t, http.MethodGet, "/api/videos/"+video.ID, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
	if rr := fx.do(t, http.MethodDelete, "/api/videos/"+video.ID, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", rr.Code)
	}
}

func TestPlaybackServesPublishedArtifacts(t *testing.T) {
	fx := newAPIFixture(t)
	video := fx.publishReadyVideo(t, 3)

	rr := fx.do(t, http.MethodGet, "/api/videos/"+video.ID+"/720p/index.m3u8", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for playlist, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != vod.ContentTypePlaylist {
		t.Fatalf("expected playlist content type, got %q", got)
	}

	rr = fx.do(t, http.MethodGet, "/api/videos/"+video.ID+"/720p/001.ts", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for segment, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != vod.ContentTypeSegment {
		t.Fatalf("expected segment content type, got %q", got)
	}

	rr = fx.do(t, http.MethodGet, "/api/videos/"+video.ID+"/thumbnail", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for thumbnail, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != vod.ContentTypeThumbnail {
		t.Fatalf("expected thumbnail content type, got %q", got)
	}
}

func TestPlaybackErrorMapping(t *testing.T) {
	fx := newAPIFixture(t)
	video := fx.publishReadyVideo(t, 1)

	if rr := fx.do(t, http.MethodGet, "/api/videos/"+video.ID+"/480p/index.m3u8", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown resolution, got %d", rr.Code)
	}
	if rr := fx.do(t, http.MethodGet, "/api/videos/"+video.ID+"/720p/000", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-ts segment, got %d", rr.Code)
	}
	if rr := fx.do(t, http.MethodGet, "/api/videos/"+video.ID+"/720p/..%5Csecret.ts", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for traversal attempt, got %d", rr.Code)
	}
	if rr := fx.do(t, http.MethodGet, "/api/videos/"+video.ID+"/720p/..%5Csecret", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for traversal attempt without segment extension, got %d", rr.Code)
	}
	if rr := fx.do(t, http.MethodGet, "/api/videos/"+video.ID+"/720p/999.ts", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing segment, got %d", rr.Code)
	}
	if rr := fx.do(t, http.MethodGet, "/api/videos/missing/720p/index.m3u8", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown video, got %d", rr.Code)
	}

	pending := fx.createVideo(t, "pending")
	if rr := fx.do(t, http.MethodGet, "/api/videos/"+pending.ID+"/720p/index.m3u8", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unready video, got %d", rr.Code)
	}
}
