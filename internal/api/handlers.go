// Package api implements the HTTP surface: video registration and catalog
// queries, plus playback endpoints that serve published HLS artifacts.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"streamforge/internal/layout"
	"streamforge/internal/models"
	"streamforge/internal/queue"
	"streamforge/internal/storage"
	"streamforge/internal/vod"
)

type Handler struct {
	Store    storage.Repository
	Queue    queue.Queue
	Resolver *vod.Resolver
	Layout   *layout.Manager
	Mirror   storage.Mirror
	Logger   *slog.Logger
}

func NewHandler(store storage.Repository, q queue.Queue, resolver *vod.Resolver, manager *layout.Manager, opts ...func(*Handler)) *Handler {
	h := &Handler{
		Store:    store,
		Queue:    q,
		Resolver: resolver,
		Layout:   manager,
		Logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.Mirror == nil {
		h.Mirror, _ = storage.NewMirror(storage.MirrorConfig{})
	}
	return h
}

// WithMirror attaches an object-storage mirror so deletes propagate.
func WithMirror(mirror storage.Mirror) func(*Handler) {
	return func(h *Handler) {
		if mirror != nil {
			h.Mirror = mirror
		}
	}
}

// WithLogger overrides the handler logger.
func WithLogger(logger *slog.Logger) func(*Handler) {
	return func(h *Handler) {
		if logger != nil {
			h.Logger = logger
		}
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("catalog unavailable: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createVideoRequest struct {
	Title      string            `json:"title"`
	SourcePath string            `json:"sourcePath"`
	Metadata   map[string]string `json:"metadata"`
}

type videoResponse struct {
	models.Video
	Renditions []models.Rendition `json:"renditions,omitempty"`
	Enqueued   *bool              `json:"enqueued,omitempty"`
}

// CreateVideo registers a source file and queues its transcode job.
func (h *Handler) CreateVideo(w http.ResponseWriter, r *http.Request) {
	var req createVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	video, err := h.Store.CreateVideo(storage.CreateVideoParams{
		Title:      req.Title,
		SourcePath: req.SourcePath,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	enqueued, err := h.Queue.Enqueue(r.Context(), video.ID, video.SourcePath)
	if err != nil {
		h.Logger.Error("enqueue failed after registration", "video_id", video.ID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("video registered but enqueue failed: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, videoResponse{Video: video, Enqueued: &enqueued})
}

func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	var videos []models.Video
	if status != "" {
		videos = h.Store.ListVideosByStatus(models.VideoStatus(status))
	} else {
		videos = h.Store.ListVideos()
	}
	if videos == nil {
		videos = []models.Video{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"videos": videos})
}

func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	video, ok := h.Store.GetVideo(id)
	if !ok {
		writeError(w, http.StatusNotFound, storage.ErrVideoNotFound)
		return
	}
	renditions, err := h.Store.ListRenditions(id)
	if err != nil && !errors.Is(err, storage.ErrVideoNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, videoResponse{Video: video, Renditions: renditions})
}

// RetryVideo re-queues a transcode for an existing video. Enqueue is
// idempotent per video, so repeated calls while a job is pending are no-ops.
func (h *Handler) RetryVideo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	video, ok := h.Store.GetVideo(id)
	if !ok {
		writeError(w, http.StatusNotFound, storage.ErrVideoNotFound)
		return
	}
	enqueued, err := h.Queue.Enqueue(r.Context(), video.ID, video.SourcePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("enqueue: %w", err))
		return
	}
	if enqueued {
		pending := models.VideoStatusPending
		if _, err := h.Store.UpdateVideo(id, storage.VideoUpdate{Status: &pending}); err != nil && !errors.Is(err, storage.ErrVideoNotFound) {
			h.Logger.Error("failed to reset video status", "video_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"videoId": id, "enqueued": enqueued})
}

// DeleteVideo removes the catalog entry first so in-flight jobs abandon
// their artifacts, then clears disk and mirror state.
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Store.DeleteVideo(id); err != nil {
		if errors.Is(err, storage.ErrVideoNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.Layout.Remove(id); err != nil {
		h.Logger.Error("failed to remove artifacts", "video_id", id, "error", err)
	}
	if h.Mirror.Enabled() {
		if err := h.Mirror.Remove(r.Context(), id); err != nil {
			h.Logger.Warn("failed to remove mirrored artifacts", "video_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Playlist serves /videos/{id}/{resolution}/index.m3u8.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	artifact, err := h.Resolver.Playlist(vars["id"], vars["resolution"])
	if err != nil {
		h.writeResolveError(w, r, err)
		return
	}
	h.serveArtifact(w, r, artifact)
}

// Segment serves /videos/{id}/{resolution}/{segment}.
func (h *Handler) Segment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	artifact, err := h.Resolver.Segment(vars["id"], vars["resolution"], vars["segment"])
	if err != nil {
		h.writeResolveError(w, r, err)
		return
	}
	h.serveArtifact(w, r, artifact)
}

// Thumbnail serves /videos/{id}/thumbnail.
func (h *Handler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.Resolver.Thumbnail(mux.Vars(r)["id"])
	if err != nil {
		h.writeResolveError(w, r, err)
		return
	}
	h.serveArtifact(w, r, artifact)
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, artifact vod.Artifact) {
	w.Header().Set("Content-Type", artifact.ContentType)
	http.ServeFile(w, r, artifact.Path)
}

func (h *Handler) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vod.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, vod.ErrForbidden):
		// Traversal attempts are logged as policy violations, not misses.
		h.Logger.Warn("rejected unsafe artifact request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusForbidden, vod.ErrForbidden)
	case errors.Is(err, vod.ErrNotFound):
		writeError(w, http.StatusNotFound, vod.ErrNotFound)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
