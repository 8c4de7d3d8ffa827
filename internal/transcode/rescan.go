package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"streamforge/internal/layout"
	"streamforge/internal/models"
	"streamforge/internal/queue"
	"streamforge/internal/storage"
)

// Reconcile repairs the catalog against the published trees on disk after a
// restart. Complete trees whose catalog entry never flipped to ready are
// marked ready, trees with no catalog entry are removed, and videos that were
// interrupted mid-transcode are queued again.
func Reconcile(ctx context.Context, store storage.Repository, manager *layout.Manager, q queue.Queue, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	published, err := manager.Scan()
	if err != nil {
		return fmt.Errorf("scan media root: %w", err)
	}

	onDisk := make(map[string]layout.PublishedVideo, len(published))
	for _, tree := range published {
		onDisk[tree.VideoID] = tree
	}

	for _, tree := range published {
		if _, ok := store.GetVideo(tree.VideoID); ok {
			continue
		}
		// A tree without a catalog entry is the remains of an interrupted
		// delete. The catalog entry goes first on delete, so finish the job.
		logger.Warn("removing orphaned artifact tree", "video_id", tree.VideoID)
		if err := manager.Remove(tree.VideoID); err != nil {
			logger.Error("failed to remove orphaned tree", "video_id", tree.VideoID, "error", err)
		}
	}

	for _, video := range store.ListVideos() {
		tree, hasTree := onDisk[video.ID]
		treeComplete := hasTree && manager.Verify(video.ID) == nil

		switch {
		case treeComplete && video.Status != models.VideoStatusReady:
			// The encode finished and published but the catalog update was
			// lost. Repair the entry instead of transcoding again.
			if err := markRecovered(store, manager, video.ID, tree); err != nil {
				logger.Error("failed to repair catalog entry", "video_id", video.ID, "error", err)
				continue
			}
			logger.Info("recovered published video", "video_id", video.ID)

		case !treeComplete && statusNeedsTranscode(video.Status):
			if video.Status == models.VideoStatusProcessing {
				pending := models.VideoStatusPending
				if _, err := store.UpdateVideo(video.ID, storage.VideoUpdate{Status: &pending}); err != nil && !errors.Is(err, storage.ErrVideoNotFound) {
					logger.Error("failed to reset interrupted video", "video_id", video.ID, "error", err)
				}
			}
			enqueued, err := q.Enqueue(ctx, video.ID, video.SourcePath)
			if err != nil {
				return fmt.Errorf("requeue %s: %w", video.ID, err)
			}
			if enqueued {
				logger.Info("requeued interrupted video", "video_id", video.ID, "status", video.Status)
			}

		case !treeComplete && video.Status == models.VideoStatusReady:
			// Artifacts vanished or are corrupt under a ready entry. Stop
			// serving it and transcode from the source again.
			pending := models.VideoStatusPending
			reason := "published artifacts missing or corrupt"
			if _, err := store.UpdateVideo(video.ID, storage.VideoUpdate{Status: &pending, Error: &reason}); err != nil && !errors.Is(err, storage.ErrVideoNotFound) {
				logger.Error("failed to downgrade ready video", "video_id", video.ID, "error", err)
				continue
			}
			if hasTree {
				if err := manager.Remove(video.ID); err != nil {
					logger.Error("failed to remove corrupt tree", "video_id", video.ID, "error", err)
				}
			}
			if _, err := q.Enqueue(ctx, video.ID, video.SourcePath); err != nil {
				return fmt.Errorf("requeue %s: %w", video.ID, err)
			}
			logger.Warn("requeued ready video with bad artifacts", "video_id", video.ID)
		}
	}

	return nil
}

func statusNeedsTranscode(status models.VideoStatus) bool {
	return status == models.VideoStatusPending || status == models.VideoStatusProcessing
}

func markRecovered(store storage.Repository, manager *layout.Manager, videoID string, tree layout.PublishedVideo) error {
	now := time.Now().UTC()
	for _, rendition := range tree.Renditions {
		if _, err := store.UpsertRendition(videoID, models.Rendition{
			VideoID:      videoID,
			Name:         rendition.Name,
			PlaylistPath: rendition.PlaylistPath,
			SegmentCount: rendition.SegmentCount,
			Status:       models.RenditionStatusPublished,
		}); err != nil {
			return err
		}
	}

	update := storage.VideoUpdate{CompletedAt: &now}
	ready := models.VideoStatusReady
	empty := ""
	update.Status = &ready
	update.Error = &empty
	if tree.HasThumbnail {
		thumbnail, err := manager.ThumbnailPath(videoID)
		if err != nil {
			return err
		}
		update.ThumbnailPath = &thumbnail
	}
	_, err := store.UpdateVideo(videoID, update)
	return err
}
