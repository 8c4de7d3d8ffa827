package storage

import (
	"context"

	"streamforge/internal/models"
)

// Repository exposes the catalog operations required by API handlers and the
// transcode workers.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	ListVideos() []models.Video
	ListVideosByStatus(status models.VideoStatus) []models.Video
	UpdateVideo(id string, update VideoUpdate) (models.Video, error)
	DeleteVideo(id string) error

	UpsertRendition(videoID string, rendition models.Rendition) (models.Rendition, error)
	ListRenditions(videoID string) ([]models.Rendition, error)

	Close(ctx context.Context) error
}

var _ Repository = (*Storage)(nil)
