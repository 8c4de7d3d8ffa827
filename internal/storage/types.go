package storage

import (
	"errors"
	"time"

	"streamforge/internal/models"
)

// ErrVideoNotFound is returned when an operation references a video id that
// does not exist in the catalog.
var ErrVideoNotFound = errors.New("video not found")

// CreateVideoParams registers a new source file in the catalog.
type CreateVideoParams struct {
	Title      string
	SourcePath string
	Metadata   map[string]string
}

// VideoUpdate applies a partial update; nil fields are left unchanged.
// Metadata entries are merged, and an entry with an empty value removes the
// key.
type VideoUpdate struct {
	Title         *string
	Status        *models.VideoStatus
	Error         *string
	ThumbnailPath *string
	Metadata      map[string]string
	CompletedAt   *time.Time
}

func mergeMetadata(existing, updates map[string]string) map[string]string {
	if len(updates) == 0 {
		return existing
	}
	merged := make(map[string]string, len(existing)+len(updates))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range updates {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}
