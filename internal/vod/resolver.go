// Package vod resolves playback requests against the catalog and the disk
// layout. It is the only path by which untrusted request strings reach the
// filesystem.
package vod

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"streamforge/internal/layout"
	"streamforge/internal/models"
	"streamforge/internal/storage"
)

const (
	// ContentTypePlaylist is served for HLS playlists.
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	// ContentTypeSegment is served for MPEG-TS media segments.
	ContentTypeSegment = "video/mp2t"
	// ContentTypeThumbnail is served for video thumbnails.
	ContentTypeThumbnail = "image/jpeg"
)

var (
	// ErrNotFound covers unknown videos, videos that are not ready, and
	// artifacts missing from disk.
	ErrNotFound = errors.New("artifact not found")
	// ErrBadRequest covers malformed requests such as a resolution outside
	// the ladder.
	ErrBadRequest = errors.New("bad playback request")
	// ErrForbidden covers path components that attempt to escape the media
	// root. These are logged as policy violations.
	ErrForbidden = errors.New("forbidden artifact path")
)

// Artifact is a playable file resolved to a safe absolute path.
type Artifact struct {
	Path        string
	ContentType string
}

// Resolver maps (video, resolution, file) requests onto published artifacts.
type Resolver struct {
	store  storage.Repository
	layout *layout.Manager
}

// NewResolver wires the resolver to the catalog and the disk layout.
func NewResolver(store storage.Repository, manager *layout.Manager) *Resolver {
	return &Resolver{store: store, layout: manager}
}

// Playlist resolves the HLS playlist for one rendition of a ready video.
func (r *Resolver) Playlist(videoID, resolution string) (Artifact, error) {
	return r.artifact(videoID, resolution, layout.PlaylistName, ContentTypePlaylist)
}

// Segment resolves one MPEG-TS segment of a ready video. Path safety is
// checked before the extension so a traversal attempt is classified as
// forbidden no matter how the name ends.
func (r *Resolver) Segment(videoID, resolution, name string) (Artifact, error) {
	if err := layout.CheckName(name); err != nil {
		return Artifact{}, mapLayoutError(err)
	}
	if !strings.HasSuffix(strings.ToLower(name), ".ts") {
		return Artifact{}, fmt.Errorf("%w: segment names end in .ts", ErrBadRequest)
	}
	return r.artifact(videoID, resolution, name, ContentTypeSegment)
}

// Thumbnail resolves the still frame for a ready video.
func (r *Resolver) Thumbnail(videoID string) (Artifact, error) {
	if _, err := r.readyVideo(videoID); err != nil {
		return Artifact{}, err
	}
	path, err := r.layout.ThumbnailPath(videoID)
	if err != nil {
		return Artifact{}, mapLayoutError(err)
	}
	if err := statArtifact(path); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: path, ContentType: ContentTypeThumbnail}, nil
}

func (r *Resolver) artifact(videoID, resolution, name, contentType string) (Artifact, error) {
	if _, err := r.readyVideo(videoID); err != nil {
		return Artifact{}, err
	}
	path, err := r.layout.Resolve(videoID, resolution, name)
	if err != nil {
		return Artifact{}, mapLayoutError(err)
	}
	if err := statArtifact(path); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: path, ContentType: contentType}, nil
}

// readyVideo gates every artifact read: only published videos are servable,
// regardless of what is on disk.
func (r *Resolver) readyVideo(videoID string) (models.Video, error) {
	video, ok := r.store.GetVideo(videoID)
	if !ok {
		return models.Video{}, fmt.Errorf("%w: unknown video %s", ErrNotFound, videoID)
	}
	if video.Status != models.VideoStatusReady {
		return models.Video{}, fmt.Errorf("%w: video %s is %s", ErrNotFound, videoID, video.Status)
	}
	return video, nil
}

func statArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return nil
}

func mapLayoutError(err error) error {
	switch {
	case errors.Is(err, layout.ErrUnknownResolution):
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	case errors.Is(err, layout.ErrUnsafeName):
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	default:
		return err
	}
}
