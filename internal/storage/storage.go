package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"streamforge/internal/models"
)

type dataset struct {
	Videos     map[string]models.Video       `json:"videos"`
	Renditions map[string][]models.Rendition `json:"renditions"`
}

// Storage is the JSON-file-backed Repository driver. Every mutation is
// persisted atomically by writing a temp file and renaming it over the store,
// so a crash mid-write never leaves a truncated catalog behind.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Videos:     make(map[string]models.Video),
		Renditions: make(map[string][]models.Rendition),
	}
}

// NewStorage opens (or creates) the JSON catalog at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
	if s.data.Renditions == nil {
		s.data.Renditions = make(map[string][]models.Rendition)
	}
	return nil
}

func (s *Storage) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "catalog-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Video{}, fmt.Errorf("title is required")
	}
	source := strings.TrimSpace(params.SourcePath)
	if source == "" {
		return models.Video{}, fmt.Errorf("source path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}
	now := s.clock()
	video := models.Video{
		ID:         id,
		Title:      title,
		SourcePath: source,
		Status:     models.VideoStatusPending,
		Metadata:   mergeMetadata(nil, params.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.data.Videos[id] = video
	if err := s.persistLocked(); err != nil {
		delete(s.data.Videos, id)
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	return video, ok
}

func (s *Storage) ListVideos() []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, video)
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.Before(videos[j].CreatedAt)
	})
	return videos
}

func (s *Storage) ListVideosByStatus(status models.VideoStatus) []models.Video {
	videos := s.ListVideos()
	filtered := videos[:0]
	for _, video := range videos {
		if video.Status == status {
			filtered = append(filtered, video)
		}
	}
	return filtered
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	previous := video

	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return models.Video{}, fmt.Errorf("title cannot be empty")
		}
		video.Title = title
	}
	if update.Status != nil {
		video.Status = *update.Status
	}
	if update.Error != nil {
		video.Error = *update.Error
	}
	if update.ThumbnailPath != nil {
		video.ThumbnailPath = *update.ThumbnailPath
	}
	if update.Metadata != nil {
		video.Metadata = mergeMetadata(video.Metadata, update.Metadata)
	}
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		video.CompletedAt = &completed
	}
	video.UpdatedAt = s.clock()

	s.data.Videos[id] = video
	if err := s.persistLocked(); err != nil {
		s.data.Videos[id] = previous
		return models.Video{}, err
	}
	return video, nil
}

func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return ErrVideoNotFound
	}
	renditions := s.data.Renditions[id]
	delete(s.data.Videos, id)
	delete(s.data.Renditions, id)
	if err := s.persistLocked(); err != nil {
		s.data.Videos[id] = video
		if renditions != nil {
			s.data.Renditions[id] = renditions
		}
		return err
	}
	return nil
}

func (s *Storage) UpsertRendition(videoID string, rendition models.Rendition) (models.Rendition, error) {
	name := strings.TrimSpace(rendition.Name)
	if name == "" {
		return models.Rendition{}, fmt.Errorf("rendition name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Videos[videoID]; !ok {
		return models.Rendition{}, ErrVideoNotFound
	}
	rendition.VideoID = videoID
	rendition.Name = name
	rendition.UpdatedAt = s.clock()

	previous := s.data.Renditions[videoID]
	updated := make([]models.Rendition, 0, len(previous)+1)
	replaced := false
	for _, existing := range previous {
		if strings.EqualFold(existing.Name, name) {
			updated = append(updated, rendition)
			replaced = true
			continue
		}
		updated = append(updated, existing)
	}
	if !replaced {
		updated = append(updated, rendition)
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].Name < updated[j].Name })

	s.data.Renditions[videoID] = updated
	if err := s.persistLocked(); err != nil {
		if previous == nil {
			delete(s.data.Renditions, videoID)
		} else {
			s.data.Renditions[videoID] = previous
		}
		return models.Rendition{}, err
	}
	return rendition, nil
}

func (s *Storage) ListRenditions(videoID string) ([]models.Rendition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Videos[videoID]; !ok {
		return nil, ErrVideoNotFound
	}
	renditions := s.data.Renditions[videoID]
	out := make([]models.Rendition, len(renditions))
	copy(out, renditions)
	return out, nil
}
