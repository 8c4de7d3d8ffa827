package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamforge/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed catalog and applies the
// schema migration.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.QueryTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Video{}, fmt.Errorf("title is required")
	}
	source := strings.TrimSpace(params.SourcePath)
	if source == "" {
		return models.Video{}, fmt.Errorf("source path is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Video{}, err
	}
	now := r.cfg.Clock()
	video := models.Video{
		ID:         id,
		Title:      title,
		SourcePath: source,
		Status:     models.VideoStatusPending,
		Metadata:   mergeMetadata(nil, params.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	metadata, err := encodeMetadata(video.Metadata)
	if err != nil {
		return models.Video{}, err
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx, `
INSERT INTO videos (id, title, source_path, status, error, thumbnail_path, metadata, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		video.ID, video.Title, video.SourcePath, string(video.Status), video.Error,
		video.ThumbnailPath, metadata, video.CreatedAt, video.UpdatedAt, video.CompletedAt,
	)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return video, nil
}

const videoColumns = `id, title, source_path, status, error, thumbnail_path, metadata, created_at, updated_at, completed_at`

func (r *postgresRepository) GetVideo(id string) (models.Video, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos() []models.Video {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY created_at, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	return videos
}

func (r *postgresRepository) ListVideosByStatus(status models.VideoStatus) []models.Video {
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos WHERE status = $1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil
	}
	defer rows.Close()
	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	return videos
}

func (r *postgresRepository) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	ctx, cancel := r.queryCtx()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Video{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id)
	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrVideoNotFound
		}
		return models.Video{}, fmt.Errorf("load video: %w", err)
	}

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
	video.UpdatedAt = r.cfg.Clock()

	metadata, err := encodeMetadata(video.Metadata)
	if err != nil {
		return models.Video{}, err
	}
	_, err = tx.Exec(ctx, `
UPDATE videos
SET title = $2, status = $3, error = $4, thumbnail_path = $5, metadata = $6, updated_at = $7, completed_at = $8
WHERE id = $1`,
		video.ID, video.Title, string(video.Status), video.Error,
		video.ThumbnailPath, metadata, video.UpdatedAt, video.CompletedAt,
	)
	if err != nil {
		return models.Video{}, fmt.Errorf("update video: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit update: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) DeleteVideo(id string) error {
	ctx, cancel := r.queryCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVideoNotFound
	}
	return nil
}

func (r *postgresRepository) UpsertRendition(videoID string, rendition models.Rendition) (models.Rendition, error) {
	name := strings.TrimSpace(rendition.Name)
	if name == "" {
		return models.Rendition{}, fmt.Errorf("rendition name is required")
	}
	if _, ok := r.GetVideo(videoID); !ok {
		return models.Rendition{}, ErrVideoNotFound
	}
	rendition.VideoID = videoID
	rendition.Name = name
	rendition.UpdatedAt = r.cfg.Clock()

	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx, `
INSERT INTO renditions (video_id, name, playlist_path, segment_count, status, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (video_id, name) DO UPDATE
SET playlist_path = EXCLUDED.playlist_path,
    segment_count = EXCLUDED.segment_count,
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at`,
		rendition.VideoID, rendition.Name, rendition.PlaylistPath,
		rendition.SegmentCount, string(rendition.Status), rendition.UpdatedAt,
	)
	if err != nil {
		return models.Rendition{}, fmt.Errorf("upsert rendition: %w", err)
	}
	return rendition, nil
}

func (r *postgresRepository) ListRenditions(videoID string) ([]models.Rendition, error) {
	if _, ok := r.GetVideo(videoID); !ok {
		return nil, ErrVideoNotFound
	}
	ctx, cancel := r.queryCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT video_id, name, playlist_path, segment_count, status, updated_at
FROM renditions WHERE video_id = $1 ORDER BY name`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list renditions: %w", err)
	}
	defer rows.Close()
	var renditions []models.Rendition
	for rows.Next() {
		var rendition models.Rendition
		var status string
		if err := rows.Scan(&rendition.VideoID, &rendition.Name, &rendition.PlaylistPath,
			&rendition.SegmentCount, &status, &rendition.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rendition: %w", err)
		}
		rendition.Status = models.RenditionStatus(status)
		renditions = append(renditions, rendition)
	}
	return renditions, rows.Err()
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	var status string
	var metadata []byte
	var completedAt *time.Time
	err := row.Scan(&video.ID, &video.Title, &video.SourcePath, &status, &video.Error,
		&video.ThumbnailPath, &metadata, &video.CreatedAt, &video.UpdatedAt, &completedAt)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	video.CompletedAt = completedAt
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &video.Metadata); err != nil {
			return models.Video{}, fmt.Errorf("decode video metadata: %w", err)
		}
	}
	return video, nil
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode video metadata: %w", err)
	}
	return payload, nil
}

var _ Repository = (*postgresRepository)(nil)
