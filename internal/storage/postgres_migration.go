package storage

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS videos (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	source_path    TEXT NOT NULL,
	status         TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	thumbnail_path TEXT NOT NULL DEFAULT '',
	metadata       JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS renditions (
	video_id      TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	playlist_path TEXT NOT NULL DEFAULT '',
	segment_count INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (video_id, name)
)`,
	`CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status)`,
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	for _, statement := range postgresSchema {
		if _, err := r.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
