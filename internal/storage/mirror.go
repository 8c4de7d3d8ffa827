package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MirrorConfig configures the optional object-storage mirror. When Endpoint
// or Bucket is empty mirroring is disabled and the noop client is used.
type MirrorConfig struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Prefix         string
	Region         string
	UseSSL         bool
	RequestTimeout time.Duration
}

const defaultMirrorRequestTimeout = 2 * time.Minute

// Mirror copies published artifacts to object storage after a successful
// publish so a CDN or a second region can serve them.
type Mirror interface {
	Enabled() bool
	UploadTree(ctx context.Context, videoID, dir string) error
	Remove(ctx context.Context, videoID string) error
}

type noopMirror struct{}

func (noopMirror) Enabled() bool { return false }

func (noopMirror) UploadTree(ctx context.Context, videoID, dir string) error { return nil }

func (noopMirror) Remove(ctx context.Context, videoID string) error { return nil }

// NewMirror builds a mirror client from the configuration.
func NewMirror(cfg MirrorConfig) (Mirror, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" {
		return noopMirror{}, nil
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultMirrorRequestTimeout
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror connection: %w", err)
	}
	return &minioMirror{cfg: cfg, bucket: bucket, client: client}, nil
}

type minioMirror struct {
	cfg    MirrorConfig
	bucket string
	client *minio.Client
}

func (m *minioMirror) Enabled() bool { return true }

func (m *minioMirror) objectKey(videoID, rel string) string {
	key := path.Join(videoID, filepath.ToSlash(rel))
	if prefix := strings.Trim(m.cfg.Prefix, "/"); prefix != "" {
		key = path.Join(prefix, key)
	}
	return key
}

// UploadTree pushes every public artifact beneath dir. Dot-files are internal
// bookkeeping and stay local.
func (m *minioMirror) UploadTree(ctx context.Context, videoID, dir string) error {
	return filepath.WalkDir(dir, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, current)
		if err != nil {
			return err
		}
		uploadCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
		_, err = m.client.FPutObject(uploadCtx, m.bucket, m.objectKey(videoID, rel), current, minio.PutObjectOptions{
			ContentType: artifactContentType(d.Name()),
		})
		if err != nil {
			return fmt.Errorf("mirror %s: %w", rel, err)
		}
		return nil
	})
}

func (m *minioMirror) Remove(ctx context.Context, videoID string) error {
	prefix := m.objectKey(videoID, "") + "/"
	listCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	for object := range m.client.ListObjects(listCtx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return fmt.Errorf("list mirrored objects: %w", object.Err)
		}
		if err := m.client.RemoveObject(listCtx, m.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove mirrored object %s: %w", object.Key, err)
		}
	}
	return nil
}

func artifactContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
