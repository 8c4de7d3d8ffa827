// Command worker runs transcode workers against a shared Redis queue,
// without the HTTP API. Scale these horizontally alongside one API server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamforge/internal/layout"
	"streamforge/internal/models"
	"streamforge/internal/observability/logging"
	"streamforge/internal/queue"
	"streamforge/internal/storage"
	"streamforge/internal/transcode"
)

func main() {
	mediaRoot := flag.String("media-root", "", "directory holding published HLS artifacts")
	ladderSpec := flag.String("ladder", "", "comma separated rendition ladder (label:WIDTHxHEIGHT@BITRATE)")
	dataPath := flag.String("data", "", "path to the JSON catalog file")
	storageDriver := flag.String("storage-driver", "", "catalog driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")

	maxAttempts := flag.Int("queue-max-attempts", 0, "delivery attempts before a job is dead-lettered")
	retryBackoff := flag.Duration("queue-retry-backoff", 0, "base delay before a failed job is retried")
	retryBackoffCap := flag.Duration("queue-retry-backoff-cap", 0, "upper bound on the retry delay")
	lease := flag.Duration("queue-lease", 0, "how long a dequeued job may run before redelivery")

	redisAddr := flag.String("redis-addr", "", "Redis address for the job queue")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the job queue")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisKeyPrefix := flag.String("redis-key-prefix", "", "prefix for queue keys and streams")
	redisGroup := flag.String("redis-group", "", "Redis consumer group for transcode workers")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override the Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS certificate verification")

	workers := flag.Int("workers", 0, "concurrent transcode workers")
	encodeTimeout := flag.Duration("encode-timeout", 0, "bound on one full transcode job")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	segmentSeconds := flag.Int("segment-seconds", 0, "HLS segment target duration in seconds")
	thumbnailOffset := flag.Duration("thumbnail-offset", 0, "source timestamp for the thumbnail frame")

	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint for mirroring published artifacts")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")

	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  env(*logLevel, "STREAMFORGE_LOG_LEVEL", "info"),
		Format: env(*logFormat, "STREAMFORGE_LOG_FORMAT", ""),
	})

	dsn := env(*postgresDSN, "STREAMFORGE_POSTGRES_DSN", os.Getenv("DATABASE_URL"))
	driver := strings.ToLower(env(*storageDriver, "STREAMFORGE_STORAGE_DRIVER", ""))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}

	var (
		store storage.Repository
		err   error
	)
	switch driver {
	case "json":
		// Only safe when the worker shares the catalog file with nothing
		// else. Multi-process deployments should use postgres.
		store, err = storage.NewJSONRepository(env(*dataPath, "STREAMFORGE_DATA", "data/catalog.json"))
	case "postgres":
		store, err = storage.NewPostgresRepository(dsn)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open catalog", "error", err)
		os.Exit(1)
	}

	// The ladder must match the API server's so published directories and
	// playback requests agree on rendition names.
	ladder := models.DefaultLadder()
	if spec := env(*ladderSpec, "STREAMFORGE_LADDER", ""); spec != "" {
		ladder, err = models.ParseLadder(spec)
		if err != nil {
			logger.Error("invalid rendition ladder", "error", err)
			os.Exit(1)
		}
	}

	manager, err := layout.New(env(*mediaRoot, "STREAMFORGE_MEDIA_ROOT", "data/media"), ladder)
	if err != nil {
		logger.Error("failed to prepare media root", "error", err)
		os.Exit(1)
	}

	addr := env(*redisAddr, "STREAMFORGE_REDIS_ADDR", "")
	addrs := splitAndTrim(env(*redisAddrs, "STREAMFORGE_REDIS_ADDRS", ""))
	if addr == "" && len(addrs) == 0 {
		logger.Error("worker requires a Redis queue address")
		os.Exit(1)
	}
	jobQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Addr:       addr,
		Addrs:      addrs,
		Username:   env(*redisUsername, "STREAMFORGE_REDIS_USERNAME", ""),
		Password:   env(*redisPassword, "STREAMFORGE_REDIS_PASSWORD", ""),
		KeyPrefix:  env(*redisKeyPrefix, "STREAMFORGE_REDIS_KEY_PREFIX", ""),
		Group:      env(*redisGroup, "STREAMFORGE_REDIS_GROUP", ""),
		MasterName: env(*redisMasterName, "STREAMFORGE_REDIS_SENTINEL_MASTER", ""),
		PoolSize:   envInt(*redisPoolSize, "STREAMFORGE_REDIS_POOL_SIZE"),
		Logger:     logging.WithComponent(logger, "queue"),
		TLS: queue.RedisTLSConfig{
			CAFile:             env(*redisTLSCA, "STREAMFORGE_REDIS_TLS_CA", ""),
			CertFile:           env(*redisTLSCert, "STREAMFORGE_REDIS_TLS_CERT", ""),
			KeyFile:            env(*redisTLSKey, "STREAMFORGE_REDIS_TLS_KEY", ""),
			ServerName:         env(*redisTLSServerName, "STREAMFORGE_REDIS_TLS_SERVER_NAME", ""),
			InsecureSkipVerify: envBool(*redisTLSSkipVerify, "STREAMFORGE_REDIS_TLS_SKIP_VERIFY"),
		},
		Options: queue.Options{
			MaxAttempts: envInt(*maxAttempts, "STREAMFORGE_QUEUE_MAX_ATTEMPTS"),
			Lease:       envDuration(*lease, "STREAMFORGE_QUEUE_LEASE"),
			Backoff: queue.BackoffPolicy{
				Base: envDuration(*retryBackoff, "STREAMFORGE_QUEUE_RETRY_BACKOFF"),
				Cap:  envDuration(*retryBackoffCap, "STREAMFORGE_QUEUE_RETRY_BACKOFF_CAP"),
			},
		},
	})
	if err != nil {
		logger.Error("failed to connect to Redis queue", "error", err)
		os.Exit(1)
	}

	mirror, err := storage.NewMirror(storage.MirrorConfig{
		Endpoint:  env(*objectEndpoint, "STREAMFORGE_OBJECT_ENDPOINT", ""),
		AccessKey: env(*objectAccessKey, "STREAMFORGE_OBJECT_ACCESS_KEY", ""),
		SecretKey: env(*objectSecretKey, "STREAMFORGE_OBJECT_SECRET_KEY", ""),
		Bucket:    env(*objectBucket, "STREAMFORGE_OBJECT_BUCKET", ""),
		Prefix:    env(*objectPrefix, "STREAMFORGE_OBJECT_PREFIX", ""),
		Region:    env(*objectRegion, "STREAMFORGE_OBJECT_REGION", ""),
		UseSSL:    envBool(*objectUseSSL, "STREAMFORGE_OBJECT_USE_SSL"),
	})
	if err != nil {
		logger.Error("failed to configure object storage mirror", "error", err)
		os.Exit(1)
	}

	encoder := transcode.NewFFmpegEncoder(transcode.FFmpegEncoderConfig{
		FFmpegPath:      env(*ffmpegPath, "STREAMFORGE_FFMPEG", ""),
		FFprobePath:     env(*ffprobePath, "STREAMFORGE_FFPROBE", ""),
		SegmentSeconds:  envInt(*segmentSeconds, "STREAMFORGE_SEGMENT_SECONDS"),
		ThumbnailOffset: envDuration(*thumbnailOffset, "STREAMFORGE_THUMBNAIL_OFFSET"),
		Logger:          logging.WithComponent(logger, "ffmpeg"),
	})

	workerCount := envInt(*workers, "STREAMFORGE_WORKERS")
	pool, err := transcode.NewPool(transcode.PoolConfig{
		Queue:         jobQueue,
		Store:         store,
		Layout:        manager,
		Encoder:       encoder,
		Mirror:        mirror,
		Workers:       workerCount,
		EncodeTimeout: envDuration(*encodeTimeout, "STREAMFORGE_ENCODE_TIMEOUT"),
		Logger:        logging.WithComponent(logger, "transcode"),
	})
	if err != nil {
		logger.Error("failed to start transcode pool", "error", err)
		os.Exit(1)
	}
	pool.Start()
	logger.Info("StreamForge worker running", "storage", driver, "redis", addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop transcode pool", "error", err)
	}
	if err := jobQueue.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close job queue", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close catalog", "error", err)
	}
}

func env(flagValue, key, fallback string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envInt(flagValue int, key string) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv(key); raw != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return 0
}

func envDuration(flagValue time.Duration, key string) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv(key); raw != "" {
		if value, err := time.ParseDuration(raw); err == nil {
			return value
		}
	}
	return 0
}

func envBool(flagValue bool, key string) bool {
	if flagValue {
		return true
	}
	if raw, ok := os.LookupEnv(key); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return false
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
