package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"streamforge/internal/models"
	"streamforge/internal/queue"
	"streamforge/internal/storage"
)

type config struct {
	addr          string
	mediaRoot     string
	ladderSpec    string
	dataPath      string
	storageDriver string
	postgresDSN   string

	queueDriver  string
	queueOptions queue.Options
	redis        queue.RedisQueueConfig

	workers         int
	encodeTimeout   time.Duration
	ffmpegPath      string
	ffprobePath     string
	segmentSeconds  int
	thumbnailOffset time.Duration

	mirror storage.MirrorConfig

	tlsCert     string
	tlsKey      string
	corsOrigins []string
	logLevel    string
	logFormat   string
}

func parseFlags(args []string) config {
	fs := flag.NewFlagSet("server", flag.ExitOnError)

	addr := fs.String("addr", "", "HTTP listen address")
	mediaRoot := fs.String("media-root", "", "directory holding published HLS artifacts")
	ladder := fs.String("ladder", "", "comma separated rendition ladder (label:WIDTHxHEIGHT@BITRATE)")
	dataPath := fs.String("data", "", "path to the JSON catalog file")
	storageDriver := fs.String("storage-driver", "", "catalog driver (json or postgres)")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")

	queueDriver := fs.String("queue-driver", "", "job queue driver (memory or redis)")
	maxAttempts := fs.Int("queue-max-attempts", 0, "delivery attempts before a job is dead-lettered")
	retryBackoff := fs.Duration("queue-retry-backoff", 0, "base delay before a failed job is retried")
	retryBackoffCap := fs.Duration("queue-retry-backoff-cap", 0, "upper bound on the retry delay")
	lease := fs.Duration("queue-lease", 0, "how long a dequeued job may run before redelivery")

	redisAddr := fs.String("redis-addr", "", "Redis address for the job queue")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis addresses for the job queue")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisKeyPrefix := fs.String("redis-key-prefix", "", "prefix for queue keys and streams")
	redisGroup := fs.String("redis-group", "", "Redis consumer group for transcode workers")
	redisMasterName := fs.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisPoolSize := fs.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "override the Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS certificate verification")

	workers := fs.Int("workers", -1, "in-process transcode workers (0 disables)")
	encodeTimeout := fs.Duration("encode-timeout", 0, "bound on one full transcode job")
	ffmpegPath := fs.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := fs.String("ffprobe", "", "path to the ffprobe binary")
	segmentSeconds := fs.Int("segment-seconds", 0, "HLS segment target duration in seconds")
	thumbnailOffset := fs.Duration("thumbnail-offset", 0, "source timestamp for the thumbnail frame")

	objectEndpoint := fs.String("object-endpoint", "", "object storage endpoint for mirroring published artifacts")
	objectAccessKey := fs.String("object-access-key", "", "object storage access key")
	objectSecretKey := fs.String("object-secret-key", "", "object storage secret key")
	objectBucket := fs.String("object-bucket", "", "object storage bucket name")
	objectPrefix := fs.String("object-prefix", "", "object storage key prefix")
	objectRegion := fs.String("object-region", "", "object storage region")
	objectUseSSL := fs.Bool("object-use-ssl", false, "enable TLS for object storage requests")

	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	corsOrigins := fs.String("cors-origins", "", "comma separated origins allowed to call the API")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")

	fs.Parse(args)

	cfg := config{
		addr:          firstNonEmpty(*addr, os.Getenv("STREAMFORGE_ADDR"), ":8080"),
		mediaRoot:     firstNonEmpty(*mediaRoot, os.Getenv("STREAMFORGE_MEDIA_ROOT"), "data/media"),
		ladderSpec:    firstNonEmpty(*ladder, os.Getenv("STREAMFORGE_LADDER")),
		dataPath:      firstNonEmpty(*dataPath, os.Getenv("STREAMFORGE_DATA"), "data/catalog.json"),
		postgresDSN:   firstNonEmpty(*postgresDSN, os.Getenv("STREAMFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		tlsCert:       firstNonEmpty(*tlsCert, os.Getenv("STREAMFORGE_TLS_CERT")),
		tlsKey:        firstNonEmpty(*tlsKey, os.Getenv("STREAMFORGE_TLS_KEY")),
		corsOrigins:   splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("STREAMFORGE_CORS_ORIGINS"))),
		logLevel:      firstNonEmpty(*logLevel, os.Getenv("STREAMFORGE_LOG_LEVEL"), "info"),
		logFormat:     firstNonEmpty(*logFormat, os.Getenv("STREAMFORGE_LOG_FORMAT")),
		encodeTimeout: resolveDuration(*encodeTimeout, "STREAMFORGE_ENCODE_TIMEOUT", 0),
		ffmpegPath:    firstNonEmpty(*ffmpegPath, os.Getenv("STREAMFORGE_FFMPEG")),
		ffprobePath:   firstNonEmpty(*ffprobePath, os.Getenv("STREAMFORGE_FFPROBE")),
	}

	cfg.segmentSeconds = resolveInt(*segmentSeconds, "STREAMFORGE_SEGMENT_SECONDS")
	cfg.thumbnailOffset = resolveDuration(*thumbnailOffset, "STREAMFORGE_THUMBNAIL_OFFSET", 0)

	cfg.workers = *workers
	if cfg.workers < 0 {
		cfg.workers = resolveInt(0, "STREAMFORGE_WORKERS")
		if cfg.workers == 0 {
			cfg.workers = 2
		}
	}

	cfg.queueOptions = queue.Options{
		MaxAttempts: resolveInt(*maxAttempts, "STREAMFORGE_QUEUE_MAX_ATTEMPTS"),
		Lease:       resolveDuration(*lease, "STREAMFORGE_QUEUE_LEASE", 0),
		Backoff: queue.BackoffPolicy{
			Base: resolveDuration(*retryBackoff, "STREAMFORGE_QUEUE_RETRY_BACKOFF", 0),
			Cap:  resolveDuration(*retryBackoffCap, "STREAMFORGE_QUEUE_RETRY_BACKOFF_CAP", 0),
		},
	}

	cfg.redis = queue.RedisQueueConfig{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("STREAMFORGE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("STREAMFORGE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("STREAMFORGE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("STREAMFORGE_REDIS_PASSWORD")),
		KeyPrefix:  firstNonEmpty(*redisKeyPrefix, os.Getenv("STREAMFORGE_REDIS_KEY_PREFIX")),
		Group:      firstNonEmpty(*redisGroup, os.Getenv("STREAMFORGE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("STREAMFORGE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*redisPoolSize, "STREAMFORGE_REDIS_POOL_SIZE"),
		TLS: queue.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("STREAMFORGE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("STREAMFORGE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("STREAMFORGE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("STREAMFORGE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "STREAMFORGE_REDIS_TLS_SKIP_VERIFY"),
		},
	}

	cfg.mirror = storage.MirrorConfig{
		Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("STREAMFORGE_OBJECT_ENDPOINT")),
		AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("STREAMFORGE_OBJECT_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("STREAMFORGE_OBJECT_SECRET_KEY")),
		Bucket:    firstNonEmpty(*objectBucket, os.Getenv("STREAMFORGE_OBJECT_BUCKET")),
		Prefix:    firstNonEmpty(*objectPrefix, os.Getenv("STREAMFORGE_OBJECT_PREFIX")),
		Region:    firstNonEmpty(*objectRegion, os.Getenv("STREAMFORGE_OBJECT_REGION")),
		UseSSL:    resolveBool(*objectUseSSL, "STREAMFORGE_OBJECT_USE_SSL"),
	}

	cfg.storageDriver = resolveStorageDriver(*storageDriver, os.Getenv("STREAMFORGE_STORAGE_DRIVER"), cfg.postgresDSN)
	cfg.queueDriver = resolveQueueDriver(*queueDriver, os.Getenv("STREAMFORGE_QUEUE_DRIVER"), cfg.redis)

	return cfg
}

// resolveLadder parses the configured rendition ladder, falling back to the
// stock three-step ladder when unset.
func resolveLadder(spec string) ([]models.LadderStep, error) {
	if strings.TrimSpace(spec) == "" {
		return models.DefaultLadder(), nil
	}
	return models.ParseLadder(spec)
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

func resolveQueueDriver(flagValue, envValue string, redis queue.RedisQueueConfig) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if redis.Addr != "" || len(redis.Addrs) > 0 {
		return "redis"
	}
	return "memory"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
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

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
