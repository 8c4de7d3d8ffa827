// Command server starts the StreamForge API together with the in-process
// transcode workers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamforge/internal/api"
	"streamforge/internal/layout"
	"streamforge/internal/observability/logging"
	"streamforge/internal/queue"
	"streamforge/internal/server"
	"streamforge/internal/serverutil"
	"streamforge/internal/storage"
	"streamforge/internal/transcode"
	"streamforge/internal/vod"
)

func main() {
	cfg := parseFlags(os.Args[1:])

	logger := logging.Init(logging.Config{Level: cfg.logLevel, Format: cfg.logFormat})

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open catalog", "error", err)
		os.Exit(1)
	}

	ladder, err := resolveLadder(cfg.ladderSpec)
	if err != nil {
		logger.Error("invalid rendition ladder", "error", err)
		os.Exit(1)
	}

	manager, err := layout.New(cfg.mediaRoot, ladder)
	if err != nil {
		logger.Error("failed to prepare media root", "error", err)
		os.Exit(1)
	}

	jobQueue, err := openQueue(cfg, logger)
	if err != nil {
		logger.Error("failed to configure job queue", "error", err)
		os.Exit(1)
	}

	mirror, err := storage.NewMirror(cfg.mirror)
	if err != nil {
		logger.Error("failed to configure object storage mirror", "error", err)
		os.Exit(1)
	}
	if mirror.Enabled() {
		logger.Info("object storage mirror enabled", "bucket", cfg.mirror.Bucket)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transcode.Reconcile(ctx, store, manager, jobQueue, logging.WithComponent(logger, "rescan")); err != nil {
		logger.Error("startup reconciliation failed", "error", err)
		os.Exit(1)
	}

	var pool *transcode.Pool
	if cfg.workers > 0 {
		encoder := transcode.NewFFmpegEncoder(transcode.FFmpegEncoderConfig{
			FFmpegPath:      cfg.ffmpegPath,
			FFprobePath:     cfg.ffprobePath,
			SegmentSeconds:  cfg.segmentSeconds,
			ThumbnailOffset: cfg.thumbnailOffset,
			Logger:          logging.WithComponent(logger, "ffmpeg"),
		})
		pool, err = transcode.NewPool(transcode.PoolConfig{
			Queue:         jobQueue,
			Store:         store,
			Layout:        manager,
			Encoder:       encoder,
			Mirror:        mirror,
			Workers:       cfg.workers,
			EncodeTimeout: cfg.encodeTimeout,
			Logger:        logging.WithComponent(logger, "transcode"),
		})
		if err != nil {
			logger.Error("failed to start transcode pool", "error", err)
			os.Exit(1)
		}
		pool.Start()
	} else if cfg.queueDriver == "memory" {
		logger.Warn("workers disabled with the in-memory queue, jobs will never run")
	}

	resolver := vod.NewResolver(store, manager)
	handler := api.NewHandler(store, jobQueue, resolver, manager,
		api.WithMirror(mirror),
		api.WithLogger(logging.WithComponent(logger, "api")))

	srv, err := server.New(handler, server.Config{
		Addr:   cfg.addr,
		TLS:    serverutil.TLSConfig{CertFile: cfg.tlsCert, KeyFile: cfg.tlsKey},
		CORS:   server.CORSConfig{AllowedOrigins: cfg.corsOrigins},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("StreamForge API listening", "addr", cfg.addr, "storage", cfg.storageDriver, "queue", cfg.queueDriver, "workers", cfg.workers)
	runErr := srv.Run(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if pool != nil {
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop transcode pool", "error", err)
		}
	}
	if err := jobQueue.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close job queue", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close catalog", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
}

func openStore(cfg config, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.storageDriver {
	case "json":
		logger.Info("using JSON catalog", "path", cfg.dataPath)
		return storage.NewJSONRepository(cfg.dataPath)
	case "postgres":
		if cfg.postgresDSN == "" {
			return nil, fmt.Errorf("postgres catalog selected without DSN")
		}
		logger.Info("using Postgres catalog")
		return storage.NewPostgresRepository(cfg.postgresDSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.storageDriver)
	}
}

func openQueue(cfg config, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.queueDriver {
	case "memory":
		logger.Info("using in-memory job queue")
		return queue.NewMemoryQueue(cfg.queueOptions), nil
	case "redis":
		if cfg.redis.Addr == "" && len(cfg.redis.Addrs) == 0 {
			return nil, fmt.Errorf("redis queue selected without address")
		}
		logger.Info("using Redis job queue", "addr", cfg.redis.Addr)
		redisCfg := cfg.redis
		redisCfg.Options = cfg.queueOptions
		return queue.NewRedisQueue(redisCfg)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.queueDriver)
	}
}
