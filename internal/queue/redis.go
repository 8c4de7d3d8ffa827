package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams queue driver.
type RedisQueueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	KeyPrefix    string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
	Options      Options

	// DedupTTL bounds how long a dedup slot can outlive its job. A crash
	// between the reservation and the stream append would otherwise block
	// that video's enqueues forever. Live deliveries refresh the slot on
	// every dequeue, so only orphaned reservations age out.
	DedupTTL time.Duration
}

// NewRedisQueue initialises a queue backed by a Redis stream with a consumer
// group. Queued and in-flight work survives process restarts; deliveries left
// unacknowledged past the lease are reclaimed and handed to another worker.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "streamforge:transcode"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcode-workers"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	queue := &redisQueue{
		client:       client,
		prefix:       prefix,
		stream:       prefix + ":jobs",
		dead:         prefix + ":dead",
		group:        group,
		consumer:     "worker-" + uuid.NewString(),
		blockTimeout: cfg.BlockTimeout,
		opts:         cfg.Options.withDefaults(),
		dedupTTL:     cfg.DedupTTL,
		logger:       cfg.Logger,
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	if queue.dedupTTL <= 0 {
		queue.dedupTTL = defaultDedupTTL
	}
	if err := queue.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

type redisQueue struct {
	client       redis.UniversalClient
	prefix       string
	stream       string
	dead         string
	group        string
	consumer     string
	blockTimeout time.Duration
	opts         Options
	dedupTTL     time.Duration
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

const defaultDedupTTL = 24 * time.Hour

func (q *redisQueue) dedupKey(videoID string) string {
	return q.prefix + ":active:" + videoID
}

func (q *redisQueue) attemptsKey(videoID string) string {
	return q.prefix + ":attempts:" + videoID
}

func (q *redisQueue) Enqueue(ctx context.Context, videoID, sourcePath string) (bool, error) {
	if strings.TrimSpace(videoID) == "" {
		return false, fmt.Errorf("video id is required")
	}
	if err := q.ensureGroup(ctx); err != nil {
		return false, err
	}
	jobID := uuid.NewString()
	created, err := q.client.SetNX(ctx, q.dedupKey(videoID), jobID, q.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve dedup slot: %w", err)
	}
	if !created {
		return false, nil
	}
	now := time.Now().UTC()
	job := Job{ID: jobID, VideoID: videoID, SourcePath: sourcePath, EnqueuedAt: now, NotBefore: now}
	if err := q.append(ctx, q.stream, job); err != nil {
		q.client.Del(ctx, q.dedupKey(videoID))
		return false, err
	}
	return true, nil
}

func (q *redisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		default:
		}
		if err := q.ensureGroup(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return Job{}, err
			}
			q.logger.Warn("queue group ensure failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}

		msg, ok, err := q.nextDelivery(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Job{}, err
			}
			q.logger.Warn("queue read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}

		job, decodeErr := decodeJob(msg)
		if decodeErr != nil {
			q.logger.Error("queue payload undecodable, dropping", "entry", msg.ID, "error", decodeErr)
			q.client.XAck(ctx, q.stream, q.group, msg.ID)
			continue
		}
		job.receipt = msg.ID

		if wait := time.Until(job.NotBefore); wait > 0 {
			// Scheduled retry that is not due yet: put it back and idle.
			q.client.XAck(ctx, q.stream, q.group, msg.ID)
			if err := q.append(ctx, q.stream, job); err != nil {
				q.logger.Error("requeue of delayed job failed", "video_id", job.VideoID, "error", err)
			}
			if wait > q.blockTimeout {
				wait = q.blockTimeout
			}
			select {
			case <-ctx.Done():
				return Job{}, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		attempts, err := q.client.Incr(ctx, q.attemptsKey(job.VideoID)).Result()
		if err != nil {
			return Job{}, fmt.Errorf("count attempt: %w", err)
		}
		job.Attempt = int(attempts)
		q.client.Expire(ctx, q.dedupKey(job.VideoID), q.dedupTTL)
		return job, nil
	}
}

func (q *redisQueue) Ack(ctx context.Context, job Job) error {
	owned, err := q.ownsDelivery(ctx, job)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}
	if err := q.client.XAck(ctx, q.stream, q.group, job.receipt).Err(); err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	q.client.Del(ctx, q.dedupKey(job.VideoID), q.attemptsKey(job.VideoID))
	return nil
}

func (q *redisQueue) Fail(ctx context.Context, job Job, cause error) (bool, error) {
	owned, err := q.ownsDelivery(ctx, job)
	if err != nil {
		return false, err
	}
	if !owned {
		// Lease already expired and the delivery was reclaimed; the newer
		// delivery owns the outcome and the dedup slot.
		return false, nil
	}
	if job.Attempt >= q.opts.MaxAttempts {
		if err := q.deadLetter(ctx, job, cause); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := q.client.XAck(ctx, q.stream, q.group, job.receipt).Err(); err != nil {
		return false, fmt.Errorf("settle failed delivery: %w", err)
	}
	retry := job
	retry.NotBefore = time.Now().UTC().Add(q.opts.Backoff.Delay(job.Attempt))
	if err := q.append(ctx, q.stream, retry); err != nil {
		return false, err
	}
	return true, nil
}

func (q *redisQueue) Discard(ctx context.Context, job Job, cause error) error {
	owned, err := q.ownsDelivery(ctx, job)
	if err != nil {
		return err
	}
	if !owned {
		// The reclaimed delivery is live on another worker. Dead-lettering
		// here would free the dedup slot while that job still runs.
		return nil
	}
	return q.deadLetter(ctx, job, cause)
}

// ownsDelivery reports whether the job's receipt is still pending for this
// consumer. A receipt that was claimed by another consumer, or acknowledged
// already, no longer speaks for the video.
func (q *redisQueue) ownsDelivery(ctx context.Context, job Job) (bool, error) {
	entries, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  job.receipt,
		End:    job.receipt,
		Count:  1,
	}).Result()
	if err != nil {
		if isNilReply(err) {
			return false, nil
		}
		return false, fmt.Errorf("check delivery ownership: %w", err)
	}
	for _, entry := range entries {
		if entry.ID == job.receipt {
			return entry.Consumer == q.consumer, nil
		}
	}
	return false, nil
}

func (q *redisQueue) Close(ctx context.Context) error {
	return q.client.Close()
}

func (q *redisQueue) deadLetter(ctx context.Context, job Job, cause error) error {
	if err := q.client.XAck(ctx, q.stream, q.group, job.receipt).Err(); err != nil {
		return fmt.Errorf("settle dead delivery: %w", err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	values := map[string]interface{}{"payload": string(payload)}
	if cause != nil {
		values["error"] = cause.Error()
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dead, Values: values}).Err(); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	q.client.Del(ctx, q.dedupKey(job.VideoID), q.attemptsKey(job.VideoID))
	return nil
}

// nextDelivery prefers entries abandoned past the lease, then new entries.
func (q *redisQueue) nextDelivery(ctx context.Context) (redis.XMessage, bool, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.opts.Lease,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !isNilReply(err) {
		return redis.XMessage{}, false, err
	}
	if len(claimed) > 0 {
		return claimed[0], true, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.blockTimeout,
	}).Result()
	if err != nil {
		if isNilReply(err) {
			return redis.XMessage{}, false, nil
		}
		return redis.XMessage{}, false, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return msg, true, nil
		}
	}
	return redis.XMessage{}, false, nil
}

func (q *redisQueue) append(ctx context.Context, stream string, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err(); err != nil {
		return fmt.Errorf("append job: %w", err)
	}
	return nil
}

func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	q.groupReady.Store(true)
	return nil
}

func decodeJob(msg redis.XMessage) (Job, error) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return Job{}, fmt.Errorf("entry %s missing payload", msg.ID)
	}
	text, ok := raw.(string)
	if !ok {
		return Job{}, fmt.Errorf("entry %s payload is not a string", msg.ID)
	}
	var job Job
	if err := json.Unmarshal([]byte(text), &job); err != nil {
		return Job{}, fmt.Errorf("decode entry %s: %w", msg.ID, err)
	}
	return job, nil
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "timeout")
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

var _ Queue = (*redisQueue)(nil)
