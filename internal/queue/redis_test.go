package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"streamforge/internal/testsupport/redisstub"
)

func startRedisQueue(t *testing.T, srv *redisstub.Server, opts Options) Queue {
	t.Helper()
	q, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		KeyPrefix:    "test:transcode",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
		Options:      opts,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() {
		_ = q.Close(context.Background())
	})
	return q
}

func startStub(t *testing.T) *redisstub.Server {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	return srv
}

func TestRedisQueueDedupAndAck(t *testing.T) {
	srv := startStub(t)
	q := startRedisQueue(t, srv, Options{})
	ctx := context.Background()

	created, err := q.Enqueue(ctx, "video-1", "/media/source.mp4")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatalf("expected first enqueue to create a job")
	}
	created, err = q.Enqueue(ctx, "video-1", "/media/source.mp4")
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate enqueue to be a no-op")
	}
	if got := srv.StreamLen("test:transcode:jobs"); got != 1 {
		t.Fatalf("expected 1 stream entry, got %d", got)
	}

	dequeueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(dequeueCtx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job.VideoID != "video-1" || job.SourcePath != "/media/source.mp4" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", job.Attempt)
	}

	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got := srv.PendingCount("test:transcode:jobs", "test-workers"); got != 0 {
		t.Fatalf("expected no pending deliveries after ack, got %d", got)
	}

	// Ack releases the dedup slot so the video can be re-queued.
	created, err = q.Enqueue(ctx, "video-1", "/media/source.mp4")
	if err != nil {
		t.Fatalf("enqueue after ack: %v", err)
	}
	if !created {
		t.Fatalf("expected enqueue after ack to create a fresh job")
	}
}

func TestRedisQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	srv := startStub(t)
	q := startRedisQueue(t, srv, Options{
		MaxAttempts: 2,
		Backoff:     BackoffPolicy{Base: 10 * time.Millisecond},
	})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "video-1", "/media/source.mp4"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dequeueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	first, err := q.Dequeue(dequeueCtx)
	if err != nil {
		t.Fatalf("dequeue first attempt: %v", err)
	}
	requeued, err := q.Fail(ctx, first, errors.New("encoder exit 1"))
	if err != nil {
		t.Fatalf("fail first attempt: %v", err)
	}
	if !requeued {
		t.Fatalf("expected first failure to re-queue")
	}

	retryCtx, cancelRetry := context.WithTimeout(ctx, 3*time.Second)
	defer cancelRetry()
	second, err := q.Dequeue(retryCtx)
	if err != nil {
		t.Fatalf("dequeue retry: %v", err)
	}
	if second.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", second.Attempt)
	}
	requeued, err = q.Fail(ctx, second, errors.New("encoder exit 1"))
	if err != nil {
		t.Fatalf("fail final attempt: %v", err)
	}
	if requeued {
		t.Fatalf("expected final failure to dead-letter")
	}
	if got := srv.StreamLen("test:transcode:dead"); got != 1 {
		t.Fatalf("expected 1 dead letter, got %d", got)
	}

	created, err := q.Enqueue(ctx, "video-1", "/media/source.mp4")
	if err != nil {
		t.Fatalf("enqueue after dead-letter: %v", err)
	}
	if !created {
		t.Fatalf("expected dead-lettering to release the dedup slot")
	}
}

func TestRedisQueueReclaimsExpiredLease(t *testing.T) {
	srv := startStub(t)
	q := startRedisQueue(t, srv, Options{
		MaxAttempts: 3,
		Lease:       60 * time.Millisecond,
	})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "video-1", "/media/source.mp4"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dequeueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	first, err := q.Dequeue(dequeueCtx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", first.Attempt)
	}

	// The delivery is never settled, standing in for a crashed worker.
	reclaimCtx, cancelReclaim := context.WithTimeout(ctx, 3*time.Second)
	defer cancelReclaim()
	second, err := q.Dequeue(reclaimCtx)
	if err != nil {
		t.Fatalf("dequeue reclaimed delivery: %v", err)
	}
	if second.VideoID != "video-1" {
		t.Fatalf("expected reclaim of video-1, got %q", second.VideoID)
	}
	if second.Attempt != 2 {
		t.Fatalf("expected reclaimed delivery to count as attempt 2, got %d", second.Attempt)
	}

	if err := q.Ack(ctx, second); err != nil {
		t.Fatalf("ack reclaimed delivery: %v", err)
	}
	if got := srv.PendingCount("test:transcode:jobs", "test-workers"); got != 0 {
		t.Fatalf("expected no pending deliveries after ack, got %d", got)
	}
}

func TestRedisQueueDiscardDeadLettersImmediately(t *testing.T) {
	srv := startStub(t)
	q := startRedisQueue(t, srv, Options{MaxAttempts: 5})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "video-1", "/media/missing.mp4"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(dequeueCtx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Discard(ctx, job, errors.New("source file missing")); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if got := srv.StreamLen("test:transcode:dead"); got != 1 {
		t.Fatalf("expected 1 dead letter, got %d", got)
	}
}

func TestRedisQueueDiscardIgnoresReclaimedDelivery(t *testing.T) {
	srv := startStub(t)
	opts := Options{MaxAttempts: 3, Lease: 50 * time.Millisecond}
	crashed := startRedisQueue(t, srv, opts)
	healthy := startRedisQueue(t, srv, opts)
	ctx := context.Background()

	if _, err := crashed.Enqueue(ctx, "video-1", "/media/source.mp4"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stale, err := crashed.Dequeue(dequeueCtx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// The lease lapses and the other consumer claims the delivery.
	reclaimCtx, cancelReclaim := context.WithTimeout(ctx, 3*time.Second)
	defer cancelReclaim()
	reclaimed, err := healthy.Dequeue(reclaimCtx)
	if err != nil {
		t.Fatalf("dequeue reclaimed delivery: %v", err)
	}
	if reclaimed.Attempt != 2 {
		t.Fatalf("expected reclaimed delivery to count as attempt 2, got %d", reclaimed.Attempt)
	}

	// Discarding the stale delivery must not dead-letter the job or free the
	// dedup slot while the reclaimed delivery is still running.
	if err := crashed.Discard(ctx, stale, errors.New("late permanent failure")); err != nil {
		t.Fatalf("discard stale delivery: %v", err)
	}
	if got := srv.StreamLen("test:transcode:dead"); got != 0 {
		t.Fatalf("stale discard dead-lettered the job, %d dead letters", got)
	}
	created, err := crashed.Enqueue(ctx, "video-1", "/media/source.mp4")
	if err != nil {
		t.Fatalf("enqueue while reclaimed delivery runs: %v", err)
	}
	if created {
		t.Fatalf("expected enqueue to be a no-op while the reclaimed job runs")
	}

	// The live delivery still settles normally.
	if err := healthy.Discard(ctx, reclaimed, errors.New("source unreadable")); err != nil {
		t.Fatalf("discard live delivery: %v", err)
	}
	if got := srv.StreamLen("test:transcode:dead"); got != 1 {
		t.Fatalf("expected 1 dead letter, got %d", got)
	}
	created, err = crashed.Enqueue(ctx, "video-1", "/media/source.mp4")
	if err != nil {
		t.Fatalf("enqueue after dead-letter: %v", err)
	}
	if !created {
		t.Fatalf("expected dead-lettering to release the dedup slot")
	}
}

func TestRedisQueueDedupReservationCarriesTTL(t *testing.T) {
	srv := startStub(t)
	q, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		KeyPrefix:    "test:transcode",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
		DedupTTL:     100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() {
		_ = q.Close(context.Background())
	})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "video-1", "/media/source.mp4"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ttl := srv.KeyTTL("test:transcode:active:video-1"); ttl <= 0 {
		t.Fatalf("expected dedup reservation to carry a TTL, got %v", ttl)
	}
	created, err := q.Enqueue(ctx, "video-1", "/media/source.mp4")
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate enqueue to be a no-op while the slot is live")
	}

	// An orphaned reservation ages out instead of blocking the video forever.
	time.Sleep(150 * time.Millisecond)
	created, err = q.Enqueue(ctx, "video-1", "/media/source.mp4")
	if err != nil {
		t.Fatalf("enqueue after reservation expiry: %v", err)
	}
	if !created {
		t.Fatalf("expected expired reservation to admit a fresh job")
	}
}

func TestRedisQueueTLS(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: true})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}

	q, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		KeyPrefix:    "test:transcode",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
		TLS: RedisTLSConfig{
			CAFile:     caPath,
			ServerName: "127.0.0.1",
		},
	})
	if err != nil {
		t.Fatalf("create queue over tls: %v", err)
	}
	t.Cleanup(func() {
		_ = q.Close(context.Background())
	})

	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "video-1", "/media/source.mp4"); err != nil {
		t.Fatalf("enqueue over tls: %v", err)
	}
	dequeueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, err := q.Dequeue(dequeueCtx)
	if err != nil {
		t.Fatalf("dequeue over tls: %v", err)
	}
	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("ack over tls: %v", err)
	}
}
