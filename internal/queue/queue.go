// Package queue provides the durable transcode job queue. Jobs are keyed by
// video id: at most one job per video may be queued or running at any time,
// failed attempts are retried with exponential backoff, and jobs that exhaust
// their attempts land in a dead-letter stream.
package queue

import (
	"context"
	"errors"
	"time"
)

// Job is one unit of transcode work delivered to exactly one worker.
type Job struct {
	ID         string    `json:"id"`
	VideoID    string    `json:"videoId"`
	SourcePath string    `json:"sourcePath"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	NotBefore  time.Time `json:"notBefore"`

	// receipt identifies the backend delivery so Ack and Fail can settle the
	// right entry. It never crosses the wire.
	receipt string
}

var (
	// ErrClosed is returned once the queue has been shut down.
	ErrClosed = errors.New("queue closed")
)

// Queue is the contract shared by the in-memory and Redis drivers.
type Queue interface {
	// Enqueue inserts a queued job for videoID unless one is already queued
	// or running for that video. It reports whether a new job was created.
	Enqueue(ctx context.Context, videoID, sourcePath string) (bool, error)
	// Dequeue blocks until a job is available and delivers it to exactly one
	// caller, transitioning it to running.
	Dequeue(ctx context.Context) (Job, error)
	// Ack marks the job succeeded and releases its dedup slot.
	Ack(ctx context.Context, job Job) error
	// Fail records a failed attempt. When attempts remain the job is
	// re-queued after the backoff delay and Fail reports true; otherwise the
	// job moves to the dead-letter stream and Fail reports false.
	Fail(ctx context.Context, job Job, cause error) (bool, error)
	// Discard moves the job straight to the dead-letter stream regardless of
	// remaining attempts. Used for permanent errors that retrying cannot fix.
	Discard(ctx context.Context, job Job, cause error) error
	Close(ctx context.Context) error
}

// BackoffPolicy computes retry delays: Base doubled per prior attempt,
// capped at Cap.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before re-queuing a job that has failed attempt
// times. The first retry waits Base.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Cap > 0 && delay >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && delay > p.Cap {
		return p.Cap
	}
	return delay
}

// Options configures retry and lease behaviour shared by the drivers.
type Options struct {
	// MaxAttempts bounds delivery attempts before dead-lettering. Includes
	// redeliveries triggered by lease expiry.
	MaxAttempts int
	Backoff     BackoffPolicy
	// Lease bounds how long a delivered job may stay unacknowledged before it
	// is presumed abandoned and redelivered. Encoder invocations run for
	// minutes, so the lease must comfortably exceed the full ladder runtime;
	// size it from the encode timeout, not from a generic liveness default.
	Lease time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultLease       = 30 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = 2 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = defaultLease
	}
	return o
}
