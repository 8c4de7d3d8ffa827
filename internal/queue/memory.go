package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue driver. It honours the same dedup,
// backoff, lease, and dead-letter semantics as the Redis driver and backs
// tests and single-node deployments that can tolerate losing queued work on
// restart; published artifacts remain recoverable from the disk layout.
type MemoryQueue struct {
	opts Options

	mu      sync.Mutex
	closed  bool
	ready   []*memoryJob
	running map[string]*memoryJob
	active  map[string]struct{}
	dead    []Job
	wake    chan struct{}
}

type memoryJob struct {
	job      Job
	deadline time.Time
}

// NewMemoryQueue builds an empty in-memory queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		running: make(map[string]*memoryJob),
		active:  make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, videoID, sourcePath string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	if _, exists := q.active[videoID]; exists {
		return false, nil
	}
	now := time.Now().UTC()
	q.active[videoID] = struct{}{}
	q.pushLocked(&memoryJob{job: Job{
		ID:         uuid.NewString(),
		VideoID:    videoID,
		SourcePath: sourcePath,
		EnqueuedAt: now,
		NotBefore:  now,
	}})
	q.signalLocked()
	return true, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		now := time.Now().UTC()
		q.reclaimExpiredLocked(now)
		if item, ok := q.popReadyLocked(now); ok {
			item.job.Attempt++
			// Fresh receipt per delivery. A reclaim hands out the same job
			// ID again, so the receipt is what tells deliveries apart.
			item.job.receipt = uuid.NewString()
			item.deadline = now.Add(q.opts.Lease)
			q.running[item.job.VideoID] = item
			job := item.job
			q.mu.Unlock()
			return job, nil
		}
		wait := q.nextWakeLocked(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Job{}, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if current, ok := q.running[job.VideoID]; ok && current.job.receipt == job.receipt {
		delete(q.running, job.VideoID)
		delete(q.active, job.VideoID)
	}
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.running[job.VideoID]
	if !ok || current.job.receipt != job.receipt {
		// Lease already expired and the job was redelivered; the newer
		// delivery owns the outcome.
		return false, nil
	}
	delete(q.running, job.VideoID)
	if job.Attempt >= q.opts.MaxAttempts {
		delete(q.active, job.VideoID)
		q.dead = append(q.dead, job)
		return false, nil
	}
	retry := job
	retry.NotBefore = time.Now().UTC().Add(q.opts.Backoff.Delay(job.Attempt))
	q.pushLocked(&memoryJob{job: retry})
	q.signalLocked()
	return true, nil
}

func (q *MemoryQueue) Discard(ctx context.Context, job Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.running[job.VideoID]
	if !ok || current.job.receipt != job.receipt {
		// Lease already expired and the job was redelivered; the newer
		// delivery owns the outcome and the dedup slot.
		return nil
	}
	delete(q.running, job.VideoID)
	delete(q.active, job.VideoID)
	q.dead = append(q.dead, job)
	return nil
}

// DeadLetters returns a snapshot of dead-lettered jobs.
func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) pushLocked(item *memoryJob) {
	q.ready = append(q.ready, item)
	sort.SliceStable(q.ready, func(i, j int) bool {
		return q.ready[i].job.NotBefore.Before(q.ready[j].job.NotBefore)
	})
}

func (q *MemoryQueue) popReadyLocked(now time.Time) (*memoryJob, bool) {
	if len(q.ready) == 0 || q.ready[0].job.NotBefore.After(now) {
		return nil, false
	}
	item := q.ready[0]
	q.ready = q.ready[1:]
	return item, true
}

func (q *MemoryQueue) reclaimExpiredLocked(now time.Time) {
	for videoID, item := range q.running {
		if item.deadline.After(now) {
			continue
		}
		delete(q.running, videoID)
		if item.job.Attempt >= q.opts.MaxAttempts {
			delete(q.active, videoID)
			q.dead = append(q.dead, item.job)
			continue
		}
		requeued := item.job
		requeued.NotBefore = now
		q.pushLocked(&memoryJob{job: requeued})
	}
}

func (q *MemoryQueue) nextWakeLocked(now time.Time) time.Duration {
	wait := 500 * time.Millisecond
	if len(q.ready) > 0 {
		if until := q.ready[0].job.NotBefore.Sub(now); until > 0 && until < wait {
			wait = until
		}
	}
	for _, item := range q.running {
		if until := item.deadline.Sub(now); until > 0 && until < wait {
			wait = until
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (q *MemoryQueue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
