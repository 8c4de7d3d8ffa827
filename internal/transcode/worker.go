package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"streamforge/internal/layout"
	"streamforge/internal/models"
	"streamforge/internal/queue"
	"streamforge/internal/storage"
)

var errVideoDeleted = errors.New("video deleted while job was in flight")

// PoolConfig wires the worker pool to the queue, the catalog, and the disk
// layout.
type PoolConfig struct {
	Queue   queue.Queue
	Store   storage.Repository
	Layout  *layout.Manager
	Encoder Encoder
	Mirror  storage.Mirror
	Workers int
	// EncodeTimeout bounds one full job: every rendition plus the thumbnail.
	// The queue lease must exceed it or jobs get redelivered mid-encode.
	EncodeTimeout time.Duration
	Logger        *slog.Logger
}

const (
	defaultWorkers       = 2
	defaultEncodeTimeout = 20 * time.Minute
)

// Pool consumes transcode jobs and publishes HLS artifacts. Renditions are
// all-or-nothing: a video is only marked ready when every ladder step
// encoded, and a failed step discards the whole attempt.
type Pool struct {
	queue         queue.Queue
	store         storage.Repository
	layout        *layout.Manager
	encoder       Encoder
	mirror        storage.Mirror
	workers       int
	encodeTimeout time.Duration
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewPool builds a worker pool; Start launches the workers.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Layout == nil {
		return nil, fmt.Errorf("layout manager is required")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	encodeTimeout := cfg.EncodeTimeout
	if encodeTimeout <= 0 {
		encodeTimeout = defaultEncodeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mirror := cfg.Mirror
	if mirror == nil {
		mirror, _ = storage.NewMirror(storage.MirrorConfig{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:         cfg.Queue,
		store:         cfg.Store,
		layout:        cfg.Layout,
		encoder:       cfg.Encoder,
		mirror:        mirror,
		workers:       workers,
		encodeTimeout: encodeTimeout,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		job, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Error("dequeue failed", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(job)
	}
}

func (p *Pool) process(job queue.Job) {
	log := p.logger.With("video_id", job.VideoID, "job_id", job.ID, "attempt", job.Attempt)

	video, ok := p.store.GetVideo(job.VideoID)
	if !ok {
		log.Info("video removed before processing, discarding job")
		if err := p.queue.Discard(p.ctx, job, errVideoDeleted); err != nil {
			log.Error("discard failed", "error", err)
		}
		return
	}
	source := video.SourcePath
	if source == "" {
		source = job.SourcePath
	}

	if err := p.markProcessing(video.ID); err != nil {
		log.Error("failed to mark video processing", "error", err)
		p.settleFailure(job, log, err)
		return
	}

	workDir, err := p.layout.WorkDir(job.VideoID, uuid.NewString())
	if err != nil {
		p.settleFailure(job, log, fmt.Errorf("create work area: %w", err))
		return
	}

	encodeCtx, cancel := context.WithTimeout(p.ctx, p.encodeTimeout)
	err = p.encode(encodeCtx, video.ID, source, workDir, log)
	cancel()
	if err != nil {
		if discardErr := p.layout.DiscardWork(workDir); discardErr != nil {
			log.Error("failed to discard work directory", "error", discardErr)
		}
		p.markRenditions(video.ID, models.RenditionStatusFailed, nil)
		p.settleFailure(job, log, err)
		return
	}

	// The video may have been deleted while ffmpeg ran; publishing now would
	// resurrect it.
	if _, ok := p.store.GetVideo(job.VideoID); !ok {
		log.Info("video removed during encode, dropping artifacts")
		if discardErr := p.layout.DiscardWork(workDir); discardErr != nil {
			log.Error("failed to discard work directory", "error", discardErr)
		}
		if err := p.queue.Discard(p.ctx, job, errVideoDeleted); err != nil {
			log.Error("discard failed", "error", err)
		}
		return
	}

	if err := p.layout.Publish(job.VideoID, workDir); err != nil {
		if discardErr := p.layout.DiscardWork(workDir); discardErr != nil {
			log.Error("failed to discard work directory", "error", discardErr)
		}
		p.settleFailure(job, log, fmt.Errorf("publish artifacts: %w", err))
		return
	}

	if err := p.recordPublished(job.VideoID); err != nil {
		// Artifacts are live on disk; the catalog is repaired by the startup
		// rescan, so log instead of failing the job.
		log.Error("failed to record published renditions", "error", err)
	}
	if p.mirror.Enabled() {
		videoDir, dirErr := p.layout.VideoDir(job.VideoID)
		if dirErr == nil {
			if err := p.mirror.UploadTree(p.ctx, job.VideoID, videoDir); err != nil {
				log.Warn("mirror upload failed", "error", err)
			}
		}
	}
	if err := p.queue.Ack(p.ctx, job); err != nil {
		log.Error("ack failed", "error", err)
		return
	}
	log.Info("video published")
}

// encode runs every ladder step concurrently, then the thumbnail. Any
// failure cancels the remaining steps.
func (p *Pool) encode(ctx context.Context, videoID, source, workDir string, log *slog.Logger) error {
	ladder := p.layout.Ladder()
	group, groupCtx := errgroup.WithContext(ctx)
	for _, step := range ladder {
		step := step
		if _, err := p.store.UpsertRendition(videoID, models.Rendition{
			Name:   step.Name,
			Status: models.RenditionStatusWriting,
		}); err != nil {
			return fmt.Errorf("record rendition %s: %w", step.Name, err)
		}
		group.Go(func() error {
			started := time.Now()
			outputDir := filepath.Join(workDir, step.Name)
			if err := p.encoder.EncodeRendition(groupCtx, source, outputDir, step); err != nil {
				return err
			}
			log.Info("rendition encoded", "rendition", step.Name, "elapsed", time.Since(started).Round(time.Millisecond))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if err := p.encoder.ExtractThumbnail(ctx, source, filepath.Join(workDir, layout.ThumbnailName)); err != nil {
		return err
	}
	if duration, err := p.encoder.ProbeDuration(ctx, source); err == nil {
		if _, err := p.store.UpdateVideo(videoID, storage.VideoUpdate{
			Metadata: map[string]string{"durationSeconds": strconv.FormatFloat(duration.Seconds(), 'f', 3, 64)},
		}); err != nil {
			log.Warn("failed to record duration", "error", err)
		}
	}
	return nil
}

func (p *Pool) markProcessing(videoID string) error {
	processing := models.VideoStatusProcessing
	empty := ""
	_, err := p.store.UpdateVideo(videoID, storage.VideoUpdate{Status: &processing, Error: &empty})
	return err
}

func (p *Pool) markRenditions(videoID string, status models.RenditionStatus, segmentCounts map[string]int) {
	for _, step := range p.layout.Ladder() {
		rendition := models.Rendition{Name: step.Name, Status: status}
		if segmentCounts != nil {
			rendition.SegmentCount = segmentCounts[step.Name]
		}
		if status == models.RenditionStatusPublished {
			if playlist, err := p.layout.Resolve(videoID, step.Name, layout.PlaylistName); err == nil {
				rendition.PlaylistPath = playlist
			}
		}
		if _, err := p.store.UpsertRendition(videoID, rendition); err != nil && !errors.Is(err, storage.ErrVideoNotFound) {
			p.logger.Error("failed to update rendition status", "video_id", videoID, "rendition", step.Name, "error", err)
		}
	}
}

// recordPublished flips the catalog to ready with per-rendition segment
// counts taken from the published playlists.
func (p *Pool) recordPublished(videoID string) error {
	counts := make(map[string]int)
	for _, step := range p.layout.Ladder() {
		playlist, err := p.layout.Resolve(videoID, step.Name, layout.PlaylistName)
		if err != nil {
			return err
		}
		segments, err := layout.CountPlaylistSegments(playlist)
		if err != nil {
			return fmt.Errorf("count %s segments: %w", step.Name, err)
		}
		counts[step.Name] = segments
	}
	p.markRenditions(videoID, models.RenditionStatusPublished, counts)

	thumbnail, err := p.layout.ThumbnailPath(videoID)
	if err != nil {
		return err
	}
	ready := models.VideoStatusReady
	completed := time.Now().UTC()
	empty := ""
	_, err = p.store.UpdateVideo(videoID, storage.VideoUpdate{
		Status:        &ready,
		ThumbnailPath: &thumbnail,
		CompletedAt:   &completed,
		Error:         &empty,
	})
	return err
}

// settleFailure routes a failed attempt: permanent errors dead-letter
// immediately, transient ones re-queue until attempts run out.
func (p *Pool) settleFailure(job queue.Job, log *slog.Logger, cause error) {
	if IsPermanent(cause) {
		log.Error("permanent failure, dead-lettering job", "error", cause)
		p.markVideoFailed(job.VideoID, cause)
		if err := p.queue.Discard(p.ctx, job, cause); err != nil {
			log.Error("dead-letter failed", "error", err)
		}
		return
	}
	requeued, err := p.queue.Fail(p.ctx, job, cause)
	if err != nil {
		log.Error("failed to settle attempt", "error", err)
		return
	}
	if requeued {
		log.Warn("attempt failed, job re-queued", "error", cause)
		pending := models.VideoStatusPending
		message := cause.Error()
		if _, err := p.store.UpdateVideo(job.VideoID, storage.VideoUpdate{Status: &pending, Error: &message}); err != nil && !errors.Is(err, storage.ErrVideoNotFound) {
			log.Error("failed to record retry state", "error", err)
		}
		return
	}
	log.Error("attempts exhausted, job dead-lettered", "error", cause)
	p.markVideoFailed(job.VideoID, cause)
}

func (p *Pool) markVideoFailed(videoID string, cause error) {
	failed := models.VideoStatusFailed
	message := cause.Error()
	if _, err := p.store.UpdateVideo(videoID, storage.VideoUpdate{Status: &failed, Error: &message}); err != nil && !errors.Is(err, storage.ErrVideoNotFound) {
		p.logger.Error("failed to mark video failed", "video_id", videoID, "error", err)
	}
}
