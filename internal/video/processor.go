package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/reid/internal/config"
	"github.com/your-org/reid/internal/events"
	"github.com/your-org/reid/internal/identity"
	"github.com/your-org/reid/internal/ingest"
	"github.com/your-org/reid/internal/models"
	"github.com/your-org/reid/internal/observability"
	"github.com/your-org/reid/internal/vision"
)

// ResultStore persists finished job results.
type ResultStore interface {
	SaveJobResults(ctx context.Context, res models.JobResult) error
}

// ThumbnailStore holds per-person thumbnails.
type ThumbnailStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Detector   vision.Detector
	Extractor  vision.Extractor // required for jobs that extract features
	Open       ingest.VideoOpener
	Results    ResultStore    // optional
	Thumbnails ThumbnailStore // optional
	Sink       events.Sink
}

// Processor owns the video job queue and its single worker.
type Processor struct {
	cfg  config.VideoConfig
	vcfg config.VisionConfig
	deps Deps
	now  func() time.Time

	queue chan *Job

	mu       sync.RWMutex
	jobs     map[string]*Job
	order    []string
	matchers map[string]*identity.SessionMatcher

	featureUpdateRate float64
}

func NewProcessor(cfg *config.Config, deps Deps) *Processor {
	if deps.Sink == nil {
		deps.Sink = events.Nop{}
	}
	return &Processor{
		cfg:               cfg.Video,
		vcfg:              cfg.Vision,
		deps:              deps,
		now:               time.Now,
		queue:             make(chan *Job, max(cfg.Video.QueueSize, 1)),
		jobs:              make(map[string]*Job),
		matchers:          make(map[string]*identity.SessionMatcher),
		featureUpdateRate: cfg.Identity.FeatureUpdateRate,
	}
}

// Submit registers a job and enqueues it, blocking while the queue is full.
// A frameSkip below 1 selects the configured default.
func (p *Processor) Submit(ctx context.Context, fileRef string, frameSkip int, extract bool) (string, error) {
	if fileRef == "" {
		return "", fmt.Errorf("file reference is required")
	}
	if frameSkip < 1 {
		frameSkip = p.cfg.DefaultFrameSkip
	}
	if extract && p.deps.Extractor == nil {
		return "", fmt.Errorf("feature extraction requested but no extractor is configured")
	}

	job := newJob(uuid.NewString(), fileRef, frameSkip, extract, p.now())

	p.mu.Lock()
	p.jobs[job.ID] = job
	p.order = append(p.order, job.ID)
	p.mu.Unlock()

	// Recorded before the send: the worker may finish the job before Submit returns.
	observability.VideoJobs.WithLabelValues(string(StateQueued)).Inc()
	slog.Info("video job queued", "job_id", job.ID, "file", fileRef, "frame_skip", frameSkip, "extract", extract)

	select {
	case p.queue <- job:
	case <-ctx.Done():
		p.remove(job.ID)
		slog.Warn("video job dropped before enqueue", "job_id", job.ID, "error", ctx.Err())
		return "", fmt.Errorf("enqueue job: %w", ctx.Err())
	}
	observability.VideoQueueDepth.Set(float64(len(p.queue)))
	return job.ID, nil
}

// Run processes queued jobs one at a time, in submission order, until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			observability.VideoQueueDepth.Set(float64(len(p.queue)))

			p.mu.RLock()
			state := job.State
			p.mu.RUnlock()
			if state != StateQueued {
				continue
			}
			p.process(ctx, job)
		}
	}
}

// GetStatus returns the current status of a job.
func (p *Processor) GetStatus(jobID string) (Status, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return Status{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	return job.status(), nil
}

// GetSummary returns the result of a completed job.
func (p *Processor) GetSummary(jobID string) (models.JobResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return models.JobResult{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if job.State != StateCompleted || job.summary == nil {
		return models.JobResult{}, fmt.Errorf("job %s is %s: %w", jobID, job.State, ErrNotCompleted)
	}
	return *job.summary, nil
}

// Cancel stops a job. Queued jobs are cancelled at once; processing jobs stop
// before their next frame. It returns false for terminal jobs.
func (p *Processor) Cancel(jobID string) (bool, error) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return false, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}

	switch job.State {
	case StateQueued:
		job.State = StateCancelled
		job.CompletedAt = p.now()
		st := job.status()
		p.mu.Unlock()
		observability.VideoJobs.WithLabelValues(string(StateCancelled)).Inc()
		p.emit(context.Background(), st, "cancelled before processing")
		return true, nil
	case StateProcessing:
		job.cancelRequested.Store(true)
		p.mu.Unlock()
		return true, nil
	default:
		p.mu.Unlock()
		return false, nil
	}
}

// ListJobs returns all known jobs in submission order.
func (p *Processor) ListJobs() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.jobs[id].status())
	}
	return out
}

// Cleanup removes a terminal job, its identity matcher and its thumbnails.
func (p *Processor) Cleanup(ctx context.Context, jobID string) error {
	p.mu.RLock()
	job, ok := p.jobs[jobID]
	var state JobState
	if ok {
		state = job.State
	}
	p.mu.RUnlock()

	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if !state.Terminal() {
		return fmt.Errorf("job %s: %w", jobID, ErrJobActive)
	}

	p.remove(jobID)

	if p.deps.Thumbnails != nil {
		if err := p.deps.Thumbnails.DeletePrefix(ctx, thumbnailPrefix(jobID)); err != nil {
			return fmt.Errorf("delete thumbnails: %w", err)
		}
	}
	slog.Info("video job cleaned up", "job_id", jobID)
	return nil
}

func (p *Processor) remove(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.jobs, jobID)
	delete(p.matchers, jobID)
	for i, id := range p.order {
		if id == jobID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// QueueDepth returns the number of jobs waiting for the worker.
func (p *Processor) QueueDepth() int {
	return len(p.queue)
}

func thumbnailPrefix(jobID string) string {
	return fmt.Sprintf("thumbnails/%s/", jobID)
}

func (p *Processor) emit(ctx context.Context, st Status, msg string) {
	p.deps.Sink.JobProgress(ctx, events.JobProgress{
		JobID:           st.ID,
		State:           string(st.State),
		ProcessedFrames: st.ProcessedFrames,
		TotalFrames:     st.TotalFrames,
		Progress:        st.Progress,
		UniquePersons:   st.UniquePersons,
		Message:         msg,
		Timestamp:       p.now(),
	})
}

var errCancelled = errors.New("cancelled")
