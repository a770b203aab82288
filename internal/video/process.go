package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"

	"github.com/your-org/reid/internal/identity"
	"github.com/your-org/reid/internal/ingest"
	"github.com/your-org/reid/internal/observability"
	"github.com/your-org/reid/internal/vision"
)

// process runs one job to a terminal state.
func (p *Processor) process(ctx context.Context, job *Job) {
	matcher := identity.NewSessionMatcher(identity.SessionConfig{
		SimilarityThreshold: p.cfg.SimilarityThreshold,
		BaseMovement:        p.cfg.BaseMovement,
		MovementPerFrame:    p.cfg.MovementPerFrame,
		FeatureUpdateRate:   p.featureUpdateRate,
	})

	p.mu.Lock()
	job.State = StateProcessing
	job.StartedAt = p.now()
	p.matchers[job.ID] = matcher
	st := job.status()
	p.mu.Unlock()

	observability.VideoJobs.WithLabelValues(string(StateProcessing)).Inc()
	p.emit(ctx, st, "processing started")
	slog.Info("video job started", "job_id", job.ID, "file", job.FileRef)

	err := p.analyze(ctx, job, matcher)
	p.finish(ctx, job, matcher, err)
}

// analyze iterates the frames of the job's file.
func (p *Processor) analyze(ctx context.Context, job *Job, matcher *identity.SessionMatcher) error {
	src, err := p.deps.Open(ctx, job.FileRef)
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}
	defer src.Close()

	info := src.Info()
	fps := info.FPS
	if fps <= 0 {
		fps = ingest.DefaultFPS
	}

	p.mu.Lock()
	job.FPS = fps
	job.TotalFrames = info.TotalFrames
	p.mu.Unlock()

	progressEvery := max(p.cfg.ProgressEvery, 1)
	for idx := 0; ; idx++ {
		if job.cancelRequested.Load() {
			return errCancelled
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", idx, err)
		}

		if idx%job.FrameSkip == 0 {
			if err := p.analyzeFrame(ctx, job, matcher, frame, idx, fps); err != nil {
				slog.Warn("analyze frame", "job_id", job.ID, "frame", idx, "error", err)
			}
		}

		p.mu.Lock()
		job.ProcessedFrames = idx + 1
		if job.TotalFrames > 0 && job.ProcessedFrames > job.TotalFrames {
			job.TotalFrames = job.ProcessedFrames
		}
		st := job.status()
		p.mu.Unlock()

		if (idx+1)%progressEvery == 0 {
			p.emit(ctx, st, "")
		}
	}
}

// analyzeFrame detects persons in one frame and folds them into the job's
// per-identity aggregates.
func (p *Processor) analyzeFrame(ctx context.Context, job *Job, matcher *identity.SessionMatcher, frame []byte, idx int, fps float64) error {
	dets, err := p.deps.Detector.Detect(ctx, frame, vision.DetectorConfig{
		ConfidenceThreshold: p.vcfg.DetectionThreshold,
		NMSThreshold:        p.vcfg.NMSThreshold,
	})
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	observability.PersonsDetected.WithLabelValues("video").Add(float64(len(dets)))

	var features []vision.Vector
	if job.Extract && len(dets) > 0 {
		boxes := make([]vision.Box, len(dets))
		for i, d := range dets {
			boxes[i] = d.Box
		}
		features, err = p.deps.Extractor.ExtractBatch(ctx, frame, boxes, vision.ExtractorConfig{Padding: p.vcfg.CropPadding})
		if err != nil {
			slog.Warn("feature extraction failed", "job_id", job.ID, "frame", idx, "error", err)
			features = nil
		}
	}

	ts := float64(idx) / fps

	type sighting struct {
		id    string
		det   vision.Detection
		thumb []byte
	}
	sightings := make([]sighting, len(dets))
	for i, d := range dets {
		var f vision.Vector
		if i < len(features) {
			f = features[i]
		}
		id, _ := matcher.Match(f, d.Box, idx)
		sightings[i] = sighting{id: id, det: d}
	}

	// Thumbnails are cut outside the lock, only for sightings that beat the
	// identity's best confidence so far. Persons are written by this worker only.
	p.mu.RLock()
	best := make(map[string]float64, len(sightings))
	for _, s := range sightings {
		if info, ok := job.persons[s.id]; ok {
			best[s.id] = info.MaxConfidence
		}
	}
	p.mu.RUnlock()

	var decoded image.Image
	for i, s := range sightings {
		if s.det.Confidence <= best[s.id] {
			continue
		}
		best[s.id] = s.det.Confidence
		if decoded == nil {
			if decoded, err = vision.DecodeImage(frame); err != nil {
				break
			}
		}
		sightings[i].thumb = p.thumbnail(decoded, s.det.Box)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	job.TotalDetections += len(dets)
	job.frameCounts = append(job.frameCounts, float64(len(dets)))

	for _, s := range sightings {
		info, ok := job.persons[s.id]
		if !ok {
			info = &PersonTrackingInfo{IdentityID: s.id, FirstSeenSec: ts}
			job.persons[s.id] = info
		}
		info.LastSeenSec = ts
		info.Appearances++
		info.TotalConfidence += s.det.Confidence
		if s.det.Confidence > info.MaxConfidence {
			info.MaxConfidence = s.det.Confidence
			info.BestFrame = idx
			info.BestBox = s.det.Box
			if s.thumb != nil {
				info.Thumbnail = s.thumb
			}
		}
	}
	return nil
}

func (p *Processor) thumbnail(img image.Image, box vision.Box) []byte {
	if img == nil {
		return nil
	}
	crop := vision.Crop(img, box, 0)
	if crop == nil {
		return nil
	}
	data, err := vision.EncodeJPEG(crop, p.cfg.ThumbnailQuality)
	if err != nil {
		return nil
	}
	return data
}

// finish moves the job to its terminal state, uploads thumbnails and
// persists the summary. Cancelled jobs persist their partial aggregates.
func (p *Processor) finish(ctx context.Context, job *Job, matcher *identity.SessionMatcher, runErr error) {
	state := StateCompleted
	msg := "completed"
	switch {
	case errors.Is(runErr, errCancelled), errors.Is(runErr, context.Canceled):
		state, msg = StateCancelled, "cancelled"
	case runErr != nil:
		state, msg = StateFailed, runErr.Error()
	}

	if state == StateCompleted {
		p.uploadThumbnails(ctx, job)
	}

	p.mu.Lock()
	for id, info := range job.persons {
		info.Features = matcher.Features(id)
	}
	job.State = state
	job.CompletedAt = p.now()
	if state == StateFailed {
		job.Error = runErr.Error()
	}
	summary := job.buildSummary()
	if state == StateCompleted {
		job.summary = &summary
	}
	st := job.status()
	p.mu.Unlock()

	observability.VideoJobs.WithLabelValues(string(state)).Inc()

	if state != StateFailed && p.deps.Results != nil {
		if err := p.deps.Results.SaveJobResults(context.WithoutCancel(ctx), summary); err != nil {
			slog.Error("save job results", "job_id", job.ID, "error", err)
		}
	}

	p.emit(context.WithoutCancel(ctx), st, msg)
	slog.Info("video job finished",
		"job_id", job.ID,
		"state", state,
		"frames", st.ProcessedFrames,
		"persons", st.UniquePersons,
		"error", st.Error,
	)
}

func (p *Processor) uploadThumbnails(ctx context.Context, job *Job) {
	if p.deps.Thumbnails == nil {
		return
	}

	p.mu.RLock()
	pending := make(map[string][]byte, len(job.persons))
	for id, info := range job.persons {
		if info.Thumbnail != nil {
			pending[id] = info.Thumbnail
		}
	}
	p.mu.RUnlock()

	keys := make(map[string]string, len(pending))
	for id, data := range pending {
		key := thumbnailPrefix(job.ID) + id + ".jpg"
		if err := p.deps.Thumbnails.PutObject(ctx, key, data, "image/jpeg"); err != nil {
			slog.Warn("upload thumbnail", "job_id", job.ID, "identity", id, "error", err)
			continue
		}
		keys[id] = key
	}

	p.mu.Lock()
	for id, key := range keys {
		job.persons[id].ThumbnailKey = key
	}
	p.mu.Unlock()
}
