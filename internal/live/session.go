// Package live runs per-camera detection and re-identification pipelines.
package live

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/reid/internal/config"
	"github.com/your-org/reid/internal/events"
	"github.com/your-org/reid/internal/identity"
	"github.com/your-org/reid/internal/ingest"
	"github.com/your-org/reid/internal/models"
	"github.com/your-org/reid/internal/observability"
	"github.com/your-org/reid/internal/vision"
)

var (
	// ErrConnectFailed is returned by Run once every connection attempt has failed.
	ErrConnectFailed = errors.New("camera connection failed")

	errDisconnected = errors.New("camera disconnected")
)

// provisionalPrefix marks per-frame identities minted when neither the
// resolver nor a stable track could name a detection.
const provisionalPrefix = "tmp-"

func isProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Store persists live detections and identities.
type Store interface {
	SaveDetectionBatch(ctx context.Context, sourceID string, dets []models.Detection) error
	UpsertIdentity(ctx context.Context, ident models.Identity) error
}

// TrackedPerson is one person in the latest detect cycle of a camera.
type TrackedPerson struct {
	Identity    string
	TrackID     int
	Box         vision.Box
	Confidence  float64
	Features    vision.Vector
	Confirmed   bool
	Provisional bool
}

// Deps are the collaborators shared by camera sessions.
type Deps struct {
	Detector  vision.Detector
	Extractor vision.Extractor // nil disables re-identification
	Resolver  *identity.Resolver
	Store     Store // optional
	Sink      events.Sink
	Open      ingest.Opener
	Unique    *UniqueSet
}

// Session is the pipeline of one camera.
type Session struct {
	id    string
	url   string
	cfg   config.LiveConfig
	vcfg  config.VisionConfig
	deps  Deps
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	tracks  *vision.StableTracks
	confirm *confirmBuffer
	output  *FrameQueue

	stateMu sync.Mutex
	state   events.StreamState

	frameMu  *timedMutex
	latest   []byte
	frameSeq uint64
	frameW   int
	frameH   int

	personsMu *timedMutex
	persons   []TrackedPerson
}

// NewSession creates a camera session. Run starts it.
func NewSession(cameraID, url string, cfg *config.Config, deps Deps) *Session {
	if deps.Sink == nil {
		deps.Sink = events.Nop{}
	}
	if deps.Unique == nil {
		deps.Unique = NewUniqueSet()
	}
	s := &Session{
		id:    cameraID,
		url:   url,
		cfg:   cfg.Live,
		vcfg:  cfg.Vision,
		deps:  deps,
		now:   time.Now,
		sleep: sleepCtx,
		tracks: vision.NewStableTracks(vision.StableTrackConfig{
			MaxMovement: cfg.Tracking.MaxMovement,
			Timeout:     cfg.Tracking.TrackTimeout,
		}),
		confirm:   newConfirmBuffer(cfg.Live, deps.Unique),
		state:     events.StreamDisconnected,
		frameMu:   newTimedMutex(),
		personsMu: newTimedMutex(),
	}
	s.tracks.SetClock(func() time.Time { return s.now() })
	s.output = NewFrameQueue(cfg.Live.OutputQueueSize, func() {
		observability.OutputFramesDropped.WithLabelValues(cameraID).Inc()
	})
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) ID() string  { return s.id }
func (s *Session) URL() string { return s.url }

// Frames returns the annotated output frames. The channel closes when Run returns.
func (s *Session) Frames() <-chan []byte {
	return s.output.Frames()
}

// State returns the current connection state.
func (s *Session) State() events.StreamState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(ctx context.Context, state events.StreamState, attempt int, msg string) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()

	slog.Info("camera state changed", "camera_id", s.id, "state", state, "attempt", attempt, "message", msg)
	s.deps.Sink.StreamState(context.WithoutCancel(ctx), events.StreamStateChange{
		CameraID:  s.id,
		State:     state,
		Attempt:   attempt,
		Message:   msg,
		Timestamp: s.now(),
	})
}

// Run connects to the camera and runs the pipeline stages until ctx is
// cancelled or connection attempts are exhausted. Lost connections are
// re-established; the attempt budget resets after every successful connect.
func (s *Session) Run(ctx context.Context) error {
	defer s.output.Close()

	connectedOnce := false
	attempt := 0
	lost, lossMsg := false, ""
	for {
		if ctx.Err() != nil {
			s.setState(ctx, events.StreamDisconnected, 0, "stopped")
			return nil
		}

		attempt++
		state := events.StreamConnecting
		if connectedOnce {
			state = events.StreamReconnecting
		}
		s.setState(ctx, state, attempt, lossMsg)
		if lost {
			lost, lossMsg = false, ""
			s.sleep(ctx, s.cfg.RetryDelay)
		}

		src, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(ctx, events.StreamDisconnected, 0, "stopped")
				return nil
			}
			slog.Warn("camera connect failed", "camera_id", s.id, "attempt", attempt, "error", err)
			if attempt >= s.cfg.MaxConnectAttempts {
				msg := fmt.Sprintf("giving up after %d attempts: %v", attempt, err)
				s.setState(ctx, events.StreamError, attempt, msg)
				s.setState(ctx, events.StreamDisconnected, attempt, msg)
				return fmt.Errorf("connect camera %s: %w", s.id, ErrConnectFailed)
			}
			s.sleep(ctx, s.cfg.RetryDelay)
			continue
		}

		connectedOnce = true
		attempt = 0
		s.setState(ctx, events.StreamConnected, 0, "")

		err = s.runStages(ctx, src)
		if ctx.Err() != nil {
			s.setState(ctx, events.StreamDisconnected, 0, "stopped")
			return nil
		}
		slog.Warn("camera stream lost", "camera_id", s.id, "error", err)
		lost, lossMsg = true, errMessage(err)
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Session) connect(ctx context.Context) (ingest.FrameSource, error) {
	connCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	src, err := s.deps.Open(connCtx, s.url)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.url, err)
	}
	return src, nil
}

// runStages runs capture, detect, annotate and persist until one of them
// fails or ctx is cancelled. The source is closed exactly once on return.
func (s *Session) runStages(ctx context.Context, src ingest.FrameSource) error {
	defer func() {
		if err := src.Close(); err != nil {
			slog.Warn("close camera source", "camera_id", s.id, "error", err)
		}
	}()

	observability.ActiveCameras.Inc()
	defer observability.ActiveCameras.Dec()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.captureLoop(gctx, src) })
	g.Go(func() error { return s.detectLoop(gctx) })
	g.Go(func() error { return s.annotateLoop(gctx) })
	g.Go(func() error { return s.persistLoop(gctx) })
	return g.Wait()
}

func (s *Session) captureLoop(ctx context.Context, src ingest.FrameSource) error {
	fps := max(s.cfg.TargetFPS, 1)
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		readCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		frame, err := src.ReadFrame(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutive++
			observability.CaptureErrors.WithLabelValues(s.id).Inc()
			if consecutive > s.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("%w: %d consecutive read errors, last: %v", errDisconnected, consecutive, err)
			}
			continue
		}
		consecutive = 0
		observability.FramesCaptured.WithLabelValues(s.id).Inc()
		s.publishFrame(ctx, frame)
	}
}

// publishFrame replaces the latest frame. The first frame of a connection
// also fixes the frame size used for entry-zone checks.
func (s *Session) publishFrame(ctx context.Context, frame []byte) {
	if !s.frameMu.TryLockFor(ctx, s.cfg.LockTimeout) {
		return
	}
	needSize := s.frameW == 0
	s.latest = frame
	s.frameSeq++
	s.frameMu.Unlock()

	if !needSize {
		return
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return
	}
	if s.frameMu.TryLockFor(ctx, s.cfg.LockTimeout) {
		s.frameW, s.frameH = cfg.Width, cfg.Height
		s.frameMu.Unlock()
		s.deps.Resolver.SetFrameSize(s.id, cfg.Width, cfg.Height)
	}
}

// latestFrame returns the newest frame and its sequence number; ok is false
// when no frame is available or the lock timed out.
func (s *Session) latestFrame(ctx context.Context) ([]byte, uint64, bool) {
	if !s.frameMu.TryLockFor(ctx, s.cfg.LockTimeout) {
		return nil, 0, false
	}
	defer s.frameMu.Unlock()
	if s.latest == nil {
		return nil, 0, false
	}
	return s.latest, s.frameSeq, true
}

// Persons returns a copy of the latest tracked-person list.
func (s *Session) Persons(ctx context.Context) ([]TrackedPerson, bool) {
	if !s.personsMu.TryLockFor(ctx, s.cfg.LockTimeout) {
		return nil, false
	}
	defer s.personsMu.Unlock()
	out := make([]TrackedPerson, len(s.persons))
	copy(out, s.persons)
	return out, true
}

func (s *Session) setPersons(ctx context.Context, persons []TrackedPerson) {
	if !s.personsMu.TryLockFor(ctx, s.cfg.LockTimeout) {
		return
	}
	s.persons = persons
	s.personsMu.Unlock()
}

func (s *Session) detectLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.DetectInterval)
	defer ticker.Stop()

	var lastSeq uint64
	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, seq, ok := s.latestFrame(ctx)
		if !ok || seq == lastSeq {
			continue
		}
		lastSeq = seq
		s.detectCycle(ctx, frame, cycle)
		cycle++
	}
}

// detectCycle runs detection and identity resolution on one frame. No lock
// is held while the engines run.
func (s *Session) detectCycle(ctx context.Context, frame []byte, cycle int) {
	dets, err := s.deps.Detector.Detect(ctx, frame, vision.DetectorConfig{
		ConfidenceThreshold: s.vcfg.DetectionThreshold,
		NMSThreshold:        s.vcfg.NMSThreshold,
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("detect failed", "camera_id", s.id, "error", err)
		}
		return
	}

	kept := dets[:0:0]
	for _, d := range dets {
		if d.Box.W >= s.cfg.MinBoxWidth && d.Box.H >= s.cfg.MinBoxHeight {
			kept = append(kept, d)
		}
	}
	observability.PersonsDetected.WithLabelValues("live").Add(float64(len(kept)))

	var features []vision.Vector
	if s.deps.Extractor != nil && len(kept) > 0 && cycle%max(s.cfg.ReIDEvery, 1) == 0 {
		boxes := make([]vision.Box, len(kept))
		for i, d := range kept {
			boxes[i] = d.Box
		}
		features, err = s.deps.Extractor.ExtractBatch(ctx, frame, boxes, vision.ExtractorConfig{Padding: s.vcfg.CropPadding})
		if err != nil {
			slog.Warn("feature extraction failed", "camera_id", s.id, "error", err)
			features = nil
		}
	}

	now := s.now()
	claimed := make(map[int]bool, len(kept))
	persons := make([]TrackedPerson, 0, len(kept))
	for i, d := range kept {
		track, hasTrack := s.tracks.FindExisting(d.Box, claimed)
		trackID := 0
		if hasTrack {
			trackID = track.ID
			claimed[trackID] = true
		}

		var f vision.Vector
		if i < len(features) {
			f = features[i]
		}

		id := ""
		if f != nil {
			box := d.Box
			id = s.deps.Resolver.Resolve(identity.Observation{
				Features:   f,
				CameraID:   s.id,
				Box:        &box,
				Confidence: d.Confidence,
				TrackID:    trackID,
			})
		}
		if id == "" && hasTrack && track.Identity != "" {
			id = track.Identity
		}
		if id == "" {
			id = provisionalPrefix + uuid.NewString()
		}

		trackID = s.tracks.Update(trackID, id, d.Box, d.Confidence, f)
		claimed[trackID] = true

		p := TrackedPerson{
			Identity:    id,
			TrackID:     trackID,
			Box:         d.Box,
			Confidence:  d.Confidence,
			Features:    f,
			Provisional: isProvisional(id),
		}
		if !p.Provisional {
			p.Confirmed = s.confirm.Observe(id, d.Confidence, f != nil, now)
		}
		persons = append(persons, p)
	}

	s.tracks.Cleanup(now)
	s.confirm.Prune(now)
	s.setPersons(ctx, persons)

	s.deps.Sink.DetectionUpdate(ctx, events.DetectionUpdate{
		CameraID:     s.id,
		Timestamp:    now,
		CurrentCount: len(persons),
		UniqueCount:  s.deps.Unique.Len(),
		Persons:      summarize(persons),
	})
}

func summarize(persons []TrackedPerson) []events.PersonSummary {
	out := make([]events.PersonSummary, len(persons))
	for i, p := range persons {
		out[i] = events.PersonSummary{
			Identity:   p.Identity,
			TrackID:    p.TrackID,
			Box:        p.Box,
			Confidence: p.Confidence,
			Confirmed:  p.Confirmed,
		}
	}
	return out
}

func (s *Session) annotateLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.AnnotateInterval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, seq, ok := s.latestFrame(ctx)
		if !ok || seq == lastSeq {
			continue
		}
		persons, ok := s.Persons(ctx)
		if !ok {
			continue
		}
		lastSeq = seq

		out, err := annotateFrame(frame, persons, overlay{
			CameraID: s.id,
			State:    s.State(),
			Current:  len(persons),
			Unique:   s.deps.Unique.Len(),
		}, s.cfg.JPEGQuality)
		if err != nil {
			slog.Debug("annotate frame", "camera_id", s.id, "error", err)
			continue
		}
		s.output.Push(out)
	}
}

func (s *Session) persistLoop(ctx context.Context) error {
	if s.deps.Store == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.PersistInterval)
	defer ticker.Stop()

	var last time.Time
	lastCount := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		persons, ok := s.Persons(ctx)
		if !ok {
			continue
		}
		now := s.now()
		if !shouldPersist(s.cfg, now, last, len(persons), lastCount) {
			continue
		}
		if s.persist(ctx, persons, now) {
			last = now
			lastCount = len(persons)
		}
	}
}

// shouldPersist applies the minimum-interval and count-change throttles.
func shouldPersist(cfg config.LiveConfig, now, last time.Time, count, lastCount int) bool {
	if !last.IsZero() && now.Sub(last) < cfg.PersistMinInterval {
		return false
	}
	if cfg.PersistOnChangeOnly && count == lastCount {
		return false
	}
	return true
}

// persist saves persons carrying features and upserts their identities once
// counted as unique.
func (s *Session) persist(ctx context.Context, persons []TrackedPerson, now time.Time) bool {
	dets := make([]models.Detection, 0, len(persons))
	for _, p := range persons {
		if p.Features == nil || p.Provisional {
			continue
		}
		dets = append(dets, models.Detection{
			ID:         uuid.NewString(),
			CameraID:   s.id,
			IdentityID: p.Identity,
			TrackID:    p.TrackID,
			Confidence: p.Confidence,
			BBox:       [4]int{p.Box.X, p.Box.Y, p.Box.W, p.Box.H},
			Embedding:  p.Features,
			DetectedAt: now,
		})
	}
	if len(dets) == 0 {
		return false
	}

	if err := s.deps.Store.SaveDetectionBatch(ctx, s.id, dets); err != nil {
		slog.Error("save detection batch", "camera_id", s.id, "count", len(dets), "error", err)
		return false
	}

	for _, p := range persons {
		if p.Features == nil || !p.Confirmed || p.Provisional {
			continue
		}
		info, ok := s.deps.Resolver.Get(p.Identity)
		if !ok || !info.Confirmed {
			continue
		}
		if err := s.deps.Store.UpsertIdentity(ctx, info.ToModel()); err != nil {
			slog.Error("upsert identity", "camera_id", s.id, "identity", p.Identity, "error", err)
			continue
		}
		s.deps.Resolver.MarkPersisted(p.Identity, p.Identity)
	}
	return true
}

// reset drops per-camera tracking state.
func (s *Session) reset(ctx context.Context) {
	s.tracks.Reset()
	s.confirm.Reset()
	s.setPersons(ctx, nil)
}
