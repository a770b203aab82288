// Package identity reconciles per-observation appearance descriptors into
// stable global person identities.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/your-org/reid/internal/config"
	"github.com/your-org/reid/internal/models"
	"github.com/your-org/reid/internal/observability"
	"github.com/your-org/reid/internal/vision"
)

// Observation is one person sighting to reconcile.
type Observation struct {
	Features   vision.Vector
	CameraID   string
	Box        *vision.Box // optional
	Confidence float64
	TrackID    int // short-term track id; 0 when unknown
}

// Loader supplies previously persisted identities at start-up.
type Loader interface {
	LoadRecentIdentities(ctx context.Context, sinceHours int) ([]models.Identity, error)
}

// UniqueCounter counts distinct identities persisted since a point in time.
type UniqueCounter interface {
	CountUniqueSince(ctx context.Context, since time.Time) (int, error)
}

type confidenceSample struct {
	at    time.Time
	value float64
}

type globalIdentity struct {
	id          string
	features    vision.Vector
	firstSeen   time.Time
	lastActive  time.Time
	firstCamera string
	lastCamera  string
	cameras     map[string]struct{}
	matchCount  int
	confirmed   bool
	confidences []confidenceSample
	maxConf     float64
	storageID   string
}

type trackKey struct {
	camera string
	track  int
}

// trackState implements the stability gate for one short-term track.
type trackState struct {
	bound     string
	candidate string
	streak    int
	lastSeen  time.Time
}

// newCandidate marks "no existing identity matched" in the stability gate.
const newCandidate = "\x00new"

type frameSize struct{ w, h int }

// Resolver owns the catalog of known global identities. Safe for concurrent use.
type Resolver struct {
	mu         sync.Mutex
	cfg        config.IdentityConfig
	identities map[string]*globalIdentity
	tracks     map[trackKey]*trackState
	frames     map[string]frameSize
	now        func() time.Time

	counter    UniqueCounter
	todayCache *expirable.LRU[string, int]

	matched  int
	created  int
	rejected int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithUniqueCounter serves TodayCount from an external store.
func WithUniqueCounter(c UniqueCounter) Option {
	return func(r *Resolver) { r.counter = c }
}

// NewResolver creates an empty resolver.
func NewResolver(cfg config.IdentityConfig, opts ...Option) *Resolver {
	r := &Resolver{
		cfg:        cfg,
		identities: make(map[string]*globalIdentity),
		tracks:     make(map[trackKey]*trackState),
		frames:     make(map[string]frameSize),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	ttl := cfg.TodayCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	r.todayCache = expirable.NewLRU[string, int](4, nil, ttl)
	return r
}

// SetFrameSize records the frame dimensions for a camera; an empty camera id
// sets the default used by cameras without their own size. Entry-zone
// detection is disabled until a size is known.
func (r *Resolver) SetFrameSize(cameraID string, w, h int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[cameraID] = frameSize{w: w, h: h}
}

// Resolve maps an observation to a global identity id, minting a new identity
// when nothing matches. It returns "" when the observation is rejected.
func (r *Resolver) Resolve(obs Observation) string {
	if !obs.Features.Valid(r.cfg.MinVariance) {
		r.reject("invalid_features")
		return ""
	}
	if obs.Box != nil {
		if !obs.Box.Valid() {
			r.reject("invalid_box")
			return ""
		}
		if obs.Box.Area() < r.cfg.MinCropArea && obs.Confidence < r.cfg.SizeWaiverConfidence {
			r.reject("small_crop")
			return ""
		}
	}

	features := obs.Features.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	threshold := r.threshold(r.inEntryZone(obs.CameraID, obs.Box), obs.Confidence)

	decided := ""
	if best, dist, inactive := r.bestCandidate(features, now); best != nil && dist <= threshold {
		stale := inactive > r.cfg.StaleAfter && dist > threshold*r.cfg.StaleDistanceRatio
		if !stale {
			decided = best.id
		}
	}

	if held, ok := r.hold(obs, decided, now); ok {
		observability.IdentityResolutions.WithLabelValues("held").Inc()
		return held
	}

	var id string
	if decided != "" {
		r.applyMatch(r.identities[decided], obs, features, now)
		id = decided
	} else {
		id = r.mint(obs, features, now)
	}
	r.bind(obs, id, now)
	return id
}

// threshold returns the per-observation match threshold.
func (r *Resolver) threshold(entryZone bool, confidence float64) float64 {
	t := r.cfg.MatchThreshold
	if entryZone {
		t -= r.cfg.EntryZoneBonus
	}
	if confidence >= r.cfg.HighConfidence {
		t -= r.cfg.HighConfidenceBonus
	}
	return t
}

// inEntryZone reports whether the box center lies within the configured
// margin of any frame edge.
func (r *Resolver) inEntryZone(cameraID string, box *vision.Box) bool {
	if box == nil {
		return false
	}
	fs, ok := r.frames[cameraID]
	if !ok {
		fs, ok = r.frames[""]
	}
	if !ok || fs.w <= 0 || fs.h <= 0 {
		return false
	}

	cx, cy := box.Center()
	mx := float64(fs.w) * r.cfg.EntryZoneMargin
	my := float64(fs.h) * r.cfg.EntryZoneMargin
	return cx < mx || cx > float64(fs.w)-mx || cy < my || cy > float64(fs.h)-my
}

// bestCandidate returns the recent identity with the lowest penalty-adjusted
// distance, that distance, and how long the identity has been inactive.
func (r *Resolver) bestCandidate(features vision.Vector, now time.Time) (*globalIdentity, float64, time.Duration) {
	var best *globalIdentity
	bestDist := math.Inf(1)
	var bestInactive time.Duration

	for _, gi := range r.identities {
		inactive := now.Sub(gi.lastActive)
		if inactive > r.cfg.RecentWindow {
			continue
		}
		d := vision.Euclidean(features, gi.features) + r.temporalPenalty(inactive)
		if d < bestDist || (d == bestDist && best != nil && gi.lastActive.After(best.lastActive)) {
			best = gi
			bestDist = d
			bestInactive = inactive
		}
	}
	return best, bestDist, bestInactive
}

// temporalPenalty grows linearly from 0 at the active threshold to the
// maximum penalty at the edge of the recent window.
func (r *Resolver) temporalPenalty(inactive time.Duration) float64 {
	if inactive <= r.cfg.ActiveWindow {
		return 0
	}
	span := r.cfg.RecentWindow - r.cfg.ActiveWindow
	if span <= 0 {
		return r.cfg.MaxTemporalPenalty
	}
	frac := float64(inactive-r.cfg.ActiveWindow) / float64(span)
	return r.cfg.MaxTemporalPenalty * math.Min(frac, 1)
}

// hold applies the stability gate. When it returns ok, the track keeps its
// previously bound identity for this observation.
func (r *Resolver) hold(obs Observation, decided string, now time.Time) (string, bool) {
	if obs.TrackID <= 0 || r.cfg.StabilityFrames <= 1 {
		return "", false
	}
	st, ok := r.tracks[trackKey{obs.CameraID, obs.TrackID}]
	if !ok || st.bound == "" {
		return "", false
	}
	bound, ok := r.identities[st.bound]
	if !ok {
		return "", false
	}
	st.lastSeen = now
	if decided == st.bound {
		st.candidate, st.streak = "", 0
		return "", false
	}

	key := decided
	if key == "" {
		key = newCandidate
	}
	if st.candidate == key {
		st.streak++
	} else {
		st.candidate, st.streak = key, 1
	}
	if st.streak >= r.cfg.StabilityFrames {
		st.candidate, st.streak = "", 0
		return "", false
	}

	bound.lastActive = now
	bound.lastCamera = obs.CameraID
	return bound.id, true
}

func (r *Resolver) bind(obs Observation, id string, now time.Time) {
	if obs.TrackID <= 0 {
		return
	}
	key := trackKey{obs.CameraID, obs.TrackID}
	st, ok := r.tracks[key]
	if !ok {
		st = &trackState{}
		r.tracks[key] = st
	}
	st.bound = id
	st.lastSeen = now
}

func (r *Resolver) applyMatch(gi *globalIdentity, obs Observation, features vision.Vector, now time.Time) {
	gi.lastActive = now
	gi.lastCamera = obs.CameraID
	gi.cameras[obs.CameraID] = struct{}{}
	gi.matchCount++
	r.recordConfidence(gi, obs.Confidence, now)
	if obs.Confidence >= r.cfg.ConfirmConfidence && r.cfg.FeatureUpdateRate > 0 {
		gi.features = gi.features.Blend(features, r.cfg.FeatureUpdateRate)
	}
	if !gi.confirmed {
		gi.confirmed = true
		slog.Debug("identity confirmed", "identity", gi.id, "camera", obs.CameraID, "matches", gi.matchCount)
	}
	r.matched++
	observability.IdentityResolutions.WithLabelValues("matched").Inc()
}

func (r *Resolver) mint(obs Observation, features vision.Vector, now time.Time) string {
	gi := &globalIdentity{
		id:          uuid.NewString(),
		features:    features,
		firstSeen:   now,
		lastActive:  now,
		firstCamera: obs.CameraID,
		lastCamera:  obs.CameraID,
		cameras:     map[string]struct{}{obs.CameraID: {}},
		matchCount:  1,
		confirmed:   obs.Confidence >= r.cfg.InstantConfirmConfidence || obs.Confidence >= r.cfg.ConfirmConfidence,
	}
	r.recordConfidence(gi, obs.Confidence, now)
	r.identities[gi.id] = gi
	r.created++
	observability.IdentityResolutions.WithLabelValues("created").Inc()

	slog.Debug("identity created",
		"identity", gi.id,
		"camera", obs.CameraID,
		"confidence", obs.Confidence,
		"confirmed", gi.confirmed,
	)
	return gi.id
}

// recordConfidence appends to the rolling confidence window and prunes old samples.
func (r *Resolver) recordConfidence(gi *globalIdentity, conf float64, now time.Time) {
	gi.confidences = append(gi.confidences, confidenceSample{at: now, value: conf})
	cutoff := now.Add(-r.cfg.ConfidenceWindow)
	i := 0
	for i < len(gi.confidences) && gi.confidences[i].at.Before(cutoff) {
		i++
	}
	gi.confidences = gi.confidences[i:]
	if conf > gi.maxConf {
		gi.maxConf = conf
	}
}

func (r *Resolver) reject(reason string) {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
	observability.IdentityResolutions.WithLabelValues("rejected").Inc()
	slog.Debug("observation rejected", "reason", reason)
}

// CleanupExpired evicts unconfirmed, never-persisted identities idle longer
// than maxIdle and returns how many were removed. Confirmed identities are kept.
func (r *Resolver) CleanupExpired(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, gi := range r.identities {
		if gi.confirmed || gi.storageID != "" {
			continue
		}
		if now.Sub(gi.lastActive) > maxIdle {
			delete(r.identities, id)
			removed++
		}
	}
	for key, st := range r.tracks {
		if now.Sub(st.lastSeen) > r.cfg.RecentWindow {
			delete(r.tracks, key)
		}
	}
	if removed > 0 {
		slog.Info("expired unconfirmed identities", "removed", removed, "remaining", len(r.identities))
	}
	return removed
}

// Reset clears the entire in-memory catalog.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities = make(map[string]*globalIdentity)
	r.tracks = make(map[trackKey]*trackState)
	r.todayCache.Purge()
	slog.Info("identity catalog reset")
}

// Preload seeds the catalog with persisted identities seen in the last sinceHours.
// Loaded identities are confirmed and marked persisted.
func (r *Resolver) Preload(ctx context.Context, loader Loader, sinceHours int) (int, error) {
	rows, err := loader.LoadRecentIdentities(ctx, sinceHours)
	if err != nil {
		return 0, fmt.Errorf("load recent identities: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, row := range rows {
		features := vision.Vector(row.Embedding)
		if !features.Valid(r.cfg.MinVariance) {
			continue
		}
		cameras := make(map[string]struct{}, len(row.Cameras))
		for _, c := range row.Cameras {
			cameras[c] = struct{}{}
		}
		r.identities[row.ID] = &globalIdentity{
			id:          row.ID,
			features:    features.Normalize(),
			firstSeen:   row.FirstSeen,
			lastActive:  row.LastSeen,
			firstCamera: row.FirstCamera,
			lastCamera:  row.LastCamera,
			cameras:     cameras,
			matchCount:  row.MatchCount,
			confirmed:   true,
			storageID:   row.ID,
		}
		loaded++
	}
	return loaded, nil
}

// MarkPersisted records the external storage id of an identity.
func (r *Resolver) MarkPersisted(id, storageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	gi, ok := r.identities[id]
	if !ok {
		return false
	}
	gi.storageID = storageID
	return true
}

// Info is a read-only snapshot of one identity.
type Info struct {
	ID                string
	Features          vision.Vector
	FirstSeen         time.Time
	LastActive        time.Time
	FirstCamera       string
	LastCamera        string
	Cameras           []string
	MatchCount        int
	Confirmed         bool
	ConfidenceHistory []float64
	MaxConfidence     float64
	StorageID         string
}

// Get returns a snapshot of an identity.
func (r *Resolver) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gi, ok := r.identities[id]
	if !ok {
		return Info{}, false
	}
	return gi.info(), true
}

// ToModel converts an identity into its persisted form.
func (i Info) ToModel() models.Identity {
	return models.Identity{
		ID:          i.ID,
		Embedding:   i.Features,
		FirstCamera: i.FirstCamera,
		LastCamera:  i.LastCamera,
		Cameras:     i.Cameras,
		MatchCount:  i.MatchCount,
		FirstSeen:   i.FirstSeen,
		LastSeen:    i.LastActive,
	}
}

func (gi *globalIdentity) info() Info {
	cams := make([]string, 0, len(gi.cameras))
	for c := range gi.cameras {
		cams = append(cams, c)
	}
	sort.Strings(cams)
	hist := make([]float64, len(gi.confidences))
	for i, s := range gi.confidences {
		hist[i] = s.value
	}
	return Info{
		ID:                gi.id,
		Features:          gi.features.Clone(),
		FirstSeen:         gi.firstSeen,
		LastActive:        gi.lastActive,
		FirstCamera:       gi.firstCamera,
		LastCamera:        gi.lastCamera,
		Cameras:           cams,
		MatchCount:        gi.matchCount,
		Confirmed:         gi.confirmed,
		ConfidenceHistory: hist,
		MaxConfidence:     gi.maxConf,
		StorageID:         gi.storageID,
	}
}

// Count returns the number of identities in the catalog, pending included.
func (r *Resolver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.identities)
}

// ConfirmedCount returns the number of confirmed identities.
func (r *Resolver) ConfirmedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, gi := range r.identities {
		if gi.confirmed {
			n++
		}
	}
	return n
}

// CameraConfirmedCount returns confirmed identities ever seen on a camera.
func (r *Resolver) CameraConfirmedCount(cameraID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, gi := range r.identities {
		if _, ok := gi.cameras[cameraID]; ok && gi.confirmed {
			n++
		}
	}
	return n
}

// ActiveCount returns identities last seen on cameraID within the recent
// window. An empty cameraID counts across all cameras.
func (r *Resolver) ActiveCount(cameraID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, gi := range r.identities {
		if now.Sub(gi.lastActive) > r.cfg.RecentWindow {
			continue
		}
		if cameraID == "" || gi.lastCamera == cameraID {
			n++
		}
	}
	return n
}

// TodayCount returns the number of unique persons seen since local midnight.
// With an external counter the value is cached briefly; on counter failure
// or without one, confirmed in-memory identities first seen today are counted.
func (r *Resolver) TodayCount(ctx context.Context) int {
	now := r.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	key := midnight.Format("2006-01-02")

	if r.counter != nil {
		if n, ok := r.todayCache.Get(key); ok {
			return n
		}
		n, err := r.counter.CountUniqueSince(ctx, midnight)
		if err == nil {
			r.todayCache.Add(key, n)
			return n
		}
		slog.Warn("count unique identities", "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, gi := range r.identities {
		if gi.confirmed && !gi.firstSeen.Before(midnight) {
			n++
		}
	}
	return n
}

// Stats is a point-in-time snapshot of the resolver.
type Stats struct {
	Total           int            `json:"total"`
	Confirmed       int            `json:"confirmed"`
	Pending         int            `json:"pending"`
	Active          int            `json:"active"`
	Persisted       int            `json:"persisted"`
	PerCamera       map[string]int `json:"per_camera"`
	Matches         int            `json:"matches"`
	Created         int            `json:"created"`
	Rejected        int            `json:"rejected"`
	TrackedSegments int            `json:"tracked_segments"`
}

// Stats returns a snapshot of catalog counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := Stats{
		Total:           len(r.identities),
		PerCamera:       make(map[string]int),
		Matches:         r.matched,
		Created:         r.created,
		Rejected:        r.rejected,
		TrackedSegments: len(r.tracks),
	}
	for _, gi := range r.identities {
		if gi.confirmed {
			s.Confirmed++
			for c := range gi.cameras {
				s.PerCamera[c]++
			}
		} else {
			s.Pending++
		}
		if gi.storageID != "" {
			s.Persisted++
		}
		if now.Sub(gi.lastActive) <= r.cfg.RecentWindow {
			s.Active++
		}
	}
	return s
}
