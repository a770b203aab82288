package vision

import (
	"sort"
	"sync"
	"time"
)

// StableTrack is a short-horizon spatial track bound to a global identity.
type StableTrack struct {
	ID             int
	Box            Box
	LastSeen       time.Time
	Frames         int // consecutive sightings, restarted after an idle gap beyond the timeout
	Features       Vector
	LastConfidence float64
	Identity       string
}

// StableTrackConfig bounds spatial continuity matching.
type StableTrackConfig struct {
	MaxMovement float64       // max center displacement in pixels between sightings
	Timeout     time.Duration // idle time after which a track is discarded
}

// StableTracks bridges frames where re-identification was skipped or failed
// by reusing the identity bound to the spatially nearest track. Safe for
// concurrent use.
type StableTracks struct {
	mu     sync.Mutex
	tracks map[int]*StableTrack
	nextID int
	cfg    StableTrackConfig
	now    func() time.Time
}

// NewStableTracks creates an empty track table for one camera.
func NewStableTracks(cfg StableTrackConfig) *StableTracks {
	return &StableTracks{
		tracks: make(map[int]*StableTrack),
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (t *StableTracks) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// FindExisting returns the track whose center lies within the movement radius
// of box and whose size is most similar, skipping ids in claimed.
func (t *StableTracks) FindExisting(box Box, claimed map[int]bool) (StableTrack, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *StableTrack
	bestScore := 0.0

	for _, tr := range t.tracks {
		if claimed[tr.ID] {
			continue
		}
		dist := box.CenterDistance(tr.Box)
		if dist > t.cfg.MaxMovement {
			continue
		}
		// size similarity in [0.1, 1] acts as a bonus dividing the distance
		bonus := max(box.SizeRatio(tr.Box), 0.1)
		score := dist / bonus
		if best == nil || score < bestScore || (score == bestScore && tr.ID < best.ID) {
			best = tr
			bestScore = score
		}
	}

	if best == nil {
		return StableTrack{}, false
	}
	return copyTrack(best), true
}

// Update upserts a track. trackID 0 creates a new track; the id is returned.
// A nil features argument keeps the previously known vector.
func (t *StableTracks) Update(trackID int, identity string, box Box, confidence float64, features Vector) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	tr, ok := t.tracks[trackID]
	if !ok {
		t.nextID++
		tr = &StableTrack{ID: t.nextID}
		t.tracks[tr.ID] = tr
	}

	if ok && now.Sub(tr.LastSeen) > t.cfg.Timeout {
		tr.Frames = 0
	}
	tr.Box = box
	tr.LastSeen = now
	tr.Frames++
	tr.LastConfidence = confidence
	tr.Identity = identity
	if len(features) > 0 {
		tr.Features = features.Clone()
	}

	return tr.ID
}

// Cleanup discards tracks idle beyond the timeout and returns how many were removed.
func (t *StableTracks) Cleanup(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, tr := range t.tracks {
		if now.Sub(tr.LastSeen) > t.cfg.Timeout {
			delete(t.tracks, id)
			removed++
		}
	}
	return removed
}

// Get returns a copy of a track by id.
func (t *StableTracks) Get(trackID int) (StableTrack, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[trackID]
	if !ok {
		return StableTrack{}, false
	}
	return copyTrack(tr), true
}

// List returns copies of all tracks ordered by id.
func (t *StableTracks) List() []StableTrack {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]StableTrack, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, copyTrack(tr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live tracks.
func (t *StableTracks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// Reset drops every track.
func (t *StableTracks) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = make(map[int]*StableTrack)
}

func copyTrack(tr *StableTrack) StableTrack {
	c := *tr
	c.Features = tr.Features.Clone()
	return c
}
