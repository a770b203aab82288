package identity

import (
	"fmt"
	"sync"

	"github.com/your-org/reid/internal/vision"
)

// SessionConfig tunes a SessionMatcher.
type SessionConfig struct {
	SimilarityThreshold float64 // minimum cosine similarity for a match
	BaseMovement        float64 // pixels a person may move regardless of elapsed frames
	MovementPerFrame    float64 // extra pixels allowed per elapsed frame
	FeatureUpdateRate   float64
}

type sessionPerson struct {
	id       string
	features vision.Vector
	box      vision.Box
	frame    int
}

// SessionMatcher assigns identities within a single video job. Identities
// never leave the job that created them.
type SessionMatcher struct {
	mu      sync.Mutex
	cfg     SessionConfig
	persons []*sessionPerson
	byID    map[string]*sessionPerson
}

// NewSessionMatcher creates an empty matcher.
func NewSessionMatcher(cfg SessionConfig) *SessionMatcher {
	return &SessionMatcher{
		cfg:  cfg,
		byID: make(map[string]*sessionPerson),
	}
}

// Match returns the identity for a detection at frame index frame and whether
// it was newly created. Features may be nil when extraction was skipped; the
// detection is then matched by position alone.
func (m *SessionMatcher) Match(features vision.Vector, box vision.Box, frame int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hasFeatures := features.Valid(vision.DefaultMinVariance)
	if hasFeatures {
		features = features.Normalize()
	}

	var p *sessionPerson
	if hasFeatures {
		p = m.matchByAppearance(features, box, frame)
	} else {
		p = m.matchByPosition(box, frame)
	}

	if p == nil {
		p = &sessionPerson{
			id:    fmt.Sprintf("person_%d", len(m.persons)+1),
			box:   box,
			frame: frame,
		}
		if hasFeatures {
			p.features = features
		}
		m.persons = append(m.persons, p)
		m.byID[p.id] = p
		return p.id, true
	}

	p.box = box
	p.frame = frame
	if hasFeatures {
		if p.features == nil {
			p.features = features
		} else if m.cfg.FeatureUpdateRate > 0 {
			p.features = p.features.Blend(features, m.cfg.FeatureUpdateRate)
		}
	}
	return p.id, false
}

// movementBudget is the maximum center displacement allowed after elapsed frames.
func (m *SessionMatcher) movementBudget(elapsed int) float64 {
	if elapsed < 1 {
		elapsed = 1
	}
	return m.cfg.BaseMovement + m.cfg.MovementPerFrame*float64(elapsed)
}

// matchByAppearance picks the most similar person above the similarity
// threshold; an implausible jump in position vetoes the match.
func (m *SessionMatcher) matchByAppearance(features vision.Vector, box vision.Box, frame int) *sessionPerson {
	var best *sessionPerson
	bestSim := m.cfg.SimilarityThreshold
	for _, p := range m.persons {
		if p.features == nil || p.frame == frame {
			continue
		}
		sim := vision.Cosine(features, p.features)
		if sim >= bestSim {
			best, bestSim = p, sim
		}
	}
	if best == nil {
		return nil
	}
	if box.CenterDistance(best.box) > m.movementBudget(frame-best.frame) {
		return nil
	}
	return best
}

func (m *SessionMatcher) matchByPosition(box vision.Box, frame int) *sessionPerson {
	var best *sessionPerson
	bestDist := 0.0
	for _, p := range m.persons {
		if p.frame == frame {
			continue
		}
		d := box.CenterDistance(p.box)
		if d > m.movementBudget(frame-p.frame) {
			continue
		}
		if best == nil || d < bestDist {
			best, bestDist = p, d
		}
	}
	return best
}

// Features returns the current appearance descriptor of an identity.
func (m *SessionMatcher) Features(id string) vision.Vector {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byID[id]; ok {
		return p.features.Clone()
	}
	return nil
}

// Len returns the number of identities created so far.
func (m *SessionMatcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.persons)
}
