package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/your-org/reid/internal/vision"
)

func newTestSession() *SessionMatcher {
	return NewSessionMatcher(SessionConfig{
		SimilarityThreshold: 0.7,
		BaseMovement:        80,
		MovementPerFrame:    15,
		FeatureUpdateRate:   0.1,
	})
}

func TestSessionMatchAcrossFrames(t *testing.T) {
	m := newTestSession()
	box := vision.Box{X: 100, Y: 100, W: 50, H: 120}

	id, isNew := m.Match(orthogonal(0), box, 0)
	assert.Equal(t, "person_1", id)
	assert.True(t, isNew)

	box.X += 20
	again, isNew := m.Match(unitAt(0.2), box, 5)
	assert.Equal(t, id, again)
	assert.False(t, isNew)
	assert.Equal(t, 1, m.Len())
}

func TestSessionDistinctAppearances(t *testing.T) {
	m := newTestSession()
	box := vision.Box{X: 100, Y: 100, W: 50, H: 120}

	a, _ := m.Match(orthogonal(0), box, 0)
	b, _ := m.Match(orthogonal(1), box, 1)

	assert.Equal(t, "person_1", a)
	assert.Equal(t, "person_2", b)
}

func TestSessionSpatialVeto(t *testing.T) {
	m := newTestSession()

	a, _ := m.Match(orthogonal(0), vision.Box{X: 0, Y: 0, W: 50, H: 120}, 10)
	b, isNew := m.Match(orthogonal(0), vision.Box{X: 900, Y: 0, W: 50, H: 120}, 11)

	assert.NotEqual(t, a, b)
	assert.True(t, isNew)
}

func TestSessionMovementBudgetGrowsWithElapsedFrames(t *testing.T) {
	m := newTestSession()

	a, _ := m.Match(orthogonal(0), vision.Box{X: 0, Y: 0, W: 50, H: 120}, 0)
	// 200px after 10 frames is within 80 + 15*10.
	b, isNew := m.Match(orthogonal(0), vision.Box{X: 200, Y: 0, W: 50, H: 120}, 10)

	assert.Equal(t, a, b)
	assert.False(t, isNew)
}

func TestSessionSameFrameNeverMerges(t *testing.T) {
	m := newTestSession()
	box := vision.Box{X: 100, Y: 100, W: 50, H: 120}

	a, _ := m.Match(orthogonal(0), box, 3)
	b, _ := m.Match(orthogonal(0), box, 3)

	assert.NotEqual(t, a, b)
}

func TestSessionPositionFallbackWithoutFeatures(t *testing.T) {
	m := newTestSession()

	near, _ := m.Match(orthogonal(0), vision.Box{X: 100, Y: 100, W: 50, H: 120}, 0)
	m.Match(orthogonal(1), vision.Box{X: 600, Y: 100, W: 50, H: 120}, 0)

	got, isNew := m.Match(nil, vision.Box{X: 130, Y: 100, W: 50, H: 120}, 1)
	assert.Equal(t, near, got)
	assert.False(t, isNew)

	far, isNew := m.Match(nil, vision.Box{X: 1500, Y: 900, W: 50, H: 120}, 2)
	assert.True(t, isNew)
	assert.Nil(t, m.Features(far))
}
