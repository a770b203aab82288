package identity

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/reid/internal/config"
	"github.com/your-org/reid/internal/models"
	"github.com/your-org/reid/internal/vision"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestResolver(t *testing.T, mutate func(*config.IdentityConfig), opts ...Option) (*Resolver, *fakeClock) {
	t.Helper()
	cfg := config.Default().Identity
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	return NewResolver(cfg, opts...), clk
}

// unitAt returns a unit vector in the plane of the first two axes at the
// given distance from unitAt(0).
func unitAt(dist float64) vision.Vector {
	theta := 2 * math.Asin(dist/2)
	v := make(vision.Vector, 16)
	v[0] = float32(math.Cos(theta))
	v[1] = float32(math.Sin(theta))
	return v
}

// orthogonal returns a unit vector on axis i.
func orthogonal(i int) vision.Vector {
	v := make(vision.Vector, 16)
	v[i] = 1
	return v
}

func obs(features vision.Vector, conf float64) Observation {
	return Observation{Features: features, CameraID: "cam-1", Confidence: conf}
}

func TestResolveSameFeaturesReturnsSameIdentity(t *testing.T) {
	r, _ := newTestResolver(t, nil)

	first := r.Resolve(obs(unitAt(0), 0.8))
	second := r.Resolve(obs(unitAt(0), 0.8))

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.Count())
}

func TestResolveDistinctFeaturesCreatesOneIdentityEach(t *testing.T) {
	r, _ := newTestResolver(t, nil)

	a := r.Resolve(obs(orthogonal(0), 0.8))
	b := r.Resolve(obs(orthogonal(1), 0.8))

	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, r.Count())
}

func TestResolveRejectsInvalidFeatures(t *testing.T) {
	r, _ := newTestResolver(t, nil)

	flat := make(vision.Vector, 16)
	for i := range flat {
		flat[i] = 0.25
	}
	bad := orthogonal(0)
	bad[3] = float32(math.NaN())

	for name, v := range map[string]vision.Vector{"nil": nil, "flat": flat, "nan": bad} {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, r.Resolve(obs(v, 0.9)))
		})
	}
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 3, r.Stats().Rejected)
}

func TestResolveRejectsSmallCropUnlessConfident(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	small := vision.Box{X: 100, Y: 100, W: 20, H: 40}

	o := obs(unitAt(0), 0.5)
	o.Box = &small
	assert.Empty(t, r.Resolve(o))

	o.Confidence = 0.9
	assert.NotEmpty(t, r.Resolve(o))
}

func TestEntryZoneMatchingIsStricter(t *testing.T) {
	center := vision.Box{X: 470, Y: 440, W: 60, H: 120}
	edge := vision.Box{X: 0, Y: 400, W: 60, H: 120}

	seed := func(r *Resolver) string {
		o := obs(unitAt(0), 0.7)
		o.Box = &center
		return r.Resolve(o)
	}

	t.Run("center matches", func(t *testing.T) {
		r, _ := newTestResolver(t, nil)
		r.SetFrameSize("", 1000, 1000)
		id := seed(r)

		o := obs(unitAt(0.8), 0.7)
		o.Box = &center
		assert.Equal(t, id, r.Resolve(o))
	})

	t.Run("edge creates new identity", func(t *testing.T) {
		r, _ := newTestResolver(t, nil)
		r.SetFrameSize("", 1000, 1000)
		id := seed(r)

		o := obs(unitAt(0.8), 0.7)
		o.Box = &edge
		got := r.Resolve(o)
		assert.NotEmpty(t, got)
		assert.NotEqual(t, id, got)
	})

	t.Run("no frame size disables entry zone", func(t *testing.T) {
		r, _ := newTestResolver(t, nil)
		id := seed(r)

		o := obs(unitAt(0.8), 0.7)
		o.Box = &edge
		assert.Equal(t, id, r.Resolve(o))
	})
}

func TestHighConfidenceTightensThreshold(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id := r.Resolve(obs(unitAt(0), 0.7))

	// 0.88 is within 0.9 but outside 0.9 - 0.05.
	got := r.Resolve(obs(unitAt(0.88), 0.95))
	assert.NotEqual(t, id, got)
}

func TestIdentityOutsideRecentWindowIsNotMatched(t *testing.T) {
	r, clk := newTestResolver(t, nil)
	id := r.Resolve(obs(unitAt(0), 0.8))

	clk.advance(r.cfg.RecentWindow + time.Second)
	got := r.Resolve(obs(unitAt(0), 0.8))

	assert.NotEqual(t, id, got)
	assert.Equal(t, 2, r.Count())
}

func TestTemporalPenaltyGrowsWithInactivity(t *testing.T) {
	r, clk := newTestResolver(t, nil)
	id := r.Resolve(obs(unitAt(0), 0.7))

	// Lookups stay below the confirm confidence so the stored features do not move.
	assert.Equal(t, id, r.Resolve(obs(unitAt(0.85), 0.5)))

	// Halfway through the recent window the penalty is 0.1, pushing 0.85 past 0.9.
	clk.advance(r.cfg.ActiveWindow + (r.cfg.RecentWindow-r.cfg.ActiveWindow)/2)
	assert.NotEqual(t, id, r.Resolve(obs(unitAt(0.85), 0.5)))
}

func TestStaleIdentityNeedsCloseMatch(t *testing.T) {
	r, clk := newTestResolver(t, nil)
	id := r.Resolve(obs(unitAt(0), 0.7))

	clk.advance(110 * time.Second)
	// Penalty ~0.18 plus 0.5 exceeds 0.7 * 0.9 but not 0.9.
	assert.NotEqual(t, id, r.Resolve(obs(unitAt(0.5), 0.7)))

	r2, clk2 := newTestResolver(t, nil)
	id2 := r2.Resolve(obs(unitAt(0), 0.7))
	clk2.advance(110 * time.Second)
	assert.Equal(t, id2, r2.Resolve(obs(unitAt(0), 0.7)))
}

func TestStabilityGateHoldsBoundIdentity(t *testing.T) {
	r, _ := newTestResolver(t, func(c *config.IdentityConfig) { c.StabilityFrames = 3 })

	a := obs(orthogonal(0), 0.8)
	a.TrackID = 7
	b := obs(orthogonal(1), 0.8)
	b.TrackID = 7

	first := r.Resolve(a)
	require.NotEmpty(t, first)

	assert.Equal(t, first, r.Resolve(b))
	assert.Equal(t, first, r.Resolve(b))

	switched := r.Resolve(b)
	assert.NotEqual(t, first, switched)
	assert.Equal(t, switched, r.Resolve(b))
	assert.Equal(t, 2, r.Count())
}

func TestStabilityGateStreakResetsOnBoundMatch(t *testing.T) {
	r, _ := newTestResolver(t, func(c *config.IdentityConfig) { c.StabilityFrames = 2 })

	a := obs(orthogonal(0), 0.8)
	a.TrackID = 1
	b := obs(orthogonal(1), 0.8)
	b.TrackID = 1

	first := r.Resolve(a)
	assert.Equal(t, first, r.Resolve(b))
	assert.Equal(t, first, r.Resolve(a))
	assert.Equal(t, first, r.Resolve(b))
	assert.Equal(t, 1, r.Count())
}

func TestMatchConfirmsAndRecordsCameras(t *testing.T) {
	r, _ := newTestResolver(t, nil)

	first := obs(unitAt(0), 0.4)
	id := r.Resolve(first)
	info, ok := r.Get(id)
	require.True(t, ok)
	assert.False(t, info.Confirmed)
	assert.Equal(t, 0, r.ConfirmedCount())

	second := obs(unitAt(0.1), 0.5)
	second.CameraID = "cam-2"
	require.Equal(t, id, r.Resolve(second))

	info, _ = r.Get(id)
	assert.True(t, info.Confirmed)
	assert.Equal(t, 2, info.MatchCount)
	assert.Equal(t, []string{"cam-1", "cam-2"}, info.Cameras)
	assert.Equal(t, "cam-1", info.FirstCamera)
	assert.Equal(t, "cam-2", info.LastCamera)
	assert.Equal(t, []float64{0.4, 0.5}, info.ConfidenceHistory)
	assert.Equal(t, 1, r.CameraConfirmedCount("cam-1"))
	assert.Equal(t, 1, r.CameraConfirmedCount("cam-2"))
	assert.Equal(t, 1, r.ActiveCount("cam-2"))
	assert.Equal(t, 0, r.ActiveCount("cam-1"))
}

func TestFeaturesBlendOnlyAboveConfirmConfidence(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	id := r.Resolve(obs(unitAt(0), 0.8))
	before, _ := r.Get(id)

	r.Resolve(obs(unitAt(0.3), 0.5))
	low, _ := r.Get(id)
	assert.Equal(t, before.Features, low.Features)

	r.Resolve(obs(unitAt(0.3), 0.8))
	high, _ := r.Get(id)
	assert.NotEqual(t, before.Features, high.Features)
	assert.InDelta(t, 1.0, high.Features.Norm(), 1e-5)
}

func TestConfidenceHistoryIsWindowed(t *testing.T) {
	r, clk := newTestResolver(t, nil)
	id := r.Resolve(obs(unitAt(0), 0.7))

	clk.advance(r.cfg.ConfidenceWindow + time.Second)
	r.Resolve(obs(unitAt(0), 0.8))

	info, _ := r.Get(id)
	assert.Equal(t, []float64{0.8}, info.ConfidenceHistory)
	assert.Equal(t, 0.8, info.MaxConfidence)
}

func TestCleanupExpiredRemovesOnlyUnconfirmedUnpersisted(t *testing.T) {
	r, clk := newTestResolver(t, nil)

	confirmed := r.Resolve(obs(orthogonal(0), 0.95))
	pending := r.Resolve(obs(orthogonal(1), 0.3))
	persisted := r.Resolve(obs(orthogonal(2), 0.3))
	require.True(t, r.MarkPersisted(persisted, persisted))

	clk.advance(10 * time.Minute)
	removed := r.CleanupExpired(5 * time.Minute)

	assert.Equal(t, 1, removed)
	_, ok := r.Get(pending)
	assert.False(t, ok)
	_, ok = r.Get(confirmed)
	assert.True(t, ok)
	_, ok = r.Get(persisted)
	assert.True(t, ok)
}

func TestCleanupExpiredKeepsRecentPending(t *testing.T) {
	r, clk := newTestResolver(t, nil)
	r.Resolve(obs(orthogonal(1), 0.3))

	clk.advance(time.Minute)
	assert.Equal(t, 0, r.CleanupExpired(5*time.Minute))
	assert.Equal(t, 1, r.Count())
}

func TestReset(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	r.Resolve(obs(orthogonal(0), 0.95))
	r.Resolve(obs(orthogonal(1), 0.95))

	r.Reset()
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.ConfirmedCount())
}

type fakeCounter struct {
	calls int
	n     int
	err   error
}

func (f *fakeCounter) CountUniqueSince(context.Context, time.Time) (int, error) {
	f.calls++
	return f.n, f.err
}

func TestTodayCountIsCached(t *testing.T) {
	counter := &fakeCounter{n: 42}
	r, _ := newTestResolver(t, nil, WithUniqueCounter(counter))

	assert.Equal(t, 42, r.TodayCount(context.Background()))
	assert.Equal(t, 42, r.TodayCount(context.Background()))
	assert.Equal(t, 1, counter.calls)
}

func TestTodayCountFallsBackToMemory(t *testing.T) {
	counter := &fakeCounter{err: errors.New("connection refused")}
	r, _ := newTestResolver(t, nil, WithUniqueCounter(counter))

	r.Resolve(obs(orthogonal(0), 0.95))
	r.Resolve(obs(orthogonal(1), 0.3))

	assert.Equal(t, 1, r.TodayCount(context.Background()))
}

type fakeLoader struct {
	rows []models.Identity
}

func (f fakeLoader) LoadRecentIdentities(context.Context, int) ([]models.Identity, error) {
	return f.rows, nil
}

func TestPreloadSeedsConfirmedIdentities(t *testing.T) {
	r, clk := newTestResolver(t, nil)

	loader := fakeLoader{rows: []models.Identity{
		{ID: "stored-1", Embedding: orthogonal(3), Cameras: []string{"cam-9"}, LastSeen: clk.t.Add(-time.Second), FirstSeen: clk.t.Add(-time.Hour)},
		{ID: "broken", Embedding: make([]float32, 16), LastSeen: clk.t},
	}}

	n, err := r.Preload(context.Background(), loader, 24)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, ok := r.Get("stored-1")
	require.True(t, ok)
	assert.True(t, info.Confirmed)
	assert.Equal(t, "stored-1", info.StorageID)

	assert.Equal(t, "stored-1", r.Resolve(obs(orthogonal(3), 0.7)))
}

func TestNewIdentityConfirmation(t *testing.T) {
	tests := []struct {
		conf float64
		want bool
	}{
		{0.3, false},
		{0.59, false},
		{0.6, true},
		{0.95, true},
	}
	for _, tt := range tests {
		r, _ := newTestResolver(t, nil)
		id := r.Resolve(obs(orthogonal(0), tt.conf))
		require.NotEmpty(t, id)

		info, ok := r.Get(id)
		require.True(t, ok)
		assert.Equal(t, tt.want, info.Confirmed, "confidence %.2f", tt.conf)
		assert.Equal(t, 1, r.Count())
	}
}
