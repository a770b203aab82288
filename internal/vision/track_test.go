package vision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracks(now *time.Time) *StableTracks {
	tracks := NewStableTracks(StableTrackConfig{MaxMovement: 50, Timeout: time.Second})
	tracks.SetClock(func() time.Time { return *now })
	return tracks
}

func TestStableTracksFindExisting(t *testing.T) {
	now := time.Unix(1000, 0)
	tracks := newTestTracks(&now)

	id := tracks.Update(0, "a", Box{X: 0, Y: 0, W: 10, H: 20}, 0.9, nil)
	assert.Equal(t, 1, id)

	tr, ok := tracks.FindExisting(Box{X: 5, Y: 0, W: 10, H: 20}, nil)
	require.True(t, ok)
	assert.Equal(t, id, tr.ID)
	assert.Equal(t, "a", tr.Identity)

	_, ok = tracks.FindExisting(Box{X: 5, Y: 0, W: 10, H: 20}, map[int]bool{id: true})
	assert.False(t, ok, "claimed tracks are skipped")

	_, ok = tracks.FindExisting(Box{X: 300, Y: 300, W: 10, H: 20}, nil)
	assert.False(t, ok, "beyond movement radius")
}

func TestStableTracksPreferSimilarSize(t *testing.T) {
	now := time.Unix(1000, 0)
	tracks := newTestTracks(&now)

	tracks.Update(0, "small", Box{X: 10, Y: 10, W: 10, H: 10}, 0.9, nil)
	big := tracks.Update(0, "big", Box{X: 12, Y: 12, W: 40, H: 40}, 0.9, nil)

	// the small track is nearer but its size differs 16x
	tr, ok := tracks.FindExisting(Box{X: 0, Y: 0, W: 40, H: 40}, nil)
	require.True(t, ok)
	assert.Equal(t, big, tr.ID)
}

func TestStableTracksUpdate(t *testing.T) {
	now := time.Unix(1000, 0)
	tracks := newTestTracks(&now)

	features := Vector{1, 0}
	id := tracks.Update(0, "a", Box{W: 10, H: 10}, 0.5, features)
	features[0] = 7

	now = now.Add(100 * time.Millisecond)
	assert.Equal(t, id, tracks.Update(id, "b", Box{X: 2, W: 10, H: 10}, 0.8, nil))

	tr, ok := tracks.Get(id)
	require.True(t, ok)
	assert.Equal(t, 2, tr.Frames)
	assert.Equal(t, "b", tr.Identity)
	assert.Equal(t, Vector{1, 0}, tr.Features, "nil features keep the stored copy")
	assert.InDelta(t, 0.8, tr.LastConfidence, 1e-9)
	assert.Equal(t, now, tr.LastSeen)
}

func TestStableTracksCleanupAndReset(t *testing.T) {
	now := time.Unix(1000, 0)
	tracks := newTestTracks(&now)

	tracks.Update(0, "a", Box{W: 10, H: 10}, 0.9, nil)
	now = now.Add(800 * time.Millisecond)
	tracks.Update(0, "b", Box{X: 100, W: 10, H: 10}, 0.9, nil)

	assert.Equal(t, 1, tracks.Cleanup(now.Add(500*time.Millisecond)))
	list := tracks.List()
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Identity)

	tracks.Reset()
	assert.Zero(t, tracks.Len())
}

func TestStableTracksFramesRestartAfterGap(t *testing.T) {
	now := time.Unix(1000, 0)
	tracks := newTestTracks(&now)

	id := tracks.Update(0, "a", Box{W: 10, H: 10}, 0.9, nil)
	now = now.Add(500 * time.Millisecond)
	tracks.Update(id, "a", Box{W: 10, H: 10}, 0.9, nil)
	tr, _ := tracks.Get(id)
	assert.Equal(t, 2, tr.Frames)

	// idle longer than the timeout, but not yet cleaned up
	now = now.Add(1500 * time.Millisecond)
	tracks.Update(id, "a", Box{W: 10, H: 10}, 0.9, nil)
	tr, ok := tracks.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, tr.Frames)
	assert.Equal(t, now, tr.LastSeen)
}
