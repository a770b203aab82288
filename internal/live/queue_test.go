package live

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameQueueDropsOldest(t *testing.T) {
	drops := 0
	q := NewFrameQueue(3, func() { drops++ })

	for i := byte(1); i <= 5; i++ {
		q.Push([]byte{i})
	}

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 2, q.Dropped())
	assert.Equal(t, 2, drops)

	q.Close()
	var got []byte
	for f := range q.Frames() {
		got = append(got, f[0])
	}
	assert.Equal(t, []byte{3, 4, 5}, got)
}

func TestFrameQueuePushAfterCloseIsIgnored(t *testing.T) {
	q := NewFrameQueue(1, nil)
	q.Close()
	q.Close()

	assert.NotPanics(t, func() { q.Push([]byte{1}) })
	assert.Equal(t, 0, q.Len())
}

func TestTimedMutex(t *testing.T) {
	m := newTimedMutex()
	ctx := context.Background()

	require.True(t, m.TryLockFor(ctx, 10*time.Millisecond))
	assert.False(t, m.TryLockFor(ctx, 10*time.Millisecond))

	m.Unlock()
	assert.True(t, m.TryLockFor(ctx, 10*time.Millisecond))
	m.Unlock()
}

func TestTimedMutexHonorsContext(t *testing.T) {
	m := newTimedMutex()
	require.True(t, m.TryLockFor(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, m.TryLockFor(ctx, time.Minute))
}
