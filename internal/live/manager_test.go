package live

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/reid/internal/identity"
	"github.com/your-org/reid/internal/ingest"
	"github.com/your-org/reid/internal/vision"
)

func newTestManager(open ingest.Opener) *Manager {
	cfg := testConfig()
	cfg.Live.MaxConnectAttempts = 1000
	cfg.Live.RetryDelay = 10 * time.Millisecond
	return NewManager(cfg, Deps{
		Detector: &fakeDetector{},
		Resolver: identity.NewResolver(cfg.Identity),
		Open:     open,
	})
}

func refuse(context.Context, string) (ingest.FrameSource, error) {
	return nil, errors.New("connection refused")
}

func TestManagerStartStop(t *testing.T) {
	m := newTestManager(refuse)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "cam-1", "rtsp://cam-1"))
	assert.ErrorIs(t, m.Start(ctx, "cam-1", "rtsp://cam-1"), ErrCameraRunning)
	assert.Equal(t, 1, m.ActiveCount())

	stream, err := m.Stream("cam-1")
	require.NoError(t, err)
	assert.NotNil(t, stream)

	cams := m.Cameras(ctx)
	require.Len(t, cams, 1)
	assert.Equal(t, "cam-1", cams[0].ID)

	require.NoError(t, m.Stop("cam-1"))
	assert.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.Stop("cam-1"), ErrCameraNotFound)
	_, err = m.Stream("cam-1")
	assert.ErrorIs(t, err, ErrCameraNotFound)
}

func TestManagerStartRequiresURL(t *testing.T) {
	m := newTestManager(refuse)
	assert.Error(t, m.Start(context.Background(), "cam-1", ""))
}

func TestManagerHandleCommand(t *testing.T) {
	m := newTestManager(refuse)
	ctx := context.Background()

	cmd, err := ParseCommand([]byte(`{"action":"start","camera_id":"lobby","url":"rtsp://lobby"}`))
	require.NoError(t, err)
	require.NoError(t, m.HandleCommand(ctx, cmd))
	assert.Equal(t, 1, m.ActiveCount())

	require.NoError(t, m.HandleCommand(ctx, StreamCommand{Action: "stop", CameraID: "lobby"}))
	assert.Error(t, m.HandleCommand(ctx, StreamCommand{Action: "pause"}))

	_, err = ParseCommand([]byte("{"))
	assert.Error(t, err)
}

func TestManagerResetAllIdentities(t *testing.T) {
	m := newTestManager(refuse)
	v := make(vision.Vector, 8)
	v[2] = 1

	id := m.deps.Resolver.Resolve(identity.Observation{Features: v, CameraID: "cam-1", Confidence: 0.95})
	require.NotEmpty(t, id)
	m.deps.Unique.Add(id)
	assert.Equal(t, 1, m.ActiveIdentityCount())
	assert.Equal(t, 1, m.UniqueCount())

	m.ResetAllIdentities(context.Background())

	assert.Equal(t, 0, m.ActiveIdentityCount())
	assert.Equal(t, 0, m.UniqueCount())
}

func TestManagerRunStopsCamerasOnShutdown(t *testing.T) {
	m := newTestManager(refuse)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.NoError(t, m.Start(context.Background(), "cam-1", "rtsp://cam-1"))
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, 0, m.ActiveCount())
}
