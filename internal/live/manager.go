package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/your-org/reid/internal/config"
	"github.com/your-org/reid/internal/events"
)

var (
	ErrCameraRunning  = errors.New("camera already running")
	ErrCameraNotFound = errors.New("camera not found")
)

// StreamCommand is a start/stop request delivered over the control subject.
type StreamCommand struct {
	Action   string `json:"action"` // start, stop
	CameraID string `json:"camera_id"`
	URL      string `json:"url"`
}

type activeSession struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
	stream  *mjpeg.Stream
	started time.Time
}

// CameraInfo describes a running camera session.
type CameraInfo struct {
	ID           string             `json:"id"`
	URL          string             `json:"url"`
	State        events.StreamState `json:"state"`
	CurrentCount int                `json:"current_count"`
	StartedAt    time.Time          `json:"started_at"`
}

// Manager owns the camera sessions and the identity state they share.
type Manager struct {
	cfg  *config.Config
	deps Deps

	baseCtx context.Context

	mu       sync.RWMutex
	sessions map[string]*activeSession
}

func NewManager(cfg *config.Config, deps Deps) *Manager {
	if deps.Unique == nil {
		deps.Unique = NewUniqueSet()
	}
	if deps.Sink == nil {
		deps.Sink = events.Nop{}
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		baseCtx:  context.Background(),
		sessions: make(map[string]*activeSession),
	}
}

// HandleCommand processes a stream control command.
func (m *Manager) HandleCommand(ctx context.Context, cmd StreamCommand) error {
	switch cmd.Action {
	case "start":
		return m.Start(ctx, cmd.CameraID, cmd.URL)
	case "stop":
		return m.Stop(cmd.CameraID)
	default:
		return fmt.Errorf("unknown action: %s", cmd.Action)
	}
}

// Start launches a session for cameraID. The session outlives ctx; Stop ends it.
func (m *Manager) Start(ctx context.Context, cameraID, url string) error {
	if cameraID == "" || url == "" {
		return fmt.Errorf("camera id and url are required")
	}

	m.mu.Lock()
	if _, exists := m.sessions[cameraID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("camera %s: %w", cameraID, ErrCameraRunning)
	}

	sessCtx, cancel := context.WithCancel(m.baseCtx)
	as := &activeSession{
		session: NewSession(cameraID, url, m.cfg, m.deps),
		cancel:  cancel,
		done:    make(chan struct{}),
		stream:  mjpeg.NewStream(),
		started: time.Now(),
	}
	m.sessions[cameraID] = as
	m.mu.Unlock()

	slog.Info("starting camera", "camera_id", cameraID, "url", url)

	go func() {
		for frame := range as.session.Frames() {
			as.stream.UpdateJPEG(frame)
		}
	}()

	go func() {
		defer close(as.done)
		defer func() {
			m.mu.Lock()
			if m.sessions[cameraID] == as {
				delete(m.sessions, cameraID)
			}
			m.mu.Unlock()
			slog.Info("camera stopped", "camera_id", cameraID)
		}()

		if err := as.session.Run(sessCtx); err != nil {
			slog.Error("camera session ended", "camera_id", cameraID, "error", err)
		}
	}()

	return nil
}

// Stop cancels a camera session and waits up to the stop grace period for it to exit.
func (m *Manager) Stop(cameraID string) error {
	m.mu.RLock()
	as, exists := m.sessions[cameraID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("camera %s: %w", cameraID, ErrCameraNotFound)
	}

	as.cancel()
	select {
	case <-as.done:
	case <-time.After(m.cfg.Live.StopGrace):
		slog.Warn("camera did not stop within grace period", "camera_id", cameraID, "grace", m.cfg.Live.StopGrace)
	}
	return nil
}

// StopAll stops all running cameras.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Stop(id)
	}
}

// Stream returns the MJPEG stream of annotated frames for a camera.
func (m *Manager) Stream(cameraID string) (*mjpeg.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	as, ok := m.sessions[cameraID]
	if !ok {
		return nil, fmt.Errorf("camera %s: %w", cameraID, ErrCameraNotFound)
	}
	return as.stream, nil
}

// Persons returns the persons tracked on a camera in its latest detect cycle.
// The list is empty when the session is busy updating it.
func (m *Manager) Persons(ctx context.Context, cameraID string) ([]TrackedPerson, error) {
	m.mu.RLock()
	as, ok := m.sessions[cameraID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("camera %s: %w", cameraID, ErrCameraNotFound)
	}
	persons, _ := as.session.Persons(ctx)
	return persons, nil
}

// Cameras lists running sessions ordered by id.
func (m *Manager) Cameras(ctx context.Context) []CameraInfo {
	m.mu.RLock()
	list := make([]*activeSession, 0, len(m.sessions))
	for _, as := range m.sessions {
		list = append(list, as)
	}
	m.mu.RUnlock()

	out := make([]CameraInfo, 0, len(list))
	for _, as := range list {
		persons, _ := as.session.Persons(ctx)
		out = append(out, CameraInfo{
			ID:           as.session.ID(),
			URL:          as.session.URL(),
			State:        as.session.State(),
			CurrentCount: len(persons),
			StartedAt:    as.started,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of running camera sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveIdentityCount returns the number of identities recently seen on any camera.
func (m *Manager) ActiveIdentityCount() int {
	return m.deps.Resolver.ActiveCount("")
}

// UniqueCount returns the number of identities counted as unique persons.
func (m *Manager) UniqueCount() int {
	return m.deps.Unique.Len()
}

// ResetAllIdentities clears the identity catalog, the unique set and every
// camera's tracking state.
func (m *Manager) ResetAllIdentities(ctx context.Context) {
	m.deps.Resolver.Reset()
	m.deps.Unique.Reset()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, as := range m.sessions {
		as.session.reset(ctx)
	}
	slog.Info("all identities reset", "cameras", len(m.sessions))
}

// Run periodically expires unconfirmed identities until ctx is cancelled,
// then stops every camera.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = context.WithoutCancel(ctx)
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.Identity.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			return
		case <-ticker.C:
			m.deps.Resolver.CleanupExpired(m.cfg.Identity.UnconfirmedTTL)
		}
	}
}

// ParseCommand parses a NATS message into a StreamCommand.
func ParseCommand(data []byte) (StreamCommand, error) {
	var cmd StreamCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("parse command: %w", err)
	}
	return cmd, nil
}
