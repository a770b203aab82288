// Package events defines the notifications the pipelines emit and the sink
// they emit them to. Delivery is best effort: pipelines never wait on or
// react to sink failures.
package events

import (
	"context"
	"time"

	"github.com/your-org/reid/internal/vision"
)

// StreamState is the connection state of a camera session.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
	StreamError        StreamState = "error"
)

// PersonSummary is the per-person part of a detection update.
type PersonSummary struct {
	Identity   string     `json:"identity"`
	TrackID    int        `json:"track_id"`
	Box        vision.Box `json:"box"`
	Confidence float64    `json:"confidence"`
	Confirmed  bool       `json:"confirmed"`
}

// DetectionUpdate is published after every detect cycle of a camera.
type DetectionUpdate struct {
	CameraID     string          `json:"camera_id"`
	Timestamp    time.Time       `json:"timestamp"`
	CurrentCount int             `json:"current_count"`
	UniqueCount  int             `json:"unique_count"`
	Persons      []PersonSummary `json:"persons"`
}

// StreamStateChange reports a camera session state transition.
type StreamStateChange struct {
	CameraID  string      `json:"camera_id"`
	State     StreamState `json:"state"`
	Attempt   int         `json:"attempt,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobProgress reports video job progress and completion.
type JobProgress struct {
	JobID           string    `json:"job_id"`
	State           string    `json:"state"`
	ProcessedFrames int       `json:"processed_frames"`
	TotalFrames     int       `json:"total_frames"`
	Progress        float64   `json:"progress"` // 0..100
	UniquePersons   int       `json:"unique_persons"`
	Message         string    `json:"message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Sink receives pipeline events.
type Sink interface {
	DetectionUpdate(ctx context.Context, ev DetectionUpdate)
	StreamState(ctx context.Context, ev StreamStateChange)
	JobProgress(ctx context.Context, ev JobProgress)
}

// Nop discards every event.
type Nop struct{}

func (Nop) DetectionUpdate(context.Context, DetectionUpdate) {}
func (Nop) StreamState(context.Context, StreamStateChange)   {}
func (Nop) JobProgress(context.Context, JobProgress)         {}

// Multi fans every event out to each sink in order.
type Multi []Sink

func (m Multi) DetectionUpdate(ctx context.Context, ev DetectionUpdate) {
	for _, s := range m {
		s.DetectionUpdate(ctx, ev)
	}
}

func (m Multi) StreamState(ctx context.Context, ev StreamStateChange) {
	for _, s := range m {
		s.StreamState(ctx, ev)
	}
}

func (m Multi) JobProgress(ctx context.Context, ev JobProgress) {
	for _, s := range m {
		s.JobProgress(ctx, ev)
	}
}
