package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/reid/internal/events"
	"github.com/your-org/reid/internal/observability"
)

const (
	EventsStreamName  = "EVENTS"
	EventsSubjectBase = "events"
	ControlSubject    = "camera.control"

	KindDetection = "detections"
	KindStream    = "streams"
	KindJob       = "jobs"
)

// Connect opens a NATS connection that keeps reconnecting in the background.
func Connect(natsURL string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Publisher sends pipeline events to JetStream and listens for camera control
// commands on core NATS.
// It implements events.Sink.
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

var _ events.Sink = (*Publisher)(nil)

func NewPublisher(nc *nats.Conn) (*Publisher, error) {
	js, err := jetstream.New(nc,
		jetstream.WithPublishAsyncMaxPending(256),
		jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, msg *nats.Msg, err error) {
			observability.EventsPublished.WithLabelValues(kindOf(msg.Subject), "error").Inc()
			slog.Warn("publish event failed", "subject", msg.Subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStreams creates the EVENTS stream if it doesn't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Publisher) EnsureStreams(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        EventsStreamName,
		Subjects:    []string{EventsSubjectBase + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      time.Hour,
		MaxMsgs:     1000000,
		Storage:     jetstream.MemoryStorage,
		Discard:     jetstream.DiscardOld,
		Description: "Detection updates, camera state and video job progress",
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			slog.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

func (p *Publisher) DetectionUpdate(_ context.Context, ev events.DetectionUpdate) {
	p.publish(Subject(KindDetection, ev.CameraID), ev)
}

func (p *Publisher) StreamState(_ context.Context, ev events.StreamStateChange) {
	p.publish(Subject(KindStream, ev.CameraID), ev)
}

func (p *Publisher) JobProgress(_ context.Context, ev events.JobProgress) {
	p.publish(Subject(KindJob, ev.JobID), ev)
}

// publish never blocks the caller on the server acknowledgement; failures
// are reported by the async error handler.
func (p *Publisher) publish(subject string, v any) {
	kind := kindOf(subject)
	payload, err := json.Marshal(v)
	if err != nil {
		observability.EventsPublished.WithLabelValues(kind, "error").Inc()
		slog.Error("marshal event", "subject", subject, "error", err)
		return
	}
	if _, err := p.js.PublishAsync(subject, payload); err != nil {
		observability.EventsPublished.WithLabelValues(kind, "error").Inc()
		slog.Warn("publish event", "subject", subject, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues(kind, "ok").Inc()
}

// SubscribeControl delivers every control command to handler.
func (p *Publisher) SubscribeControl(handler func(data []byte)) (*nats.Subscription, error) {
	sub, err := p.nc.Subscribe(ControlSubject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ControlSubject, err)
	}
	return sub, nil
}

func (p *Publisher) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

// Close waits briefly for in-flight publishes and closes the connection.
func (p *Publisher) Close() {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
	}
	p.nc.Close()
}

// Subject builds the event subject for kind and id. Characters that are
// special in NATS subjects are replaced in id.
func Subject(kind, id string) string {
	return fmt.Sprintf("%s.%s.%s", EventsSubjectBase, kind, subjectToken(id))
}

func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

// ParseSubject splits a subject built by Subject into its kind and id token.
func ParseSubject(subject string) (kind, id string) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 2 || parts[0] != EventsSubjectBase {
		return "unknown", ""
	}
	if len(parts) == 3 {
		id = parts[2]
	}
	return parts[1], id
}

func kindOf(subject string) string {
	kind, _ := ParseSubject(subject)
	return kind
}
