package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EventHandler receives one pipeline event with the kind and id token taken
// from its subject.
type EventHandler func(kind, id string, payload []byte)

// Consumer reads pipeline events back from JetStream, typically to fan them
// out to WebSocket clients.
type Consumer struct {
	js jetstream.JetStream
}

func NewConsumer(nc *nats.Conn) (*Consumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &Consumer{js: js}, nil
}

// ConsumeEvents delivers events of the given kinds (all kinds when empty)
// published from now on, until ctx is done. It uses an ordered consumer, so
// every replica sees every event and nothing is acknowledged.
func (c *Consumer) ConsumeEvents(ctx context.Context, kinds []string, handler EventHandler) error {
	cons, err := c.js.OrderedConsumer(ctx, EventsStreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: eventFilters(kinds),
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create ordered consumer on %s: %w", EventsStreamName, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		kind, id := ParseSubject(msg.Subject())
		handler(kind, id, msg.Data())
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		slog.Warn("consume events", "error", err)
	}))
	if err != nil {
		return fmt.Errorf("consume %s: %w", EventsStreamName, err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()

	slog.Info("event consumer started", "kinds", kinds)
	return nil
}

func eventFilters(kinds []string) []string {
	if len(kinds) == 0 {
		return []string{EventsSubjectBase + ".>"}
	}
	filters := make([]string, 0, len(kinds))
	for _, k := range kinds {
		filters = append(filters, EventsSubjectBase+"."+subjectToken(k)+".>")
	}
	return filters
}
