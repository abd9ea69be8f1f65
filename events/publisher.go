package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
)

// Publisher emits qflow events to JetStream and mirrors them onto an
// optional in-process bus. A nil Publisher or one without a NATS client
// degrades to bus-only or no-op publishing, so library code can emit
// unconditionally.
type Publisher struct {
	nc     *natsclient.Client
	bus    *Bus
	source string
	logger *slog.Logger
}

// NewPublisher creates a Publisher. nc and bus may each be nil.
func NewPublisher(nc *natsclient.Client, bus *Bus, source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, bus: bus, source: source, logger: logger}
}

// Publish wraps payload in a BaseMessage envelope and publishes it to
// topic. Errors are returned for the NATS path only; in-process
// delivery cannot fail.
func (p *Publisher) Publish(ctx context.Context, topic string, actor string, payload message.Payload) error {
	if p == nil {
		return nil
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", topic, err)
	}

	if p.bus != nil {
		p.bus.Publish(NewEnvelope(topic, p.source, actor, payload))
	}

	if p.nc == nil {
		return nil
	}

	baseMsg := message.NewBaseMessage(payload.Schema(), payload, p.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.nc.PublishToStream(ctx, topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Emit publishes and logs instead of returning the error. For call
// sites where event emission must not fail the operation.
func (p *Publisher) Emit(ctx context.Context, topic string, actor string, payload message.Payload) {
	if err := p.Publish(ctx, topic, actor, payload); err != nil {
		p.logger.Warn("event publish failed", "topic", topic, "error", err)
	}
}
