package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/blackmichael/fantrix-feed/internal/domain"
)

const (
	SubjectPostCreated       = "feed.post.created"
	SubjectEngagementToggled = "feed.engagement.toggled"
)

// NatsPublisher implements domain.EventPublisher on a NATS connection.
type NatsPublisher struct {
	nc *nats.Conn
}

// NewNatsPublisher creates a publisher on an established connection.
func NewNatsPublisher(nc *nats.Conn) *NatsPublisher {
	return &NatsPublisher{nc: nc}
}

func (p *NatsPublisher) PublishPostCreated(ctx context.Context, event domain.PostCreatedEvent) error {
	return p.publish(ctx, SubjectPostCreated, event)
}

func (p *NatsPublisher) PublishEngagementToggled(ctx context.Context, event domain.EngagementToggledEvent) error {
	return p.publish(ctx, SubjectEngagementToggled, event)
}

// publish sends event as JSON with the caller's trace context in the headers.
func (p *NatsPublisher) publish(ctx context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
