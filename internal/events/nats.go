package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

type natsConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher fans events out on per-state subjects: <prefix>.created for
// new payments and <prefix>.<status> for transitions, e.g. payments.paid.
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: nc, prefix: prefix}
}

func (p *NATSPublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	subject, err := p.subject(event)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(subject, event.Payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) subject(event models.OutboxEvent) (string, error) {
	if event.Type == models.EventTypePaymentCreated {
		return p.prefix + ".created", nil
	}

	var payload models.PaymentStateChangedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return "", fmt.Errorf("invalid payload for event %s: %w", event.ID, err)
	}
	return p.prefix + "." + strings.ToLower(string(payload.State)), nil
}
