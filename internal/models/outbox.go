package models

import "time"

type EventType string

const (
	EventTypePaymentCreated       EventType = "payment.created"
	EventTypePaymentStatusChanged EventType = "payment.status_changed"
)

// OutboxEvent is written in the same transaction as the ledger change it
// describes and delivered later by the dispatcher.
type OutboxEvent struct {
	ID          string     `json:"id"`
	PaymentID   string     `json:"payment_id"`
	Type        EventType  `json:"event_type"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

type PaymentStateChangedEvent struct {
	PaymentID     string        `json:"payment_id"`
	State         PaymentStatus `json:"state"`
	PreviousState PaymentStatus `json:"previous_state,omitempty"`
	Method        PaymentMethod `json:"payment_method"`
	Amount        string        `json:"amount"`
	Source        string        `json:"source,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
