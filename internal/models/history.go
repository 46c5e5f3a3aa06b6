package models

import (
	"encoding/json"
	"time"
)

type HistoryEvent string

const (
	EventPaymentCreated       HistoryEvent = "PAYMENT_CREATED"
	EventPaymentStatusChanged HistoryEvent = "PAYMENT_STATUS_CHANGED"
)

// PaymentHistory is an append-only audit entry. Rows are never updated.
type PaymentHistory struct {
	ID        int64           `json:"id"`
	PaymentID string          `json:"payment_id"`
	Event     HistoryEvent    `json:"event"`
	Data      json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

type CreatedSnapshot struct {
	PayerID     string        `json:"cpf"`
	Description string        `json:"description"`
	Amount      string        `json:"amount"`
	Method      PaymentMethod `json:"payment_method"`
	Status      PaymentStatus `json:"status"`
}

type StatusChange struct {
	OldStatus PaymentStatus `json:"old_status"`
	NewStatus PaymentStatus `json:"new_status"`
	TransitionContext
}
