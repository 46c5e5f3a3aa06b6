package models

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

const NotificationTypePayment = "payment"

// Notification is the push message sent by the gateway to the webhook endpoint.
type Notification struct {
	Type   string           `json:"type"`
	Action string           `json:"action"`
	Data   NotificationData `json:"data"`
}

type NotificationData struct {
	ID string `json:"id"`
}

// UnmarshalJSON accepts data.id both as a string and as a number.
func (d *NotificationData) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	id := bytes.TrimSpace(raw.ID)
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		d.ID = ""
		return nil
	}
	if id[0] == '"' {
		return json.Unmarshal(id, &d.ID)
	}
	var n json.Number
	if err := json.Unmarshal(id, &n); err != nil {
		return err
	}
	d.ID = n.String()
	return nil
}

type WebhookResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type PreferenceRequest struct {
	PaymentID       string
	Description     string
	Amount          decimal.Decimal
	PayerID         string
	SuccessURL      string
	PendingURL      string
	FailureURL      string
	NotificationURL string
}

type Preference struct {
	ExternalID       string `json:"preference_id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// GatewayPayment is the gateway's view of a payment.
type GatewayPayment struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
}
