package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPending PaymentStatus = "PENDING"
	StatusPaid    PaymentStatus = "PAID"
	StatusFailed  PaymentStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusFailed
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusFailed:
		return true
	}
	return false
}

type PaymentMethod string

const (
	// MethodPix settles synchronously, there is no gateway round-trip.
	MethodPix PaymentMethod = "PIX"
	// MethodCreditCard is confirmed asynchronously through the gateway.
	MethodCreditCard PaymentMethod = "CREDIT_CARD"
)

func (m PaymentMethod) Valid() bool {
	return m == MethodPix || m == MethodCreditCard
}

func (m PaymentMethod) IsGatewayMediated() bool {
	return m == MethodCreditCard
}

type Payment struct {
	ID          string          `json:"id"`
	PayerID     string          `json:"cpf"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Method      PaymentMethod   `json:"payment_method"`
	Status      PaymentStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type CreatePaymentRequest struct {
	PayerID     string          `json:"cpf" binding:"required"`
	Description string          `json:"description" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Method      PaymentMethod   `json:"payment_method" binding:"required"`
}

// PaymentPatch carries the optional fields of a manual update. Nil means untouched.
type PaymentPatch struct {
	Status      *PaymentStatus   `json:"status,omitempty"`
	Description *string          `json:"description,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

type PaymentFilter struct {
	PayerID  string
	Method   PaymentMethod
	Status   PaymentStatus
	Page     int
	PageSize int
}

// Offset is the zero-based row offset of a 1-indexed page.
func (f PaymentFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// TransitionContext is embedded in the history entry of a status transition.
type TransitionContext struct {
	Source           string `json:"source,omitempty"`
	GatewayStatus    string `json:"gateway_status,omitempty"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Detail           string `json:"detail,omitempty"`
}

const (
	SourceManual     = "manual"
	SourceWebhook    = "webhook"
	SourceSettlement = "settlement"
)
