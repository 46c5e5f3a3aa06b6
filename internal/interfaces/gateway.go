package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

// GatewayClient wraps the external payment processor.
type GatewayClient interface {
	CreatePreference(ctx context.Context, req models.PreferenceRequest) (*models.Preference, error)
	// FindPreferenceByReference returns the preference already created for
	// our payment id, or nil when there is none.
	FindPreferenceByReference(ctx context.Context, externalReference string) (*models.Preference, error)
	GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (*models.GatewayPayment, error)
	// FindPaymentByReference looks up the latest gateway payment whose
	// external reference is our payment id.
	FindPaymentByReference(ctx context.Context, externalReference string) (*models.GatewayPayment, error)
}
