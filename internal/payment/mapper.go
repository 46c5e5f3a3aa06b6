package payment

import "github.com/akylbek/payment-system/payment-service/internal/models"

// MapGatewayStatus translates a gateway payment status into a ledger status.
// Unknown values map to PENDING so they never finalize a payment.
func MapGatewayStatus(status string) models.PaymentStatus {
	switch status {
	case "approved":
		return models.StatusPaid
	case "rejected", "cancelled", "refunded", "charged_back":
		return models.StatusFailed
	default:
		return models.StatusPending
	}
}
