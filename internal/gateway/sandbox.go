package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

// StatusScript decides the gateway status reported for a reference on its
// n-th lookup (starting at 1).
type StatusScript func(externalReference string, n int) string

// SandboxClient is an offline stand-in for Mercado Pago used for local runs.
// Every lookup reports "approved" unless a script is set.
type SandboxClient struct {
	logger *zap.Logger
	script StatusScript

	mu          sync.Mutex
	lookups     map[string]int
	preferences map[string]models.PreferenceRequest
}

func NewSandboxClient(logger *zap.Logger, script StatusScript) *SandboxClient {
	if script == nil {
		script = func(string, int) string { return "approved" }
	}
	return &SandboxClient{
		logger:      logger,
		script:      script,
		lookups:     make(map[string]int),
		preferences: make(map[string]models.PreferenceRequest),
	}
}

func (c *SandboxClient) CreatePreference(ctx context.Context, req models.PreferenceRequest) (*models.Preference, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "create preference", Err: err}
	}

	c.mu.Lock()
	c.preferences[req.PaymentID] = req
	c.mu.Unlock()

	pref := sandboxPreference(req.PaymentID)
	c.logger.Info("[SANDBOX] Preference created", zap.String("payment_id", req.PaymentID), zap.String("preference_id", pref.ExternalID))
	return pref, nil
}

func (c *SandboxClient) FindPreferenceByReference(ctx context.Context, externalReference string) (*models.Preference, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "search preferences", Err: err}
	}

	c.mu.Lock()
	_, ok := c.preferences[externalReference]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return sandboxPreference(externalReference), nil
}

func sandboxPreference(paymentID string) *models.Preference {
	id := "pref_" + paymentID
	return &models.Preference{
		ExternalID:       id,
		InitPoint:        "https://www.mercadopago.com.br/checkout/v1/redirect?pref_id=" + id,
		SandboxInitPoint: "https://sandbox.mercadopago.com.br/checkout/v1/redirect?pref_id=" + id,
	}
}

// GetPaymentStatus treats the gateway payment id as the external reference,
// so sandbox notifications can carry our own payment id.
func (c *SandboxClient) GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (*models.GatewayPayment, error) {
	return c.lookup(ctx, "get payment", gatewayPaymentID)
}

func (c *SandboxClient) FindPaymentByReference(ctx context.Context, externalReference string) (*models.GatewayPayment, error) {
	return c.lookup(ctx, "search payments", externalReference)
}

func (c *SandboxClient) lookup(ctx context.Context, op, ref string) (*models.GatewayPayment, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	c.mu.Lock()
	c.lookups[ref]++
	n := c.lookups[ref]
	req := c.preferences[ref]
	c.mu.Unlock()

	status := c.script(ref, n)
	c.logger.Debug("[SANDBOX] Payment retrieved", zap.String("reference", ref), zap.String("status", status))
	return &models.GatewayPayment{
		ID:                ref,
		Status:            status,
		ExternalReference: ref,
		TransactionAmount: req.Amount,
	}, nil
}
