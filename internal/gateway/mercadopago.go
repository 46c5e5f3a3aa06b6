package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/models"
)

const (
	DefaultBaseURL = "https://api.mercadopago.com"

	preferencesPath       = "/checkout/preferences"
	preferencesSearchPath = "/checkout/preferences/search"
	paymentsPath          = "/v1/payments"
	paymentsSearchPath    = "/v1/payments/search"
)

type Config struct {
	BaseURL     string
	AccessToken string
	// Client defaults to an http.Client with a 10s timeout.
	Client *http.Client
}

// MercadoPagoClient talks to the Mercado Pago REST API.
type MercadoPagoClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
	logger      *zap.Logger
}

func NewMercadoPagoClient(cfg Config, logger *zap.Logger) *MercadoPagoClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.AccessToken == "" {
		logger.Warn("MERCADO_PAGO_ACCESS_TOKEN not configured")
	}
	return &MercadoPagoClient{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		client:      cfg.Client,
		logger:      logger,
	}
}

type preferenceItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	CurrencyID  string  `json:"currency_id"`
	UnitPrice   float64 `json:"unit_price"`
}

type preferencePayer struct {
	Email          string `json:"email"`
	Identification struct {
		Type   string `json:"type"`
		Number string `json:"number"`
	} `json:"identification"`
}

type preferenceBody struct {
	Items               []preferenceItem  `json:"items"`
	Payer               preferencePayer   `json:"payer"`
	BackURLs            map[string]string `json:"back_urls"`
	NotificationURL     string            `json:"notification_url"`
	AutoReturn          string            `json:"auto_return"`
	ExternalReference   string            `json:"external_reference"`
	StatementDescriptor string            `json:"statement_descriptor"`
	Metadata            map[string]string `json:"metadata"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

func (p preferenceResponse) toModel() *models.Preference {
	return &models.Preference{
		ExternalID:       p.ID,
		InitPoint:        p.InitPoint,
		SandboxInitPoint: p.SandboxInitPoint,
	}
}

type preferenceSearchResponse struct {
	Elements []struct {
		ID string `json:"id"`
	} `json:"elements"`
}

type paymentResponse struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
}

func (p paymentResponse) toModel() *models.GatewayPayment {
	return &models.GatewayPayment{
		ID:                p.ID.String(),
		Status:            p.Status,
		ExternalReference: p.ExternalReference,
		TransactionAmount: p.TransactionAmount,
	}
}

type searchResponse struct {
	Results []paymentResponse `json:"results"`
}

func buildPreference(req models.PreferenceRequest) preferenceBody {
	body := preferenceBody{
		Items: []preferenceItem{{
			ID:          req.PaymentID,
			Title:       req.Description,
			Description: req.Description,
			Quantity:    1,
			CurrencyID:  "BRL",
			UnitPrice:   req.Amount.InexactFloat64(),
		}},
		BackURLs: map[string]string{
			"success": req.SuccessURL,
			"pending": req.PendingURL,
			"failure": req.FailureURL,
		},
		NotificationURL:     req.NotificationURL,
		AutoReturn:          "approved",
		ExternalReference:   req.PaymentID,
		StatementDescriptor: "PAYMENT API",
		Metadata: map[string]string{
			"payment_id": req.PaymentID,
			"cpf":        req.PayerID,
		},
	}
	body.Payer.Email = req.PayerID + "@payment-api.com"
	body.Payer.Identification.Type = "CPF"
	body.Payer.Identification.Number = req.PayerID
	return body
}

func (c *MercadoPagoClient) CreatePreference(ctx context.Context, req models.PreferenceRequest) (*models.Preference, error) {
	c.logger.Debug("Creating Mercado Pago preference", zap.String("payment_id", req.PaymentID))

	payload, err := json.Marshal(buildPreference(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal preference: %w", err)
	}

	var resp preferenceResponse
	if err := c.do(ctx, "create preference", http.MethodPost, preferencesPath, payload, &resp); err != nil {
		c.logger.Error("Failed to create Mercado Pago preference",
			zap.String("payment_id", req.PaymentID),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Info("Preference created", zap.String("payment_id", req.PaymentID), zap.String("preference_id", resp.ID))
	return resp.toModel(), nil
}

// FindPreferenceByReference returns the checkout already created for the
// reference, or nil when there is none.
func (c *MercadoPagoClient) FindPreferenceByReference(ctx context.Context, externalReference string) (*models.Preference, error) {
	q := url.Values{}
	q.Set("external_reference", externalReference)

	var found preferenceSearchResponse
	if err := c.do(ctx, "search preferences", http.MethodGet, preferencesSearchPath+"?"+q.Encode(), nil, &found); err != nil {
		return nil, err
	}
	if len(found.Elements) == 0 {
		return nil, nil
	}

	// search results carry no checkout links
	var resp preferenceResponse
	path := preferencesPath + "/" + url.PathEscape(found.Elements[0].ID)
	if err := c.do(ctx, "get preference", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

func (c *MercadoPagoClient) GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (*models.GatewayPayment, error) {
	var resp paymentResponse
	path := paymentsPath + "/" + url.PathEscape(gatewayPaymentID)
	if err := c.do(ctx, "get payment", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

// FindPaymentByReference returns the most recent gateway payment for the
// reference. A checkout nobody has paid yet is reported as "pending".
func (c *MercadoPagoClient) FindPaymentByReference(ctx context.Context, externalReference string) (*models.GatewayPayment, error) {
	q := url.Values{}
	q.Set("external_reference", externalReference)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")

	var resp searchResponse
	if err := c.do(ctx, "search payments", http.MethodGet, paymentsSearchPath+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	if len(resp.Results) == 0 {
		return &models.GatewayPayment{Status: "pending", ExternalReference: externalReference}, nil
	}
	return resp.Results[0].toModel(), nil
}

// do makes exactly one request. Retrying is left to the settlement run's
// attempt budget and to the gateway's own webhook redelivery.
func (c *MercadoPagoClient) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	respBody, status, err := c.send(ctx, method, path, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	if status < 200 || status >= 300 {
		return &Error{Op: op, StatusCode: status, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Op: op, StatusCode: status, Body: string(respBody), Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (c *MercadoPagoClient) send(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}
