package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/api"
	"github.com/akylbek/payment-system/payment-service/internal/gateway"
	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/payment"
	"github.com/akylbek/payment-system/payment-service/internal/repository"
	"github.com/akylbek/payment-system/payment-service/internal/settlement"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
	"github.com/akylbek/payment-system/payment-service/internal/webhook"
)

type fakeSettler struct {
	start func(p *models.Payment) (*models.Preference, error)
}

func (f *fakeSettler) Start(ctx context.Context, p *models.Payment) (*models.Preference, error) {
	return f.start(p)
}

type envelope struct {
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	Error       string             `json:"error"`
	Details     map[string]string  `json:"details"`
	Data        json.RawMessage    `json:"data"`
	MercadoPago *models.Preference `json:"mercadoPago"`
}

type testServer struct {
	handler http.Handler
	svc     *payment.Service
	settler *fakeSettler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	svc := payment.NewService(store, zap.NewNop(), payment.WithMetrics(metrics))
	sandbox := gateway.NewSandboxClient(zap.NewNop(), nil)
	settler := &fakeSettler{start: func(p *models.Payment) (*models.Preference, error) {
		return &models.Preference{ExternalID: "pref_" + p.ID, InitPoint: "https://mp/init"}, nil
	}}

	router := api.NewRouter(api.Dependencies{
		Payments:   svc,
		Settler:    settler,
		Reconciler: webhook.NewReconciler(svc, sandbox, zap.NewNop(), metrics),
		Gatherer:   reg,
	})
	return &testServer{handler: router, svc: svc, settler: settler}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func decodePayment(t *testing.T, env envelope) models.Payment {
	t.Helper()
	var p models.Payment
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func (s *testServer) create(t *testing.T, method models.PaymentMethod, cpf string) models.Payment {
	t.Helper()
	w, env := s.do(t, http.MethodPost, "/api/payment",
		`{"cpf":"`+cpf+`","description":"Order","amount":150.50,"payment_method":"`+string(method)+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodePayment(t, env)
}

func TestCreatePayment_Pix(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodPost, "/api/payment",
		`{"cpf":"12345678901","description":"Coffee","amount":12.5,"payment_method":"PIX"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, env.Success)
	assert.Nil(t, env.MercadoPago)

	p := decodePayment(t, env)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Equal(t, "12.5", p.Amount.String())
}

func TestCreatePayment_CreditCardReturnsPreference(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodPost, "/api/payment",
		`{"cpf":"12345678901","description":"TV","amount":"999.90","payment_method":"CREDIT_CARD"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	p := decodePayment(t, env)
	require.NotNil(t, env.MercadoPago)
	assert.Equal(t, "pref_"+p.ID, env.MercadoPago.ExternalID)
}

func TestCreatePayment_Validation(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodPost, "/api/payment",
		`{"cpf":"123","description":"TV","amount":-1,"payment_method":"CREDIT_CARD"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Details, "cpf")
	assert.Contains(t, env.Details, "amount")

	w, _ = s.do(t, http.MethodPost, "/api/payment", `{"cpf":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreatePayment_GatewayFailure(t *testing.T) {
	s := newTestServer(t)
	s.settler.start = func(p *models.Payment) (*models.Preference, error) {
		return nil, &settlement.WorkflowError{
			PaymentID: p.ID,
			Step:      models.StepCreatePreference,
			Err:       &gateway.Error{Op: "create preference", StatusCode: 500, Body: "boom"},
		}
	}

	w, env := s.do(t, http.MethodPost, "/api/payment",
		`{"cpf":"12345678901","description":"TV","amount":10,"payment_method":"CREDIT_CARD"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.False(t, env.Success)
	assert.NotContains(t, env.Error, "boom")
}

func TestGetPayment(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, models.MethodPix, "12345678901")

	w, env := s.do(t, http.MethodGet, "/api/payment/"+p.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, p.ID, decodePayment(t, env).ID)

	w, env = s.do(t, http.MethodGet, "/api/payment/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, env.Success)
}

func TestUpdatePayment(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, models.MethodPix, "12345678901")

	w, env := s.do(t, http.MethodPut, "/api/payment/"+p.ID, `{"description":"Updated","status":"PAID"}`)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodePayment(t, env)
	assert.Equal(t, "Updated", got.Description)
	assert.Equal(t, models.StatusPaid, got.Status)

	w, env = s.do(t, http.MethodPut, "/api/payment/"+p.ID, `{"description":"Again"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Error, payment.ErrAlreadyFinalized.Error())
}

func TestListPayments(t *testing.T) {
	s := newTestServer(t)
	s.create(t, models.MethodPix, "11111111111")
	s.create(t, models.MethodPix, "11111111111")
	s.create(t, models.MethodCreditCard, "22222222222")

	w, env := s.do(t, http.MethodGet, "/api/payment?cpf=11111111111", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Payment
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)

	_, env = s.do(t, http.MethodGet, "/api/payment?payment_method=CREDIT_CARD&take=500", "")
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "22222222222", list[0].PayerID)

	_, env = s.do(t, http.MethodGet, "/api/payment?page=2&take=2", "")
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)

	_, env = s.do(t, http.MethodGet, "/api/payment?status=PAID", "")
	assert.JSONEq(t, `[]`, string(env.Data))

	w, env = s.do(t, http.MethodGet, "/api/payment?take=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Details, "take")

	w, _ = s.do(t, http.MethodGet, "/api/payment?status=REFUNDED", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetHistory(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, models.MethodPix, "12345678901")
	s.do(t, http.MethodPut, "/api/payment/"+p.ID, `{"status":"FAILED"}`)

	w, env := s.do(t, http.MethodGet, "/api/payment/"+p.ID+"/history", "")
	require.Equal(t, http.StatusOK, w.Code)

	var history []models.PaymentHistory
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 2)
	assert.Equal(t, models.EventPaymentCreated, history[0].Event)
	assert.Equal(t, models.EventPaymentStatusChanged, history[1].Event)

	w, _ = s.do(t, http.MethodGet, "/api/payment/missing/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBackURLs(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, models.MethodCreditCard, "12345678901")

	w, env := s.do(t, http.MethodGet, "/api/payment/"+p.ID+"/success", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Payment approved", env.Message)
	assert.Equal(t, models.StatusPending, decodePayment(t, env).Status)

	_, env = s.do(t, http.MethodGet, "/api/payment/"+p.ID+"/failure", "")
	assert.Equal(t, "Payment failed", env.Message)
}

func TestWebhook(t *testing.T) {
	s := newTestServer(t)
	p := s.create(t, models.MethodCreditCard, "12345678901")

	// the sandbox gateway resolves data.id as the payment's own reference
	w, env := s.do(t, http.MethodPost, "/api/webhooks/mercado-pago",
		`{"type":"payment","action":"payment.updated","data":{"id":"`+p.ID+`"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Equal(t, webhook.MsgUpdated, env.Message)

	got, err := s.svc.FindByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, got.Status)

	_, env = s.do(t, http.MethodPost, "/api/webhooks/mercado-pago", `{"type":"merchant_order","data":{"id":123}}`)
	assert.Equal(t, webhook.MsgIgnored, env.Message)

	w, env = s.do(t, http.MethodPost, "/api/webhooks/mercado-pago", `{"type":"payment","data":{"id":987654}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, env.Success)

	w, _ = s.do(t, http.MethodPost, "/api/webhooks/mercado-pago", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.create(t, models.MethodPix, "12345678901")

	w, _ := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `payments_created_total{method="PIX"} 1`)
}

func TestCreditCardSettlesEndToEnd(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := payment.NewService(store, zap.NewNop())
	sandbox := gateway.NewSandboxClient(zap.NewNop(), func(ref string, n int) string {
		if n < 3 {
			return "in_process"
		}
		return "approved"
	})
	runner := settlement.NewRunner(svc, sandbox, store, settlement.NewLocalLocker(), settlement.Config{}, zap.NewNop(), nil)
	runner.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(runner.Stop)

	router := api.NewRouter(api.Dependencies{
		Payments:   svc,
		Settler:    runner,
		Reconciler: webhook.NewReconciler(svc, sandbox, zap.NewNop(), nil),
		Gatherer:   prometheus.NewRegistry(),
	})
	s := &testServer{handler: router, svc: svc}

	p := s.create(t, models.MethodCreditCard, "12345678901")
	runner.Wait()

	_, env := s.do(t, http.MethodGet, "/api/payment/"+p.ID, "")
	assert.Equal(t, models.StatusPaid, decodePayment(t, env).Status)

	run, err := store.GetRun(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePaid, run.Outcome)
	assert.Equal(t, 2, run.Attempt)
}
