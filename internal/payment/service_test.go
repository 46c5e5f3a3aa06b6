package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/payment"
	"github.com/akylbek/payment-system/payment-service/internal/repository"
)

func newService(t *testing.T) (*payment.Service, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	return payment.NewService(store, zap.NewNop()), store
}

func newSQLiteService(t *testing.T) *payment.Service {
	t.Helper()
	ctx := context.Background()
	db, err := repository.Open(ctx, repository.SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.Migrate(ctx, db, repository.SQLite))
	return payment.NewService(repository.NewSQLStore(db, repository.SQLite), zap.NewNop())
}

func validInput(method models.PaymentMethod) payment.CreatePaymentInput {
	return payment.CreatePaymentInput{
		PayerID:     "12345678901",
		Description: "Monthly subscription",
		Amount:      decimal.RequireFromString("99.90"),
		Method:      method,
	}
}

func TestCreatePayment(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	p, err := svc.CreatePayment(ctx, validInput(models.MethodPix))
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, models.StatusPending, p.Status)

	history, err := svc.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.EventPaymentCreated, history[0].Event)
	assert.JSONEq(t, `{
		"cpf": "12345678901",
		"description": "Monthly subscription",
		"amount": "99.90",
		"payment_method": "PIX",
		"status": "PENDING"
	}`, string(history[0].Data))

	events, err := store.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypePaymentCreated, events[0].Type)
	assert.Equal(t, p.ID, events[0].PaymentID)
}

func TestCreatePayment_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *payment.CreatePaymentInput)
		field  string
	}{
		{"short cpf", func(in *payment.CreatePaymentInput) { in.PayerID = "123" }, "cpf"},
		{"cpf with letters", func(in *payment.CreatePaymentInput) { in.PayerID = "1234567890a" }, "cpf"},
		{"blank description", func(in *payment.CreatePaymentInput) { in.Description = "  " }, "description"},
		{"zero amount", func(in *payment.CreatePaymentInput) { in.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(in *payment.CreatePaymentInput) { in.Amount = decimal.NewFromInt(-5) }, "amount"},
		{"three decimals", func(in *payment.CreatePaymentInput) { in.Amount = decimal.RequireFromString("1.005") }, "amount"},
		{"unknown method", func(in *payment.CreatePaymentInput) { in.Method = "BOLETO" }, "payment_method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newService(t)
			in := validInput(models.MethodPix)
			tt.mutate(&in)

			_, err := svc.CreatePayment(context.Background(), in)
			require.ErrorIs(t, err, payment.ErrValidation)

			var verr *payment.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tt.field)
			assert.Empty(t, store.Payments())
		})
	}
}

func TestTransitionStatus_Idempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.CreatePayment(ctx, validInput(models.MethodCreditCard))
	require.NoError(t, err)

	tctx := models.TransitionContext{Source: models.SourceWebhook, GatewayStatus: "approved", GatewayPaymentID: "123"}

	first, err := svc.TransitionStatus(ctx, p.ID, models.StatusPaid, tctx)
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, models.StatusPending, first.Previous)
	assert.Equal(t, models.StatusPaid, first.Payment.Status)

	second, err := svc.TransitionStatus(ctx, p.ID, models.StatusPaid, tctx)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, models.StatusPaid, second.Payment.Status)

	history, err := svc.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.EventPaymentStatusChanged, history[1].Event)

	var change models.StatusChange
	require.NoError(t, json.Unmarshal(history[1].Data, &change))
	assert.Equal(t, models.StatusPending, change.OldStatus)
	assert.Equal(t, models.StatusPaid, change.NewStatus)
	assert.Equal(t, "approved", change.GatewayStatus)
	assert.Equal(t, "123", change.GatewayPaymentID)
}

func TestTransitionStatus_TerminalIsFinal(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.CreatePayment(ctx, validInput(models.MethodCreditCard))
	require.NoError(t, err)

	_, err = svc.TransitionStatus(ctx, p.ID, models.StatusFailed, models.TransitionContext{Source: models.SourceSettlement})
	require.NoError(t, err)

	res, err := svc.TransitionStatus(ctx, p.ID, models.StatusPaid, models.TransitionContext{Source: models.SourceWebhook})
	require.ErrorIs(t, err, payment.ErrAlreadyFinalized)
	assert.False(t, res.Applied)

	_, err = svc.TransitionStatus(ctx, p.ID, models.StatusPending, models.TransitionContext{Source: models.SourceWebhook})
	require.ErrorIs(t, err, payment.ErrAlreadyFinalized)

	got, err := svc.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestTransitionStatus_NotFound(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.TransitionStatus(context.Background(), "missing", models.StatusPaid, models.TransitionContext{})
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

func TestUpdateFields_PaidIsImmutable(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.CreatePayment(ctx, validInput(models.MethodPix))
	require.NoError(t, err)

	paid := models.StatusPaid
	_, err = svc.UpdateFields(ctx, p.ID, models.PaymentPatch{Status: &paid})
	require.NoError(t, err)

	desc := "changed"
	amount := decimal.NewFromInt(10)
	failed := models.StatusFailed
	for _, patch := range []models.PaymentPatch{
		{Description: &desc},
		{Amount: &amount},
		{Status: &failed},
	} {
		_, err := svc.UpdateFields(ctx, p.ID, patch)
		assert.ErrorIs(t, err, payment.ErrAlreadyFinalized)
	}

	// same values are not a change
	same := models.StatusPaid
	got, err := svc.UpdateFields(ctx, p.ID, models.PaymentPatch{Status: &same, Description: &p.Description})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, got.Status)

	got, err = svc.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Monthly subscription", got.Description)

	history, err := svc.History(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestUpdateFields(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.CreatePayment(ctx, validInput(models.MethodPix))
	require.NoError(t, err)

	desc := "Annual subscription"
	amount := decimal.RequireFromString("999.00")
	got, err := svc.UpdateFields(ctx, p.ID, models.PaymentPatch{Description: &desc, Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, desc, got.Description)
	assert.True(t, got.Amount.Equal(amount))
	assert.Equal(t, models.StatusPending, got.Status)

	history, err := svc.History(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "field edits without a status change add no history")

	failed := models.StatusFailed
	got, err = svc.UpdateFields(ctx, p.ID, models.PaymentPatch{Status: &failed})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	history, err = svc.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	var change models.StatusChange
	require.NoError(t, json.Unmarshal(history[1].Data, &change))
	assert.Equal(t, models.SourceManual, change.Source)
}

func TestUpdateFields_GatewayMediatedAmountIsLocked(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.CreatePayment(ctx, validInput(models.MethodCreditCard))
	require.NoError(t, err)

	amount := decimal.NewFromInt(1)
	_, err = svc.UpdateFields(ctx, p.ID, models.PaymentPatch{Amount: &amount})
	assert.ErrorIs(t, err, payment.ErrValidation)

	desc := "still editable"
	got, err := svc.UpdateFields(ctx, p.ID, models.PaymentPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, got.Description)
}

func TestUpdateFields_NotFound(t *testing.T) {
	svc, _ := newService(t)
	desc := "x"

	_, err := svc.UpdateFields(context.Background(), "missing", models.PaymentPatch{Description: &desc})
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

func TestFindAll(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store := repository.NewMemoryStore()
	svc := payment.NewService(store, zap.NewNop(), payment.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	ctx := context.Background()

	var ids []string
	for _, method := range []models.PaymentMethod{models.MethodPix, models.MethodCreditCard, models.MethodPix} {
		p, err := svc.CreatePayment(ctx, validInput(method))
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	all, err := svc.FindAll(ctx, models.PaymentFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	pix, err := svc.FindAll(ctx, models.PaymentFilter{Method: models.MethodPix, Page: 1, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, pix, 1)
	assert.Equal(t, ids[2], pix[0].ID)

	_, err = svc.FindAll(ctx, models.PaymentFilter{Page: 0, PageSize: 10})
	assert.ErrorIs(t, err, payment.ErrValidation)

	_, err = svc.FindAll(ctx, models.PaymentFilter{Page: 1, PageSize: 0})
	assert.ErrorIs(t, err, payment.ErrValidation)
}

func TestFindAll_PageBeyondLastRow(t *testing.T) {
	services := map[string]func(t *testing.T) *payment.Service{
		"memory": func(t *testing.T) *payment.Service { svc, _ := newService(t); return svc },
		"sqlite": newSQLiteService,
	}

	for name, newSvc := range services {
		t.Run(name, func(t *testing.T) {
			svc := newSvc(t)
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				_, err := svc.CreatePayment(ctx, validInput(models.MethodPix))
				require.NoError(t, err)
			}

			got, err := svc.FindAll(ctx, models.PaymentFilter{Page: 1_000_000, PageSize: 10})
			require.NoError(t, err)
			assert.Empty(t, got)

			_, err = svc.FindAll(ctx, models.PaymentFilter{Page: math.MaxInt / 5, PageSize: 10})
			var verr *payment.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, "page")
		})
	}
}

func TestHistory_UnknownPayment(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.History(context.Background(), "missing")
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

func TestConcurrentTerminalTransitions(t *testing.T) {
	services := map[string]func(t *testing.T) *payment.Service{
		"memory": func(t *testing.T) *payment.Service { svc, _ := newService(t); return svc },
		"sqlite": newSQLiteService,
	}

	for name, newSvc := range services {
		t.Run(name, func(t *testing.T) {
			svc := newSvc(t)
			ctx := context.Background()

			for round := 0; round < 20; round++ {
				p, err := svc.CreatePayment(ctx, validInput(models.MethodCreditCard))
				require.NoError(t, err)

				var wg sync.WaitGroup
				results := make([]error, 2)
				applied := make([]bool, 2)
				for i, status := range []models.PaymentStatus{models.StatusPaid, models.StatusFailed} {
					wg.Add(1)
					go func(i int, status models.PaymentStatus) {
						defer wg.Done()
						res, err := svc.TransitionStatus(ctx, p.ID, status, models.TransitionContext{Source: models.SourceWebhook})
						results[i] = err
						applied[i] = res.Applied
					}(i, status)
				}
				wg.Wait()

				assert.NotEqual(t, applied[0], applied[1], "exactly one transition applies")
				for i, err := range results {
					if applied[i] {
						assert.NoError(t, err)
					} else {
						assert.ErrorIs(t, err, payment.ErrAlreadyFinalized)
					}
				}

				history, err := svc.History(ctx, p.ID)
				require.NoError(t, err)
				require.Len(t, history, 2)

				got, err := svc.FindByID(ctx, p.ID)
				require.NoError(t, err)
				var change models.StatusChange
				require.NoError(t, json.Unmarshal(history[1].Data, &change))
				assert.Equal(t, got.Status, change.NewStatus)
				assert.True(t, got.Status.IsTerminal())
			}
		})
	}
}

type failingStore struct {
	interfaces.LedgerStore
	err error
}

func (f *failingStore) RunInTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	return f.err
}

func TestCreatePayment_StoreFailure(t *testing.T) {
	boom := errors.New("connection refused")
	svc := payment.NewService(&failingStore{err: boom}, zap.NewNop())

	_, err := svc.CreatePayment(context.Background(), validInput(models.MethodPix))
	assert.ErrorIs(t, err, boom)
}
