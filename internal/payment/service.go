package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

type CreatePaymentInput struct {
	PayerID     string
	Description string
	Amount      decimal.Decimal
	Method      models.PaymentMethod
}

type TransitionResult struct {
	Applied bool
	// Previous is the status before the call. Equal to Payment.Status when nothing was applied.
	Previous models.PaymentStatus
	Payment  *models.Payment
}

// Service owns every mutation of payments and their history.
type Service struct {
	store   interfaces.LedgerStore
	logger  *zap.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store interfaces.LedgerStore, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger,
		tracer: telemetry.Tracer("payment-service/payment"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*models.Payment, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	now := s.now()
	p := &models.Payment{
		ID:          s.newID(),
		PayerID:     in.PayerID,
		Description: in.Description,
		Amount:      in.Amount,
		Method:      in.Method,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.logger.Info("Creating payment",
		zap.String("payment_id", p.ID),
		zap.String("payment_method", string(p.Method)),
		zap.String("amount", p.Amount.String()),
	)

	err := s.store.RunInTx(ctx, func(tx interfaces.LedgerTx) error {
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}

		snapshot, err := json.Marshal(models.CreatedSnapshot{
			PayerID:     p.PayerID,
			Description: p.Description,
			Amount:      p.Amount.StringFixed(2),
			Method:      p.Method,
			Status:      p.Status,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, &models.PaymentHistory{
			PaymentID: p.ID,
			Event:     models.EventPaymentCreated,
			Data:      snapshot,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		return s.enqueue(ctx, tx, models.EventTypePaymentCreated, p, "", "")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	s.metrics.PaymentCreated(string(p.Method))
	return p, nil
}

// UpdateFields applies a manual patch. A PAID payment rejects any change.
func (s *Service) UpdateFields(ctx context.Context, id string, patch models.PaymentPatch) (*models.Payment, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	var updated *models.Payment
	var oldStatus models.PaymentStatus
	err := s.store.RunInTx(ctx, func(tx interfaces.LedgerTx) error {
		p, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		oldStatus = p.Status

		statusChanged := patch.Status != nil && *patch.Status != p.Status
		descriptionChanged := patch.Description != nil && *patch.Description != p.Description
		amountChanged := patch.Amount != nil && !patch.Amount.Equal(p.Amount)

		if !statusChanged && !descriptionChanged && !amountChanged {
			updated = p
			return nil
		}
		if p.Status == models.StatusPaid {
			return fmt.Errorf("%w: payment %s is %s", ErrAlreadyFinalized, id, p.Status)
		}
		if amountChanged && p.Method.IsGatewayMediated() {
			return &ValidationError{Fields: map[string]string{
				"amount": "cannot be changed for gateway-mediated payments",
			}}
		}

		if descriptionChanged {
			p.Description = *patch.Description
		}
		if amountChanged {
			p.Amount = *patch.Amount
		}
		if statusChanged {
			p.Status = *patch.Status
		}
		p.UpdatedAt = s.now()

		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if statusChanged {
			if err := s.recordStatusChange(ctx, tx, p, oldStatus, models.TransitionContext{Source: models.SourceManual}); err != nil {
				return err
			}
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if updated.Status != oldStatus {
		s.logger.Info("Payment state transition",
			zap.String("payment_id", id),
			zap.String("from_state", string(oldStatus)),
			zap.String("to_state", string(updated.Status)),
			zap.String("source", models.SourceManual),
		)
		s.metrics.TransitionApplied(models.SourceManual, string(updated.Status))
	}
	return updated, nil
}

// TransitionStatus moves a payment to status exactly once. Repeating the same
// transition is a no-op; leaving a terminal status fails with ErrAlreadyFinalized.
func (s *Service) TransitionStatus(ctx context.Context, id string, status models.PaymentStatus, tctx models.TransitionContext) (TransitionResult, error) {
	ctx, span := s.tracer.Start(ctx, "payment.TransitionStatus", trace.WithAttributes(
		attribute.String("payment.id", id),
		attribute.String("payment.target_status", string(status)),
		attribute.String("payment.source", tctx.Source),
	))
	defer span.End()

	if !status.Valid() {
		return TransitionResult{}, &ValidationError{Fields: map[string]string{
			"status": "must be one of PENDING, PAID, FAILED",
		}}
	}

	var result TransitionResult
	err := s.store.RunInTx(ctx, func(tx interfaces.LedgerTx) error {
		p, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		result = TransitionResult{Previous: p.Status, Payment: p}

		if p.Status == status {
			return nil
		}
		if p.Status.IsTerminal() {
			return fmt.Errorf("%w: payment %s is %s, refusing %s", ErrAlreadyFinalized, id, p.Status, status)
		}

		p.Status = status
		p.UpdatedAt = s.now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if err := s.recordStatusChange(ctx, tx, p, result.Previous, tctx); err != nil {
			return err
		}
		result.Applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	span.SetAttributes(attribute.Bool("payment.applied", result.Applied))
	if result.Applied {
		s.logger.Info("Payment state transition",
			zap.String("payment_id", id),
			zap.String("from_state", string(result.Previous)),
			zap.String("to_state", string(status)),
			zap.String("source", tctx.Source),
		)
		s.metrics.TransitionApplied(tctx.Source, string(status))
	}
	return result, nil
}

func (s *Service) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}
	return p, nil
}

func (s *Service) FindAll(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	payments, err := s.store.ListPayments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

func (s *Service) History(ctx context.Context, id string) ([]models.PaymentHistory, error) {
	if _, err := s.FindByID(ctx, id); err != nil {
		return nil, err
	}

	history, err := s.store.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment history: %w", err)
	}
	return history, nil
}

func (s *Service) lock(ctx context.Context, tx interfaces.LedgerTx, id string) (*models.Payment, error) {
	p, err := tx.LockPayment(ctx, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

func (s *Service) recordStatusChange(ctx context.Context, tx interfaces.LedgerTx, p *models.Payment, old models.PaymentStatus, tctx models.TransitionContext) error {
	data, err := json.Marshal(models.StatusChange{
		OldStatus:         old,
		NewStatus:         p.Status,
		TransitionContext: tctx,
	})
	if err != nil {
		return err
	}

	if err := tx.AppendHistory(ctx, &models.PaymentHistory{
		PaymentID: p.ID,
		Event:     models.EventPaymentStatusChanged,
		Data:      data,
		CreatedAt: p.UpdatedAt,
	}); err != nil {
		return err
	}

	return s.enqueue(ctx, tx, models.EventTypePaymentStatusChanged, p, old, tctx.Source)
}

func (s *Service) enqueue(ctx context.Context, tx interfaces.LedgerTx, typ models.EventType, p *models.Payment, previous models.PaymentStatus, source string) error {
	payload, err := json.Marshal(models.PaymentStateChangedEvent{
		PaymentID:     p.ID,
		State:         p.Status,
		PreviousState: previous,
		Method:        p.Method,
		Amount:        p.Amount.StringFixed(2),
		Source:        source,
		Timestamp:     p.UpdatedAt,
	})
	if err != nil {
		return err
	}

	return tx.EnqueueEvent(ctx, &models.OutboxEvent{
		ID:        uuid.NewString(),
		PaymentID: p.ID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: p.UpdatedAt,
	})
}
