package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/interfaces"
	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/payment"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

const (
	MsgIgnored          = "Webhook ignored - not a payment notification"
	MsgMissingID        = "Payment notification missing data.id"
	MsgMissingReference = "Payment missing external_reference"
	MsgUnchanged        = "Payment status unchanged"
	MsgUpdated          = "Payment status updated successfully"
	MsgAlreadyFinalized = "Payment already finalized"
)

// ErrMissingReference marks a gateway payment that cannot be correlated with
// a ledger payment. It is reported in the result, never returned.
var ErrMissingReference = errors.New("gateway payment missing external_reference")

// Transitioner is the part of payment.Service the reconciler drives.
type Transitioner interface {
	TransitionStatus(ctx context.Context, id string, status models.PaymentStatus, tctx models.TransitionContext) (payment.TransitionResult, error)
}

type Reconciler struct {
	payments Transitioner
	gateway  interfaces.GatewayClient
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

func NewReconciler(payments Transitioner, gateway interfaces.GatewayClient, logger *zap.Logger, metrics *telemetry.Metrics) *Reconciler {
	return &Reconciler{
		payments: payments,
		gateway:  gateway,
		logger:   logger,
		metrics:  metrics,
		tracer:   telemetry.Tracer("payment-service/webhook"),
	}
}

type StatusChangeData struct {
	PaymentID string               `json:"payment_id"`
	OldStatus models.PaymentStatus `json:"old_status,omitempty"`
	NewStatus models.PaymentStatus `json:"new_status,omitempty"`
	Status    models.PaymentStatus `json:"status,omitempty"`
}

// HandleNotification reconciles one gateway push notification with the ledger.
// Gateway failures and unknown payments are returned as errors so the caller
// can ask the gateway to deliver again.
func (r *Reconciler) HandleNotification(ctx context.Context, n models.Notification) (models.WebhookResult, error) {
	ctx, span := r.tracer.Start(ctx, "webhook.HandleNotification", trace.WithAttributes(
		attribute.String("webhook.type", n.Type),
		attribute.String("webhook.action", n.Action),
		attribute.String("webhook.data_id", n.Data.ID),
	))
	defer span.End()

	r.logger.Debug("Processing Mercado Pago webhook",
		zap.String("type", n.Type),
		zap.String("action", n.Action),
		zap.String("data_id", n.Data.ID),
	)

	if n.Type != models.NotificationTypePayment {
		r.logger.Info("Ignoring non-payment webhook", zap.String("type", n.Type))
		r.metrics.WebhookHandled("ignored")
		return models.WebhookResult{Success: true, Message: MsgIgnored}, nil
	}

	if n.Data.ID == "" {
		r.metrics.WebhookHandled("invalid")
		return models.WebhookResult{Success: false, Message: MsgMissingID}, nil
	}

	gp, err := r.gateway.GetPaymentStatus(ctx, n.Data.ID)
	if err != nil {
		span.RecordError(err)
		r.metrics.WebhookHandled("gateway_error")
		return models.WebhookResult{}, fmt.Errorf("failed to fetch gateway payment %s: %w", n.Data.ID, err)
	}

	if gp.ExternalReference == "" {
		r.logger.Warn("Payment missing external_reference",
			zap.String("gateway_payment_id", n.Data.ID),
			zap.Error(ErrMissingReference),
		)
		r.metrics.WebhookHandled("missing_reference")
		return models.WebhookResult{Success: false, Message: MsgMissingReference}, nil
	}

	paymentID := gp.ExternalReference
	target := payment.MapGatewayStatus(gp.Status)

	r.logger.Info("Mapped Mercado Pago status",
		zap.String("payment_id", paymentID),
		zap.String("gateway_status", gp.Status),
		zap.String("new_status", string(target)),
	)

	res, err := r.payments.TransitionStatus(ctx, paymentID, target, models.TransitionContext{
		Source:           models.SourceWebhook,
		GatewayStatus:    gp.Status,
		GatewayPaymentID: gp.ID,
	})
	switch {
	case errors.Is(err, payment.ErrAlreadyFinalized):
		r.logger.Warn("Gateway status contradicts finalized payment",
			zap.String("payment_id", paymentID),
			zap.String("gateway_status", gp.Status),
			zap.Error(err),
		)
		r.metrics.WebhookHandled("already_finalized")
		data := StatusChangeData{PaymentID: paymentID}
		if res.Payment != nil {
			data.Status = res.Payment.Status
		}
		return models.WebhookResult{Success: false, Message: MsgAlreadyFinalized, Data: data}, nil
	case err != nil:
		span.RecordError(err)
		r.logger.Error("Error processing Mercado Pago webhook", zap.String("payment_id", paymentID), zap.Error(err))
		r.metrics.WebhookHandled("error")
		return models.WebhookResult{}, err
	}

	if !res.Applied {
		r.metrics.WebhookHandled("unchanged")
		return models.WebhookResult{
			Success: true,
			Message: MsgUnchanged,
			Data:    StatusChangeData{PaymentID: paymentID, Status: res.Payment.Status},
		}, nil
	}

	r.metrics.WebhookHandled("updated")
	return models.WebhookResult{
		Success: true,
		Message: MsgUpdated,
		Data: StatusChangeData{
			PaymentID: paymentID,
			OldStatus: res.Previous,
			NewStatus: res.Payment.Status,
		},
	}, nil
}
