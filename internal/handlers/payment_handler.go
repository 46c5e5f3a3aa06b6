package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/payment"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type PaymentService interface {
	CreatePayment(ctx context.Context, in payment.CreatePaymentInput) (*models.Payment, error)
	UpdateFields(ctx context.Context, id string, patch models.PaymentPatch) (*models.Payment, error)
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	FindAll(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, error)
	History(ctx context.Context, id string) ([]models.PaymentHistory, error)
}

// Settler starts the settlement workflow of a gateway-mediated payment.
type Settler interface {
	Start(ctx context.Context, p *models.Payment) (*models.Preference, error)
}

type PaymentHandler struct {
	payments PaymentService
	settler  Settler
}

func NewPaymentHandler(payments PaymentService, settler Settler) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		settler:  settler,
	}
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContext(ctx)

	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid payment request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	p, err := h.payments.CreatePayment(ctx, payment.CreatePaymentInput{
		PayerID:     req.PayerID,
		Description: req.Description,
		Amount:      req.Amount,
		Method:      req.Method,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"success": true, "data": p}
	if p.Method.IsGatewayMediated() {
		pref, err := h.settler.Start(ctx, p)
		if err != nil {
			telemetry.Logger.Error("Failed to start settlement",
				zap.String("payment_id", p.ID),
				zap.String("trace_id", span.SpanContext().TraceID().String()),
				zap.Error(err),
			)
			respondError(c, err)
			return
		}
		resp["mercadoPago"] = pref
	}

	telemetry.Logger.Info("Payment created successfully",
		zap.String("payment_id", p.ID),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	)
	c.JSON(http.StatusCreated, resp)
}

func (h *PaymentHandler) UpdatePayment(c *gin.Context) {
	var patch models.PaymentPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	p, err := h.payments.UpdateFields(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	p, err := h.payments.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

func (h *PaymentHandler) ListPayments(c *gin.Context) {
	filter, verr := parseFilter(c)
	if verr != nil {
		respondError(c, verr)
		return
	}

	payments, err := h.payments.FindAll(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	respond(c, http.StatusOK, payments)
}

func (h *PaymentHandler) GetHistory(c *gin.Context) {
	history, err := h.payments.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, history)
}

// BackURL serves the pages the gateway redirects the buyer to after checkout.
// They only report the current payment; status changes arrive through the
// webhook or the settlement poll.
func (h *PaymentHandler) BackURL(message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.payments.FindByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "data": p})
	}
}

func parseFilter(c *gin.Context) (models.PaymentFilter, error) {
	verr := &payment.ValidationError{}
	filter := models.PaymentFilter{
		PayerID:  c.Query("cpf"),
		Method:   models.PaymentMethod(firstQuery(c, "payment_method", "paymentMethod")),
		Status:   models.PaymentStatus(c.Query("status")),
		Page:     1,
		PageSize: defaultPageSize,
	}
	if filter.PayerID == "" {
		filter.PayerID = c.Query("payer_id")
	}

	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			verr.Fields = map[string]string{"page": "must be a number"}
			return filter, verr
		}
		filter.Page = n
	}
	if raw := c.Query("take"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			verr.Fields = map[string]string{"take": "must be a number"}
			return filter, verr
		}
		filter.PageSize = min(n, maxPageSize)
	}
	return filter, nil
}

func firstQuery(c *gin.Context, keys ...string) string {
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			return v
		}
	}
	return ""
}
