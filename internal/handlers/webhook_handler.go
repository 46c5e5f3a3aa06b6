package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/models"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

type NotificationHandler interface {
	HandleNotification(ctx context.Context, n models.Notification) (models.WebhookResult, error)
}

type WebhookHandler struct {
	reconciler NotificationHandler
}

func NewWebhookHandler(reconciler NotificationHandler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// MercadoPago answers 200 for every notification it could evaluate, including
// ignored and inconsistent ones, so the gateway stops redelivering them.
// Failures talking to the gateway or the ledger return an error status and
// the gateway retries later.
func (h *WebhookHandler) MercadoPago(c *gin.Context) {
	var n models.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		telemetry.Logger.Warn("Invalid webhook payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	telemetry.Logger.Info("Received Mercado Pago webhook",
		zap.String("type", n.Type),
		zap.String("action", n.Action),
		zap.String("data_id", n.Data.ID),
	)

	res, err := h.reconciler.HandleNotification(c.Request.Context(), n)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
