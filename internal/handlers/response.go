package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/gateway"
	"github.com/akylbek/payment-system/payment-service/internal/payment"
	"github.com/akylbek/payment-system/payment-service/internal/settlement"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// respondError maps domain errors onto status codes. Anything unknown is a 500
// and its message is not leaked to the client.
func respondError(c *gin.Context, err error) {
	var (
		verr  *payment.ValidationError
		gwErr *gateway.Error
		wfErr *settlement.WorkflowError
	)

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": payment.ErrValidation.Error(), "details": verr.Fields})
	case errors.Is(err, payment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, payment.ErrAlreadyFinalized):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, settlement.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case errors.As(err, &gwErr), errors.As(err, &wfErr):
		telemetry.Logger.Error("Gateway request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "Payment gateway request failed"})
	default:
		telemetry.Logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
	}
}
