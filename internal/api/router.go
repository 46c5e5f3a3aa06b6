package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/akylbek/payment-system/payment-service/internal/handlers"
	"github.com/akylbek/payment-system/payment-service/internal/middleware"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

const idempotencyTTL = 24 * time.Hour

type Dependencies struct {
	Payments   handlers.PaymentService
	Settler    handlers.Settler
	Reconciler handlers.NotificationHandler
	// RedisClient enables Idempotency-Key replay on payment creation. Optional.
	RedisClient *redis.Client
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "payment-service"})
	})

	paymentHandler := handlers.NewPaymentHandler(deps.Payments, deps.Settler)
	payments := r.Group("/api/payment")
	{
		payments.POST("", middleware.IdempotencyMiddleware(deps.RedisClient, idempotencyTTL), paymentHandler.CreatePayment)
		payments.GET("", paymentHandler.ListPayments)
		payments.GET("/:id", paymentHandler.GetPayment)
		payments.PUT("/:id", paymentHandler.UpdatePayment)
		payments.GET("/:id/history", paymentHandler.GetHistory)
		payments.GET("/:id/success", paymentHandler.BackURL("Payment approved"))
		payments.GET("/:id/pending", paymentHandler.BackURL("Payment pending"))
		payments.GET("/:id/failure", paymentHandler.BackURL("Payment failed"))
	}

	webhookHandler := handlers.NewWebhookHandler(deps.Reconciler)
	r.POST("/api/webhooks/mercado-pago", webhookHandler.MercadoPago)

	return r
}
