package api

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/akylbek/payment-system/checkout-gateway/internal/handlers"
	"github.com/akylbek/payment-system/checkout-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-gateway/internal/middleware"
	"github.com/akylbek/payment-system/checkout-gateway/internal/telemetry"
)

func NewRouter(engine handlers.Engine, store interfaces.PaymentStore, redisClient *redis.Client, environment string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/metrics", middleware.PrometheusHandler())

	paymentHandler := handlers.NewPaymentHandler(engine, store, redisClient, environment)
	r.GET("/health", paymentHandler.Health)

	apiGroup := r.Group("/api")
	{
		payments := apiGroup.Group("/payments")
		{
			payments.POST("", middleware.IdempotencyMiddleware(redisClient, store), paymentHandler.CreatePayment)
			payments.GET("", paymentHandler.ListPayments)
			payments.GET("/stats", paymentHandler.Stats)
			payments.GET("/:id", paymentHandler.GetPayment)
			payments.POST("/:id/capture", paymentHandler.CapturePayment)
		}
		apiGroup.POST("/paypal/webhook", paymentHandler.Webhook)
	}

	return r
}
