package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-gateway/internal/telemetry"
)

const idempotencyContextKey = "idempotency_key"

// IdempotencyMiddleware short-circuits payment creation when the same
// Idempotency-Key was seen before, answering with the original
// payment. The key is optional; requests without one pass through.
func IdempotencyMiddleware(redisClient *redis.Client, store interfaces.PaymentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()

		if redisClient != nil {
			cached, err := redisClient.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
			if err == nil {
				c.Header("Content-Type", "application/json")
				c.String(http.StatusOK, cached)
				c.Abort()
				return
			}
		}

		payment, err := store.GetByIdempotencyKey(ctx, key)
		if err == nil && payment != nil {
			telemetry.Logger.Info("Replaying idempotent create",
				zap.String("idempotency_key", key),
				zap.String("payment_id", payment.ID))
			c.JSON(http.StatusOK, payment)
			c.Abort()
			return
		}

		c.Set(idempotencyContextKey, key)
		c.Next()
	}
}

// IdempotencyKey returns the key stashed by the middleware, if any.
func IdempotencyKey(c *gin.Context) string {
	return c.GetString(idempotencyContextKey)
}
