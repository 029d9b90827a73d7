package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-gateway/internal/middleware"
	"github.com/akylbek/payment-system/checkout-gateway/internal/models"
	"github.com/akylbek/payment-system/checkout-gateway/internal/reconcile"
	"github.com/akylbek/payment-system/checkout-gateway/internal/telemetry"
)

// Engine is the slice of the reconciliation engine the HTTP boundary
// needs. Handlers only translate results to status codes; all payment
// logic lives behind this interface.
type Engine interface {
	Create(ctx context.Context, req models.CreatePaymentRequest, idempotencyKey string) (*reconcile.CreateResult, error)
	Capture(ctx context.Context, paymentID string) (*reconcile.CaptureResult, error)
	IngestWebhook(ctx context.Context, req models.WebhookRequest)
	RefreshStatus(ctx context.Context, paymentID string) (*reconcile.MergedView, error)
}

type PaymentHandler struct {
	engine      Engine
	store       interfaces.PaymentStore
	redisClient *redis.Client
	environment string
}

func NewPaymentHandler(engine Engine, store interfaces.PaymentStore, redisClient *redis.Client, environment string) *PaymentHandler {
	return &PaymentHandler{
		engine:      engine,
		store:       store,
		redisClient: redisClient,
		environment: environment,
	}
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Invalid payment request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := h.engine.Create(ctx, req, middleware.IdempotencyKey(c))
	if err != nil {
		telemetry.Logger.Error("Failed to create payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to create payment"})
		return
	}

	if !result.Success {
		middleware.RecordPaymentProcessed("create", string(result.Payment.Status))
		c.JSON(http.StatusBadRequest, gin.H{
			"success":    false,
			"error":      result.Reason,
			"payment_id": result.Payment.ID,
		})
		return
	}

	middleware.RecordPaymentProcessed("create", string(result.Payment.Status))
	body := gin.H{
		"success":            true,
		"payment_id":         result.Payment.ID,
		"processor_order_id": result.OrderID,
		"approval_url":       result.ApprovalURL,
		"status":             string(result.Payment.Status),
		"amount":             result.Payment.Amount.StringFixed(2),
		"currency":           result.Payment.Currency,
		"description":        result.Payment.Description,
	}
	h.cacheIdempotentResponse(ctx, middleware.IdempotencyKey(c), body)
	c.JSON(http.StatusCreated, body)
}

// cacheIdempotentResponse lets the idempotency middleware replay the
// original answer on a retried create.
func (h *PaymentHandler) cacheIdempotentResponse(ctx context.Context, key string, body gin.H) {
	if key == "" || h.redisClient == nil {
		return
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := h.redisClient.Set(ctx, fmt.Sprintf("idempotency:%s", key), payload, 24*time.Hour).Err(); err != nil {
		telemetry.Logger.Warn("Failed to cache idempotent response", zap.Error(err))
	}
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	view, err := h.engine.RefreshStatus(c.Request.Context(), c.Param("id"))
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch payment"})
		return
	}

	body := gin.H{
		"id":                 view.Payment.ID,
		"amount":             view.Payment.Amount.StringFixed(2),
		"currency":           view.Payment.Currency,
		"description":        view.Payment.Description,
		"processor_order_id": view.Payment.ProcessorOrderID,
		"status":             string(view.Payment.Status),
		"payer_email":        view.Payment.PayerEmail,
		"error_message":      view.Payment.ErrorMessage,
		"created_at":         view.Payment.CreatedAt,
		"updated_at":         view.Payment.UpdatedAt,
	}
	switch {
	case view.ProcessorError != "":
		body["processor_error"] = view.ProcessorError
	case view.ProcessorStatus != "":
		body["processor_status"] = view.ProcessorStatus
		body["processor_payer_email"] = view.ProcessorPayerEmail
		body["processor_approval_url"] = view.ProcessorApprovalURL
		body["processor_amount"] = view.ProcessorAmount
		body["processor_currency"] = view.ProcessorCurrency
	}
	c.JSON(http.StatusOK, body)
}

func (h *PaymentHandler) ListPayments(c *gin.Context) {
	filter := models.ListFilter{
		Status:   models.PaymentStatus(c.Query("status")),
		Currency: c.Query("currency"),
	}

	payments, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		telemetry.Logger.Error("Failed to list payments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list payments"})
		return
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

func (h *PaymentHandler) CapturePayment(c *gin.Context) {
	paymentID := c.Param("id")

	result, err := h.engine.Capture(c.Request.Context(), paymentID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	case errors.Is(err, models.ErrNoProcessorOrder):
		c.JSON(http.StatusBadRequest, gin.H{"error": "no processor order for this payment"})
		return
	case errors.Is(err, models.ErrLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "payment is already being processed"})
		return
	case err != nil:
		telemetry.Logger.Error("Capture failed",
			zap.String("payment_id", paymentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "capture failed"})
		return
	}

	if result.AlreadyCompleted {
		c.JSON(http.StatusOK, gin.H{
			"message": "payment already completed",
			"status":  string(models.StatusCompleted),
		})
		return
	}

	middleware.RecordPaymentProcessed("capture", string(result.Payment.Status))

	if !result.Success {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":    false,
			"error":      result.Reason,
			"payment_id": result.Payment.ID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"payment_id":         result.Payment.ID,
		"processor_order_id": result.Payment.ProcessorOrderID,
		"status":             string(result.Payment.Status),
		"payer_email":        result.Payment.PayerEmail,
		"amount":             result.Payment.Amount.StringFixed(2),
		"message":            "payment captured successfully",
	})
}

// Webhook always acknowledges with 200: the processor retries blindly,
// and duplicate or unmatched events are expected traffic.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	var req models.WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Warn("Malformed webhook payload", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "webhook processed"})
		return
	}

	middleware.RecordWebhookReceived(req.EventType)
	h.engine.IngestWebhook(c.Request.Context(), req)
	c.JSON(http.StatusOK, gin.H{"status": "webhook processed"})
}

func (h *PaymentHandler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		telemetry.Logger.Error("Failed to compute stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_payments":         stats.TotalPayments,
		"completed_payments":     stats.CompletedPayments,
		"pending_payments":       stats.PendingPayments,
		"failed_payments":        stats.FailedPayments,
		"cancelled_payments":     stats.CancelledPayments,
		"total_completed_amount": stats.TotalCompletedAmount.StringFixed(2),
	})
}

func (h *PaymentHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"service":     "checkout-gateway",
		"environment": h.environment,
	})
}
