package interfaces

import (
	"context"
	"time"

	"github.com/akylbek/payment-system/checkout-gateway/internal/models"
)

// PaymentStore defines the contract for payment data access.
type PaymentStore interface {
	Put(ctx context.Context, payment *models.Payment) error
	Get(ctx context.Context, id string) (*models.Payment, error)
	GetByProcessorOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	// ConditionalUpdate applies change only if the row still has the
	// expected status, returning the updated record. It returns
	// models.ErrConflict when a concurrent writer advanced the status
	// first and models.ErrNotFound when the row does not exist.
	ConditionalUpdate(ctx context.Context, id string, expected models.PaymentStatus, change models.PaymentChange) (*models.Payment, error)
	List(ctx context.Context, filter models.ListFilter) ([]models.Payment, error)
	Stats(ctx context.Context) (*models.PaymentStats, error)
}

// OrderResult is a successful processor response for order creation or
// lookup. Fields the processor did not return are empty.
type OrderResult struct {
	ID          string
	Status      string
	ApprovalURL string
	PayerEmail  string
	Amount      string
	Currency    string
}

// CaptureResult is the processor's answer to a capture call. Status
// "COMPLETED" is the only success; everything else is a processor-side
// refusal.
type CaptureResult struct {
	Status     string
	PayerEmail string
	Amount     string
	Currency   string
}

// ProcessorGateway wraps outbound calls to the payment processor.
// Transport faults, timeouts and error responses all come back as a
// plain error; the caller records them as failed transitions.
type ProcessorGateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (*OrderResult, error)
	CaptureOrder(ctx context.Context, orderID string) (*CaptureResult, error)
}

type CreateOrderRequest struct {
	Amount      string
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
	BrandName   string
}

// Locker serializes capture and webhook processing per payment id.
// Acquire returns false when another writer holds the lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// EventPublisher receives committed status changes. Implementations
// are best-effort; failures are logged, never surfaced.
type EventPublisher interface {
	PaymentStateChanged(ctx context.Context, paymentID string, from, to models.PaymentStatus)
}
