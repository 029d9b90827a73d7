package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
	StatusCancelled PaymentStatus = "cancelled"
)

// Terminal reports whether no further status transitions are allowed.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Payment struct {
	ID               string          `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Description      string          `json:"description"`
	ProcessorOrderID string          `json:"processor_order_id,omitempty"`
	Status           PaymentStatus   `json:"status"`
	PayerEmail       string          `json:"payer_email,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	IdempotencyKey   string          `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PaymentChange is the mutation applied by a conditional update. Empty
// string fields are left untouched; ProcessorOrderID is written at most
// once (the store refuses to overwrite a non-empty value).
type PaymentChange struct {
	Status           PaymentStatus
	ProcessorOrderID string
	PayerEmail       string
	ErrorMessage     string
}

type ListFilter struct {
	Status   PaymentStatus
	Currency string
}

type PaymentStats struct {
	TotalPayments        int64           `json:"total_payments"`
	CompletedPayments    int64           `json:"completed_payments"`
	PendingPayments      int64           `json:"pending_payments"`
	FailedPayments       int64           `json:"failed_payments"`
	CancelledPayments    int64           `json:"cancelled_payments"`
	TotalCompletedAmount decimal.Decimal `json:"-"`
}
