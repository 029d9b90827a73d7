package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies the service accepts. Order creation rejects anything else.
var SupportedCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"CAD": true,
	"AUD": true,
	"JPY": true,
}

const (
	DefaultCurrency      = "USD"
	MaxDescriptionLength = 200
)

type CreatePaymentRequest struct {
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Description string          `json:"description" binding:"required"`
	Currency    string          `json:"currency"`
	ReturnURL   string          `json:"return_url"`
	CancelURL   string          `json:"cancel_url"`
	BrandName   string          `json:"brand_name"`
}

// Validate normalizes the currency and rejects out-of-range input
// before any state is created.
func (r *CreatePaymentRequest) Validate() error {
	if r.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("amount must be greater than zero")
	}
	if !r.Amount.Equal(r.Amount.Truncate(2)) {
		return fmt.Errorf("amount must have at most 2 decimal places")
	}
	if len(r.Description) > MaxDescriptionLength {
		return fmt.Errorf("description must be at most %d characters", MaxDescriptionLength)
	}
	if r.Currency == "" {
		r.Currency = DefaultCurrency
	}
	r.Currency = strings.ToUpper(r.Currency)
	if !SupportedCurrencies[r.Currency] {
		return fmt.Errorf("unsupported currency %q", r.Currency)
	}
	return nil
}

type WebhookRequest struct {
	EventType string          `json:"event_type"`
	Resource  WebhookResource `json:"resource"`
}

// WebhookResource mirrors the slice of the processor's webhook payload
// the service cares about. CHECKOUT.ORDER.APPROVED carries the order id
// at the top level; PAYMENT.CAPTURE.COMPLETED nests it under
// supplementary_data.related_ids.
type WebhookResource struct {
	ID                string `json:"id"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	Payer struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

// OrderID picks the processor order id out of whichever field the event
// type delivers it in.
func (r WebhookResource) OrderID() string {
	if r.SupplementaryData.RelatedIDs.OrderID != "" {
		return r.SupplementaryData.RelatedIDs.OrderID
	}
	return r.ID
}
