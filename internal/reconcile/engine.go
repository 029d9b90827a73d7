// Package reconcile orchestrates the payment state machine against the
// store and the processor gateway. It owns the idempotency and
// serialization guarantees: a per-payment lock spans each remote
// capture call and its commit, every commit is a conditional update,
// and a writer that loses the race replays its event against the fresh
// record instead of overwriting.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-gateway/internal/models"
	"github.com/akylbek/payment-system/checkout-gateway/internal/statemachine"
	"github.com/akylbek/payment-system/checkout-gateway/internal/telemetry"
)

const (
	// How long the per-payment lock may be held before a crashed
	// holder stops blocking other writers.
	lockTTL = 30 * time.Second

	// Upper bound on one remote processor call. A timeout is recorded
	// as a processor failure, never left pending.
	remoteTimeout = 25 * time.Second

	// Attempts at replaying a transition against fresh state when a
	// conditional update loses to a concurrent writer.
	maxCommitAttempts = 3

	captureCompletedStatus = "COMPLETED"
)

type Engine struct {
	store     interfaces.PaymentStore
	gateway   interfaces.ProcessorGateway
	locker    interfaces.Locker
	publisher interfaces.EventPublisher
}

func NewEngine(store interfaces.PaymentStore, gateway interfaces.ProcessorGateway, locker interfaces.Locker, publisher interfaces.EventPublisher) *Engine {
	return &Engine{
		store:     store,
		gateway:   gateway,
		locker:    locker,
		publisher: publisher,
	}
}

type CreateResult struct {
	Success     bool
	Payment     *models.Payment
	OrderID     string
	ApprovalURL string
	Reason      string
}

type CaptureResult struct {
	Success          bool
	AlreadyCompleted bool
	Payment          *models.Payment
	Reason           string
}

// MergedView is a read-only reconciliation snapshot: the local record
// plus, when available, the processor's live view of the same order.
type MergedView struct {
	Payment              models.Payment
	ProcessorStatus      string
	ProcessorPayerEmail  string
	ProcessorApprovalURL string
	ProcessorAmount      string
	ProcessorCurrency    string
	ProcessorError       string
}

// Create allocates a pending record, then asks the processor for an
// order. The local row is written before the remote call so a crash
// mid-call leaves an auditable trace instead of an orphaned remote
// order. Remote failure is recorded on the row and reported, not
// returned as an internal error.
func (e *Engine) Create(ctx context.Context, req models.CreatePaymentRequest, idempotencyKey string) (*CreateResult, error) {
	payment := &models.Payment{
		ID:             uuid.New().String(),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		Status:         models.StatusPending,
		IdempotencyKey: idempotencyKey,
	}

	if err := e.store.Put(ctx, payment); err != nil {
		return nil, err
	}

	telemetry.Logger.Info("Creating processor order",
		zap.String("payment_id", payment.ID),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.String("currency", payment.Currency),
	)

	rctx, cancel := remoteContext(ctx)
	defer cancel()
	order, err := e.gateway.CreateOrder(rctx, interfaces.CreateOrderRequest{
		Amount:      payment.Amount.StringFixed(2),
		Currency:    payment.Currency,
		Description: payment.Description,
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
		BrandName:   req.BrandName,
	})
	if err != nil {
		updated, commitErr := e.commit(ctx, payment, statemachine.CreateOrderFailed{Reason: err.Error()})
		if commitErr != nil {
			return nil, commitErr
		}
		telemetry.Logger.Error("Processor order creation failed",
			zap.String("payment_id", payment.ID), zap.Error(err))
		return &CreateResult{Payment: updated, Reason: err.Error()}, nil
	}

	updated, err := e.commit(ctx, payment, statemachine.CreateOrderSucceeded{OrderID: order.ID})
	if err != nil {
		return nil, err
	}

	telemetry.Logger.Info("Payment created",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", order.ID),
	)

	return &CreateResult{
		Success:     true,
		Payment:     updated,
		OrderID:     order.ID,
		ApprovalURL: order.ApprovalURL,
	}, nil
}

// Capture finalizes the order at the processor and commits the result.
// The per-payment lock makes the remote call plus commit a single
// logical unit: no other capture or webhook for this payment may
// interleave between the processor's answer and its local commit.
func (e *Engine) Capture(ctx context.Context, paymentID string) (*CaptureResult, error) {
	payment, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	// Never contacts the processor without an order to capture.
	if payment.ProcessorOrderID == "" {
		return nil, models.ErrNoProcessorOrder
	}

	if payment.Status == models.StatusCompleted {
		return &CaptureResult{Success: true, AlreadyCompleted: true, Payment: payment}, nil
	}

	acquired, err := e.locker.Acquire(ctx, payment.ID, lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, models.ErrLocked
	}
	defer func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), payment.ID); err != nil {
			telemetry.Logger.Error("Failed to release payment lock",
				zap.String("payment_id", payment.ID), zap.Error(err))
		}
	}()

	// A webhook may have completed the payment before the lock was
	// ours; re-read so the fast path still applies.
	payment, err = e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status == models.StatusCompleted {
		return &CaptureResult{Success: true, AlreadyCompleted: true, Payment: payment}, nil
	}

	rctx, cancel := remoteContext(ctx)
	defer cancel()
	result, err := e.gateway.CaptureOrder(rctx, payment.ProcessorOrderID)

	var event statemachine.Event
	var reason string
	switch {
	case err != nil:
		reason = err.Error()
		event = statemachine.CaptureFailed{Reason: reason}
	case result.Status != captureCompletedStatus:
		reason = "capture failed: " + result.Status
		event = statemachine.CaptureFailed{Reason: reason}
	default:
		event = statemachine.CaptureSucceeded{PayerEmail: result.PayerEmail}
	}

	updated, err := e.commit(ctx, payment, event)
	if err != nil {
		return nil, err
	}

	if updated.Status == models.StatusCompleted {
		telemetry.Logger.Info("Payment captured",
			zap.String("payment_id", updated.ID),
			zap.String("order_id", updated.ProcessorOrderID),
		)
		return &CaptureResult{Success: true, Payment: updated}, nil
	}

	telemetry.Logger.Error("Payment capture failed",
		zap.String("payment_id", updated.ID),
		zap.String("reason", reason),
	)
	return &CaptureResult{Payment: updated, Reason: reason}, nil
}

// IngestWebhook processes one processor notification. It never reports
// a fault to the event source: the source retries blindly, and
// duplicate, reordered or unmatched events are expected traffic.
func (e *Engine) IngestWebhook(ctx context.Context, req models.WebhookRequest) {
	telemetry.Logger.Info("Processor webhook received",
		zap.String("event_type", req.EventType))

	switch req.EventType {
	case "CHECKOUT.ORDER.APPROVED", "ORDER.APPROVED":
		e.ingestOrderApproved(ctx, req.Resource)
	case "PAYMENT.CAPTURE.COMPLETED", "CAPTURE.COMPLETED":
		e.ingestCaptureCompleted(ctx, req.Resource)
	default:
		// Forward compatibility: event types not modeled here are
		// acknowledged and ignored.
		telemetry.Logger.Info("Ignoring unhandled webhook event type",
			zap.String("event_type", req.EventType))
	}
}

func (e *Engine) ingestOrderApproved(ctx context.Context, resource models.WebhookResource) {
	orderID := resource.OrderID()
	if orderID == "" {
		telemetry.Logger.Warn("Webhook order approved without order id")
		return
	}

	payment, err := e.store.GetByProcessorOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			telemetry.Logger.Warn("No payment found for approved order",
				zap.String("order_id", orderID))
		} else {
			telemetry.Logger.Error("Webhook lookup failed",
				zap.String("order_id", orderID), zap.Error(err))
		}
		return
	}

	// Informational audit trail only; the status does not move.
	if _, err := e.commit(ctx, payment, statemachine.WebhookApproved{OrderID: orderID}); err != nil {
		telemetry.Logger.Error("Webhook approved processing failed",
			zap.String("payment_id", payment.ID), zap.Error(err))
		return
	}
	telemetry.Logger.Info("Order approved",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", orderID))
}

func (e *Engine) ingestCaptureCompleted(ctx context.Context, resource models.WebhookResource) {
	orderID := resource.OrderID()
	if orderID == "" {
		telemetry.Logger.Warn("Webhook capture completed without order id")
		return
	}

	payment, err := e.store.GetByProcessorOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			telemetry.Logger.Warn("No payment found for captured order",
				zap.String("order_id", orderID))
		} else {
			telemetry.Logger.Error("Webhook lookup failed",
				zap.String("order_id", orderID), zap.Error(err))
		}
		return
	}

	event := statemachine.WebhookCaptureCompleted{
		OrderID:    orderID,
		PayerEmail: resource.Payer.EmailAddress,
	}
	updated, err := e.commit(ctx, payment, event)
	if err != nil {
		telemetry.Logger.Error("Webhook capture processing failed",
			zap.String("payment_id", payment.ID), zap.Error(err))
		return
	}

	telemetry.Logger.Info("Payment completed via webhook",
		zap.String("payment_id", updated.ID),
		zap.String("order_id", orderID),
		zap.String("status", string(updated.Status)))
}

// RefreshStatus merges the local record with the processor's live view
// without mutating anything. A remote fault degrades to the local view
// with a note; it is not an error to the caller.
func (e *Engine) RefreshStatus(ctx context.Context, paymentID string) (*MergedView, error) {
	payment, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	view := &MergedView{Payment: *payment}
	if payment.ProcessorOrderID == "" {
		return view, nil
	}

	rctx, cancel := remoteContext(ctx)
	defer cancel()
	order, err := e.gateway.GetOrder(rctx, payment.ProcessorOrderID)
	if err != nil {
		telemetry.Logger.Warn("Processor status unavailable",
			zap.String("payment_id", payment.ID),
			zap.String("order_id", payment.ProcessorOrderID),
			zap.Error(err))
		view.ProcessorError = err.Error()
		return view, nil
	}

	view.ProcessorStatus = order.Status
	view.ProcessorPayerEmail = order.PayerEmail
	view.ProcessorApprovalURL = order.ApprovalURL
	view.ProcessorAmount = order.Amount
	view.ProcessorCurrency = order.Currency
	return view, nil
}

// Cancel is an administrative operation: only pending payments can be
// cancelled, and cancellation is terminal.
func (e *Engine) Cancel(ctx context.Context, paymentID, reason string) (*models.Payment, error) {
	payment, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	updated, err := e.commit(ctx, payment, statemachine.Cancel{Reason: reason})
	if err != nil {
		return nil, err
	}
	if updated.Status != models.StatusCancelled {
		return updated, models.ErrNotCancellable
	}
	return updated, nil
}

// commit applies one event through the state machine and persists the
// outcome with a conditional update. When the update loses to a
// concurrent writer the event is replayed against the fresh record, so
// a capture racing a webhook degrades to the machine's idempotent
// no-op instead of a lost update.
func (e *Engine) commit(ctx context.Context, payment *models.Payment, event statemachine.Event) (*models.Payment, error) {
	// By commit time the processor may already have moved money. A
	// client disconnect cancels the request context, but the local
	// record must still be written, so the store and publisher run
	// detached from the caller's cancellation.
	ctx = context.WithoutCancel(ctx)

	current := payment
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		outcome := statemachine.Apply(*current, event)

		switch outcome.Decision {
		case statemachine.Advance:
			updated, err := e.store.ConditionalUpdate(ctx, current.ID, current.Status, outcome.Change())
			if errors.Is(err, models.ErrConflict) {
				fresh, getErr := e.store.Get(ctx, current.ID)
				if getErr != nil {
					return nil, getErr
				}
				telemetry.Logger.Info("Replaying event against fresh state",
					zap.String("payment_id", current.ID),
					zap.String("event", event.Name()),
					zap.String("status", string(fresh.Status)))
				current = fresh
				continue
			}
			if err != nil {
				return nil, err
			}
			if updated.Status != current.Status && e.publisher != nil {
				e.publisher.PaymentStateChanged(ctx, updated.ID, current.Status, updated.Status)
			}
			telemetry.Logger.Info("Payment state transition",
				zap.String("payment_id", updated.ID),
				zap.String("event", event.Name()),
				zap.String("from_status", string(current.Status)),
				zap.String("to_status", string(updated.Status)))
			return updated, nil

		case statemachine.Noop:
			telemetry.Logger.Info("Event already applied",
				zap.String("payment_id", current.ID),
				zap.String("event", event.Name()),
				zap.String("note", outcome.Note))
			return current, nil

		case statemachine.Rejected:
			telemetry.Logger.Info("Event rejected for current status",
				zap.String("payment_id", current.ID),
				zap.String("event", event.Name()),
				zap.String("status", string(current.Status)),
				zap.String("note", outcome.Note))
			return current, nil

		case statemachine.Conflicted:
			// The terminal record stays authoritative; the disagreeing
			// event is logged and dropped.
			telemetry.Logger.Warn("Event conflicts with terminal record",
				zap.String("payment_id", current.ID),
				zap.String("event", event.Name()),
				zap.String("note", outcome.Note))
			return current, nil
		}
	}
	return nil, models.ErrConflict
}

// remoteContext detaches a processor call from the caller's
// cancellation: once issued, order creation or capture completes and
// commits even if the client disconnects, since the processor is the
// source of truth for money movement.
func remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), remoteTimeout)
}
