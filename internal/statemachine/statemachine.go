// Package statemachine holds the pure payment transition logic: given
// the current record and one event it decides the next status and the
// field writes that go with it. It performs no I/O; committing the
// outcome (and retrying on concurrent-writer conflicts) is the
// reconciliation engine's job.
package statemachine

import (
	"fmt"

	"github.com/akylbek/payment-system/checkout-gateway/internal/models"
)

// Event is the closed set of things that can happen to a payment.
type Event interface {
	Name() string
	isEvent()
}

type CreateOrderSucceeded struct {
	OrderID string
}

type CreateOrderFailed struct {
	Reason string
}

type CaptureSucceeded struct {
	PayerEmail string
}

type CaptureFailed struct {
	Reason string
}

type WebhookApproved struct {
	OrderID string
}

type WebhookCaptureCompleted struct {
	OrderID    string
	PayerEmail string
}

type Cancel struct {
	Reason string
}

func (CreateOrderSucceeded) isEvent()    {}
func (CreateOrderFailed) isEvent()       {}
func (CaptureSucceeded) isEvent()        {}
func (CaptureFailed) isEvent()           {}
func (WebhookApproved) isEvent()         {}
func (WebhookCaptureCompleted) isEvent() {}
func (Cancel) isEvent()                  {}

func (CreateOrderSucceeded) Name() string    { return "create_order_succeeded" }
func (CreateOrderFailed) Name() string       { return "create_order_failed" }
func (CaptureSucceeded) Name() string        { return "capture_succeeded" }
func (CaptureFailed) Name() string           { return "capture_failed" }
func (WebhookApproved) Name() string         { return "webhook_approved" }
func (WebhookCaptureCompleted) Name() string { return "webhook_capture_completed" }
func (Cancel) Name() string                  { return "cancel" }

// Decision classifies what the engine should do with an outcome.
type Decision int

const (
	// Advance: commit the change via conditional update.
	Advance Decision = iota
	// Noop: idempotent re-delivery, nothing to write.
	Noop
	// Rejected: event is invalid for the current status, nothing written.
	Rejected
	// Conflicted: a terminal record disagrees with the event's data.
	// The stored record stays authoritative; the engine logs it.
	Conflicted
)

func (d Decision) String() string {
	switch d {
	case Advance:
		return "advance"
	case Noop:
		return "noop"
	case Rejected:
		return "rejected"
	case Conflicted:
		return "conflicted"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Outcome is the result of applying one event. The Set* fields are
// empty when the corresponding column is untouched.
type Outcome struct {
	Decision   Decision
	Status     models.PaymentStatus
	SetOrderID string
	SetEmail   string
	SetError   string
	Note       string
}

// Change converts an Advance outcome into the store-level mutation.
func (o Outcome) Change() models.PaymentChange {
	return models.PaymentChange{
		Status:           o.Status,
		ProcessorOrderID: o.SetOrderID,
		PayerEmail:       o.SetEmail,
		ErrorMessage:     o.SetError,
	}
}

// Apply decides the transition for one event against a snapshot of the
// record. It never mutates p.
func Apply(p models.Payment, ev Event) Outcome {
	switch e := ev.(type) {
	case CreateOrderSucceeded:
		return applyCreateSucceeded(p, e)
	case CreateOrderFailed:
		return applyCreateFailed(p, e)
	case CaptureSucceeded:
		return applyCompletion(p, e.PayerEmail, "capture")
	case WebhookCaptureCompleted:
		return applyCompletion(p, e.PayerEmail, "webhook")
	case CaptureFailed:
		return applyCaptureFailed(p, e)
	case WebhookApproved:
		// Informational only: the processor confirmed buyer approval,
		// the status does not move until capture.
		return Outcome{Decision: Noop, Status: p.Status, Note: "order approved, awaiting capture"}
	case Cancel:
		return applyCancel(p, e)
	}
	return Outcome{Decision: Rejected, Status: p.Status, Note: "unknown event"}
}

func applyCreateSucceeded(p models.Payment, e CreateOrderSucceeded) Outcome {
	if p.Status.Terminal() {
		return rejectTerminal(p)
	}
	if p.ProcessorOrderID != "" {
		if p.ProcessorOrderID == e.OrderID {
			return Outcome{Decision: Noop, Status: p.Status, Note: "order id already recorded"}
		}
		return Outcome{
			Decision: Conflicted,
			Status:   p.Status,
			Note:     fmt.Sprintf("order id %s already set, refusing %s", p.ProcessorOrderID, e.OrderID),
		}
	}
	return Outcome{Decision: Advance, Status: models.StatusPending, SetOrderID: e.OrderID}
}

func applyCreateFailed(p models.Payment, e CreateOrderFailed) Outcome {
	if p.Status.Terminal() {
		return rejectTerminal(p)
	}
	return Outcome{Decision: Advance, Status: models.StatusFailed, SetError: e.Reason}
}

// applyCompletion handles the two producers of the same event class: a
// direct capture result and an asynchronous capture webhook.
func applyCompletion(p models.Payment, payerEmail, source string) Outcome {
	switch p.Status {
	case models.StatusPending, models.StatusFailed:
		if p.ProcessorOrderID == "" {
			return Outcome{Decision: Rejected, Status: p.Status, Note: "no processor order to complete"}
		}
		return Outcome{Decision: Advance, Status: models.StatusCompleted, SetEmail: payerEmail}
	case models.StatusCompleted:
		if payerEmail != "" && p.PayerEmail != "" && payerEmail != p.PayerEmail {
			return Outcome{
				Decision: Conflicted,
				Status:   p.Status,
				Note:     fmt.Sprintf("%s re-applied with payer %s, record has %s", source, payerEmail, p.PayerEmail),
			}
		}
		if payerEmail != "" && p.PayerEmail == "" {
			// Late delivery filled in a field the first writer lacked.
			return Outcome{Decision: Advance, Status: models.StatusCompleted, SetEmail: payerEmail}
		}
		return Outcome{Decision: Noop, Status: p.Status, Note: "already completed"}
	default:
		return rejectTerminal(p)
	}
}

func applyCaptureFailed(p models.Payment, e CaptureFailed) Outcome {
	switch p.Status {
	case models.StatusPending, models.StatusFailed:
		return Outcome{Decision: Advance, Status: models.StatusFailed, SetError: e.Reason}
	default:
		return rejectTerminal(p)
	}
}

func applyCancel(p models.Payment, e Cancel) Outcome {
	switch p.Status {
	case models.StatusPending:
		return Outcome{Decision: Advance, Status: models.StatusCancelled, Note: e.Reason}
	case models.StatusCancelled:
		return Outcome{Decision: Noop, Status: p.Status, Note: "already cancelled"}
	default:
		return Outcome{Decision: Rejected, Status: p.Status, Note: "only pending payments can be cancelled"}
	}
}

func rejectTerminal(p models.Payment) Outcome {
	return Outcome{Decision: Rejected, Status: p.Status, Note: "already terminal"}
}
