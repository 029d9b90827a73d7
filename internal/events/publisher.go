// Package events pushes committed payment status changes to the rest
// of the platform: a durable Kafka stream for the ledger, and a NATS
// subject for ephemeral consumers such as notifications. Both sinks
// are optional and best-effort; the payment commit never depends on
// them.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-gateway/internal/models"
	"github.com/akylbek/payment-system/checkout-gateway/internal/telemetry"
)

const (
	KafkaTopic  = "payment.state.changed"
	NATSSubject = "payments.notifications"
)

type StateChangedEvent struct {
	PaymentID     string    `json:"payment_id"`
	State         string    `json:"state"`
	PreviousState string    `json:"previous_state"`
	Timestamp     time.Time `json:"timestamp"`
}

type Publisher struct {
	writer *kafka.Writer
	nc     *nats.Conn
}

// NewPublisher connects the configured sinks. Empty addresses skip the
// corresponding sink; a failed NATS connection is logged and skipped
// rather than fatal.
func NewPublisher(kafkaBrokers, natsURL string) *Publisher {
	p := &Publisher{}

	if kafkaBrokers != "" {
		p.writer = &kafka.Writer{
			Addr:     kafka.TCP(kafkaBrokers),
			Topic:    KafkaTopic,
			Balancer: &kafka.LeastBytes{},
		}
	}

	if natsURL != "" {
		nc, err := nats.Connect(natsURL)
		if err != nil {
			telemetry.Logger.Warn("Failed to connect to NATS, notifications disabled",
				zap.String("url", natsURL), zap.Error(err))
		} else {
			p.nc = nc
		}
	}

	return p
}

func (p *Publisher) PaymentStateChanged(ctx context.Context, paymentID string, from, to models.PaymentStatus) {
	if p == nil {
		return
	}

	event := StateChangedEvent{
		PaymentID:     paymentID,
		State:         string(to),
		PreviousState: string(from),
		Timestamp:     time.Now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		telemetry.Logger.Error("Failed to marshal state change event", zap.Error(err))
		return
	}

	if p.writer != nil {
		if err := p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(paymentID),
			Value: payload,
		}); err != nil {
			telemetry.Logger.Error("Failed to publish state change to Kafka",
				zap.String("payment_id", paymentID), zap.Error(err))
		}
	}

	if p.nc != nil {
		if err := p.nc.Publish(NATSSubject, payload); err != nil {
			telemetry.Logger.Error("Failed to publish notification to NATS",
				zap.String("payment_id", paymentID), zap.Error(err))
		}
	}
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			telemetry.Logger.Error("Failed to close Kafka writer", zap.Error(err))
		}
	}
	if p.nc != nil {
		p.nc.Close()
	}
}
