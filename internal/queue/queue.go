// Package queue carries tracker notifications between the API and workers.
package queue

import (
	"context"
	"fmt"
)

// Publisher emits task messages and notification events.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	PublishEvent(ctx context.Context, ev Event) error
}

// Delivery is one received message.
type Delivery interface {
	Body() []byte

	// Ack settles the message.
	Ack() error

	// Term settles the message and tells the broker never to redeliver it.
	Term() error
}

// Handler processes a delivery. It owns settling it.
type Handler func(ctx context.Context, d Delivery)

// Consumer delivers messages to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// AckMode selects when a worker settles a delivery.
type AckMode string

const (
	// AckOnReceipt settles before processing; the tracker state is the checkpoint.
	AckOnReceipt AckMode = "receipt"

	// AckAfterProcessing settles once the handler returns.
	AckAfterProcessing AckMode = "processed"
)

// ParseAckMode validates s.
func ParseAckMode(s string) (AckMode, error) {
	switch AckMode(s) {
	case AckOnReceipt, AckAfterProcessing:
		return AckMode(s), nil
	default:
		return "", fmt.Errorf("unsupported ack mode: %s", s)
	}
}
