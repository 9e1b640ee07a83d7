package comm

import (
	"context"
	"errors"
)

var (
	// ErrPublish wraps transport failures when publishing.
	ErrPublish = errors.New("publish failed")
	// ErrRequestTimeout is returned when no response arrives in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRequestCanceled is returned to waiters when the handler shuts down.
	ErrRequestCanceled = errors.New("request canceled")
	// ErrHandlerClosed is returned by operations on a shut down handler.
	ErrHandlerClosed = errors.New("communication handler closed")
)

// MessageHandler consumes one inbound message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Broker is a named-channel pub/sub transport. Delivery is at-most-once.
type Broker interface {
	Publish(ctx context.Context, channel string, msg *Message) error
	// Subscribe registers fn for channel and returns once the subscription is
	// active. Subscribing an already subscribed channel replaces its handler.
	Subscribe(ctx context.Context, channel string, fn MessageHandler) error
	// Unsubscribe is idempotent.
	Unsubscribe(ctx context.Context, channel string) error
	Disconnect(ctx context.Context) error
	Stats() BrokerStats
}

// BrokerStats describes the transport state.
type BrokerStats struct {
	Backend   string   `json:"backend"`
	Connected bool     `json:"connected"`
	Listening bool     `json:"listening"`
	Channels  []string `json:"channels"`
}
