// Package bus is the pub/sub backend behind the annotation hub. A
// single-process deployment uses the in-memory bus; clustered gateways
// publish through NATS so every instance fans changes out to its own
// websocket clients.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus: closed")

// ScopeSubject returns the subject annotation changes for a scope are
// published on. Subscribe with ScopeSubject("*") to receive every scope.
func ScopeSubject(scopeID string) string {
	if scopeID == "" {
		scopeID = "global"
	}
	return "annotations." + scopeID
}

// Handler processes one published message.
type Handler func(subject string, data []byte)

// Bus is the fan-out transport. Implementations must be safe for
// concurrent use.
type Bus interface {
	// Publish sends data to all subscribers of subject. It returns
	// without waiting for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for subject. A "*" token matches any
	// single token, e.g. "annotations.*".
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops delivery and releases resources.
	Unsubscribe() error

	// Subject returns the subject pattern subscribed to.
	Subject() string
}
