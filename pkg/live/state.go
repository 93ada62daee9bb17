// Package live keeps a local annotation store consistent with the
// server of record over a persistent websocket push channel. It owns the
// connection lifecycle state machine, exponential reconnect backoff,
// inbound event dispatch with scope filtering, and a reference-counted
// subscription manager so multiple consumers multiplex one connection
// per scope.
//
// Outbound writes never travel over the push channel; they go through
// the persistence gateway, and the resulting broadcast is received back
// here like any other client's change (echo-based reconciliation).
package live

import (
	"fmt"
	"time"
)

// State is one phase of the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a snapshot of the state machine. Attempt and NextDelay are
// meaningful while reconnecting; the attempt counter carries forward
// across consecutive failures and resets to zero whenever Open is
// reached.
type Status struct {
	State     State
	Attempt   int
	NextDelay time.Duration
}
