package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType discriminates push-channel envelopes.
type EventType string

const (
	EventCreated               EventType = "created"
	EventUpdated               EventType = "updated"
	EventDeleted               EventType = "deleted"
	EventConnectionEstablished EventType = "connection_established"
	EventHeartbeat             EventType = "heartbeat"
	EventHeartbeatAck          EventType = "heartbeat_ack"
	EventError                 EventType = "error"
)

// ErrMalformedEnvelope is returned when an inbound message fails to
// parse or validate. The message is discarded; the connection stays up.
var ErrMalformedEnvelope = errors.New("annotation: malformed envelope")

// Envelope is the bidirectional push-channel message. Created/updated
// events carry the full record; deleted carries only the id.
type Envelope struct {
	Type      EventType `json:"type"`
	Record    *Record   `json:"record,omitempty"`
	ID        string    `json:"id,omitempty"`
	ScopeID   string    `json:"scopeId,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ParseEnvelope decodes and validates a push-channel message. Errors
// wrap ErrMalformedEnvelope so callers can discard without tearing the
// connection down.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks that the envelope carries the fields its type requires.
func (e *Envelope) Validate() error {
	switch e.Type {
	case EventCreated, EventUpdated:
		if e.Record == nil {
			return fmt.Errorf("%w: %s without record", ErrMalformedEnvelope, e.Type)
		}
		if e.Record.ID == "" {
			return fmt.Errorf("%w: %s record without id", ErrMalformedEnvelope, e.Type)
		}
	case EventDeleted:
		if e.ID == "" {
			return fmt.Errorf("%w: deleted without id", ErrMalformedEnvelope)
		}
	case EventConnectionEstablished, EventHeartbeat, EventHeartbeatAck, EventError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, e.Type)
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
