// Package socket implements the websocket subscription service: the
// connection acceptor, the per-connection session protocol engine and the
// update fan-out to subscribed peers.
//
// On the wire each message is a UTF-8 text frame carrying a JSON object
// called an envelope. Envelopes are symmetric: both directions use the same
// shape, and no message carries a correlation id. The protocol is
// asynchronous notification, not request/reply, because status updates can
// arrive at any time.
package socket

import "encoding/json"

// Envelope is the unit of protocol exchange.
//
// Type identifies the kind of message contained within the envelope and
// selects its handler. Entity is the body; its structure depends on the
// type, any JSON value is acceptable.
type Envelope struct {
	Type   string          `json:"type"`
	Entity json.RawMessage `json:"entity"`
}

// MessageError is raised for message validation failures: frames that are
// not JSON, envelopes missing required fields, unknown message types and
// invalid entities. It is reported back to the offending peer with an
// "error" envelope and never tears the session down.
type MessageError struct {
	Reason string
}

// Error implements the error interface.
func (e *MessageError) Error() string {
	return e.Reason
}

// decodeEnvelope parses a raw frame and validates the envelope shape.
func decodeEnvelope(raw []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &MessageError{Reason: "json: " + err.Error()}
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, &MessageError{Reason: "envelope: missing required field 'type'"}
	}
	entity, ok := fields["entity"]
	if !ok {
		return nil, &MessageError{Reason: "envelope: missing required field 'entity'"}
	}

	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, &MessageError{Reason: "envelope: field 'type' must be a string"}
	}

	return &Envelope{Type: typ, Entity: entity}, nil
}
