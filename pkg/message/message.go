package message

import (
	"encoding/json"
	"fmt"
)

// Message is the JSON envelope for one bridge message.
//
// MC is set only on client-originated messages that expect an acknowledgement;
// the bridge sets it on messages the client must acknowledge. A zero MC means
// the field was absent: the counter starts at 1 on both sides.
type Message struct {
	Type    Type            `json:"type_int"`
	MC      int             `json:"mc,omitempty"`
	Ref     int             `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New creates a message with no payload.
func New(t Type) *Message {
	return &Message{Type: t}
}

// NewWithPayload creates a message carrying the JSON encoding of payload.
func NewWithPayload(t Type, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("message: encoding %s payload: %w", t, err)
	}
	return &Message{Type: t, Payload: raw}, nil
}

// Ack builds the acknowledgement for an inbound message counter.
// Acks carry no mc of their own and are never acknowledged in turn.
func Ack(ref int) *Message {
	return &Message{Type: TypeAck, Ref: ref}
}

// Decode parses a plaintext JSON frame into a message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message: decoding frame: %w", err)
	}
	return &m, nil
}

// Encode serializes the message to its wire JSON.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encoding %s: %w", m.Type, err)
	}
	return data, nil
}

// DecodePayload parses the payload into v. An absent payload is an error.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message: %s has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("message: decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// HasMC reports whether the message carries a counter the peer must
// acknowledge.
func (m *Message) HasMC() bool {
	return m.MC > 0
}
