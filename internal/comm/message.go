package comm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a message for routing on the receiving actor.
type MessageType string

const (
	TypeRequest              MessageType = "request"
	TypeResponse             MessageType = "response"
	TypeCollaborationRequest MessageType = "collaboration_request"
	TypeNotification         MessageType = "notification"
)

// Message is the unit exchanged between actors. The JSON field names are the
// wire format shared with every other process on the broker.
type Message struct {
	ID            uuid.UUID       `json:"id"`
	FromActor     string          `json:"fromActor"`
	ToActor       string          `json:"toActor"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID *uuid.UUID      `json:"correlationID"`
}

// NewMessage builds a message with a fresh ID and timestamp. The payload is
// encoded to JSON; a json.RawMessage payload is used as-is.
func NewMessage(from string, typ MessageType, payload any) (*Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.New(),
		FromActor: from,
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode payload of %s: %w", m.ID, err)
	}
	return nil
}

// Clone returns a copy that does not share the payload buffer.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.CorrelationID != nil {
		id := *m.CorrelationID
		c.CorrelationID = &id
	}
	return &c
}

// Encode serialises the message for transport.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// Decode parses a message received from the transport.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// ChannelFor is the pub/sub channel an actor listens on.
func ChannelFor(actorID string) string {
	return "actor:" + actorID
}
