package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKind is returned when an envelope names a kind outside the protocol.
var ErrUnknownKind = errors.New("unknown message kind")

// Envelope is the wire form of every message. SessionID is set for messages
// that belong to one recording session.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SessionScoped is implemented by messages tied to a recording session.
type SessionScoped interface {
	SessionKey() string
}

// Encode validates msg and wraps it in an envelope.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode nil message")
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", msg.Kind(), err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Kind(), err)
	}
	env := Envelope{Kind: msg.Kind(), SentAt: time.Now().UTC(), Payload: payload}
	if scoped, ok := msg.(SessionScoped); ok {
		env.SessionID = scoped.SessionKey()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope and returns its validated payload.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	decode, ok := decoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	msg, err := decode(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.Kind, err)
	}
	return msg, nil
}
