// Package signal defines the out-of-band channel peers use to negotiate direct
// connections before one exists.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotJoined indicates Send was called before Join.
	ErrNotJoined = errors.New("signaling channel has not joined a room")
	// ErrClosed indicates the channel was closed.
	ErrClosed = errors.New("signaling channel closed")
	// ErrUnknownMessageType indicates an inbound message carried an unrecognized type.
	ErrUnknownMessageType = errors.New("unknown signaling message type")
)

// MessageType enumerates signaling messages.
type MessageType string

const (
	TypeJoin         MessageType = "join"
	TypeLeave        MessageType = "leave"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	// Liveness markers; transports may use them, peer negotiation ignores them.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeOffer, TypeAnswer, TypeICECandidate, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// Message is one signaling message. TargetID is empty for room broadcasts.
type Message struct {
	Type     MessageType     `json:"type"`
	SenderID string          `json:"senderId"`
	TargetID string          `json:"targetId,omitempty"`
	RoomID   string          `json:"roomId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// For reports whether the message is addressed to peerID: a broadcast from
// someone else, or targeted at peerID.
func (m Message) For(peerID string) bool {
	if m.SenderID == peerID {
		return false
	}
	return m.TargetID == "" || m.TargetID == peerID
}

// WithPayload returns a copy of m carrying v encoded as JSON.
func (m Message) WithPayload(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return m, fmt.Errorf("encode %s payload: %w", m.Type, err)
	}
	m.Payload = data
	return m, nil
}

// DecodePayload decodes the payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message without payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire message and rejects unknown types.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode signaling message: %w", err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return m, nil
}

// Handler receives inbound messages.
type Handler func(Message)

// Channel is a signaling transport bound to at most one room at a time.
//
// Implementations deliver inbound messages asynchronously, never on the goroutine
// calling Send, and never surface transport disruption to the handler.
type Channel interface {
	// Send publishes a message to the joined room. SenderID and RoomID are
	// filled in by the channel when empty.
	Send(ctx context.Context, msg Message) error

	// OnMessage sets the inbound handler, replacing any previous one.
	OnMessage(handler Handler)

	// Join binds the channel to roomID as peerID.
	Join(ctx context.Context, roomID, peerID string) error

	// Leave unbinds from the current room.
	Leave(ctx context.Context) error

	// Close releases all resources. The channel cannot be reused.
	Close() error
}
