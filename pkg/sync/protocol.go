package sync

import (
	"encoding/json"

	"github.com/GhostScientist/nearstack/pkg/crdt"
	"github.com/GhostScientist/nearstack/pkg/hlc"
)

// MessageType enumerates data-channel messages.
type MessageType string

const (
	TypeSyncRequest  MessageType = "sync-request"
	TypeSyncResponse MessageType = "sync-response"
	TypeChange       MessageType = "change"
	TypeChangeAck    MessageType = "change-ack"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeSyncRequest, TypeSyncResponse, TypeChange, TypeChangeAck:
		return true
	default:
		return false
	}
}

// Value is the stored form of every document value.
type Value = json.RawMessage

// Entry and Change as carried on the wire.
type (
	Entry  = crdt.Entry[Value]
	Change = crdt.Change[Value]
)

// Message is one data-channel message scoped to a document.
type Message struct {
	Type       MessageType `json:"type" msgpack:"type"`
	DocumentID string      `json:"documentId" msgpack:"documentId"`
	Payload    Payload     `json:"payload" msgpack:"payload"`
}

// Payload carries the body of each message type:
// sync-request uses KnownEntries, sync-response uses Entries, change uses Changes.
type Payload struct {
	KnownEntries map[string]hlc.Timestamp `json:"knownEntries,omitempty" msgpack:"knownEntries,omitempty"`
	Entries      map[string]Entry         `json:"entries,omitempty" msgpack:"entries,omitempty"`
	Changes      []Change                 `json:"changes,omitempty" msgpack:"changes,omitempty"`
}
