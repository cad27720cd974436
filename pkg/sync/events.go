package sync

// EventType enumerates engine lifecycle and data events.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventPeerJoined      EventType = "peer-joined"
	EventPeerLeft        EventType = "peer-left"
	EventDocumentChanged EventType = "document-changed"
)

// Event is delivered to listeners registered with Engine.On.
// PeerID is set for peer events and for document changes from a peer;
// DocumentID and Changes are set for document-changed.
type Event struct {
	Type       EventType
	PeerID     string
	DocumentID string
	Changes    []Change
}
