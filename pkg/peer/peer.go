// Package peer negotiates and tracks direct connections to the other replicas
// of a room.
package peer

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected indicates a send on a connection that is not open.
	ErrNotConnected = errors.New("peer connection is not connected")
	// ErrClosed indicates the connection was closed.
	ErrClosed = errors.New("peer connection closed")
	// ErrUnknownPeer indicates no connection exists for a peer id.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrNotAttached indicates the manager is not attached to a signaling channel.
	ErrNotAttached = errors.New("peer manager is not attached")
)

// State 表示连接所处的阶段。
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

// String 返回可读状态字符串。
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the connection can no longer carry data without a
// fresh negotiation.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// SessionDescription is an offer or answer exchanged over signaling.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// ICECandidate is one connectivity candidate exchanged over signaling.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Link is the transport half of a connection: one negotiated, ordered and
// reliable data channel to a single remote peer.
type Link interface {
	// CreateOffer opens the outbound data channel and returns the local offer.
	CreateOffer(ctx context.Context) (SessionDescription, error)

	// CreateAnswer applies a remote offer and returns the local answer.
	CreateAnswer(ctx context.Context, offer SessionDescription) (SessionDescription, error)

	// SetAnswer applies the remote answer on the offering side.
	SetAnswer(ctx context.Context, answer SessionDescription) error

	// AddICECandidate applies a remote candidate. Callers only invoke it once
	// the remote description is set.
	AddICECandidate(candidate ICECandidate) error

	// Send writes one message to the open data channel.
	Send(data []byte) error

	// Close releases the link.
	Close() error
}

// LinkHandler receives link events. Implementations of Link call it from their
// own goroutines, never while holding a caller's lock.
type LinkHandler interface {
	// HandleCandidate is called for every locally gathered candidate.
	HandleCandidate(candidate ICECandidate)

	// HandleState reports transport progress: StateConnected once the data
	// channel is open, then StateDisconnected, StateFailed or StateClosed.
	HandleState(state State)

	// HandleData delivers one inbound message.
	HandleData(data []byte)
}

// Transport creates links. localID and remoteID identify the two ends.
type Transport interface {
	NewLink(localID, remoteID string, handler LinkHandler) (Link, error)
}

// Events 是连接向其所有者回报事件的接口，按 peer id 区分。
type Events interface {
	ICECandidate(peerID string, candidate ICECandidate)
	Data(peerID string, data []byte)
	StateChange(peerID string, state State)
}
