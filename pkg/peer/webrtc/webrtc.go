// Package webrtc implements peer.Transport on pion/webrtc data channels.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/GhostScientist/nearstack/pkg/peer"
)

const dataChannelLabel = "nearstack"

// DefaultICEServers is a public STUN server list.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// ErrNoDataChannel indicates a send before the data channel exists.
var ErrNoDataChannel = errors.New("data channel not established")

// Transport creates pion-backed links.
type Transport struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// Option 用于修改 Transport。
type Option func(*Transport)

// WithICEServers replaces the ICE server URLs. No URLs means host candidates only.
func WithICEServers(urls ...string) Option {
	return func(t *Transport) {
		if len(urls) == 0 {
			t.config.ICEServers = nil
			return
		}
		t.config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport creates a transport using DefaultICEServers unless overridden.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		api: webrtc.NewAPI(),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: DefaultICEServers}},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ peer.Transport = (*Transport)(nil)

// NewLink creates a peer connection to remoteID.
func (t *Transport) NewLink(localID, remoteID string, handler peer.LinkHandler) (peer.Link, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &Link{
		pc:      pc,
		handler: handler,
		logger:  t.logger.With("component", "webrtc", "node", localID, "peer", remoteID),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		handler.HandleCandidate(fromPion(c.ToJSON()))
	})
	pc.OnConnectionStateChange(l.handleConnectionState)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			l.logger.Debug("ignoring data channel", "label", dc.Label())
			return
		}
		l.bind(dc)
	})
	return l, nil
}

// Link wraps one pion peer connection and its single data channel.
type Link struct {
	pc      *webrtc.PeerConnection
	handler peer.LinkHandler
	logger  *slog.Logger

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	interrupted bool // ICE dropped after the channel had been usable
}

var _ peer.Link = (*Link)(nil)

// CreateOffer creates an ordered, reliable data channel and the local offer.
func (l *Link) CreateOffer(_ context.Context) (peer.SessionDescription, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return peer.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
	}
	l.bind(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return peer.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return peer.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return peer.SessionDescription{Type: peer.SDPTypeOffer, SDP: offer.SDP}, nil
}

// CreateAnswer applies offer and returns the local answer.
func (l *Link) CreateAnswer(_ context.Context, offer peer.SessionDescription) (peer.SessionDescription, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return peer.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return peer.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return peer.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return peer.SessionDescription{Type: peer.SDPTypeAnswer, SDP: answer.SDP}, nil
}

// SetAnswer applies the remote answer.
func (l *Link) SetAnswer(_ context.Context, answer peer.SessionDescription) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// AddICECandidate applies a remote candidate.
func (l *Link) AddICECandidate(candidate peer.ICECandidate) error {
	return l.pc.AddICECandidate(toPion(candidate))
}

// Send writes one binary message.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	if dc == nil {
		return ErrNoDataChannel
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return peer.ErrNotConnected
	}
	return dc.Send(data)
}

// Close closes the peer connection and its data channel.
func (l *Link) Close() error {
	return l.pc.Close()
}

func (l *Link) bind(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.handler.HandleState(peer.StateConnected)
	})
	dc.OnClose(func() {
		l.handler.HandleState(peer.StateClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.handler.HandleData(msg.Data)
	})
}

func (l *Link) handleConnectionState(state webrtc.PeerConnectionState) {
	l.logger.Debug("connection state", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		// 首次连接由数据通道 OnOpen 上报；这里只处理 ICE 恢复。
		l.mu.Lock()
		recovered := l.interrupted || l.dataChannelOpenLocked()
		l.interrupted = false
		l.mu.Unlock()
		if recovered {
			l.handler.HandleState(peer.StateConnected)
		}
	case webrtc.PeerConnectionStateDisconnected:
		l.mu.Lock()
		l.interrupted = true
		l.mu.Unlock()
		l.handler.HandleState(peer.StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		l.handler.HandleState(peer.StateFailed)
	case webrtc.PeerConnectionStateClosed:
		l.handler.HandleState(peer.StateClosed)
	default:
	}
}

func (l *Link) dataChannelOpenLocked() bool {
	return l.dc != nil && l.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func fromPion(c webrtc.ICECandidateInit) peer.ICECandidate {
	return peer.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toPion(c peer.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
