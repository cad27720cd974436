package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Connection drives negotiation of one link and tracks its state.
type Connection struct {
	peerID string
	events Events
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	link      Link
	remoteSet bool
	pending   []ICECandidate
	localSent bool
	outbound  []ICECandidate
}

// NewConnection creates a connection to peerID in StateNew.
func NewConnection(localID, peerID string, transport Transport, events Events, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		peerID: peerID,
		events: events,
		logger: logger.With("peer", peerID),
		state:  StateNew,
	}

	link, err := transport.NewLink(localID, peerID, linkHandler{c})
	if err != nil {
		return nil, fmt.Errorf("create link to %s: %w", peerID, err)
	}
	c.link = link
	return c, nil
}

// PeerID returns the remote peer id.
func (c *Connection) PeerID() string {
	return c.peerID
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreateOffer 以发起方身份生成 offer。
func (c *Connection) CreateOffer(ctx context.Context) (SessionDescription, error) {
	link, err := c.begin()
	if err != nil {
		return SessionDescription{}, err
	}

	offer, err := link.CreateOffer(ctx)
	if err != nil {
		c.fail(err)
		return SessionDescription{}, fmt.Errorf("create offer for %s: %w", c.peerID, err)
	}
	return offer, nil
}

// HandleOffer 以应答方身份处理 offer，应用已缓存的候选并返回 answer。
func (c *Connection) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	link, err := c.begin()
	if err != nil {
		return SessionDescription{}, err
	}

	answer, err := link.CreateAnswer(ctx, offer)
	if err != nil {
		c.fail(err)
		return SessionDescription{}, fmt.Errorf("answer offer from %s: %w", c.peerID, err)
	}
	c.flushCandidates()
	return answer, nil
}

// HandleAnswer completes the offering side.
func (c *Connection) HandleAnswer(ctx context.Context, answer SessionDescription) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	link := c.link
	c.mu.Unlock()

	if err := link.SetAnswer(ctx, answer); err != nil {
		c.fail(err)
		return fmt.Errorf("apply answer from %s: %w", c.peerID, err)
	}
	c.flushCandidates()
	return nil
}

// AddICECandidate 在远端描述就绪后立即应用候选，否则先缓存。
func (c *Connection) AddICECandidate(candidate ICECandidate) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.remoteSet {
		c.pending = append(c.pending, candidate)
		c.mu.Unlock()
		return nil
	}
	link := c.link
	c.mu.Unlock()

	if err := link.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate from %s: %w", c.peerID, err)
	}
	return nil
}

// Pending returns the number of candidates waiting for the remote description.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// DescriptionSent releases local candidates gathered before the local offer or
// answer was relayed, so the remote never sees a candidate ahead of it.
func (c *Connection) DescriptionSent() {
	c.mu.Lock()
	c.localSent = true
	outbound := c.outbound
	c.outbound = nil
	c.mu.Unlock()

	for _, candidate := range outbound {
		c.events.ICECandidate(c.peerID, candidate)
	}
}

// Send writes data to the peer. Only a connected connection sends; otherwise
// the message is dropped and ErrNotConnected returned.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	link := c.link
	c.mu.Unlock()

	if err := link.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", c.peerID, err)
	}
	return nil
}

// Close 关闭连接，重复调用无副作用。
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.pending = nil
	c.outbound = nil
	link := c.link
	c.mu.Unlock()

	err := link.Close()
	c.events.StateChange(c.peerID, StateClosed)
	if err != nil {
		return fmt.Errorf("close link to %s: %w", c.peerID, err)
	}
	return nil
}

func (c *Connection) begin() (Link, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	changed := c.state == StateNew
	if changed {
		c.state = StateConnecting
	}
	link := c.link
	c.mu.Unlock()

	if changed {
		c.events.StateChange(c.peerID, StateConnecting)
	}
	return link, nil
}

func (c *Connection) flushCandidates() {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	link := c.link
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := link.AddICECandidate(candidate); err != nil {
			c.logger.Debug("buffered candidate rejected", "error", err)
		}
	}
}

func (c *Connection) fail(err error) {
	c.logger.Debug("negotiation failed", "error", err)
	c.transition(StateFailed)
}

// transition moves to next unless the connection is closed or already there.
func (c *Connection) transition(next State) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.events.StateChange(c.peerID, next)
}

type linkHandler struct {
	c *Connection
}

func (h linkHandler) HandleCandidate(candidate ICECandidate) {
	c := h.c
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if !c.localSent {
		c.outbound = append(c.outbound, candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.events.ICECandidate(c.peerID, candidate)
}

func (h linkHandler) HandleState(state State) {
	h.c.transition(state)
}

// HandleData delivers data from the link. A link only carries data over an open
// channel, so a frame that overtakes the open notification promotes the
// connection to connected first.
func (h linkHandler) HandleData(data []byte) {
	c := h.c
	switch c.State() {
	case StateClosed, StateFailed:
		return
	case StateConnected:
	default:
		c.transition(StateConnected)
	}
	c.events.Data(c.peerID, data)
}
