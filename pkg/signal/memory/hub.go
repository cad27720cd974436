// Package memory implements a zero-infrastructure signaling transport for peers
// living in the same process.
package memory

import (
	"context"
	"sync"

	"github.com/GhostScientist/nearstack/internal/mailbox"
	"github.com/GhostScientist/nearstack/pkg/signal"
)

// Hub fans messages out to every channel joined to the same room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Channel]struct{}
	sent  uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Channel]struct{})}
}

// NewChannel returns a channel attached to the hub. It joins no room yet.
func (h *Hub) NewChannel() *Channel {
	ch := &Channel{
		hub:   h,
		inbox: mailbox.New[signal.Message](),
	}
	go ch.inbox.Run(ch.dispatch)
	return ch
}

// Members returns the number of channels joined to roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Sent returns how many messages were published through the hub.
func (h *Hub) Sent() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sent
}

func (h *Hub) add(roomID string, ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Channel]struct{})
		h.rooms[roomID] = members
	}
	members[ch] = struct{}{}
}

func (h *Hub) remove(roomID string, ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[roomID]
	delete(members, ch)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) publish(from *Channel, msg signal.Message) {
	h.mu.Lock()
	h.sent++
	targets := make([]*Channel, 0, len(h.rooms[msg.RoomID]))
	for ch := range h.rooms[msg.RoomID] {
		if ch != from {
			targets = append(targets, ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range targets {
		ch.deliver(msg)
	}
}

// Channel is one participant's view of the hub.
type Channel struct {
	hub   *Hub
	inbox *mailbox.Mailbox[signal.Message]

	mu      sync.Mutex
	roomID  string
	peerID  string
	handler signal.Handler
	closed  bool
}

var _ signal.Channel = (*Channel)(nil)

// Send publishes msg to the room.
func (c *Channel) Send(_ context.Context, msg signal.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signal.ErrClosed
	}
	if c.roomID == "" {
		c.mu.Unlock()
		return signal.ErrNotJoined
	}
	if msg.SenderID == "" {
		msg.SenderID = c.peerID
	}
	if msg.RoomID == "" {
		msg.RoomID = c.roomID
	}
	c.mu.Unlock()

	c.hub.publish(c, msg)
	return nil
}

// OnMessage sets the inbound handler.
func (c *Channel) OnMessage(handler signal.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Join binds the channel to roomID as peerID, leaving any previous room.
func (c *Channel) Join(_ context.Context, roomID, peerID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signal.ErrClosed
	}
	previous := c.roomID
	c.roomID = roomID
	c.peerID = peerID
	c.mu.Unlock()

	if previous != "" && previous != roomID {
		c.hub.remove(previous, c)
	}
	c.hub.add(roomID, c)
	return nil
}

// Leave unbinds from the current room.
func (c *Channel) Leave(_ context.Context) error {
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.mu.Unlock()

	if roomID != "" {
		c.hub.remove(roomID, c)
	}
	return nil
}

// Close leaves the room and stops delivery.
func (c *Channel) Close() error {
	_ = c.Leave(context.Background())

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.inbox.Close()
	return nil
}

func (c *Channel) deliver(msg signal.Message) {
	c.mu.Lock()
	peerID := c.peerID
	joined := c.roomID == msg.RoomID
	c.mu.Unlock()

	if !joined || !msg.For(peerID) {
		return
	}
	c.inbox.Push(msg)
}

func (c *Channel) dispatch(msg signal.Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}
