// Package redis carries signaling messages over Redis pub/sub, one channel per room.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/GhostScientist/nearstack/pkg/signal"
)

// KeyPrefix prefixes the pub/sub channel of every room.
const KeyPrefix = "nearstack:room:"

// Topic returns the pub/sub channel name for roomID.
func Topic(roomID string) string {
	return KeyPrefix + roomID
}

// Channel is a signaling channel on a Redis client it does not own.
type Channel struct {
	client goredis.UniversalClient
	logger *slog.Logger

	mu      sync.Mutex
	roomID  string
	peerID  string
	handler signal.Handler
	pubsub  *goredis.PubSub
	closed  bool
}

var _ signal.Channel = (*Channel)(nil)

// Option 用于修改 Channel。
type Option func(*Channel)

// WithLogger sets the channel's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a channel publishing through client.
func New(client goredis.UniversalClient, opts ...Option) *Channel {
	c := &Channel{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "redis-signal")
	return c
}

// Join subscribes to the room's topic and waits for the subscription.
func (c *Channel) Join(ctx context.Context, roomID, peerID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signal.ErrClosed
	}
	old := c.pubsub
	c.pubsub = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	pubsub := c.client.Subscribe(ctx, Topic(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", Topic(roomID), err)
	}

	c.mu.Lock()
	c.roomID = roomID
	c.peerID = peerID
	c.pubsub = pubsub
	c.mu.Unlock()

	go c.consume(pubsub, peerID)
	return nil
}

// Send publishes msg on the room's topic.
func (c *Channel) Send(ctx context.Context, msg signal.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signal.ErrClosed
	}
	if c.pubsub == nil {
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

	data, err := signal.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode signaling message: %w", err)
	}
	if err := c.client.Publish(ctx, Topic(msg.RoomID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Topic(msg.RoomID), err)
	}
	return nil
}

// OnMessage sets the inbound handler.
func (c *Channel) OnMessage(handler signal.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Leave unsubscribes from the room.
func (c *Channel) Leave(_ context.Context) error {
	c.mu.Lock()
	pubsub := c.pubsub
	c.pubsub = nil
	c.roomID = ""
	c.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	return pubsub.Close()
}

// Close leaves the room. The Redis client stays open.
func (c *Channel) Close() error {
	err := c.Leave(context.Background())
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *Channel) consume(pubsub *goredis.PubSub, peerID string) {
	for m := range pubsub.Channel() {
		c.dispatch(peerID, []byte(m.Payload))
	}
}

// dispatch 解码一条发布消息并过滤掉自己发出的回声。
func (c *Channel) dispatch(peerID string, payload []byte) {
	msg, err := signal.Decode(payload)
	if err != nil {
		c.logger.Debug("dropping malformed message", "error", err)
		return
	}
	if !msg.For(peerID) {
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}
