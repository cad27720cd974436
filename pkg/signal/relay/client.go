package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/GhostScientist/nearstack/pkg/signal"
)

var (
	// ErrGaveUp indicates the client stopped reconnecting after MaxAttempts dials.
	ErrGaveUp = errors.New("relay: gave up reconnecting")
	// ErrDisconnected indicates a send while the websocket is down.
	ErrDisconnected = errors.New("relay: not connected")
)

const (
	DefaultMaxAttempts     = 8
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultPingInterval    = 20 * time.Second
	writeWait              = 10 * time.Second
)

// Client is a signaling channel to a relay server.
type Client struct {
	endpoint        string
	dialer          *websocket.Dialer
	logger          *slog.Logger
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	pingInterval    time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	ws      *websocket.Conn
	roomID  string
	peerID  string
	handler signal.Handler
	session uint64
	cancel  context.CancelFunc
	closed  bool
	err     error
}

var _ signal.Channel = (*Client)(nil)

// ClientOption 用于修改 Client。
type ClientOption func(*Client)

// WithMaxAttempts bounds consecutive dial attempts before giving up.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the first and the largest wait between dial attempts.
func WithBackoff(initial, max time.Duration) ClientOption {
	return func(c *Client) {
		if initial > 0 {
			c.initialInterval = initial
		}
		if max > 0 {
			c.maxInterval = max
		}
	}
}

// WithPingInterval sets the keepalive interval. Zero disables pings.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = d
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the relay at endpoint, e.g. ws://host:8787/ws.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:        endpoint,
		dialer:          websocket.DefaultDialer,
		logger:          slog.Default(),
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		pingInterval:    DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "relay-client", "endpoint", endpoint)
	return c
}

// Err returns ErrGaveUp once reconnection stopped, nil otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connected reports whether the websocket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// OnMessage sets the inbound handler.
func (c *Client) OnMessage(handler signal.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Join 连接中继服务器并加入房间。之前放弃重连的状态会被重置。
func (c *Client) Join(ctx context.Context, roomID, peerID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signal.ErrClosed
	}
	c.stopLocked()
	c.session++
	session := c.session
	c.roomID = roomID
	c.peerID = peerID
	c.err = nil
	sessionCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-sessionCtx.Done():
			stop()
		case <-dialCtx.Done():
		}
	}()

	ws, err := c.dial(dialCtx, roomID, peerID)
	if err != nil {
		c.giveUp(session, err)
		return err
	}
	c.start(sessionCtx, session, ws)
	return nil
}

// Leave disconnects from the relay.
func (c *Client) Leave(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.roomID = ""
	return nil
}

// Close leaves and prevents further use.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.closed = true
	return nil
}

// Send writes msg to the relay.
func (c *Client) Send(_ context.Context, msg signal.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signal.ErrClosed
	}
	if c.roomID == "" {
		c.mu.Unlock()
		return signal.ErrNotJoined
	}
	ws := c.ws
	if msg.SenderID == "" {
		msg.SenderID = c.peerID
	}
	if msg.RoomID == "" {
		msg.RoomID = c.roomID
	}
	c.mu.Unlock()

	if ws == nil {
		return ErrDisconnected
	}
	data, err := signal.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode signaling message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (c *Client) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.session++
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// dial 按指数退避重试，最多尝试 maxAttempts 次。
func (c *Client) dial(ctx context.Context, roomID, peerID string) (*websocket.Conn, error) {
	target, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse relay endpoint: %w", err)
	}
	q := target.Query()
	q.Set("room", roomID)
	q.Set("peer", peerID)
	target.RawQuery = q.Encode()

	b := c.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		ws, _, err := c.dialer.DialContext(ctx, target.String(), nil)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		c.logger.Debug("dial failed", "attempt", attempt, "error", err)

		if attempt == c.maxAttempts {
			break
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, c.maxAttempts, lastErr)
}

func (c *Client) giveUp(session uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session || !errors.Is(err, ErrGaveUp) {
		return
	}
	c.err = ErrGaveUp
	c.logger.Warn("giving up on relay", "error", err)
}

func (c *Client) start(ctx context.Context, session uint64, ws *websocket.Conn) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.logger.Info("relay connected")
	if c.pingInterval > 0 {
		pongWait := 2 * c.pingInterval
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.keepalive(ctx, ws)
	}
	go c.readLoop(ctx, session, ws)
}

func (c *Client) keepalive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, session uint64, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.reconnect(ctx, session, ws, err)
			return
		}
		msg, err := signal.Decode(raw)
		if err != nil {
			c.logger.Debug("dropping malformed message", "error", err)
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// reconnect 在连接断开后重新拨号；放弃后保持静默，直到下一次 Join。
func (c *Client) reconnect(ctx context.Context, session uint64, dead *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	if c.ws == dead {
		c.ws = nil
	}
	roomID, peerID := c.roomID, c.peerID
	c.mu.Unlock()
	_ = dead.Close()

	c.logger.Info("relay connection lost, reconnecting", "error", cause)
	ws, err := c.dial(ctx, roomID, peerID)
	if err != nil {
		c.giveUp(session, err)
		return
	}
	c.start(ctx, session, ws)

	// 重新宣告 join，让对端为已断开的连接重新协商。
	if err := c.Send(ctx, signal.Message{Type: signal.TypeJoin}); err != nil {
		c.logger.Debug("re-announce join failed", "error", err)
	}
}
