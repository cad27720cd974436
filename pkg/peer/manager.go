package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/GhostScientist/nearstack/pkg/signal"
)

// ManagerHandler receives the manager's peer-level events.
type ManagerHandler interface {
	// PeerJoined is called when a connection to peerID becomes connected.
	PeerJoined(peerID string)
	// PeerLeft is called when a peer leaves or its connection fails or closes.
	PeerLeft(peerID string)
	// PeerData delivers one data-channel message from peerID.
	PeerData(peerID string, data []byte)
}

// PeerInfo is a point-in-time view of one peer.
type PeerInfo struct {
	ID    string
	State State
}

type managerOptions struct {
	logger *slog.Logger
}

// ManagerOption 用于修改 Manager 的构造参数。
type ManagerOption func(*managerOptions)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type entry struct {
	conn *Connection
	gen  uint64
}

// Manager 管理一个房间内到所有对端的连接，以 peer id 为键。
type Manager struct {
	localID   string
	transport Transport
	handler   ManagerHandler
	logger    *slog.Logger

	mu      sync.Mutex
	channel signal.Channel
	roomID  string
	conns   map[string]entry
	nextGen uint64
}

// NewManager creates a manager for localID. Links are created through transport
// and peer events are reported to handler.
func NewManager(localID string, transport Transport, handler ManagerHandler, opts ...ManagerOption) *Manager {
	o := managerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		localID:   localID,
		transport: transport,
		handler:   handler,
		logger:    o.logger.With("component", "peer-manager", "node", localID),
		conns:     make(map[string]entry),
	}
}

// LocalID returns this node's peer id.
func (m *Manager) LocalID() string {
	return m.localID
}

// Attach 注册信令处理函数，加入房间并广播 join。
func (m *Manager) Attach(ctx context.Context, channel signal.Channel, roomID string) error {
	m.mu.Lock()
	m.channel = channel
	m.roomID = roomID
	m.mu.Unlock()

	channel.OnMessage(m.handleSignal)
	if err := channel.Join(ctx, roomID, m.localID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	if err := channel.Send(ctx, signal.Message{Type: signal.TypeJoin, SenderID: m.localID, RoomID: roomID}); err != nil {
		return fmt.Errorf("announce join: %w", err)
	}
	m.logger.Info("attached", "room", roomID)
	return nil
}

// Detach 关闭所有连接，清空连接表并离开房间。
func (m *Manager) Detach(ctx context.Context) error {
	m.mu.Lock()
	channel := m.channel
	roomID := m.roomID
	conns := m.conns
	m.conns = make(map[string]entry)
	m.channel = nil
	m.roomID = ""
	m.mu.Unlock()

	var errs []error
	for _, e := range conns {
		if err := e.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if channel == nil {
		return errors.Join(errs...)
	}

	if err := channel.Send(ctx, signal.Message{Type: signal.TypeLeave, SenderID: m.localID, RoomID: roomID}); err != nil {
		errs = append(errs, fmt.Errorf("announce leave: %w", err))
	}
	channel.OnMessage(nil)
	if err := channel.Leave(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leave room %s: %w", roomID, err))
	}
	m.logger.Info("detached", "room", roomID, "closed", len(conns))
	return errors.Join(errs...)
}

// SendTo sends data to one peer.
func (m *Manager) SendTo(peerID string, data []byte) error {
	m.mu.Lock()
	e, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return e.conn.Send(data)
}

// Broadcast sends data to every connected peer and returns how many were sent to.
func (m *Manager) Broadcast(data []byte) (int, error) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, e := range m.conns {
		conns = append(conns, e.conn)
	}
	m.mu.Unlock()

	sent := 0
	var errs []error
	for _, conn := range conns {
		if conn.State() != StateConnected {
			continue
		}
		if err := conn.Send(data); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Peers returns a snapshot sorted by peer id.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	peers := make([]PeerInfo, 0, len(m.conns))
	conns := make([]*Connection, 0, len(m.conns))
	for _, e := range m.conns {
		conns = append(conns, e.conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		peers = append(peers, PeerInfo{ID: conn.PeerID(), State: conn.State()})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// ConnectedCount returns the number of connected peers.
func (m *Manager) ConnectedCount() int {
	n := 0
	for _, p := range m.Peers() {
		if p.State == StateConnected {
			n++
		}
	}
	return n
}

func (m *Manager) handleSignal(msg signal.Message) {
	m.mu.Lock()
	channel := m.channel
	roomID := m.roomID
	m.mu.Unlock()

	if channel == nil || msg.RoomID != roomID || !msg.For(m.localID) || msg.SenderID == "" {
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case signal.TypeJoin:
		m.handleJoin(ctx, channel, msg)
	case signal.TypeLeave:
		m.handleLeave(msg.SenderID)
	case signal.TypeOffer:
		m.handleOffer(ctx, channel, msg)
	case signal.TypeAnswer:
		m.handleAnswer(ctx, msg)
	case signal.TypeICECandidate:
		m.handleCandidate(msg)
	case signal.TypePing, signal.TypePong:
	default:
		m.logger.Debug("ignoring signaling message", "type", msg.Type, "from", msg.SenderID)
	}
}

// handleJoin 按 id 大小决定由哪一方发起 offer，避免双方同时发起。
func (m *Manager) handleJoin(ctx context.Context, channel signal.Channel, msg signal.Message) {
	remoteID := msg.SenderID

	m.mu.Lock()
	e, exists := m.conns[remoteID]
	m.mu.Unlock()
	// 断开的连接可能不会自行恢复，对端重新 join 时重新协商。
	if exists && !e.conn.State().Terminal() && e.conn.State() != StateDisconnected {
		return
	}

	if msg.TargetID == "" {
		reply := signal.Message{Type: signal.TypeJoin, SenderID: m.localID, TargetID: remoteID, RoomID: msg.RoomID}
		if err := channel.Send(ctx, reply); err != nil {
			m.logger.Debug("join reply failed", "peer", remoteID, "error", err)
		}
	}

	if m.localID <= remoteID {
		return
	}

	conn, err := m.replace(remoteID)
	if err != nil {
		m.logger.Warn("create connection failed", "peer", remoteID, "error", err)
		return
	}
	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		m.logger.Warn("create offer failed", "peer", remoteID, "error", err)
		return
	}
	m.signal(ctx, channel, signal.TypeOffer, remoteID, offer)
	conn.DescriptionSent()
}

func (m *Manager) handleOffer(ctx context.Context, channel signal.Channel, msg signal.Message) {
	remoteID := msg.SenderID

	var offer SessionDescription
	if err := msg.DecodePayload(&offer); err != nil {
		m.logger.Debug("malformed offer", "peer", remoteID, "error", err)
		return
	}

	conn, err := m.replace(remoteID)
	if err != nil {
		m.logger.Warn("create connection failed", "peer", remoteID, "error", err)
		return
	}
	answer, err := conn.HandleOffer(ctx, offer)
	if err != nil {
		m.logger.Warn("answer offer failed", "peer", remoteID, "error", err)
		return
	}
	m.signal(ctx, channel, signal.TypeAnswer, remoteID, answer)
	conn.DescriptionSent()
}

func (m *Manager) handleAnswer(ctx context.Context, msg signal.Message) {
	conn, ok := m.lookup(msg.SenderID)
	if !ok {
		return
	}

	var answer SessionDescription
	if err := msg.DecodePayload(&answer); err != nil {
		m.logger.Debug("malformed answer", "peer", msg.SenderID, "error", err)
		return
	}
	if err := conn.HandleAnswer(ctx, answer); err != nil {
		m.logger.Warn("apply answer failed", "peer", msg.SenderID, "error", err)
	}
}

func (m *Manager) handleCandidate(msg signal.Message) {
	conn, ok := m.lookup(msg.SenderID)
	if !ok {
		return
	}

	var candidate ICECandidate
	if err := msg.DecodePayload(&candidate); err != nil {
		m.logger.Debug("malformed candidate", "peer", msg.SenderID, "error", err)
		return
	}
	if err := conn.AddICECandidate(candidate); err != nil {
		m.logger.Debug("add candidate failed", "peer", msg.SenderID, "error", err)
	}
}

func (m *Manager) handleLeave(peerID string) {
	m.mu.Lock()
	e, ok := m.conns[peerID]
	delete(m.conns, peerID)
	m.mu.Unlock()
	if !ok {
		return
	}

	_ = e.conn.Close()
	m.handler.PeerLeft(peerID)
}

// replace 关闭该对端已有的连接并创建新的连接。
func (m *Manager) replace(peerID string) (*Connection, error) {
	m.mu.Lock()
	m.nextGen++
	gen := m.nextGen
	old, hadOld := m.conns[peerID]
	delete(m.conns, peerID)
	m.mu.Unlock()

	if hadOld {
		_ = old.conn.Close()
	}

	conn, err := NewConnection(m.localID, peerID, m.transport, connEvents{m: m, gen: gen}, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.conns[peerID] = entry{conn: conn, gen: gen}
	m.mu.Unlock()
	return conn, nil
}

func (m *Manager) lookup(peerID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[peerID]
	return e.conn, ok
}

func (m *Manager) current(peerID string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[peerID]
	return ok && e.gen == gen
}

func (m *Manager) signal(ctx context.Context, channel signal.Channel, typ signal.MessageType, peerID string, payload any) {
	msg, err := signal.Message{Type: typ, SenderID: m.localID, TargetID: peerID}.WithPayload(payload)
	if err != nil {
		m.logger.Warn("encode signaling payload failed", "type", typ, "error", err)
		return
	}
	m.mu.Lock()
	msg.RoomID = m.roomID
	m.mu.Unlock()

	if err := channel.Send(ctx, msg); err != nil {
		m.logger.Debug("signaling send failed", "type", typ, "peer", peerID, "error", err)
	}
}

// connEvents routes one connection's events back to the manager. Events of a
// connection that has since been replaced are dropped.
type connEvents struct {
	m   *Manager
	gen uint64
}

func (ev connEvents) ICECandidate(peerID string, candidate ICECandidate) {
	if !ev.m.current(peerID, ev.gen) {
		return
	}
	ev.m.mu.Lock()
	channel := ev.m.channel
	ev.m.mu.Unlock()
	if channel == nil {
		return
	}
	ev.m.signal(context.Background(), channel, signal.TypeICECandidate, peerID, candidate)
}

func (ev connEvents) Data(peerID string, data []byte) {
	if !ev.m.current(peerID, ev.gen) {
		return
	}
	ev.m.handler.PeerData(peerID, data)
}

func (ev connEvents) StateChange(peerID string, state State) {
	m := ev.m
	switch state {
	case StateConnected:
		if m.current(peerID, ev.gen) {
			m.logger.Info("peer connected", "peer", peerID)
			m.handler.PeerJoined(peerID)
		}
	case StateFailed, StateClosed:
		m.mu.Lock()
		e, ok := m.conns[peerID]
		owned := ok && e.gen == ev.gen
		if owned {
			delete(m.conns, peerID)
		}
		m.mu.Unlock()
		if !owned {
			return
		}

		m.logger.Info("peer gone", "peer", peerID, "state", state)
		if state == StateFailed {
			go func() { _ = e.conn.Close() }()
		}
		m.handler.PeerLeft(peerID)
	case StateNew, StateConnecting, StateDisconnected:
	}
}
