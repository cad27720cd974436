// Package sync replicates named LWW documents between the peers of a room.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/GhostScientist/nearstack/internal/observer"
	"github.com/GhostScientist/nearstack/pkg/crdt"
	"github.com/GhostScientist/nearstack/pkg/hlc"
	"github.com/GhostScientist/nearstack/pkg/peer"
	"github.com/GhostScientist/nearstack/pkg/peer/webrtc"
	"github.com/GhostScientist/nearstack/pkg/signal"
)

// Engine 负责文档注册、本地变更广播与反熵同步。
type Engine struct {
	nodeID    string
	roomID    string
	codec     Codec
	logger    *slog.Logger
	clock     *hlc.Clock
	signaling signal.Channel
	manager   *peer.Manager
	events    *observer.Registry[Event]
	stats     engineStats

	mu        sync.Mutex
	docs      map[string]*Document
	connected bool
	disposed  bool
}

// NewEngine creates an engine. Without WithNodeID a random UUID is used.
func NewEngine(opts ...Option) *Engine {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}
	if config.Transport == nil {
		config.Transport = webrtc.NewTransport(webrtc.WithLogger(config.Logger))
	}

	logger := config.Logger.With("component", "engine", "node", config.NodeID)
	var clockOpts []hlc.Option
	if config.WallClock != nil {
		clockOpts = append(clockOpts, hlc.WithWallClock(config.WallClock))
	}

	e := &Engine{
		nodeID:    config.NodeID,
		roomID:    config.RoomID,
		codec:     config.Codec,
		logger:    logger,
		clock:     hlc.New(config.NodeID, clockOpts...),
		signaling: config.Signaling,
		events:    observer.New[Event]("engine-events", logger),
		docs:      make(map[string]*Document),
	}
	e.manager = peer.NewManager(config.NodeID, config.Transport, managerHandler{e}, peer.WithManagerLogger(config.Logger))
	return e
}

// NodeID returns this replica's id.
func (e *Engine) NodeID() string {
	return e.nodeID
}

// Room returns the signaling room.
func (e *Engine) Room() string {
	return e.roomID
}

// Clock returns the engine's clock, shared by every document.
func (e *Engine) Clock() *hlc.Clock {
	return e.clock
}

// Document 返回指定名称的文档，不存在时创建。同一名称总是返回同一个实例。
func (e *Engine) Document(name string) *Document {
	e.mu.Lock()
	defer e.mu.Unlock()

	if doc, ok := e.docs[name]; ok {
		return doc
	}
	doc := &Document{
		name:   name,
		engine: e,
		m:      crdt.NewWithClock[Value](e.clock, crdt.WithLogger(e.logger)),
	}
	if !e.disposed {
		e.docs[name] = doc
	}
	return doc
}

func (e *Engine) lookup(name string) (*Document, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[name]
	return doc, ok
}

// DocumentNames returns the registered document names in ascending order.
func (e *Engine) DocumentNames() []string {
	e.mu.Lock()
	names := make([]string, 0, len(e.docs))
	for name := range e.docs {
		names = append(names, name)
	}
	e.mu.Unlock()

	sort.Strings(names)
	return names
}

func (e *Engine) documents() []*Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	docs := make([]*Document, 0, len(e.docs))
	for _, doc := range e.docs {
		docs = append(docs, doc)
	}
	return docs
}

// On registers fn for engine events. A panicking listener does not affect others.
func (e *Engine) On(fn func(Event)) (unsubscribe func()) {
	return e.events.Add(fn)
}

// Connect 挂载 Peer Manager 并加入房间。
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.signaling == nil {
		e.mu.Unlock()
		return ErrNoSignaling
	}
	if e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = true
	e.mu.Unlock()

	if err := e.manager.Attach(ctx, e.signaling, e.roomID); err != nil {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}

	e.logger.Info("connected", "room", e.roomID)
	e.events.Emit(Event{Type: EventConnected})
	return nil
}

// Disconnect 关闭所有点对点连接并离开房间。
func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = false
	e.mu.Unlock()

	err := e.manager.Detach(ctx)
	e.logger.Info("disconnected", "room", e.roomID)
	e.events.Emit(Event{Type: EventDisconnected})
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Connected reports whether the engine is attached to its room.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Dispose disconnects and releases every document and listener.
func (e *Engine) Dispose(ctx context.Context) error {
	if e.isDisposed() {
		return ErrDisposed
	}
	err := e.Disconnect(ctx)

	e.mu.Lock()
	e.disposed = true
	docs := e.docs
	e.docs = make(map[string]*Document)
	e.mu.Unlock()

	for _, doc := range docs {
		doc.m.Close()
	}
	e.events.Clear()
	return err
}

func (e *Engine) isDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Peers returns a snapshot of the peer set.
func (e *Engine) Peers() []peer.PeerInfo {
	return e.manager.Peers()
}

// ConnectedCount returns the number of connected peers.
func (e *Engine) ConnectedCount() int {
	return e.manager.ConnectedCount()
}

// broadcastChanges 把本地变更发给所有已连接的对端，不等待确认。
func (e *Engine) broadcastChanges(docID string, changes []Change) {
	data, err := e.codec.Encode(Message{
		Type:       TypeChange,
		DocumentID: docID,
		Payload:    Payload{Changes: changes},
	})
	if err != nil {
		e.logger.Warn("encode change failed", "doc", docID, "error", err)
		return
	}

	sent, err := e.manager.Broadcast(data)
	if sent > 0 {
		atomic.AddUint64(&e.stats.changesBroadcast, uint64(len(changes)))
	}
	if n := countErrors(err); n > 0 {
		atomic.AddUint64(&e.stats.droppedSends, uint64(n))
		e.logger.Debug("change not delivered to every peer", "doc", docID, "error", err)
	}
}

func (e *Engine) send(peerID string, msg Message) {
	data, err := e.codec.Encode(msg)
	if err != nil {
		e.logger.Warn("encode message failed", "type", msg.Type, "error", err)
		return
	}
	if err := e.manager.SendTo(peerID, data); err != nil {
		atomic.AddUint64(&e.stats.droppedSends, 1)
		e.logger.Debug("send dropped", "peer", peerID, "type", msg.Type, "error", err)
	}
}

func (e *Engine) sendSyncRequest(peerID, docID string, known map[string]hlc.Timestamp) {
	atomic.AddUint64(&e.stats.syncRequestsSent, 1)
	e.send(peerID, Message{
		Type:       TypeSyncRequest,
		DocumentID: docID,
		Payload:    Payload{KnownEntries: known},
	})
}

func (e *Engine) handlePeerJoined(peerID string) {
	e.logger.Info("peer joined", "peer", peerID)
	e.events.Emit(Event{Type: EventPeerJoined, PeerID: peerID})

	for _, doc := range e.documents() {
		e.sendSyncRequest(peerID, doc.name, doc.m.KnownEntries())
	}
}

func (e *Engine) handlePeerLeft(peerID string) {
	e.logger.Info("peer left", "peer", peerID)
	e.events.Emit(Event{Type: EventPeerLeft, PeerID: peerID})
}

func (e *Engine) handleData(peerID string, data []byte) {
	if e.isDisposed() {
		return
	}
	msg, err := e.codec.Decode(data)
	if err != nil {
		atomic.AddUint64(&e.stats.malformedMessages, 1)
		e.logger.Debug("dropping malformed message", "peer", peerID, "error", err)
		return
	}

	switch msg.Type {
	case TypeSyncRequest:
		e.handleSyncRequest(peerID, msg)
	case TypeSyncResponse:
		e.handleSyncResponse(peerID, msg)
	case TypeChange:
		e.handleChange(peerID, msg)
	case TypeChangeAck:
	}
}

// handleSyncRequest 回复对端缺少的条目；若对端声明了本地缺少的数据，反向发起同步请求。
func (e *Engine) handleSyncRequest(peerID string, msg Message) {
	atomic.AddUint64(&e.stats.syncRequestsReceived, 1)
	known := msg.Payload.KnownEntries

	var (
		diff    map[string]Entry
		missing bool
		ours    map[string]hlc.Timestamp
	)
	if doc, ok := e.lookup(msg.DocumentID); ok {
		diff = doc.m.DiffFrom(known)
		missing = doc.m.Missing(known)
		if missing {
			ours = doc.m.KnownEntries()
		}
	} else {
		missing = len(known) > 0
		ours = map[string]hlc.Timestamp{}
	}

	e.send(peerID, Message{
		Type:       TypeSyncResponse,
		DocumentID: msg.DocumentID,
		Payload:    Payload{Entries: diff},
	})
	if missing {
		e.sendSyncRequest(peerID, msg.DocumentID, ours)
	}
}

func (e *Engine) handleSyncResponse(peerID string, msg Message) {
	atomic.AddUint64(&e.stats.syncResponses, 1)
	entries := msg.Payload.Entries
	if len(entries) == 0 {
		return
	}

	doc := e.Document(msg.DocumentID)
	applied := doc.m.Merge(entries)
	e.recordApplied(peerID, msg.DocumentID, len(entries), applied)
}

func (e *Engine) handleChange(peerID string, msg Message) {
	changes := msg.Payload.Changes
	if len(changes) == 0 {
		return
	}

	doc := e.Document(msg.DocumentID)
	applied := make([]Change, 0, len(changes))
	for _, change := range changes {
		if doc.m.ApplyRemote(change) {
			applied = append(applied, change)
		}
	}
	e.recordApplied(peerID, msg.DocumentID, len(changes), applied)
}

func (e *Engine) recordApplied(peerID, docID string, received int, applied []Change) {
	atomic.AddUint64(&e.stats.changesApplied, uint64(len(applied)))
	atomic.AddUint64(&e.stats.changesRejected, uint64(received-len(applied)))
	if len(applied) == 0 {
		return
	}

	e.logger.Debug("applied remote changes", "peer", peerID, "doc", docID, "applied", len(applied), "received", received)
	e.events.Emit(Event{
		Type:       EventDocumentChanged,
		PeerID:     peerID,
		DocumentID: docID,
		Changes:    applied,
	})
}

// managerHandler adapts peer manager callbacks to the engine.
type managerHandler struct {
	e *Engine
}

func (h managerHandler) PeerJoined(peerID string)            { h.e.handlePeerJoined(peerID) }
func (h managerHandler) PeerLeft(peerID string)              { h.e.handlePeerLeft(peerID) }
func (h managerHandler) PeerData(peerID string, data []byte) { h.e.handleData(peerID, data) }
