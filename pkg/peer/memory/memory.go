// Package memory provides an in-process peer.Transport. Links created from the
// same Switchboard pair up through the usual offer/answer exchange and then
// carry data between goroutines.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/GhostScientist/nearstack/internal/mailbox"
	"github.com/GhostScientist/nearstack/pkg/peer"
)

var (
	// ErrNoOfferer indicates an offer that matches no pending link.
	ErrNoOfferer = errors.New("no offering link for this offer")
	// ErrLinkClosed indicates the link was closed.
	ErrLinkClosed = errors.New("memory link closed")
)

const sdpPrefix = "memory:"

type linkKey struct {
	local, remote string
}

// Switchboard connects links of every node sharing it.
type Switchboard struct {
	mu     sync.Mutex
	links  map[linkKey]*Link
	nextID uint64

	// Reject, when set, makes offers from the given local id fail to answer.
	reject map[string]bool
}

// NewSwitchboard creates an empty switchboard.
func NewSwitchboard() *Switchboard {
	return &Switchboard{
		links:  make(map[linkKey]*Link),
		reject: make(map[string]bool),
	}
}

// Transport returns a transport creating links on this switchboard. Links are
// keyed by both ends, so one transport may serve any number of nodes.
func (s *Switchboard) Transport() peer.Transport {
	return transport{s}
}

// FailOffersFrom makes every later offer created by localID unanswerable.
func (s *Switchboard) FailOffersFrom(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[localID] = true
}

// Interrupt reports the link between a and b as disconnected on both ends and
// stops data on it, as a transport outage would. Restore undoes it.
func (s *Switchboard) Interrupt(a, b string) {
	for _, l := range s.pair(a, b) {
		l.setOpen(false, peer.StateDisconnected)
	}
}

// Restore reopens a link stopped by Interrupt on both ends.
func (s *Switchboard) Restore(a, b string) {
	for _, l := range s.pair(a, b) {
		l.setOpen(true, peer.StateConnected)
	}
}

func (s *Switchboard) pair(a, b string) []*Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	var links []*Link
	for _, key := range []linkKey{{local: a, remote: b}, {local: b, remote: a}} {
		if l, ok := s.links[key]; ok {
			links = append(links, l)
		}
	}
	return links
}

// Links returns the number of registered, unclosed links.
func (s *Switchboard) Links() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

type transport struct {
	s *Switchboard
}

func (t transport) NewLink(localID, remoteID string, handler peer.LinkHandler) (peer.Link, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.s.nextID++
	l := &Link{
		board:   t.s,
		key:     linkKey{local: localID, remote: remoteID},
		id:      fmt.Sprintf("%s-%d", localID, t.s.nextID),
		handler: handler,
		events:  mailbox.New[func()](),
	}
	t.s.links[l.key] = l
	go l.events.Run(func(fn func()) { fn() })
	return l, nil
}

// Link is one end of an in-process data channel.
type Link struct {
	board   *Switchboard
	key     linkKey
	id      string
	handler peer.LinkHandler
	events  *mailbox.Mailbox[func()]

	mu     sync.Mutex
	remote *Link
	closed bool
	open   bool
}

var _ peer.Link = (*Link)(nil)

// CreateOffer returns an offer naming this link.
func (l *Link) CreateOffer(_ context.Context) (peer.SessionDescription, error) {
	if l.isClosed() {
		return peer.SessionDescription{}, ErrLinkClosed
	}
	l.emitCandidate()
	return peer.SessionDescription{Type: peer.SDPTypeOffer, SDP: sdpPrefix + l.id}, nil
}

// CreateAnswer pairs with the link that produced offer.
func (l *Link) CreateAnswer(_ context.Context, offer peer.SessionDescription) (peer.SessionDescription, error) {
	if l.isClosed() {
		return peer.SessionDescription{}, ErrLinkClosed
	}
	if offer.Type != peer.SDPTypeOffer || !strings.HasPrefix(offer.SDP, sdpPrefix) {
		return peer.SessionDescription{}, fmt.Errorf("unexpected description %q", offer.Type)
	}

	b := l.board
	b.mu.Lock()
	offerer, ok := b.links[linkKey{local: l.key.remote, remote: l.key.local}]
	rejected := b.reject[l.key.remote]
	b.mu.Unlock()
	if !ok || rejected || sdpPrefix+offerer.id != offer.SDP {
		return peer.SessionDescription{}, ErrNoOfferer
	}

	l.mu.Lock()
	l.remote = offerer
	l.mu.Unlock()

	l.emitCandidate()
	return peer.SessionDescription{Type: peer.SDPTypeAnswer, SDP: sdpPrefix + l.id}, nil
}

// SetAnswer completes pairing and opens both ends.
func (l *Link) SetAnswer(_ context.Context, answer peer.SessionDescription) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	if answer.Type != peer.SDPTypeAnswer {
		return fmt.Errorf("unexpected description %q", answer.Type)
	}

	b := l.board
	b.mu.Lock()
	answerer, ok := b.links[linkKey{local: l.key.remote, remote: l.key.local}]
	b.mu.Unlock()
	if !ok || sdpPrefix+answerer.id != answer.SDP {
		return ErrNoOfferer
	}

	l.mu.Lock()
	l.remote = answerer
	l.mu.Unlock()

	// 先打开应答端，使其在收到对端第一帧之前已处于 connected。
	answerer.markOpen()
	l.markOpen()
	return nil
}

// AddICECandidate accepts and discards the candidate.
func (l *Link) AddICECandidate(_ peer.ICECandidate) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	return nil
}

// Send delivers data to the remote end in order.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	remote, open, closed := l.remote, l.open, l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	if !open || remote == nil {
		return peer.ErrNotConnected
	}

	payload := append([]byte(nil), data...)
	remote.post(func() { remote.handler.HandleData(payload) })
	return nil
}

// Close closes this end and reports closure to the remote end.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	remote := l.remote
	l.remote = nil
	l.mu.Unlock()

	b := l.board
	b.mu.Lock()
	if b.links[l.key] == l {
		delete(b.links, l.key)
	}
	b.mu.Unlock()

	if remote != nil {
		remote.remoteClosed(l)
	}
	l.events.Close()
	return nil
}

func (l *Link) remoteClosed(from *Link) {
	l.mu.Lock()
	if l.remote != from || l.closed {
		l.mu.Unlock()
		return
	}
	l.remote = nil
	l.open = false
	l.mu.Unlock()

	l.post(func() { l.handler.HandleState(peer.StateClosed) })
}

func (l *Link) markOpen() {
	l.mu.Lock()
	l.open = true
	l.mu.Unlock()
	l.post(func() { l.handler.HandleState(peer.StateConnected) })
}

func (l *Link) setOpen(open bool, state peer.State) {
	l.mu.Lock()
	if l.closed || l.remote == nil {
		l.mu.Unlock()
		return
	}
	l.open = open
	l.mu.Unlock()
	l.post(func() { l.handler.HandleState(state) })
}

func (l *Link) emitCandidate() {
	candidate := peer.ICECandidate{Candidate: "candidate:" + l.id + " 1 udp 1 127.0.0.1 0 typ host"}
	l.post(func() { l.handler.HandleCandidate(candidate) })
}

func (l *Link) post(fn func()) {
	l.events.Push(fn)
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
