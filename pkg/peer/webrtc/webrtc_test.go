package webrtc

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/GhostScientist/nearstack/pkg/peer"
)

type nopHandler struct{}

func (nopHandler) HandleCandidate(peer.ICECandidate) {}
func (nopHandler) HandleState(peer.State)            {}
func (nopHandler) HandleData([]byte)                 {}

type stateRecorder struct {
	nopHandler
	mu     sync.Mutex
	states []peer.State
}

func (r *stateRecorder) HandleState(s peer.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func TestLink_ICERecoveryReportsConnected(t *testing.T) {
	rec := &stateRecorder{}
	l := &Link{handler: rec, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	// 数据通道尚未打开时的首次 Connected 不上报。
	l.handleConnectionState(webrtc.PeerConnectionStateConnected)
	l.handleConnectionState(webrtc.PeerConnectionStateDisconnected)
	l.handleConnectionState(webrtc.PeerConnectionStateConnected)
	l.handleConnectionState(webrtc.PeerConnectionStateFailed)

	want := []peer.State{peer.StateDisconnected, peer.StateConnected, peer.StateFailed}
	if len(rec.states) != len(want) {
		t.Fatalf("reported states %v, want %v", rec.states, want)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("reported states %v, want %v", rec.states, want)
		}
	}
}

func TestCandidateConversion(t *testing.T) {
	mid := "0"
	index := uint16(0)
	ufrag := "abcd"
	in := peer.ICECandidate{
		Candidate:        "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host",
		SDPMid:           &mid,
		SDPMLineIndex:    &index,
		UsernameFragment: &ufrag,
	}

	out := fromPion(toPion(in))
	if out.Candidate != in.Candidate || *out.SDPMid != mid || *out.SDPMLineIndex != index || *out.UsernameFragment != ufrag {
		t.Fatalf("candidate changed in conversion: %+v", out)
	}
}

func TestLink_OfferCarriesDataChannel(t *testing.T) {
	transport := NewTransport(WithICEServers())

	link, err := transport.NewLink("b", "a", nopHandler{})
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	defer link.Close()

	offer, err := link.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != peer.SDPTypeOffer {
		t.Fatalf("unexpected description type %q", offer.Type)
	}
	if !strings.Contains(offer.SDP, "m=application") {
		t.Fatalf("offer has no data channel section:\n%s", offer.SDP)
	}
}

func TestLink_SendBeforeOpen(t *testing.T) {
	transport := NewTransport(WithICEServers())

	link, err := transport.NewLink("a", "b", nopHandler{})
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	defer link.Close()

	if err := link.Send([]byte("x")); err != ErrNoDataChannel {
		t.Fatalf("Send without channel = %v, want ErrNoDataChannel", err)
	}
	if _, err := link.CreateOffer(context.Background()); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := link.Send([]byte("x")); err != peer.ErrNotConnected {
		t.Fatalf("Send before open = %v, want ErrNotConnected", err)
	}
}
