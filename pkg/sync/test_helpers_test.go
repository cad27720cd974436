package sync

import (
	"context"
	"testing"
	"time"

	peermem "github.com/GhostScientist/nearstack/pkg/peer/memory"
	sigmem "github.com/GhostScientist/nearstack/pkg/signal/memory"
)

type testNet struct {
	hub   *sigmem.Hub
	board *peermem.Switchboard
}

func newTestNet() *testNet {
	return &testNet{hub: sigmem.NewHub(), board: peermem.NewSwitchboard()}
}

func (n *testNet) engine(t *testing.T, nodeID string, opts ...Option) *Engine {
	t.Helper()
	ch := n.hub.NewChannel()
	base := []Option{
		WithNodeID(nodeID),
		WithRoom("test-room"),
		WithSignaling(ch),
		WithTransport(n.board.Transport()),
	}
	e := NewEngine(append(base, opts...)...)
	t.Cleanup(func() {
		_ = e.Dispose(context.Background())
		_ = ch.Close()
	})
	return e
}

func mustConnect(t *testing.T, engines ...*Engine) {
	t.Helper()
	for _, e := range engines {
		if err := e.Connect(context.Background()); err != nil {
			t.Fatalf("connect %s failed: %v", e.NodeID(), err)
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("超时等待: %s", what)
}

func waitMesh(t *testing.T, engines ...*Engine) {
	t.Helper()
	want := len(engines) - 1
	waitUntil(t, "full mesh", func() bool {
		for _, e := range engines {
			if e.ConnectedCount() != want {
				return false
			}
		}
		return true
	})
}

func getString(t *testing.T, doc *Document, key string) (string, bool) {
	t.Helper()
	var v string
	ok, err := doc.Get(key, &v)
	if err != nil {
		t.Fatalf("get %s failed: %v", key, err)
	}
	return v, ok
}

func fixedWall(ms int64) func() int64 {
	return func() int64 { return ms }
}
