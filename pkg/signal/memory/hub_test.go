package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GhostScientist/nearstack/pkg/signal"
)

func collect(ch *Channel) <-chan signal.Message {
	out := make(chan signal.Message, 16)
	ch.OnMessage(func(m signal.Message) { out <- m })
	return out
}

func expectMessage(t *testing.T, in <-chan signal.Message) signal.Message {
	t.Helper()
	select {
	case m := <-in:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return signal.Message{}
}

func expectSilence(t *testing.T, in <-chan signal.Message) {
	t.Helper()
	select {
	case m := <-in:
		t.Fatalf("unexpected message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_BroadcastWithinRoom(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()

	a, b, c := hub.NewChannel(), hub.NewChannel(), hub.NewChannel()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	inA, inB, inC := collect(a), collect(b), collect(c)
	require.NoError(t, a.Join(ctx, "room-1", "a"))
	require.NoError(t, b.Join(ctx, "room-1", "b"))
	require.NoError(t, c.Join(ctx, "room-2", "c"))

	require.NoError(t, a.Send(ctx, signal.Message{Type: signal.TypeJoin}))

	got := expectMessage(t, inB)
	assert.Equal(t, "a", got.SenderID)
	assert.Equal(t, "room-1", got.RoomID)
	expectSilence(t, inA)
	expectSilence(t, inC)
	assert.Equal(t, 2, hub.Members("room-1"))
}

func TestHub_TargetedDelivery(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()

	a, b, c := hub.NewChannel(), hub.NewChannel(), hub.NewChannel()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	inB, inC := collect(b), collect(c)
	for id, ch := range map[string]*Channel{"a": a, "b": b, "c": c} {
		require.NoError(t, ch.Join(ctx, "room", id))
	}

	require.NoError(t, a.Send(ctx, signal.Message{Type: signal.TypeOffer, TargetID: "c"}))
	assert.Equal(t, signal.TypeOffer, expectMessage(t, inC).Type)
	expectSilence(t, inB)
}

func TestHub_SendRequiresJoin(t *testing.T) {
	hub := NewHub()
	ch := hub.NewChannel()

	err := ch.Send(context.Background(), signal.Message{Type: signal.TypeJoin})
	assert.ErrorIs(t, err, signal.ErrNotJoined)

	require.NoError(t, ch.Close())
	err = ch.Send(context.Background(), signal.Message{Type: signal.TypeJoin})
	assert.ErrorIs(t, err, signal.ErrClosed)
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()

	a, b := hub.NewChannel(), hub.NewChannel()
	defer a.Close()
	defer b.Close()

	inB := collect(b)
	require.NoError(t, a.Join(ctx, "room", "a"))
	require.NoError(t, b.Join(ctx, "room", "b"))
	require.NoError(t, b.Leave(ctx))

	require.NoError(t, a.Send(ctx, signal.Message{Type: signal.TypeJoin}))
	expectSilence(t, inB)
	assert.Equal(t, 1, hub.Members("room"))
	assert.Equal(t, uint64(1), hub.Sent())
}
