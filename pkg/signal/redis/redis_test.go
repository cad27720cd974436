package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GhostScientist/nearstack/pkg/signal"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "nearstack:room:lobby", Topic("lobby"))
}

func TestDispatch_FiltersEchoAndForeignTargets(t *testing.T) {
	c := New(nil)
	var got []signal.Message
	c.OnMessage(func(m signal.Message) { got = append(got, m) })

	encode := func(m signal.Message) []byte {
		data, err := signal.Encode(m)
		require.NoError(t, err)
		return data
	}

	c.dispatch("a", encode(signal.Message{Type: signal.TypeJoin, SenderID: "a", RoomID: "r"}))
	c.dispatch("a", encode(signal.Message{Type: signal.TypeOffer, SenderID: "b", TargetID: "c", RoomID: "r"}))
	c.dispatch("a", []byte(`{"type":"bogus","senderId":"b"}`))
	c.dispatch("a", encode(signal.Message{Type: signal.TypeJoin, SenderID: "b", RoomID: "r"}))

	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].SenderID)
}

func TestChannel_SendBeforeJoin(t *testing.T) {
	c := New(nil)
	assert.ErrorIs(t, c.Send(context.Background(), signal.Message{Type: signal.TypeJoin}), signal.ErrNotJoined)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Join(context.Background(), "r", "a"), signal.ErrClosed)
}

// Runs against a live server when NEARSTACK_REDIS_ADDR is set.
func TestChannel_PubSub(t *testing.T) {
	addr := os.Getenv("NEARSTACK_REDIS_ADDR")
	if addr == "" {
		t.Skip("NEARSTACK_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	a, b := New(client), New(client)
	defer a.Close()
	defer b.Close()

	in := make(chan signal.Message, 4)
	b.OnMessage(func(m signal.Message) { in <- m })
	require.NoError(t, a.Join(ctx, "test-room", "a"))
	require.NoError(t, b.Join(ctx, "test-room", "b"))

	require.NoError(t, a.Send(ctx, signal.Message{Type: signal.TypeJoin}))
	select {
	case m := <-in:
		assert.Equal(t, "a", m.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
