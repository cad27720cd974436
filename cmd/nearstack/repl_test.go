package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	peermem "github.com/GhostScientist/nearstack/pkg/peer/memory"
	sigmem "github.com/GhostScientist/nearstack/pkg/signal/memory"
	"github.com/GhostScientist/nearstack/pkg/store"
	nssync "github.com/GhostScientist/nearstack/pkg/sync"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()

	st, err := store.NewBadgerStore("", store.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine := nssync.NewEngine(
		nssync.WithNodeID("repl"),
		nssync.WithTransport(peermem.NewSwitchboard().Transport()),
		nssync.WithLogger(slog.New(slog.NewTextHandler(&discard{}, nil))),
	)
	t.Cleanup(func() { _ = engine.Dispose(context.Background()) })

	out := &bytes.Buffer{}
	a := &app{engine: engine, bridge: store.NewBridge(st, nil), out: out}
	t.Cleanup(a.bridge.Close)
	require.NoError(t, a.open("notes"))
	return a, out
}

func run(t *testing.T, a *app, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	quit, err := handleCommand(a, line)
	require.NoError(t, err)
	require.False(t, quit)
	return out.String()
}

func TestHandleCommand_SetGetDelete(t *testing.T) {
	a, out := newTestApp(t)

	assert.Equal(t, "ok\n", run(t, a, out, "set title hello world"))
	assert.Equal(t, "\"hello world\"\n", run(t, a, out, "get title"))

	run(t, a, out, `set meta {"pinned": true}`)
	assert.Equal(t, "{\"pinned\":true}\n", run(t, a, out, "get meta"))

	assert.Equal(t, "ok\n", run(t, a, out, "del title"))
	assert.Equal(t, "(not found)\n", run(t, a, out, "get title"))
	assert.Equal(t, "(not found)\n", run(t, a, out, "del title"))

	assert.Equal(t, "meta = {\"pinned\":true}\n", run(t, a, out, "list"))
}

func TestHandleCommand_UseSwitchesAndPersists(t *testing.T) {
	a, out := newTestApp(t)

	run(t, a, out, "set a 1")
	assert.Contains(t, run(t, a, out, "use todo"), "using todo (0 keys)")
	run(t, a, out, "set b 2")

	assert.Equal(t, "  notes\n* todo\n", run(t, a, out, "docs"))

	names, err := a.bridge.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "todo"}, names)
}

func TestHandleCommand_Errors(t *testing.T) {
	a, _ := newTestApp(t)

	for _, line := range []string{"set onlykey", "get", "del", "use", "bogus"} {
		_, err := handleCommand(a, line)
		assert.Error(t, err, line)
	}

	quit, err := handleCommand(a, "quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestHandleCommand_StatsAndPeers(t *testing.T) {
	a, out := newTestApp(t)

	run(t, a, out, "set a 1")
	assert.Contains(t, run(t, a, out, "stats"), "documents=1 peers=0")
	assert.Equal(t, "peers (0):\n", run(t, a, out, "peers"))
}

func TestPersistRemote_AttachesDocumentsCreatedByPeers(t *testing.T) {
	hub, board := sigmem.NewHub(), peermem.NewSwitchboard()
	quiet := slog.New(slog.NewTextHandler(&discard{}, nil))
	newEngine := func(id string) *nssync.Engine {
		ch := hub.NewChannel()
		e := nssync.NewEngine(
			nssync.WithNodeID(id),
			nssync.WithRoom("room"),
			nssync.WithSignaling(ch),
			nssync.WithTransport(board.Transport()),
			nssync.WithLogger(quiet),
		)
		t.Cleanup(func() {
			_ = e.Dispose(context.Background())
			_ = ch.Close()
		})
		return e
	}

	st, err := store.NewBadgerStore("", store.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	local := newEngine("local")
	a := &app{engine: local, bridge: store.NewBridge(st, nil), out: &bytes.Buffer{}}
	t.Cleanup(a.bridge.Close)
	require.NoError(t, a.open("notes"))
	unsubscribe := local.On(a.persistRemote)
	defer unsubscribe()

	remote := newEngine("remote")
	require.NoError(t, remote.Document("shared").Set("before", "connect"))

	require.NoError(t, local.Connect(context.Background()))
	require.NoError(t, remote.Connect(context.Background()))

	require.Eventually(t, func() bool { return a.bridge.Attached("shared") }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, remote.Document("shared").Set("after", "attach"))

	require.Eventually(t, func() bool {
		state, err := a.bridge.Load("shared")
		return err == nil && len(state.Entries) == 2
	}, 5*time.Second, 5*time.Millisecond)

	state, err := a.bridge.Load("shared")
	require.NoError(t, err)
	assert.JSONEq(t, `"connect"`, string(state.Entries["before"].Value))
	assert.JSONEq(t, `"attach"`, string(state.Entries["after"].Value))
}
