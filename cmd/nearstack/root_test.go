package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"node", "relay"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("verbose"))
}

func TestNodeCommand_Flags(t *testing.T) {
	cmd := NewRootCommand()
	node, _, err := cmd.Find([]string{"node"})
	require.NoError(t, err)

	for _, flag := range []string{"id", "room", "relay", "codec", "data", "doc", "discover", "in-memory"} {
		assert.NotNil(t, node.Flags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestRootCommand_RejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signal:\n  kind: smoke\n"), 0o600))

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--config", path, "relay", "--addr", "127.0.0.1:0"})
	cmd.SetOut(&discard{})
	cmd.SetErr(&discard{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signal.kind")
}

func TestNodeOptions_ApplyOverridesConfig(t *testing.T) {
	opts := &NodeOptions{
		RootOptions: &RootOptions{},
		Room:        "kitchen",
		Relay:       "ws://10.0.0.2:8787/ws",
		InMemory:    true,
	}
	opts.Config.Signal.Kind = "redis"

	opts.apply()

	assert.Equal(t, "kitchen", opts.Config.Node.Room)
	assert.Equal(t, "relay", opts.Config.Signal.Kind)
	assert.Equal(t, "ws://10.0.0.2:8787/ws", opts.Config.Signal.RelayURL)
	assert.True(t, opts.Config.Store.InMemory)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
