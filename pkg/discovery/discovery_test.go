package discovery

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEntry_IPv4(t *testing.T) {
	entry := zeroconf.NewServiceEntry("relay-a", ServiceType, Domain)
	entry.Port = 8787
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"path=/ws", "v=1"}

	relay, ok := FromEntry(entry)
	require.True(t, ok)
	assert.Equal(t, "relay-a", relay.Instance)
	assert.Equal(t, "ws://192.168.1.20:8787/ws", relay.URL)
}

func TestFromEntry_IPv6AndCustomPath(t *testing.T) {
	entry := zeroconf.NewServiceEntry("relay-b", ServiceType, Domain)
	entry.Port = 9000
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.Text = []string{"path=/signal"}

	relay, ok := FromEntry(entry)
	require.True(t, ok)
	assert.Equal(t, "ws://[fe80::1]:9000/signal", relay.URL)
}

func TestFromEntry_SkipsIncomplete(t *testing.T) {
	_, ok := FromEntry(nil)
	assert.False(t, ok)

	noAddr := zeroconf.NewServiceEntry("relay-c", ServiceType, Domain)
	noAddr.Port = 8787
	_, ok = FromEntry(noAddr)
	assert.False(t, ok)

	noPort := zeroconf.NewServiceEntry("relay-d", ServiceType, Domain)
	noPort.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.1")}
	_, ok = FromEntry(noPort)
	assert.False(t, ok)
}

func TestCollect_SortedByInstance(t *testing.T) {
	relays := collect(map[string]Relay{
		"ws://b": {Instance: "b", URL: "ws://b"},
		"ws://a": {Instance: "a", URL: "ws://a"},
	})
	require.Len(t, relays, 2)
	assert.Equal(t, "a", relays[0].Instance)
}

// Multicast is often unavailable in CI, so the live round trip is opt-in.
func TestAdvertiseAndBrowse(t *testing.T) {
	if os.Getenv("NEARSTACK_MDNS") == "" {
		t.Skip("set NEARSTACK_MDNS=1 to run the mDNS round trip")
	}

	ad, err := Advertise("nearstack-test", 18787, nil)
	require.NoError(t, err)
	defer ad.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	relays, err := Browse(ctx)
	require.NoError(t, err)

	found := false
	for _, r := range relays {
		if r.Instance == "nearstack-test" && r.Port == 18787 {
			found = true
		}
	}
	assert.True(t, found, "advertised relay not discovered: %v", relays)
}
