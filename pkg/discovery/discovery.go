// Package discovery advertises and finds relay servers on the local network
// over mDNS, so nodes on the same LAN can sync without a configured relay URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service type of a relay.
	ServiceType = "_nearstack._tcp"
	Domain      = "local."

	// DefaultBrowseTimeout bounds Browse when the context has no deadline.
	DefaultBrowseTimeout = 3 * time.Second
)

// ErrNoRelay is returned by First when nothing answered.
var ErrNoRelay = errors.New("discovery: no relay found")

// Relay is one discovered relay endpoint.
type Relay struct {
	Instance string
	Host     string
	Port     int
	URL      string
}

// Advertisement is a registered relay. Call Shutdown to withdraw it.
type Advertisement struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Advertise 在本地网络上注册一个 relay 服务实例。
// txt 会附带 path=/ws，浏览端据此拼出 WebSocket 地址。
func Advertise(instance string, port int, logger *slog.Logger) (*Advertisement, error) {
	if logger == nil {
		logger = slog.Default()
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, []string{"path=/ws", "v=1"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	logger.Info("mDNS service registered", "instance", instance, "service", ServiceType, "port", port)
	return &Advertisement{server: server, logger: logger}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
	a.logger.Info("mDNS service withdrawn")
}

// Browse collects relays until ctx is done. Without a deadline on ctx it
// stops after DefaultBrowseTimeout. Results are sorted by instance name.
func Browse(ctx context.Context) ([]Relay, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns: %w", err)
	}

	seen := make(map[string]Relay)
	for {
		select {
		case <-ctx.Done():
			return collect(seen), nil
		case entry, ok := <-entries:
			if !ok {
				return collect(seen), nil
			}
			if relay, ok := FromEntry(entry); ok {
				seen[relay.URL] = relay
			}
		}
	}
}

// First returns the first relay found, by instance name.
func First(ctx context.Context) (Relay, error) {
	relays, err := Browse(ctx)
	if err != nil {
		return Relay{}, err
	}
	if len(relays) == 0 {
		return Relay{}, ErrNoRelay
	}
	return relays[0], nil
}

// FromEntry converts a resolved entry. IPv4 is preferred; entries without any
// address are skipped.
func FromEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry == nil || entry.Port == 0 {
		return Relay{}, false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return Relay{}, false
	}

	path := "/ws"
	for _, txt := range entry.Text {
		if len(txt) > 5 && txt[:5] == "path=" {
			path = txt[5:]
		}
	}

	host := ip.String()
	return Relay{
		Instance: entry.Instance,
		Host:     host,
		Port:     entry.Port,
		URL:      "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path,
	}, true
}

func collect(seen map[string]Relay) []Relay {
	relays := make([]Relay, 0, len(seen))
	for _, r := range seen {
		relays = append(relays, r)
	}
	sort.Slice(relays, func(i, j int) bool {
		if relays[i].Instance != relays[j].Instance {
			return relays[i].Instance < relays[j].Instance
		}
		return relays[i].URL < relays[j].URL
	})
	return relays
}
