package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/GhostScientist/nearstack/pkg/config"
	"github.com/GhostScientist/nearstack/pkg/discovery"
	"github.com/GhostScientist/nearstack/pkg/signal"
	"github.com/GhostScientist/nearstack/pkg/signal/redis"
	"github.com/GhostScientist/nearstack/pkg/signal/relay"
)

// newSignaling builds the channel named by cfg.Kind. With discover set the
// relay URL is resolved over mDNS instead of taken from cfg.
func newSignaling(ctx context.Context, cfg config.SignalConfig, discover bool, logger *slog.Logger) (signal.Channel, error) {
	switch cfg.Kind {
	case config.SignalRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return redis.New(client, redis.WithLogger(logger)), nil

	case config.SignalRelay:
		url := cfg.RelayURL
		if discover {
			found, err := discovery.First(ctx)
			if err != nil {
				return nil, err
			}
			logger.Info("relay discovered", "instance", found.Instance, "url", found.URL)
			url = found.URL
		}
		return relay.NewClient(url,
			relay.WithMaxAttempts(cfg.MaxAttempts),
			relay.WithBackoff(cfg.InitialBackoff(), cfg.MaxBackoff()),
			relay.WithPingInterval(cfg.PingInterval()),
			relay.WithClientLogger(logger),
		), nil

	default:
		return nil, fmt.Errorf("unknown signal kind %q", cfg.Kind)
	}
}
