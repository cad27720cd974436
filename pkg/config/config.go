// Package config loads the node and relay configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root of the YAML file. Durations are integer milliseconds.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Node   NodeConfig   `yaml:"node"`
	Signal SignalConfig `yaml:"signal"`
	Relay  RelayConfig  `yaml:"relay"`
	Store  StoreConfig  `yaml:"store"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type NodeConfig struct {
	ID         string   `yaml:"id"`
	Room       string   `yaml:"room"`
	Codec      string   `yaml:"codec"`
	ICEServers []string `yaml:"ice_servers"`
}

type SignalConfig struct {
	Kind             string `yaml:"kind"`
	RelayURL         string `yaml:"relay_url"`
	RedisAddr        string `yaml:"redis_addr"`
	MaxAttempts      int    `yaml:"max_attempts"`
	InitialBackoffMS int    `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int    `yaml:"max_backoff_ms"`
	PingIntervalMS   int    `yaml:"ping_interval_ms"`
}

type RelayConfig struct {
	Addr     string `yaml:"addr"`
	MDNS     bool   `yaml:"mdns"`
	Instance string `yaml:"instance"`
}

type StoreConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

const (
	SignalRelay = "relay"
	SignalRedis = "redis"
)

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Node: NodeConfig{
			Room:       "default",
			Codec:      "json",
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Signal: SignalConfig{
			Kind:             SignalRelay,
			RelayURL:         "ws://127.0.0.1:8787/ws",
			RedisAddr:        "localhost:6379",
			MaxAttempts:      8,
			InitialBackoffMS: 500,
			MaxBackoffMS:     30000,
			PingIntervalMS:   20000,
		},
		Relay: RelayConfig{
			Addr:     ":8787",
			Instance: "nearstack-relay",
		},
		Store: StoreConfig{
			Path: "./data",
		},
	}
}

// Load 从 YAML 文件加载配置。文件不存在时返回 Default()；
// 文件中未出现的字段保留默认值。
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Logger.Level); err != nil {
		return err
	}
	switch c.Signal.Kind {
	case SignalRelay, SignalRedis:
	default:
		return fmt.Errorf("signal.kind must be %q or %q, got %q", SignalRelay, SignalRedis, c.Signal.Kind)
	}
	if c.Signal.MaxAttempts < 1 {
		return fmt.Errorf("signal.max_attempts must be >= 1, got %d", c.Signal.MaxAttempts)
	}
	if c.Node.Room == "" {
		return errors.New("node.room must not be empty")
	}
	return nil
}

// ParseLevel maps a level name in any case to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logger.level must be one of DEBUG INFO WARN ERROR, got %q", level)
	}
}

func (s SignalConfig) InitialBackoff() time.Duration {
	return time.Duration(s.InitialBackoffMS) * time.Millisecond
}

func (s SignalConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMS) * time.Millisecond
}

func (s SignalConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalMS) * time.Millisecond
}
