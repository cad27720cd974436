package sync

import (
	"log/slog"

	"github.com/GhostScientist/nearstack/pkg/hlc"
	"github.com/GhostScientist/nearstack/pkg/peer"
	"github.com/GhostScientist/nearstack/pkg/signal"
)

// DefaultRoom is the room joined when none is configured.
const DefaultRoom = "default"

// Config 控制同步引擎参数。
type Config struct {
	NodeID    string         // 节点 ID，为空时生成 UUID。
	RoomID    string         // 信令房间。
	Signaling signal.Channel // 信令通道，为空时 Connect 返回 ErrNoSignaling。
	Transport peer.Transport // 点对点链路，为空时使用 WebRTC。
	Codec     Codec          // 数据通道编码。
	Logger    *slog.Logger
	WallClock hlc.WallClock
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		RoomID: DefaultRoom,
		Codec:  JSONCodec{},
		Logger: slog.Default(),
	}
}

// Option 用于修改 Config。
type Option func(*Config)

// WithNodeID 设置节点 ID。
func WithNodeID(id string) Option {
	return func(c *Config) {
		c.NodeID = id
	}
}

// WithRoom 设置信令房间。
func WithRoom(roomID string) Option {
	return func(c *Config) {
		if roomID != "" {
			c.RoomID = roomID
		}
	}
}

// WithSignaling 设置信令通道。
func WithSignaling(ch signal.Channel) Option {
	return func(c *Config) {
		c.Signaling = ch
	}
}

// WithTransport 设置点对点链路实现。
func WithTransport(t peer.Transport) Option {
	return func(c *Config) {
		c.Transport = t
	}
}

// WithCodec 设置数据通道编码，同一房间内的节点必须一致。
func WithCodec(codec Codec) Option {
	return func(c *Config) {
		if codec != nil {
			c.Codec = codec
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithWallClock replaces the physical clock of the engine's HLC.
func WithWallClock(wall hlc.WallClock) Option {
	return func(c *Config) {
		c.WallClock = wall
	}
}
