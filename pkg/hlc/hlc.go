package hlc

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Timestamp 是混合逻辑时钟产生的时间戳。
// 全序比较顺序：Time，Counter，NodeID。
type Timestamp struct {
	Time    int64  `json:"time" msgpack:"time"`       // 物理时间 (Unix 毫秒)
	Counter uint32 `json:"counter" msgpack:"counter"` // 同一物理时间内的逻辑计数
	NodeID  string `json:"nodeId" msgpack:"nodeId"`   // 产生该时间戳的节点
}

// IsZero reports whether ts is the zero timestamp.
func (ts Timestamp) IsZero() bool {
	return ts.Time == 0 && ts.Counter == 0 && ts.NodeID == ""
}

// Less reports whether ts orders strictly before other.
func (ts Timestamp) Less(other Timestamp) bool {
	return Compare(ts, other) < 0
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", ts.Time, ts.Counter, ts.NodeID)
}

// Compare 比较两个时间戳。
// 返回值:
//   - 如果 a > b: 返回 1
//   - 如果 a == b: 返回 0
//   - 如果 a < b: 返回 -1
//
// 在所有副本上对相同输入给出相同结果，冲突解决依赖这一点。
func Compare(a, b Timestamp) int {
	if a.Time > b.Time {
		return 1
	}
	if a.Time < b.Time {
		return -1
	}

	if a.Counter > b.Counter {
		return 1
	}
	if a.Counter < b.Counter {
		return -1
	}

	return strings.Compare(a.NodeID, b.NodeID)
}

// WallClock 返回当前物理时间 (Unix 毫秒)。
type WallClock func() int64

func systemWallClock() int64 {
	return time.Now().UnixMilli()
}

// Option 用于修改 Clock。
type Option func(*Clock)

// WithWallClock 替换物理时间来源，主要用于测试。
func WithWallClock(wall WallClock) Option {
	return func(c *Clock) {
		if wall != nil {
			c.wall = wall
		}
	}
}

// Clock 代表混合逻辑时钟。
// 它保证本节点产生的时间戳严格单调递增，并通过 Receive 跟踪因果关系。
type Clock struct {
	mu      sync.Mutex
	time    int64 // 已观察到的最大物理时间
	counter uint32
	nodeID  string
	wall    WallClock
}

// New 创建一个新的 HLC 时钟。
func New(nodeID string, opts ...Option) *Clock {
	c := &Clock{
		nodeID: nodeID,
		wall:   systemWallClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeID returns the node id stamped on every timestamp.
func (c *Clock) NodeID() string {
	return c.nodeID
}

// Now 返回当前的 HLC 时间戳，并更新内部状态。
// 返回的时间戳严格大于此前 Now 或 Receive 返回的任何时间戳。
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.wall()
	if phys > c.time {
		// 物理时间推进：重置逻辑计数
		c.time = phys
		c.counter = 0
	} else {
		// 物理时间倒退或相等：增加逻辑计数
		c.advanceLocked(c.counter)
	}

	return c.currentLocked()
}

// Receive 根据接收到的远程时间戳更新本地时钟，返回合并后的本地时间戳。
func (c *Clock) Receive(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.wall()
	localTime, localCounter := c.time, c.counter

	// m = max(phys, local, remote)
	m := localTime
	if remote.Time > m {
		m = remote.Time
	}
	if phys > m {
		m = phys
	}
	c.time = m

	switch {
	case m == localTime && m == remote.Time:
		counter := localCounter
		if remote.Counter > counter {
			counter = remote.Counter
		}
		c.advanceLocked(counter)
	case m == localTime:
		c.advanceLocked(localCounter)
	case m == remote.Time:
		c.advanceLocked(remote.Counter)
	default:
		c.counter = 0
	}

	return c.currentLocked()
}

// Last returns the most recently issued timestamp without advancing the clock.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

// advanceLocked 把逻辑计数设为 after+1；计数将要溢出时向物理时间进位。
func (c *Clock) advanceLocked(after uint32) {
	if after == math.MaxUint32 {
		c.time++
		c.counter = 0
		return
	}
	c.counter = after + 1
}

func (c *Clock) currentLocked() Timestamp {
	return Timestamp{Time: c.time, Counter: c.counter, NodeID: c.nodeID}
}
