package crdt

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/GhostScientist/nearstack/internal/observer"
	"github.com/GhostScientist/nearstack/pkg/hlc"
	"github.com/zhangyunhao116/skipmap"
)

// Entry 是某个 key 在文档中的权威记录。
// 删除后的 Entry（墓碑）保留最后的值，并且永远不会被物理移除。
type Entry[V any] struct {
	Value     V             `json:"value" msgpack:"value"`
	Timestamp hlc.Timestamp `json:"timestamp" msgpack:"timestamp"`
	Deleted   bool          `json:"deleted" msgpack:"deleted"`
}

// Change is the wire and event form of one entry mutation.
type Change[V any] struct {
	Key       string        `json:"key" msgpack:"key"`
	Value     V             `json:"value" msgpack:"value"`
	Timestamp hlc.Timestamp `json:"timestamp" msgpack:"timestamp"`
	Deleted   bool          `json:"deleted" msgpack:"deleted"`
}

// Entry returns the entry carried by the change.
func (c Change[V]) Entry() Entry[V] {
	return Entry[V]{Value: c.Value, Timestamp: c.Timestamp, Deleted: c.Deleted}
}

func changeOf[V any](key string, e Entry[V]) Change[V] {
	return Change[V]{Key: key, Value: e.Value, Timestamp: e.Timestamp, Deleted: e.Deleted}
}

// State is a full snapshot of a map, tombstones included.
type State[V any] struct {
	Entries map[string]Entry[V] `json:"entries" msgpack:"entries"`
}

type options struct {
	logger *slog.Logger
}

// Option 用于修改 LWWMap 的构造参数。
type Option func(*options)

// WithLogger sets the logger used to report recovered subscriber panics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// LWWMap 实现按 key 最后写入胜出的映射，删除使用墓碑。
//
// 两个副本只要应用了相同的 Change 集合（任意顺序，允许重复），
// 最终对每个 key 都持有相同的值与墓碑状态。
type LWWMap[V any] struct {
	mu          sync.Mutex
	clock       *hlc.Clock
	entries     *skipmap.FuncMap[string, Entry[V]]
	subscribers *observer.Registry[Change[V]]
}

// New creates a map with its own clock for nodeID.
func New[V any](nodeID string, opts ...Option) *LWWMap[V] {
	return NewWithClock[V](hlc.New(nodeID), opts...)
}

// NewWithClock creates a map that shares clock with other maps of the same node,
// so every document of a node follows one causal history.
func NewWithClock[V any](clock *hlc.Clock, opts ...Option) *LWWMap[V] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	return &LWWMap[V]{
		clock: clock,
		entries: skipmap.NewFunc[string, Entry[V]](func(a, b string) bool {
			return a < b
		}),
		subscribers: observer.New[Change[V]]("lww-map", o.logger),
	}
}

// Clock returns the clock stamping local mutations.
func (m *LWWMap[V]) Clock() *hlc.Clock {
	return m.clock
}

// Set 写入 key 的新值并通知订阅者。
func (m *LWWMap[V]) Set(key string, value V) Change[V] {
	m.mu.Lock()
	entry := Entry[V]{Value: value, Timestamp: m.clock.Now()}
	m.entries.Store(key, entry)
	m.mu.Unlock()

	change := changeOf(key, entry)
	m.subscribers.Emit(change)
	return change
}

// Delete 将 key 标记为墓碑，保留最后的值。
// key 不存在或已删除时不做任何事，也不消耗时间戳。
func (m *LWWMap[V]) Delete(key string) (Change[V], bool) {
	m.mu.Lock()
	current, ok := m.entries.Load(key)
	if !ok || current.Deleted {
		m.mu.Unlock()
		return Change[V]{}, false
	}

	entry := Entry[V]{Value: current.Value, Timestamp: m.clock.Now(), Deleted: true}
	m.entries.Store(key, entry)
	m.mu.Unlock()

	change := changeOf(key, entry)
	m.subscribers.Emit(change)
	return change, true
}

// Get returns the live value for key.
func (m *LWWMap[V]) Get(key string) (V, bool) {
	entry, ok := m.entries.Load(key)
	if !ok || entry.Deleted {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Has reports whether key holds a live value.
func (m *LWWMap[V]) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Entry returns the raw entry for key, tombstones included.
func (m *LWWMap[V]) Entry(key string) (Entry[V], bool) {
	return m.entries.Load(key)
}

// GetAll returns every live key/value pair.
func (m *LWWMap[V]) GetAll() map[string]V {
	result := make(map[string]V)
	m.entries.Range(func(key string, entry Entry[V]) bool {
		if !entry.Deleted {
			result[key] = entry.Value
		}
		return true
	})
	return result
}

// Keys returns the live keys in ascending order.
func (m *LWWMap[V]) Keys() []string {
	keys := make([]string, 0)
	m.entries.Range(func(key string, entry Entry[V]) bool {
		if !entry.Deleted {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

// Len returns the number of live keys.
func (m *LWWMap[V]) Len() int {
	n := 0
	m.entries.Range(func(_ string, entry Entry[V]) bool {
		if !entry.Deleted {
			n++
		}
		return true
	})
	return n
}

// ApplyRemote 应用一个远程变更。
// 无论是否接受，都会先用远程时间戳推进本地时钟。
// 仅当本地没有该 key 或本地时间戳更旧时接受。
func (m *LWWMap[V]) ApplyRemote(change Change[V]) bool {
	m.mu.Lock()
	accepted := m.applyLocked(change.Key, change.Entry())
	m.mu.Unlock()

	if accepted {
		m.subscribers.Emit(change)
	}
	return accepted
}

func (m *LWWMap[V]) applyLocked(key string, remote Entry[V]) bool {
	m.clock.Receive(remote.Timestamp)

	local, ok := m.entries.Load(key)
	if ok && hlc.Compare(local.Timestamp, remote.Timestamp) >= 0 {
		return false
	}
	m.entries.Store(key, remote)
	return true
}

// Merge applies a batch of remote entries with the ApplyRemote rule and returns
// the changes that were accepted, in key order.
func (m *LWWMap[V]) Merge(remote map[string]Entry[V]) []Change[V] {
	keys := make([]string, 0, len(remote))
	for key := range remote {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	applied := make([]Change[V], 0)
	m.mu.Lock()
	for _, key := range keys {
		entry := remote[key]
		if m.applyLocked(key, entry) {
			applied = append(applied, changeOf(key, entry))
		}
	}
	m.mu.Unlock()

	for _, change := range applied {
		m.subscribers.Emit(change)
	}
	return applied
}

// KnownEntries returns this replica's knowledge: key -> timestamp, tombstones included.
func (m *LWWMap[V]) KnownEntries() map[string]hlc.Timestamp {
	known := make(map[string]hlc.Timestamp)
	m.entries.Range(func(key string, entry Entry[V]) bool {
		known[key] = entry.Timestamp
		return true
	})
	return known
}

// DiffFrom 返回远端需要补齐的条目：远端不知道的 key，或远端记录的时间戳更旧的 key。
func (m *LWWMap[V]) DiffFrom(known map[string]hlc.Timestamp) map[string]Entry[V] {
	diff := make(map[string]Entry[V])
	m.entries.Range(func(key string, entry Entry[V]) bool {
		remoteTs, ok := known[key]
		if !ok || hlc.Compare(remoteTs, entry.Timestamp) < 0 {
			diff[key] = entry
		}
		return true
	})
	return diff
}

// Missing reports whether known declares any key this replica lacks or holds older.
func (m *LWWMap[V]) Missing(known map[string]hlc.Timestamp) bool {
	for key, remoteTs := range known {
		local, ok := m.entries.Load(key)
		if !ok || hlc.Compare(local.Timestamp, remoteTs) < 0 {
			return true
		}
	}
	return false
}

// ToState exports a full snapshot.
func (m *LWWMap[V]) ToState() State[V] {
	state := State[V]{Entries: make(map[string]Entry[V])}
	m.entries.Range(func(key string, entry Entry[V]) bool {
		state.Entries[key] = entry
		return true
	})
	return state
}

// FromState imports a snapshot into the map, typically a fresh one.
// Entries follow the usual acceptance rule, so importing into a populated map
// never overwrites newer local data.
func (m *LWWMap[V]) FromState(state State[V]) []Change[V] {
	return m.Merge(state.Entries)
}

// Subscribe registers fn for every accepted local or remote mutation.
// A panicking subscriber does not prevent delivery to the others.
func (m *LWWMap[V]) Subscribe(fn func(Change[V])) (unsubscribe func()) {
	return m.subscribers.Add(fn)
}

// Close drops every subscriber.
func (m *LWWMap[V]) Close() {
	m.subscribers.Clear()
}
