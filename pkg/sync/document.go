package sync

import (
	"encoding/json"
	"fmt"

	"github.com/GhostScientist/nearstack/pkg/crdt"
)

// Document is a named LWW map replicated to every peer of the room.
// Values are stored as their JSON encoding.
type Document struct {
	name   string
	engine *Engine
	m      *crdt.LWWMap[Value]
}

// Name returns the document id.
func (d *Document) Name() string {
	return d.name
}

// Get decodes the live value of key into out and reports whether it exists.
func (d *Document) Get(key string, out any) (bool, error) {
	raw, ok := d.m.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", d.name, key, err)
	}
	return true, nil
}

// GetRaw returns the stored JSON of key.
func (d *Document) GetRaw(key string) (Value, bool) {
	return d.m.Get(key)
}

// Has reports whether key holds a live value.
func (d *Document) Has(key string) bool {
	return d.m.Has(key)
}

// Set 写入 key 并把变更广播给所有已连接的对端。
func (d *Document) Set(key string, value any) error {
	if d.engine.isDisposed() {
		return ErrDisposed
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", d.name, key, err)
	}
	change := d.m.Set(key, raw)
	d.engine.broadcastChanges(d.name, []Change{change})
	return nil
}

// Delete 删除 key 并广播墓碑。key 不存在时返回 false。
func (d *Document) Delete(key string) (bool, error) {
	if d.engine.isDisposed() {
		return false, ErrDisposed
	}
	change, ok := d.m.Delete(key)
	if !ok {
		return false, nil
	}
	d.engine.broadcastChanges(d.name, []Change{change})
	return true, nil
}

// GetState returns every live key with its stored JSON.
func (d *Document) GetState() map[string]Value {
	return d.m.GetAll()
}

// Keys returns the live keys in ascending order.
func (d *Document) Keys() []string {
	return d.m.Keys()
}

// Len returns the number of live keys.
func (d *Document) Len() int {
	return d.m.Len()
}

// Subscribe registers fn for every accepted local or remote change.
func (d *Document) Subscribe(fn func(Change)) (unsubscribe func()) {
	return d.m.Subscribe(fn)
}

// ToState exports a snapshot, tombstones included.
func (d *Document) ToState() crdt.State[Value] {
	return d.m.ToState()
}

// FromState 导入快照；被接受的条目会广播给已连接的对端。
func (d *Document) FromState(state crdt.State[Value]) ([]Change, error) {
	if d.engine.isDisposed() {
		return nil, ErrDisposed
	}
	applied := d.m.FromState(state)
	if len(applied) > 0 {
		d.engine.broadcastChanges(d.name, applied)
	}
	return applied, nil
}
