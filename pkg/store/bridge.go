package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GhostScientist/nearstack/pkg/crdt"
	"github.com/GhostScientist/nearstack/pkg/hlc"
)

const docPrefix = "doc/"

// Document is the part of a replicated document the bridge needs.
type Document interface {
	Name() string
	ToState() crdt.State[json.RawMessage]
	FromState(state crdt.State[json.RawMessage]) ([]crdt.Change[json.RawMessage], error)
	Subscribe(fn func(crdt.Change[json.RawMessage])) (unsubscribe func())
}

func entryKey(doc, key string) []byte {
	return []byte(docPrefix + doc + "\x00" + key)
}

func docKeyPrefix(doc string) []byte {
	return []byte(docPrefix + doc + "\x00")
}

// Bridge 把文档的每个条目持久化为 doc/<name>\x00<key>，并在启动时恢复。
// 墓碑同样保存，这样删除在重启后仍然生效。
type Bridge struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	unsubs map[string]func()
}

// NewBridge creates a bridge over s.
func NewBridge(s Store, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:  s,
		logger: logger.With("component", "store-bridge"),
		unsubs: make(map[string]func()),
	}
}

// Names returns the names of every persisted document in ascending order.
func (b *Bridge) Names() ([]string, error) {
	var names []string
	err := b.store.View(func(tx Tx) error {
		return tx.Scan([]byte(docPrefix), func(key, _ []byte) error {
			rest := bytes.TrimPrefix(key, []byte(docPrefix))
			i := bytes.IndexByte(rest, 0)
			if i < 0 {
				return nil
			}
			name := string(rest[:i])
			if len(names) == 0 || names[len(names)-1] != name {
				names = append(names, name)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return names, nil
}

// Load reads the persisted snapshot of a document.
func (b *Bridge) Load(name string) (crdt.State[json.RawMessage], error) {
	state := crdt.State[json.RawMessage]{Entries: make(map[string]crdt.Entry[json.RawMessage])}
	prefix := docKeyPrefix(name)

	err := b.store.View(func(tx Tx) error {
		return tx.Scan(prefix, func(key, value []byte) error {
			var entry crdt.Entry[json.RawMessage]
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("decode %q: %w", key, err)
			}
			state.Entries[string(key[len(prefix):])] = entry
			return nil
		})
	})
	if err != nil {
		return state, fmt.Errorf("load document %s: %w", name, err)
	}
	return state, nil
}

// Save writes a full snapshot of doc.
func (b *Bridge) Save(doc Document) error {
	state := doc.ToState()
	return b.store.Update(func(tx Tx) error {
		for key, entry := range state.Entries {
			if err := putIfNewer(tx, doc.Name(), key, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// Attach 恢复已保存的条目，然后在每次变更时写入存储。重复 Attach 同名文档无效果。
func (b *Bridge) Attach(doc Document) error {
	name := doc.Name()

	b.mu.Lock()
	_, attached := b.unsubs[name]
	b.mu.Unlock()
	if attached {
		return nil
	}

	state, err := b.Load(name)
	if err != nil {
		return err
	}
	if _, err := doc.FromState(state); err != nil {
		return fmt.Errorf("restore document %s: %w", name, err)
	}

	unsubscribe := doc.Subscribe(func(change crdt.Change[json.RawMessage]) {
		err := b.store.Update(func(tx Tx) error {
			return putIfNewer(tx, name, change.Key, change.Entry())
		})
		if err != nil {
			b.logger.Warn("persist change failed", "doc", name, "key", change.Key, "error", err)
		}
	})

	b.mu.Lock()
	b.unsubs[name] = unsubscribe
	b.mu.Unlock()

	b.logger.Debug("document attached", "doc", name, "restored", len(state.Entries))
	return nil
}

// Attached reports whether the document named name is persisted by this bridge.
func (b *Bridge) Attached(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.unsubs[name]
	return ok
}

// Detach stops persisting doc.
func (b *Bridge) Detach(name string) {
	b.mu.Lock()
	unsubscribe, ok := b.unsubs[name]
	delete(b.unsubs, name)
	b.mu.Unlock()

	if ok {
		unsubscribe()
	}
}

// Close detaches every document. The store stays open.
func (b *Bridge) Close() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = make(map[string]func())
	b.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

func putEntry(tx Tx, doc, key string, entry crdt.Entry[json.RawMessage]) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s/%s: %w", doc, key, err)
	}
	return tx.Set(entryKey(doc, key), data)
}

// putIfNewer keeps the stored entry when it is at least as new, since
// subscribers of different goroutines may persist out of order.
func putIfNewer(tx Tx, doc, key string, entry crdt.Entry[json.RawMessage]) error {
	current, err := tx.Get(entryKey(doc, key))
	switch {
	case errors.Is(err, ErrKeyNotFound):
	case err != nil:
		return err
	default:
		var stored crdt.Entry[json.RawMessage]
		if err := json.Unmarshal(current, &stored); err == nil && hlc.Compare(stored.Timestamp, entry.Timestamp) >= 0 {
			return nil
		}
	}
	return putEntry(tx, doc, key, entry)
}
