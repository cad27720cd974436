package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MultiStore 管理多个 Store 实例，每个房间一个目录。
type MultiStore struct {
	rootPath string
	options  []BadgerOption
	mu       sync.RWMutex
	stores   map[string]*BadgerStore
}

// NewMultiStore 创建一个新的 MultiStore 管理器。
// rootPath 是存放所有房间数据的目录。
func NewMultiStore(rootPath string, options ...BadgerOption) *MultiStore {
	return &MultiStore{
		rootPath: rootPath,
		options:  options,
		stores:   make(map[string]*BadgerStore),
	}
}

// ValidateName rejects names that are empty, hidden or would escape rootPath.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\:`) || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Get 返回给定房间的 Store，尚未打开时打开它。
func (m *MultiStore) Get(name string) (Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	s, ok := m.stores[name]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 双重检查
	if s, ok := m.stores[name]; ok {
		return s, nil
	}

	dbPath := filepath.Join(m.rootPath, name)
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s, err := NewBadgerStore(dbPath, m.options...)
	if err != nil {
		return nil, err
	}
	m.stores[name] = s
	return s, nil
}

// Close 关闭给定房间的存储。
func (m *MultiStore) Close(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[name]
	if !ok {
		return nil
	}
	delete(m.stores, name)
	return s.Close()
}

// CloseAll 关闭所有打开的存储。
func (m *MultiStore) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, name)
	}
	return firstErr
}
