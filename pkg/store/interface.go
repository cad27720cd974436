// Package store is the application-side key-value store the CLI uses to keep
// documents across restarts. The sync engine never calls it.
package store

import (
	"errors"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidName indicates a room name that cannot be used as a directory.
	ErrInvalidName = errors.New("invalid store name")
)

// Store 代表底层 KV 存储接口 (例如 BadgerDB)。
type Store interface {
	// Close 关闭存储。
	Close() error

	// View 执行只读事务。
	View(fn func(Tx) error) error

	// Update 执行读写事务。fn 返回错误时事务回滚。
	Update(fn func(Tx) error) error
}

// Tx 代表事务。
type Tx interface {
	// Get 获取键的值。
	// 如果键不存在返回 ErrKeyNotFound。
	Get(key []byte) ([]byte, error)

	// Set 设置键的值。
	Set(key, value []byte) error

	// Delete 删除键。
	Delete(key []byte) error

	// Scan 按键升序遍历带有 prefix 的所有键值对，fn 返回错误时停止。
	Scan(prefix []byte, fn func(key, value []byte) error) error
}
