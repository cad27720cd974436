package sync

import "errors"

var (
	// ErrNoSignaling indicates Connect was called without a signaling channel.
	ErrNoSignaling = errors.New("no signaling channel configured")
	// ErrDisposed indicates the engine was disposed.
	ErrDisposed = errors.New("sync engine disposed")
	// ErrMalformedMessage indicates a data-channel message that cannot be handled.
	ErrMalformedMessage = errors.New("malformed sync message")
	// ErrUnknownCodec indicates a codec name with no implementation.
	ErrUnknownCodec = errors.New("unknown codec")
)
