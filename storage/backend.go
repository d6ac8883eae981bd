package storage

import "errors"

// ErrClosed is returned by a backend used after Close.
var ErrClosed = errors.New("storage backend closed")

// Backend is a namespaced, durable key/value store. A single Put is atomic;
// nothing else is promised across keys.
type Backend interface {
	Get(key string) (value []byte, found bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}
