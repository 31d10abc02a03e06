// Package store provides the key/value persistence used for account records.
//
// Stores are crash-consistent per key but offer no atomicity across keys.
package store

import "errors"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// SecureStore is a durable key/value store for small secrets.
type SecureStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Watcher is implemented by stores that can report modifications made by
// another process.
type Watcher interface {
	Watch(onChange func()) error
}
