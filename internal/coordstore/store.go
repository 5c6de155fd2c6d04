// Package coordstore abstracts the strongly-consistent key-value store that
// holds the reboot lock, the leadership record and the durable lease mirror.
// Values are plain strings; keys are slash-separated paths.
package coordstore

import (
	"context"
	"errors"
)

var ErrKeyNotFound = errors.New("coordstore: key not found")

type Store interface {
	// Get returns the value at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// List returns all key/value pairs under prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)

	// Put writes value at key unconditionally.
	Put(ctx context.Context, key, value string) error

	// Create writes value at key only if the key does not exist.
	// Returns false without error when the key is already present.
	Create(ctx context.Context, key, value string) (bool, error)

	// CompareAndSwap replaces the value at key only if the current value
	// equals prev. Returns false without error on a lost race.
	CompareAndSwap(ctx context.Context, key, prev, next string) (bool, error)

	// Delete removes key. Returns false when the key did not exist.
	Delete(ctx context.Context, key string) (bool, error)
}
