// Package storage provides the byte-addressable key-value backend behind
// every index table.
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface the index writes through. Keys are raw bytes; the
// index prefixes every key with a stable one-byte table id.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates keys with the given prefix in ascending key order.
	// The callback receives copies. Return a non-nil error to stop early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	// ForEachReverse iterates keys with the given prefix in descending
	// key order.
	ForEachReverse(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// ErrStop can be returned from an iteration callback to stop early without
// the iteration itself reporting an error.
var ErrStop = errors.New("stop iteration")
