// Package store provides the durable key/value backing of the engine. It
// knows nothing about trie semantics; keys and values are raw bytes.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("store: not found")
)

// KV is one key/value pair of a batch write.
type KV struct {
	Key   []byte
	Value []byte
}

// Store is the capability the trie needs from a backing medium. PutBatch is
// atomic: either every pair lands or none does.
type Store interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	PutBatch(pairs []KV) error
	Close() error
}

// Backend names a store implementation in configuration.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
	BackendLevel  Backend = "leveldb"
)

// Config selects and locates a backend.
type Config struct {
	Backend Backend `yaml:"backend"`
	Path    string  `yaml:"path"`
}

// Open creates the configured store. The memory backend ignores the path.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemStore(), nil
	case BackendBadger:
		return NewBadgerStore(cfg.Path)
	case BackendLevel:
		return NewLevelStore(cfg.Path)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
