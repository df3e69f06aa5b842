package store

import "errors"

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("store: key not found")

// Pair is one key/value result from a prefix scan.
type Pair struct {
	Key   string
	Value []byte
}

// KV is the persistent key-value contract the durable queue and the message
// cache persist through. Implementations must be safe for concurrent use.
// Scan returns pairs in ascending key order, which the queue relies on for
// replay ordering.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Scan(prefix string) ([]Pair, error)
	Close() error
}
