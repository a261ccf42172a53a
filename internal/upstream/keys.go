package upstream

import (
	"errors"
	"sync/atomic"
)

// ErrNoKeys is returned when a key ring is built from an empty pool.
var ErrNoKeys = errors.New("upstream: no API keys configured")

// KeyRing rotates through a fixed pool of API keys. Safe for concurrent use.
type KeyRing struct {
	keys []string
	next atomic.Uint64
}

// NewKeyRing returns a ring over keys.
func NewKeyRing(keys []string) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return &KeyRing{keys: append([]string(nil), keys...)}, nil
}

// Next returns the key for the next request.
func (k *KeyRing) Next() string {
	n := k.next.Add(1) - 1
	return k.keys[n%uint64(len(k.keys))]
}

// Len returns the pool size.
func (k *KeyRing) Len() int {
	return len(k.keys)
}
