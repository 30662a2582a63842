package medctx

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ttlCache is a time-boxed cache unbounded by count. Entries are keyed by a
// content hash, so concurrent conversations can share it.
type ttlCache[V any] struct {
	lru *expirable.LRU[uint64, V]
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	// size 0 disables count-based eviction
	return &ttlCache[V]{lru: expirable.NewLRU[uint64, V](0, nil, ttl)}
}

func (c *ttlCache[V]) get(key uint64) (V, bool) { return c.lru.Get(key) }

func (c *ttlCache[V]) set(key uint64, v V) { c.lru.Add(key, v) }

func (c *ttlCache[V]) len() int { return c.lru.Len() }

// hashKey hashes parts with a separator so ("ab","c") and ("a","bc") differ.
func hashKey(parts ...string) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
